// Package email defines the core email data model used throughout the relay.
package email

import "strings"

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// String formats the address as `Name <address>`. The separator is written
// unconditionally, so an unnamed address renders as " <address>".
func (a Address) String() string {
	return a.Name + " <" + a.Address + ">"
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Header is a single header field with its name in original case.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Unlike a map it keeps wire order and
// allows repeated names.
type Headers []Header

// Add appends a header field.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Get returns the first value for name, compared case-insensitively.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// WithPrefix returns the fields whose name starts with prefix, ignoring case.
func (h Headers) WithPrefix(prefix string) Headers {
	var out Headers
	for _, f := range h {
		if len(f.Name) >= len(prefix) && strings.EqualFold(f.Name[:len(prefix)], prefix) {
			out = append(out, f)
		}
	}
	return out
}

// Message represents a parsed email message with all its components.
// Empty TextBody or HTMLBody means the body is absent.
type Message struct {
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Headers     Headers
	MessageID   string
}

// AddHeader appends a header field to the message.
func (m *Message) AddHeader(name, value string) {
	m.Headers.Add(name, value)
}

// Recipients returns To, Cc and Bcc in that order.
func (m *Message) Recipients() []Address {
	out := make([]Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return append(out, m.Bcc...)
}

// Addresses returns the bare address strings of list.
func Addresses(list []Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
