// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/smtp2go-relay/internal/email"
	"github.com/shineum/smtp2go-relay/internal/provider"
)

// Scheme is the name the provider is registered under.
const Scheme = "stdout"

const separator = "========================================\n"

// Provider prints email messages in a human-readable format. It never
// contacts a remote service and is meant for local development.
type Provider struct {
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Factory builds a stdout Provider. Settings are ignored.
func Factory(context.Context, provider.Settings) (provider.Provider, error) {
	return New(), nil
}

// Send prints the email message. Write failures are returned.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", joinAddresses(msg.From))
	fmt.Fprintf(&b, "To: %s\n", joinAddresses(msg.To))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", joinAddresses(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", joinAddresses(msg.Bcc))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	for _, h := range msg.Headers.WithPrefix("x-") {
		fmt.Fprintf(&b, "%s: %s\n", h.Name, h.Value)
	}

	b.WriteString("Body:\n")
	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return Scheme
}

// joinAddresses renders a list the way a mail client shows it: bare
// addresses stay bare, named ones get the display name.
func joinAddresses(list []email.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name == "" {
			out = append(out, a.Address)
			continue
		}
		out = append(out, a.String())
	}
	return strings.Join(out, ", ")
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
