// Package smtp2go implements a Provider that sends emails via the SMTP2GO
// REST API.
package smtp2go

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/shineum/smtp2go-relay/internal/email"
)

// CustomHeader is a header forwarded to SMTP2GO for the provider to relay.
type CustomHeader struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// AttachmentPayload is the wire form of an attachment.
type AttachmentPayload struct {
	Filename string `json:"filename"`
	Fileblob string `json:"fileblob"`
	Mimetype string `json:"mimetype"`
}

// SendData is the normalized input of Client.Send. Only the first Sender is
// used.
type SendData struct {
	Sender        []email.Address
	To            []email.Address
	Cc            []email.Address
	Bcc           []email.Address
	Subject       string
	HTMLBody      string
	TextBody      string
	Attachments   []email.Attachment
	CustomHeaders []CustomHeader
}

// SendResult carries the identifiers returned by the API. Empty strings mean
// the identifier was not available, not that the send failed.
type SendResult struct {
	RequestID string `json:"request_id"`
	EmailID   string `json:"email_id"`
}

// sendPayload is the request body for POST email/send. Optional keys are
// omitted when empty; their presence tells the API they carry data.
type sendPayload struct {
	Sender        string              `json:"sender"`
	To            []string            `json:"to"`
	Subject       string              `json:"subject"`
	Cc            []string            `json:"cc,omitempty"`
	Bcc           []string            `json:"bcc,omitempty"`
	HTMLBody      string              `json:"html_body,omitempty"`
	TextBody      string              `json:"text_body,omitempty"`
	CustomHeaders []CustomHeader      `json:"custom_headers,omitempty"`
	Attachments   []AttachmentPayload `json:"attachments,omitempty"`
}

// sendResponseData holds the informational fields of a response data
// object. Each field is decoded on its own; a mistyped one stays zero.
type sendResponseData struct {
	Succeeded int
	Failed    int
	Error     string
	ErrorCode string
}

// buildPayload converts SendData into the request body.
func buildPayload(data SendData) *sendPayload {
	p := &sendPayload{
		Sender:  data.Sender[0].String(),
		To:      formatAddresses(data.To),
		Subject: data.Subject,
		Cc:      formatAddresses(data.Cc),
		Bcc:     formatAddresses(data.Bcc),
	}

	if filled(data.HTMLBody) {
		p.HTMLBody = data.HTMLBody
	}
	if filled(data.TextBody) {
		p.TextBody = data.TextBody
	}
	if len(data.CustomHeaders) > 0 {
		p.CustomHeaders = data.CustomHeaders
	}
	if len(data.Attachments) > 0 {
		p.Attachments = make([]AttachmentPayload, 0, len(data.Attachments))
		for _, att := range data.Attachments {
			p.Attachments = append(p.Attachments, Attachment(att))
		}
	}

	return p
}

// Attachment converts an attachment into its wire form.
func Attachment(att email.Attachment) AttachmentPayload {
	return AttachmentPayload{
		Filename: att.Filename,
		Fileblob: base64.StdEncoding.EncodeToString(att.Content),
		Mimetype: att.ContentType,
	}
}

// formatAddresses renders each address in order. A nil or empty list yields
// nil so the key is dropped from the payload.
func formatAddresses(list []email.Address) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}

// filled reports whether s has any non-whitespace content.
func filled(s string) bool {
	return strings.TrimSpace(s) != ""
}

// parseSendResult extracts the identifiers from a response body. Nested data
// values win over top-level ones. Only JSON strings count as identifiers;
// anything missing or of another type becomes "". The returned detail is nil
// when the body has no data object.
func parseSendResult(body []byte) (SendResult, *sendResponseData) {
	var result SendResult

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return result, nil
	}

	var data map[string]json.RawMessage
	hasData := json.Unmarshal(resp["data"], &data) == nil && data != nil

	if id, ok := stringField(data, "request_id"); ok {
		result.RequestID = id
	} else if id, ok := stringField(resp, "request_id"); ok {
		result.RequestID = id
	}

	if !hasData {
		return result, nil
	}
	if id, ok := stringField(data, "email_id"); ok {
		result.EmailID = id
	}

	detail := &sendResponseData{}
	decodeField(data, "succeeded", &detail.Succeeded)
	decodeField(data, "failed", &detail.Failed)
	decodeField(data, "error", &detail.Error)
	decodeField(data, "error_code", &detail.ErrorCode)
	return result, detail
}

// stringField returns obj[key] when it is a JSON string.
func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeField decodes obj[key] into dst, leaving dst untouched on failure.
func decodeField[T any](obj map[string]json.RawMessage, key string, dst *T) {
	raw, ok := obj[key]
	if !ok {
		return
	}
	var v T
	if json.Unmarshal(raw, &v) == nil {
		*dst = v
	}
}
