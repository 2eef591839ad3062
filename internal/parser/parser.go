// Package parser provides RFC 5322 email message parsing with MIME multipart
// support, built on go-message.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp2go-relay/internal/email"
)

// Parse parses a raw RFC 5322 email message into an email.Message.
// Header fields keep their wire order and original name case. Plain text
// and HTML bodies are taken from the first matching inline part; other
// parts with a filename, or an attachment disposition, become attachments.
func Parse(raw []byte) (*email.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("message uses an unknown charset", "error", err)
	}
	defer mr.Close()

	result := &email.Message{
		Headers: copyHeaders(mr.Header),
	}
	if len(result.Headers) == 0 {
		return nil, errors.New("failed to parse message: no header fields")
	}

	multipartTop, err := checkTopLevelType(mr.Header)
	if err != nil {
		return nil, err
	}

	if subject, err := mr.Header.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = mr.Header.Get("Subject")
	}
	result.MessageID = mr.Header.Get("Message-Id")
	result.From = parseAddressList(mr.Header, "From")
	result.To = parseAddressList(mr.Header, "To")
	result.Cc = parseAddressList(mr.Header, "Cc")
	result.Bcc = parseAddressList(mr.Header, "Bcc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if multipartTop {
				return nil, fmt.Errorf("failed to parse multipart message: %w", err)
			}
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			readInlinePart(h, part.Body, multipartTop, result)
		case *mail.AttachmentHeader:
			readAttachmentPart(h, part.Body, result)
		}
	}

	return result, nil
}

// checkTopLevelType reports whether the message is multipart and rejects a
// multipart message without a boundary.
func checkTopLevelType(h mail.Header) (bool, error) {
	if h.Get("Content-Type") == "" {
		return false, nil
	}

	mediaType, params, err := h.ContentType()
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", h.Get("Content-Type"),
			"error", err,
		)
		return false, nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return false, nil
	}
	if params["boundary"] == "" {
		return false, errors.New("multipart message missing boundary")
	}
	return true, nil
}

// copyHeaders copies the header fields in order. The name is taken from the
// raw field so that its original case survives.
func copyHeaders(h mail.Header) email.Headers {
	var out email.Headers

	fields := h.Fields()
	for fields.Next() {
		name := fields.Key()
		if raw, err := fields.Raw(); err == nil {
			if i := bytes.IndexByte(raw, ':'); i > 0 {
				name = strings.TrimSpace(string(raw[:i]))
			}
		}

		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out.Add(name, value)
	}

	return out
}

// readInlinePart fills the text or HTML body, or stores the part as an
// attachment when it is non-text content carrying a filename.
func readInlinePart(h *mail.InlineHeader, body io.Reader, multipartTop bool, result *email.Message) {
	mediaType, params := "text/plain", map[string]string{}
	if h.Get("Content-Type") != "" {
		mt, p, err := h.ContentType()
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", h.Get("Content-Type"),
				"error", err,
			)
			if multipartTop {
				return
			}
		} else {
			mediaType, params = mt, p
		}
	}

	content, err := io.ReadAll(body)
	if err != nil {
		slog.Warn("failed to read part content",
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
		return
	case "text/html":
		if result.HTMLBody == "" {
			result.HTMLBody = string(content)
		}
		return
	}

	filename := inlineFilename(h, params)
	switch {
	case filename != "":
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Content:     content,
		})
	case !multipartTop:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.TextBody = string(content)
	default:
		slog.Warn("unrecognized MIME part, skipping",
			"content_type", mediaType,
			"disposition", h.Get("Content-Disposition"),
		)
	}
}

// readAttachmentPart stores an attachment-disposition part.
func readAttachmentPart(h *mail.AttachmentHeader, body io.Reader, result *email.Message) {
	mediaType, params, err := h.ContentType()
	if err != nil {
		mediaType = "application/octet-stream"
		params = map[string]string{}
	}

	content, err := io.ReadAll(body)
	if err != nil {
		slog.Warn("failed to read attachment content",
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	filename, err := h.Filename()
	if err != nil || filename == "" {
		filename = params["name"]
	}
	if filename == "" {
		filename = fallbackFilename(mediaType)
	}

	result.Attachments = append(result.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	})
}

// inlineFilename returns the filename of an inline part from its
// Content-Disposition, or the Content-Type name parameter.
func inlineFilename(h *mail.InlineHeader, params map[string]string) string {
	if h.Get("Content-Disposition") != "" {
		if _, dp, err := h.ContentDisposition(); err == nil && dp["filename"] != "" {
			return dp["filename"]
		}
	}
	return params["name"]
}

// fallbackFilename generates a name from the media type, e.g.
// "attachment.pdf", for attachments that carry none.
func fallbackFilename(mediaType string) string {
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) == 2 && parts[1] != "" {
		return "attachment." + parts[1]
	}
	return "attachment"
}

// parseAddressList parses an address header. Malformed lists fall back to a
// comma split with empty display names.
func parseAddressList(h mail.Header, key string) []email.Address {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		slog.Debug("falling back to comma split for address list",
			"header", key,
			"error", err,
		)
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.Trim(strings.TrimSpace(p), "<>")
			if trimmed != "" {
				result = append(result, email.Address{Address: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, email.Address{Name: a.Name, Address: a.Address})
	}
	return result
}
