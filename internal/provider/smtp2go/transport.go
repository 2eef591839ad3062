package smtp2go

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shineum/smtp2go-relay/internal/email"
	"github.com/shineum/smtp2go-relay/internal/provider"
)

// Scheme is the name the transport is registered under.
const Scheme = "smtp2go"

// TrackingHeader is added to a message after a send that returned an email id.
const TrackingHeader = "X-Smtp2go-Email-Id"

// customHeaderPrefix selects the headers forwarded to the API.
const customHeaderPrefix = "x-"

// Sender is the API operation the Transport depends on. *Client implements it.
type Sender interface {
	Send(ctx context.Context, data SendData) (SendResult, error)
}

// Transport adapts email.Message values to the SMTP2GO API.
type Transport struct {
	client Sender

	mu   sync.Mutex
	last *SendResult
}

// NewTransport returns a Transport that delivers through client.
func NewTransport(client Sender) *Transport {
	return &Transport{client: client}
}

// Factory builds a Transport from registry settings: endpoint, api_key and
// an optional timeout. Defaults must be resolved by the caller.
func Factory(_ context.Context, s provider.Settings) (provider.Provider, error) {
	timeout, err := s.Duration("timeout", DefaultTimeout)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(Config{
		Endpoint: s.Get("endpoint"),
		APIKey:   s.Get("api_key"),
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewTransport(client), nil
}

// Send implements provider.Provider.
func (t *Transport) Send(ctx context.Context, msg *email.Message) error {
	_, err := t.SendMessage(ctx, msg)
	return err
}

// SendMessage delivers msg and returns this call's result. On success with a
// non-empty email id, TrackingHeader is added to msg. Client errors are
// returned as is.
func (t *Transport) SendMessage(ctx context.Context, msg *email.Message) (SendResult, error) {
	forwarded := msg.Headers.WithPrefix(customHeaderPrefix)
	customHeaders := make([]CustomHeader, 0, len(forwarded))
	for _, h := range forwarded {
		customHeaders = append(customHeaders, CustomHeader{Header: h.Name, Value: h.Value})
	}

	attachments := msg.Attachments
	if attachments == nil {
		attachments = []email.Attachment{}
	}

	result, err := t.client.Send(ctx, SendData{
		Sender:        msg.From,
		To:            msg.To,
		Cc:            msg.Cc,
		Bcc:           msg.Bcc,
		Subject:       msg.Subject,
		HTMLBody:      msg.HTMLBody,
		TextBody:      msg.TextBody,
		Attachments:   attachments,
		CustomHeaders: customHeaders,
	})
	if err != nil {
		return SendResult{}, err
	}

	t.mu.Lock()
	t.last = &result
	t.mu.Unlock()

	if result.EmailID != "" {
		msg.AddHeader(TrackingHeader, result.EmailID)
	}

	slog.Info("message sent via SMTP2GO",
		"message_id", msg.MessageID,
		"email_id", result.EmailID,
		"request_id", result.RequestID,
		"custom_headers", len(customHeaders),
		"attachments", len(attachments),
	)

	return result, nil
}

// LastResponse returns the result of the most recent successful send.
// Concurrent senders overwrite it; use SendMessage for per-call results.
func (t *Transport) LastResponse() (SendResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last == nil {
		return SendResult{}, false
	}
	return *t.last, true
}

// Name returns the provider name.
func (t *Transport) Name() string {
	return Scheme
}

// TrackingHeader returns the header SendMessage records the email id under.
func (t *Transport) TrackingHeader() string {
	return TrackingHeader
}

// String returns the transport's scheme.
func (t *Transport) String() string {
	return Scheme
}
