package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp2go-relay/internal/email"
	"github.com/shineum/smtp2go-relay/internal/parser"
	"github.com/shineum/smtp2go-relay/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func simpleMessage() *email.Message {
	return &email.Message{
		From:     []email.Address{{Name: "Sender", Address: "sender@example.com"}},
		To:       []email.Address{{Address: "to@example.com"}},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("", &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_SimpleTextEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("", mock)

	msg := simpleMessage()
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != `"Sender" <sender@example.com>` {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello, World!" {
		t.Errorf("TextBody: got %q, want %q", got, "Hello, World!")
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}
	if got := msg.Headers.Get(TrackingHeader); got != "test-message-id" {
		t.Errorf("%s: got %q, want %q", TrackingHeader, got, "test-message-id")
	}
}

func TestSend_ConfiguredSenderOverridesFrom(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("relay@example.com", mock)

	if err := p.Send(context.Background(), simpleMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *mock.lastInput.FromEmailAddress; got != "<relay@example.com>" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
}

func TestSend_NoSender(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("", mock)

	msg := simpleMessage()
	msg.From = nil
	if err := p.Send(context.Background(), msg); !errors.Is(err, ErrNoSender) {
		t.Fatalf("expected ErrNoSender, got %v", err)
	}
	if mock.callCount != 0 {
		t.Error("SES should not be called without a sender")
	}
}

func TestSend_RecipientsAndCustomHeaders(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("", mock)

	msg := simpleMessage()
	msg.To = append(msg.To, email.Address{Name: "Two", Address: "to2@example.com"})
	msg.Cc = []email.Address{{Address: "cc@example.com"}}
	msg.Bcc = []email.Address{{Address: "bcc@example.com"}}
	msg.AddHeader("X-Communication-Id", "42")
	msg.AddHeader("Content-Type", "text/plain")

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dest := mock.lastInput.Destination
	if len(dest.ToAddresses) != 2 || dest.ToAddresses[1] != "to2@example.com" {
		t.Errorf("ToAddresses: got %v", dest.ToAddresses)
	}
	if len(dest.CcAddresses) != 1 || len(dest.BccAddresses) != 1 {
		t.Errorf("Cc/Bcc: got %v / %v", dest.CcAddresses, dest.BccAddresses)
	}

	headers := mock.lastInput.Content.Simple.Headers
	if len(headers) != 1 || *headers[0].Name != "X-Communication-Id" || *headers[0].Value != "42" {
		t.Errorf("Headers: got %+v", headers)
	}
}

func TestSend_WithAttachmentsUsesRawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("", mock)

	msg := simpleMessage()
	msg.Bcc = []email.Address{{Address: "hidden@example.com"}}
	msg.Attachments = []email.Attachment{{Filename: "test.txt", ContentType: "text/plain", Content: []byte("file content")}}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content for attachment, got nil")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content when using raw message")
	}
	if len(input.Destination.BccAddresses) != 1 {
		t.Errorf("raw send must carry Bcc in the destination: %v", input.Destination.BccAddresses)
	}
	if strings.Contains(string(input.Content.Raw.Data), "hidden@example.com") {
		t.Error("Bcc must not appear in raw headers")
	}
}

func TestSend_ErrorNotRetried(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	p := NewWithClient("", mock)

	msg := simpleMessage()
	err := p.Send(context.Background(), msg)
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("expected wrapped SES error, got %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	if msg.Headers.Get(TrackingHeader) != "" {
		t.Error("tracking header must not be set on failure")
	}
}

func TestBuildRawMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		To:        []email.Address{{Name: "To User", Address: "to@example.com"}},
		Cc:        []email.Address{{Address: "cc@example.com"}},
		Subject:   "Raw Test",
		TextBody:  "text body",
		HTMLBody:  "<p>html body</p>",
		MessageID: "<msg-123@example.com>",
		Attachments: []email.Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("pdf content")},
		},
	}
	msg.AddHeader("X-Communication-Id", "42")

	raw, err := buildRawMessage(&mail.Address{Address: "sender@example.com"}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lower := strings.ToLower(string(raw))
	for _, want := range []string{"mime-version: 1.0", "multipart/mixed", "message-id: <msg-123@example.com>", "content-transfer-encoding: base64"} {
		if !strings.Contains(lower, want) {
			t.Errorf("raw message missing %q", want)
		}
	}

	parsed, err := parser.Parse(raw)
	if err != nil {
		t.Fatalf("raw message does not parse: %v", err)
	}
	if len(parsed.From) != 1 || parsed.From[0].Address != "sender@example.com" {
		t.Errorf("From: got %v", parsed.From)
	}
	if len(parsed.To) != 1 || parsed.To[0].Name != "To User" {
		t.Errorf("To: got %v", parsed.To)
	}
	if len(parsed.Cc) != 1 || parsed.Cc[0].Address != "cc@example.com" {
		t.Errorf("Cc: got %v", parsed.Cc)
	}
	if parsed.Subject != "Raw Test" {
		t.Errorf("Subject: got %q", parsed.Subject)
	}
	if parsed.TextBody != "text body" || parsed.HTMLBody != "<p>html body</p>" {
		t.Errorf("bodies: got %q / %q", parsed.TextBody, parsed.HTMLBody)
	}
	if len(parsed.Attachments) != 1 || parsed.Attachments[0].Filename != "doc.pdf" || string(parsed.Attachments[0].Content) != "pdf content" {
		t.Errorf("Attachments: got %+v", parsed.Attachments)
	}
	if parsed.Headers.Get("X-Communication-Id") != "42" {
		t.Error("custom header lost in raw message")
	}
}

func TestNew_MissingRegion(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), SESProviderConfig{}); !errors.Is(err, ErrMissingRegion) {
		t.Errorf("expected ErrMissingRegion, got %v", err)
	}
	if _, err := Factory(context.Background(), provider.Settings{}); !errors.Is(err, ErrMissingRegion) {
		t.Errorf("Factory: expected ErrMissingRegion, got %v", err)
	}
}

// Verify SESProvider implements provider.Provider interface
var _ provider.Provider = (*SESProvider)(nil)
var _ provider.Tracker = (*SESProvider)(nil)
