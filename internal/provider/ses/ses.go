// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp2go-relay/internal/email"
	"github.com/shineum/smtp2go-relay/internal/provider"
)

// Scheme is the name the provider is registered under.
const Scheme = "ses"

// TrackingHeader is added to a message after SES accepted it.
const TrackingHeader = "X-Ses-Message-Id"

var (
	// ErrMissingRegion is returned when no AWS region is configured.
	ErrMissingRegion = provider.NewPermanent("ses: region is required")

	// ErrNoSender is returned when neither the message nor the config has a sender.
	ErrNoSender = provider.NewPermanent("ses: message has no sender")
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the message From address when set.
	Sender string
}

// SESProvider sends emails via the AWS SES v2 API.
type SESProvider struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration. Static
// credentials are used when both keys are set; otherwise the default AWS
// credential chain applies.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	if cfg.Region == "" {
		return nil, ErrMissingRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
	}
}

// Factory builds a SESProvider from registry settings: region,
// access_key_id, secret_access_key and sender.
func Factory(ctx context.Context, s provider.Settings) (provider.Provider, error) {
	return New(ctx, SESProviderConfig{
		Region:          s.Get("region"),
		AccessKeyID:     s.Get("access_key_id"),
		SecretAccessKey: s.Get("secret_access_key"),
		Sender:          s.Get("sender"),
	})
}

// Send delivers an email message via AWS SES v2. Messages with attachments
// go out as raw MIME; others use simple content. Failures are returned
// without retry so the SMTP client can requeue.
func (s *SESProvider) Send(ctx context.Context, msg *email.Message) error {
	from, err := s.fromAddress(msg)
	if err != nil {
		return err
	}

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(from, msg)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from.String()),
			Destination:      buildDestination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(from, msg)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES API request failed: %w", err)
	}

	if out != nil && out.MessageId != nil && *out.MessageId != "" {
		msg.AddHeader(TrackingHeader, *out.MessageId)
		slog.Info("message sent via SES",
			"message_id", msg.MessageID,
			"ses_message_id", *out.MessageId,
		)
	}
	return nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return Scheme
}

// TrackingHeader returns the header Send records the SES message id under.
func (s *SESProvider) TrackingHeader() string {
	return TrackingHeader
}

// fromAddress picks the configured sender, else the first From address.
func (s *SESProvider) fromAddress(msg *email.Message) (*mail.Address, error) {
	if s.sender != "" {
		return &mail.Address{Address: s.sender}, nil
	}
	if len(msg.From) == 0 {
		return nil, ErrNoSender
	}
	return &mail.Address{Name: msg.From[0].Name, Address: msg.From[0].Address}, nil
}

// buildDestination lists every envelope recipient, Bcc included.
func buildDestination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  email.Addresses(msg.To),
		CcAddresses:  email.Addresses(msg.Cc),
		BccAddresses: email.Addresses(msg.Bcc),
	}
}

// buildSimpleInput creates a SES SendEmailInput for emails without
// attachments. X- headers ride along as SES message headers.
func buildSimpleInput(from *mail.Address, msg *email.Message) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	var headers []types.MessageHeader
	for _, h := range msg.Headers.WithPrefix("x-") {
		headers = append(headers, types.MessageHeader{
			Name:  aws.String(h.Name),
			Value: aws.String(h.Value),
		})
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      buildDestination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body:    body,
				Headers: headers,
			},
		},
	}
}

// buildRawMessage writes a multipart/mixed MIME message for emails with
// attachments. Bcc is left out of the headers; SES takes it from the
// destination.
func buildRawMessage(from *mail.Address, msg *email.Message) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{from})
	if len(msg.To) > 0 {
		h.SetAddressList("To", toMailAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.Set("Message-Id", msg.MessageID)
	}
	for _, f := range msg.Headers.WithPrefix("x-") {
		h.Add(f.Name, f.Value)
	}

	var buf bytes.Buffer
	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create MIME writer: %w", err)
	}

	if msg.TextBody != "" || msg.HTMLBody != "" {
		if err := writeBodies(w, msg); err != nil {
			return nil, err
		}
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.SetFilename(att.Filename)

		aw, err := w.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close MIME writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBodies writes the text and HTML bodies as a multipart/alternative part.
func writeBodies(w *mail.Writer, msg *email.Message) error {
	iw, err := w.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}

	bodies := []struct {
		mediaType string
		content   string
	}{
		{"text/plain", msg.TextBody},
		{"text/html", msg.HTMLBody},
	}
	for _, b := range bodies {
		if b.content == "" {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(b.mediaType, map[string]string{"charset": "UTF-8"})

		pw, err := iw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("failed to create %s part: %w", b.mediaType, err)
		}
		if _, err := io.WriteString(pw, b.content); err != nil {
			return fmt.Errorf("failed to write %s part: %w", b.mediaType, err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("failed to close %s part: %w", b.mediaType, err)
		}
	}

	return iw.Close()
}

func toMailAddresses(list []email.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
