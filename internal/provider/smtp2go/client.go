package smtp2go

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shineum/smtp2go-relay/internal/provider"
)

// DefaultEndpoint is the public SMTP2GO v3 API base URL.
const DefaultEndpoint = "https://api.smtp2go.com/v3"

// DefaultTimeout bounds a single API call when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// sendPath is resolved against the normalized endpoint.
const sendPath = "email/send"

// maxErrorBody caps how much of a failed response is kept on APIError.
const maxErrorBody = 4096

var (
	// ErrConfig is the parent of every construction error.
	ErrConfig = provider.NewPermanent("smtp2go: invalid configuration")

	// ErrMissingEndpoint is returned when the endpoint is blank.
	ErrMissingEndpoint = fmt.Errorf("%w: endpoint is required", ErrConfig)

	// ErrMissingAPIKey is returned when the API key is blank.
	ErrMissingAPIKey = fmt.Errorf("%w: API key is required", ErrConfig)

	// ErrNoSender is returned by Send when SendData has no sender.
	ErrNoSender = provider.NewPermanent("smtp2go: message has no sender")

	// ErrNoRecipients is returned by Send when SendData has no To recipients.
	ErrNoRecipients = provider.NewPermanent("smtp2go: message has no recipients")
)

// Config holds the configuration for creating a Client.
type Config struct {
	Endpoint string
	APIKey   string

	// Timeout applies when HTTPClient is nil. Zero means DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the client used for requests.
	HTTPClient *http.Client
}

// Client is a minimal SMTP2GO API client. It is safe for concurrent use;
// its only state is the immutable endpoint and key captured at construction.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// APIError is returned when the API answers with a non-2xx status.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Code != "" {
		return fmt.Sprintf("SMTP2GO API error (HTTP %d, %s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("SMTP2GO API error (HTTP %d): %s", e.StatusCode, msg)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// NewClient validates cfg and returns a Client. Both the endpoint and the API
// key must be non-blank.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/") + "/",
		apiKey:     apiKey,
		httpClient: httpClient,
	}, nil
}

// Endpoint returns the normalized base URL, always ending in one slash.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send posts data to the email/send endpoint and returns the identifiers
// from the response. A 2xx response never yields an error, even when the
// identifiers are missing. Transport failures and non-2xx statuses are
// returned to the caller without retry.
func (c *Client) Send(ctx context.Context, data SendData) (SendResult, error) {
	if len(data.Sender) == 0 {
		return SendResult{}, ErrNoSender
	}
	if len(data.To) == 0 {
		return SendResult{}, ErrNoRecipients
	}

	bodyJSON, err := json.Marshal(buildPayload(data))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+sendPath, bytes.NewReader(bodyJSON))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Smtp2go-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("SMTP2GO request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to read SMTP2GO response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, body)
		slog.Warn("SMTP2GO API rejected request",
			"status", apiErr.StatusCode,
			"request_id", apiErr.RequestID,
			"error_code", apiErr.Code,
		)
		return SendResult{}, apiErr
	}

	result, detail := parseSendResult(body)
	if detail != nil {
		slog.Debug("SMTP2GO API accepted request",
			"request_id", result.RequestID,
			"email_id", result.EmailID,
			"succeeded", detail.Succeeded,
			"failed", detail.Failed,
		)
	} else {
		slog.Debug("SMTP2GO API response had no data object",
			"request_id", result.RequestID,
			"status", resp.StatusCode,
		)
	}

	return result, nil
}

// newAPIError builds an APIError from a failed response body.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	if len(body) > maxErrorBody {
		apiErr.Body = string(body[:maxErrorBody])
	} else {
		apiErr.Body = string(body)
	}

	result, detail := parseSendResult(body)
	apiErr.RequestID = result.RequestID
	if detail != nil {
		apiErr.Code = detail.ErrorCode
		apiErr.Message = detail.Error
	}
	return apiErr
}
