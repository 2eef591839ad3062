// Command send-test-email sends one real message through the SMTP2GO API
// to check that an API key and sender are usable.
//
// Settings come from the environment, optionally seeded from a .env file:
// SMTP2GO_API_KEY and TEST_EMAIL_TO are required; SMTP2GO_ENDPOINT,
// TEST_EMAIL_FROM and TEST_EMAIL_FROM_NAME are optional.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"html"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/shineum/smtp2go-relay/internal/email"
	"github.com/shineum/smtp2go-relay/internal/provider/smtp2go"
)

const (
	defaultFrom     = "test@example.com"
	defaultFromName = "SMTP2Go Test"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Getenv); err != nil {
		os.Exit(1)
	}
}

// run sends the test message and writes a report to w. The returned error
// has already been reported.
func run(ctx context.Context, w io.Writer, getenv func(string) string) error {
	apiKey := getenv("SMTP2GO_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(w, "Error: SMTP2GO_API_KEY is not set")
		fmt.Fprintln(w, "   Add it to your environment or .env file")
		return errors.New("missing SMTP2GO_API_KEY")
	}
	to := getenv("TEST_EMAIL_TO")
	if to == "" {
		fmt.Fprintln(w, "Error: TEST_EMAIL_TO is not set")
		fmt.Fprintln(w, "   Add the address that should receive the test email")
		return errors.New("missing TEST_EMAIL_TO")
	}

	from := email.Address{Name: valueOr(getenv("TEST_EMAIL_FROM_NAME"), defaultFromName), Address: valueOr(getenv("TEST_EMAIL_FROM"), defaultFrom)}
	endpoint := valueOr(getenv("SMTP2GO_ENDPOINT"), smtp2go.DefaultEndpoint)

	fmt.Fprintln(w, "SMTP2GO relay - test email")
	fmt.Fprintln(w, "==========================")
	fmt.Fprintf(w, "  From:     %s\n", from)
	fmt.Fprintf(w, "  To:       %s\n", to)
	fmt.Fprintf(w, "  Endpoint: %s\n", endpoint)
	fmt.Fprintf(w, "  API Key:  %s...\n\n", prefix(apiKey, 10))

	client, err := smtp2go.NewClient(smtp2go.Config{Endpoint: endpoint, APIKey: apiKey})
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return err
	}
	transport := smtp2go.NewTransport(client)

	msg := &email.Message{
		From:     []email.Address{from},
		To:       []email.Address{{Address: to}},
		Subject:  "SMTP2GO relay - test email",
		TextBody: "This is a plain text test email sent via the SMTP2GO API.",
		HTMLBody: testHTML(from, to, time.Now()),
	}

	fmt.Fprintln(w, "Sending test email...")
	result, err := transport.SendMessage(ctx, msg)
	if err != nil {
		fmt.Fprintf(w, "\nERROR: failed to send email\n  %v\n\n", err)
		fmt.Fprintln(w, "Common issues:")
		fmt.Fprintln(w, "  1. Invalid API key, check SMTP2GO_API_KEY")
		fmt.Fprintln(w, "  2. API key lacks send permissions")
		fmt.Fprintln(w, "  3. Sender address not verified in the SMTP2GO dashboard")
		fmt.Fprintln(w, "  4. Network or firewall blocking the SMTP2GO API")
		return err
	}

	fmt.Fprintln(w, "\nSUCCESS: email accepted by SMTP2GO")
	fmt.Fprintf(w, "  Request ID: %s\n", result.RequestID)
	fmt.Fprintf(w, "  Email ID:   %s\n", result.EmailID)
	fmt.Fprintf(w, "\nCheck the inbox at %s (and the spam folder).\n", to)
	return nil
}

func testHTML(from email.Address, to string, sent time.Time) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <h1>SMTP2GO relay</h1>
  <p>If you are reading this, the relay can deliver through the SMTP2GO API.</p>
  <ul>
    <li><strong>From:</strong> %s</li>
    <li><strong>To:</strong> %s</li>
    <li><strong>Sent:</strong> %s</li>
  </ul>
</body>
</html>`, html.EscapeString(from.String()), html.EscapeString(to), sent.Format(time.DateTime))
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
