// Package provider defines the interface for email delivery backends and a
// registry that builds them by scheme name.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/smtp2go-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of parsed email messages
// to the target service (e.g., stdout, SMTP2GO, SES).
type Provider interface {
	// Send delivers an email message through this provider.
	// A provider may record tracking headers on msg after a successful send.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the scheme name of this provider.
	Name() string
}

// Tracker is implemented by providers that record the remote delivery id
// on a sent message under a header.
type Tracker interface {
	TrackingHeader() string
}

// permanentError is a sentinel for failures a retry cannot fix.
type permanentError struct {
	msg string
}

func (e *permanentError) Error() string   { return e.msg }
func (e *permanentError) Permanent() bool { return true }

// NewPermanent returns a sentinel error that IsPermanent reports as permanent.
// Compare against it with errors.Is.
func NewPermanent(msg string) error {
	return &permanentError{msg: msg}
}

// IsPermanent reports whether any error in err's chain has a Permanent
// method returning true.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
