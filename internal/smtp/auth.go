// Package smtp implements the SMTP front door of the relay: a small ESMTP
// server with STARTTLS and AUTH that hands each accepted message to a provider.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrMalformedCredentials is returned when an AUTH response cannot be decoded.
	ErrMalformedCredentials = errors.New("malformed credentials")

	// ErrAuthFailed is returned when decoded credentials do not match.
	ErrAuthFailed = errors.New("authentication failed")
)

// Authenticator checks SMTP AUTH credentials against a single configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator returns an Authenticator. Authentication is disabled
// unless both username and password are non-empty.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether clients must authenticate.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks an AUTH PLAIN response, base64("authzid\0authcid\0passwd").
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrMalformedCredentials
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return ErrMalformedCredentials
	}
	return a.check(parts[1], parts[2])
}

// VerifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenge exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return ErrMalformedCredentials
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return ErrMalformedCredentials
	}
	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}
