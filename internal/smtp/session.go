package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp2go-relay/internal/email"
	"github.com/shineum/smtp2go-relay/internal/parser"
	"github.com/shineum/smtp2go-relay/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// defaultMaxMessageSize applies when the server config leaves the limit at zero.
const defaultMaxMessageSize = 10 * 1024 * 1024

// Session is a single SMTP client connection.
type Session struct {
	id     string
	log    *slog.Logger
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	auth           *Authenticator
	provider       provider.Provider
	hostname       string
	maxMessageSize int64

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn using the server's provider,
// hostname, TLS and size settings.
func NewSession(conn net.Conn, cfg ServerConfig, auth *Authenticator) *Session {
	id := uuid.NewString()

	size := cfg.MaxMessageSize
	if size <= 0 {
		size = defaultMaxMessageSize
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "localhost"
	}

	return &Session{
		id:             id,
		log:            slog.With("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		conn:           conn,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		state:          stateConnected,
		auth:           auth,
		provider:       cfg.Provider,
		hostname:       hostname,
		maxMessageSize: size,
		tlsConfig:      cfg.TLSConfig,
	}
}

// ID returns the session's correlation id.
func (s *Session) ID() string {
	return s.id
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or the context is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Cancellation unblocks a pending read. The raw conn is captured because
	// STARTTLS swaps s.conn for a wrapper around it.
	raw := s.conn
	stop := context.AfterFunc(ctx, func() {
		_ = raw.SetReadDeadline(time.Now())
	})
	defer stop()

	s.log.Debug("session started")
	s.writeLine("220 %s ESMTP smtp2go-relay", s.hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}
		// Checked after the deadline is pushed out so a cancellation that
		// landed in between is not lost.
		if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				s.log.Debug("session interrupted by shutdown")
				s.writeLine("421 Service shutting down")
				return
			}
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single command and reports whether the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.maxMessageSize)
	s.writeLine("250 OK")
}

func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case errors.Is(err, errAuthIO):
	case err != nil:
		s.log.Warn("authentication failed", "mechanism", mechanism, "error", err)
		s.writeLine("535 Authentication failed")
	default:
		s.state = stateAuthOK
		s.writeLine("235 Authentication successful")
	}
}

var (
	errAuthCancelled = errors.New("authentication cancelled")
	errAuthIO        = errors.New("authentication read failed")
)

// challenge writes a 334 prompt and returns the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.log.Error("failed to read AUTH response", "error", err)
		return "", errAuthIO
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	} else if encoded == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyPlain(encoded)
}

func (s *Session) authLogin() error {
	// "Username:" and "Password:" in base64.
	user, err := s.challenge("VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	param := strings.TrimSpace(arg[5:])
	addr, ok := extractAddress(param)
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := sizeParam(param); ok && size > s.maxMessageSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		s.log.Error("error reading DATA", "error", err)
		return
	}
	defer s.resetTransaction()

	if tooLarge {
		s.log.Warn("message rejected: too large", "limit", s.maxMessageSize)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.log.Error("failed to parse message", "error", err)
		s.writeLine("550 Failed to process message")
		return
	}
	s.applyEnvelope(msg)

	if err := s.provider.Send(ctx, msg); err != nil {
		s.log.Error("provider send failed",
			"provider", s.provider.Name(),
			"message_id", msg.MessageID,
			"error", err,
		)
		if provider.IsPermanent(err) {
			s.writeLine("554 Transaction failed: message rejected by provider")
			return
		}
		s.writeLine("451 Temporary failure, please try again later")
		return
	}

	id := s.deliveryID(msg)
	s.log.Info("message accepted",
		"provider", s.provider.Name(),
		"message_id", msg.MessageID,
		"delivery_id", id,
		"recipients", len(msg.Recipients()),
	)
	s.writeLine("250 OK queued as %s", id)
}

// readData reads the dot-terminated message body. Once the size limit is
// exceeded the rest is drained and discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooLarge := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		// Dot-stuffing: a leading ".." carries one literal dot.
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.maxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	return buf.Bytes(), tooLarge, nil
}

// applyEnvelope fills gaps in the parsed headers from the SMTP envelope.
// Envelope recipients that the headers do not name are delivered as Bcc.
func (s *Session) applyEnvelope(msg *email.Message) {
	if len(msg.From) == 0 && s.mailFrom != "" {
		msg.From = []email.Address{{Address: s.mailFrom}}
	}

	if len(msg.Recipients()) == 0 {
		for _, rcpt := range s.rcptTo {
			msg.To = append(msg.To, email.Address{Address: rcpt})
		}
	} else {
		named := make(map[string]bool)
		for _, addr := range msg.Recipients() {
			named[strings.ToLower(addr.Address)] = true
		}
		for _, rcpt := range s.rcptTo {
			key := strings.ToLower(rcpt)
			if named[key] {
				continue
			}
			named[key] = true
			msg.Bcc = append(msg.Bcc, email.Address{Address: rcpt})
		}
	}

	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), s.hostname)
	}
}

// deliveryID is the provider's tracking id when it recorded one, else the Message-ID.
func (s *Session) deliveryID(msg *email.Message) string {
	if t, ok := s.provider.(provider.Tracker); ok {
		if id := msg.Headers.Get(t.TrackingHeader()); id != "" {
			return id
		}
	}
	return msg.MessageID
}

// resetTransaction clears the mail transaction without touching greeting or auth.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK && s.auth.Enabled():
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

// writeLine writes a formatted reply followed by CRLF.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the upper-cased verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress returns the path from a MAIL/RCPT parameter. Both
// "<user@example.com> SIZE=10" and bare forms are accepted; "<>" yields
// an empty address with ok set.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return strings.TrimSpace(s[1:end]), true
	}

	addr, _, _ := strings.Cut(s, " ")
	return addr, true
}

// sizeParam reads the ESMTP SIZE= parameter from a MAIL FROM argument.
func sizeParam(s string) (int64, bool) {
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		var size int64
		if _, err := fmt.Sscan(value, &size); err != nil {
			return 0, false
		}
		return size, true
	}
	return 0, false
}
