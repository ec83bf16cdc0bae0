package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/shineum/elasticemail-relay/internal/elasticemail"
	"github.com/shineum/elasticemail-relay/internal/email"
	"github.com/shineum/elasticemail-relay/internal/parser"
	"github.com/shineum/elasticemail-relay/internal/provider"
)

// defaultSendTimeout bounds a single provider delivery.
const defaultSendTimeout = 60 * time.Second

var (
	errParseFailed = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}

	errTemporaryFailure = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}

	errRejected = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 0, 0},
		Message:      "Message rejected by provider",
	}
)

// Backend creates one Session per SMTP connection.
type Backend struct {
	auth        *Authenticator
	provider    provider.Provider
	sendTimeout time.Duration
}

// NewBackend creates a Backend delivering through prov.
func NewBackend(auth *Authenticator, prov provider.Provider, sendTimeout time.Duration) *Backend {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Backend{
		auth:        auth,
		provider:    prov,
		sendTimeout: sendTimeout,
	}
}

// NewSession implements gosmtp.Backend.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	slog.Debug("new SMTP connection", "remote", remote)

	return &Session{backend: b, remote: remote}, nil
}

// Session holds the state of one SMTP connection.
type Session struct {
	backend  *Backend
	remote   string
	username string
	authed   bool

	// Current transaction
	from string
	to   []string
}

// AuthMechanisms implements gosmtp.AuthSession.
func (s *Session) AuthMechanisms() []string {
	return s.backend.auth.Mechanisms()
}

// Auth implements gosmtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	return s.backend.auth.Server(mech, func(username string) {
		s.authed = true
		s.username = username
	})
}

// Mail handles MAIL FROM.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.backend.auth.Enabled() && !s.authed {
		return ErrAuthRequired
	}
	s.from = from
	s.to = nil
	return nil
}

// Rcpt handles RCPT TO.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

// Data parses the message, fills in what the headers lack from the
// envelope, and delivers it in a single provider call.
func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "remote", s.remote, "error", err)
		return errParseFailed
	}
	applyEnvelope(msg, s.from, s.to)

	deliveryID := uuid.NewString()
	log := slog.With(
		"delivery_id", deliveryID,
		"provider", s.backend.provider.Name(),
		"from", s.from,
		"user", s.username,
		"recipients", len(msg.Recipients()),
		"size", len(raw),
	)

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.sendTimeout)
	defer cancel()

	receipt, err := s.backend.provider.Send(ctx, msg)
	if err != nil {
		reply := replyFor(err)
		log.Error("provider send failed", "smtp_code", reply.Code, "error", err)
		return reply
	}

	log.Info("message delivered",
		"message_id", receipt.MessageID,
		"transaction_id", receipt.TransactionID,
	)
	return nil
}

// Reset clears the current transaction but keeps the AUTH state.
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements gosmtp.Session.
func (s *Session) Logout() error {
	return nil
}

// applyEnvelope uses the envelope sender and recipients where the headers
// have none. Envelope recipients missing from the headers are delivered as
// Bcc so that nobody listed in RCPT TO is dropped.
func applyEnvelope(msg *email.Email, from string, rcpts []string) {
	if len(msg.From) == 0 && from != "" {
		msg.From = []email.Address{{Email: from}}
	}

	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		for _, r := range rcpts {
			msg.To = append(msg.To, email.Address{Email: r})
		}
		return
	}

	for _, r := range rcpts {
		if !msg.HasRecipient(r) {
			msg.Bcc = append(msg.Bcc, email.Address{Email: r})
		}
	}
}

// replyFor maps a delivery error to the SMTP reply sent to the client.
// Only failures the provider reports as permanent are rejected outright.
func replyFor(err error) *gosmtp.SMTPError {
	var te *elasticemail.TransportError
	if errors.As(err, &te) && !te.Temporary() {
		return errRejected
	}
	return errTemporaryFailure
}
