package elasticemail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/elasticemail-relay/internal/email"
)

const (
	smtpScheme      = "elasticemail+smtp"
	defaultSMTPAddr = "smtp.elasticemail.com:2525"
)

// ErrNoRecipients is returned when a message has no To, Cc or Bcc address.
var ErrNoRecipients = errors.New("elasticemail: message has no recipients")

// SMTPTransport submits rendered messages to the Elastic Email SMTP service
// over STARTTLS, authenticating with SASL PLAIN.
type SMTPTransport struct {
	username  string
	password  string
	addr      string
	tlsConfig *tls.Config
	plaintext bool
}

// SMTPOption configures an SMTPTransport.
type SMTPOption func(*SMTPTransport)

// WithSMTPAddr overrides the submission address (host:port).
func WithSMTPAddr(addr string) SMTPOption {
	return func(t *SMTPTransport) {
		t.addr = addr
	}
}

// WithoutStartTLS keeps the session unencrypted. Only meant for local test
// servers; credentials are then sent in the clear.
func WithoutStartTLS() SMTPOption {
	return func(t *SMTPTransport) {
		t.plaintext = true
	}
}

// WithTLSConfig sets the client TLS configuration used for STARTTLS.
func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(t *SMTPTransport) {
		t.tlsConfig = cfg
	}
}

// NewSMTPTransport creates a transport for smtp.elasticemail.com:2525.
func NewSMTPTransport(username, password string, opts ...SMTPOption) *SMTPTransport {
	t := &SMTPTransport{
		username: username,
		password: password,
		addr:     defaultSMTPAddr,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the provider name.
func (t *SMTPTransport) Name() string {
	return smtpScheme
}

// String identifies the transport as elasticemail+smtp://host:port.
func (t *SMTPTransport) String() string {
	return smtpScheme + "://" + t.addr
}

// Send renders msg and submits it in a single SMTP session. The receipt
// carries the Message-ID written into the rendered message.
func (t *SMTPTransport) Send(ctx context.Context, msg *email.Email) (*email.Receipt, error) {
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return nil, ErrNoRecipients
	}

	var from string
	if len(msg.From) > 0 {
		from = msg.From[0].Email
	}

	raw, messageID, err := email.Render(msg, senderDomain(from))
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, &TransportError{
			Kind:    KindUnreachable,
			Message: "could not reach the remote Elastic Email SMTP server",
			Err:     err,
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := t.newClient(conn)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if t.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
			return nil, smtpFailure(err)
		}
	}

	if err := c.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return nil, smtpFailure(err)
	}

	// The message is accepted once DATA completes; a failed QUIT does not
	// change that.
	_ = c.Quit()

	return &email.Receipt{
		Provider:  smtpScheme,
		MessageID: messageID,
	}, nil
}

// newClient greets the server and upgrades the connection with STARTTLS
// unless the transport is plaintext.
func (t *SMTPTransport) newClient(conn net.Conn) (*smtp.Client, error) {
	if t.plaintext {
		return smtp.NewClient(conn), nil
	}

	c, err := smtp.NewClientStartTLS(conn, t.clientTLSConfig())
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{
			Kind:    KindUnreachable,
			Message: "STARTTLS negotiation failed",
			Err:     err,
		}
	}
	return c, nil
}

func (t *SMTPTransport) clientTLSConfig() *tls.Config {
	if t.tlsConfig != nil {
		return t.tlsConfig
	}
	host, _, err := net.SplitHostPort(t.addr)
	if err != nil {
		host = t.addr
	}
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
}

// smtpFailure classifies an SMTP client error: protocol replies become
// rejections, everything else means the conversation broke down.
func smtpFailure(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &TransportError{
			Kind:     KindRejectedByProvider,
			SMTPCode: smtpErr.Code,
			Message:  "smtp submission refused",
			Err:      err,
		}
	}
	return &TransportError{
		Kind:    KindUnreachable,
		Message: "smtp conversation failed",
		Err:     err,
	}
}

func senderDomain(from string) string {
	if _, domain, ok := strings.Cut(from, "@"); ok && domain != "" {
		return domain
	}
	return "localhost"
}
