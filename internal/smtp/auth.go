// Package smtp implements the inbound SMTP relay: it accepts messages from
// local clients and hands them to the configured delivery provider.
package smtp

import (
	"crypto/subtle"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

var (
	// ErrAuthFailed is returned for wrong SMTP AUTH credentials.
	ErrAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}

	// ErrAuthRequired is returned for MAIL FROM before a successful AUTH.
	ErrAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}

	errUnknownMechanism = &gosmtp.SMTPError{
		Code:         504,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 4},
		Message:      "Unrecognized authentication type",
	}
)

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify checks a username and password in constant time.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}

// Mechanisms lists the SASL mechanisms to advertise in EHLO.
func (a *Authenticator) Mechanisms() []string {
	if !a.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

// Server returns the SASL server for mech. onSuccess runs once the client
// has authenticated.
func (a *Authenticator) Server(mech string, onSuccess func(username string)) (sasl.Server, error) {
	if !a.Enabled() || mech != sasl.Plain {
		return nil, errUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		// Acting on behalf of another identity is not supported.
		if identity != "" && identity != username {
			return ErrAuthFailed
		}
		if err := a.Verify(username, password); err != nil {
			return err
		}
		onSuccess(username)
		return nil
	}), nil
}
