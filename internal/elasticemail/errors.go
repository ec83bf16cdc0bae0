package elasticemail

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed delivery.
type ErrorKind int

const (
	// KindUnreachable means the provider could not be reached at all.
	KindUnreachable ErrorKind = iota + 1
	// KindMalformedResponse means the response body was not a valid receipt.
	KindMalformedResponse
	// KindRejectedByProvider means the provider refused the message.
	KindRejectedByProvider
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindMalformedResponse:
		return "malformed response"
	case KindRejectedByProvider:
		return "rejected by provider"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *TransportError of the same kind.
var (
	ErrUnreachable        = errors.New("elasticemail: provider unreachable")
	ErrMalformedResponse  = errors.New("elasticemail: malformed response")
	ErrRejectedByProvider = errors.New("elasticemail: rejected by provider")
)

// TransportError is returned by every transport in this package when a
// message could not be delivered.
type TransportError struct {
	Kind ErrorKind
	// StatusCode is the HTTP status. Zero when no HTTP response was received.
	StatusCode int
	// SMTPCode is the reply code of a refused SMTP submission.
	SMTPCode int
	// Body is the raw response body, if any.
	Body    string
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unable to send an email"
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (code %d)", e.StatusCode)
	}
	if e.SMTPCode != 0 {
		msg += fmt.Sprintf(" (smtp %d)", e.SMTPCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	case ErrRejectedByProvider:
		return e.Kind == KindRejectedByProvider
	}
	return false
}

// Temporary reports whether a later attempt might succeed. Rejections are
// temporary only for throttling, provider-side failures and 4xx SMTP replies.
func (e *TransportError) Temporary() bool {
	if e.Kind != KindRejectedByProvider {
		return true
	}
	if e.SMTPCode != 0 {
		return e.SMTPCode/100 == 4
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
