// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/elasticemail-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider hands a parsed email message to the target service
// (Elastic Email, AWS SES, stdout) and reports what the service returned.
type Provider interface {
	// Send delivers an email message through this provider in a single
	// attempt. It returns the provider's receipt, or an error if the
	// delivery fails.
	Send(ctx context.Context, msg *email.Email) (*email.Receipt, error)

	// Name returns the human-readable name of this provider.
	Name() string
}
