// Package stdout implements a Provider that prints emails to standard output
// instead of delivering them. It is the dry-run backend of the relay.
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shineum/elasticemail-relay/internal/elasticemail"
	"github.com/shineum/elasticemail-relay/internal/email"
)

const separator = "========================================\n"

// Provider prints email messages to stdout in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	// payload also prints the Elastic Email request body the message maps to.
	payload bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithPayload makes the provider print the transactional API request body
// that the message would be sent as.
func WithPayload() Option {
	return func(p *Provider) {
		p.payload = true
	}
}

// New creates a new stdout Provider that writes to os.Stdout.
func New(opts ...Option) *Provider {
	return NewWithWriter(os.Stdout, opts...)
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer, opts ...Option) *Provider {
	p := &Provider{writer: w}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send prints the email message and returns a locally generated receipt.
func (p *Provider) Send(_ context.Context, msg *email.Email) (*email.Receipt, error) {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", email.JoinAddresses(msg.From))
	fmt.Fprintf(&b, "To: %s\n", email.JoinAddresses(msg.To))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", email.JoinAddresses(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", email.JoinAddresses(msg.Bcc))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	if p.payload {
		b.WriteString("Payload:\n")
		enc := json.NewEncoder(&b)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(elasticemail.BuildPayload(msg)); err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	b.WriteString(separator)

	p.mu.Lock()
	_, err := io.WriteString(p.writer, b.String())
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	id := uuid.NewString()
	return &email.Receipt{
		Provider:      p.Name(),
		MessageID:     id,
		TransactionID: id,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
