// Package email defines the core email data model used throughout the relay.
package email

import (
	"fmt"
	"strings"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Name  string
	Email string
}

// String formats the address as "Name <email>", or the bare email when
// no display name is set.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// FormatAddresses formats every address in the list.
func FormatAddresses(addrs []Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// JoinAddresses formats the list and joins it with ", ".
func JoinAddresses(addrs []Address) string {
	return strings.Join(FormatAddresses(addrs), ", ")
}

// Header is a single header field. Value holds the decoded body as one string.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header collection.
type Headers []Header

// Get returns the value of the first header matching name, case-insensitively.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Add appends a header field.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Email represents a parsed email message with all its components.
type Email struct {
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	ReplyTo     []Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Headers     Headers
	MessageID   string
}

// Recipients returns the email address of every To, Cc and Bcc recipient,
// in that order.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	for _, list := range [][]Address{e.To, e.Cc, e.Bcc} {
		for _, a := range list {
			out = append(out, a.Email)
		}
	}
	return out
}

// HasRecipient reports whether addr is already a To, Cc or Bcc recipient.
func (e *Email) HasRecipient(addr string) bool {
	for _, r := range e.Recipients() {
		if strings.EqualFold(r, addr) {
			return true
		}
	}
	return false
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	// Filename is the name declared in the part's Content-Disposition.
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
}

// Receipt is the provider-issued acknowledgement of an accepted message.
type Receipt struct {
	Provider      string
	MessageID     string
	TransactionID string
}
