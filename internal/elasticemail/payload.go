package elasticemail

import (
	"strings"

	"github.com/shineum/elasticemail-relay/internal/email"
)

// BodyContentType identifies the MIME flavour of a body part.
type BodyContentType string

// Body content types accepted by the transactional endpoint.
const (
	BodyPlainText BodyContentType = "PlainText"
	BodyHTML      BodyContentType = "HTML"
)

// bypassHeaders are represented structurally elsewhere in the payload and
// never forwarded as custom headers. Names are lowercase.
var bypassHeaders = map[string]struct{}{
	"from":         {},
	"to":           {},
	"cc":           {},
	"bcc":          {},
	"subject":      {},
	"content-type": {},
}

// TransactionalMessage is the request body of the transactional send endpoint.
type TransactionalMessage struct {
	Recipients Recipients `json:"Recipients"`
	Content    Content    `json:"Content"`
}

// Recipients lists formatted addresses per recipient class. A nil list is
// omitted from the request; it is never sent as an empty array.
type Recipients struct {
	To  []string `json:"To,omitempty"`
	Cc  []string `json:"Cc,omitempty"`
	Bcc []string `json:"Bcc,omitempty"`
}

// Content holds everything but the recipients.
type Content struct {
	Body        []BodyPart        `json:"Body"`
	From        string            `json:"From"`
	Subject     string            `json:"Subject"`
	ReplyTo     string            `json:"ReplyTo"`
	Attachments []Attachment      `json:"Attachments,omitempty"`
	Headers     map[string]string `json:"Headers,omitempty"`
}

// BodyPart is one rendition of the message body.
type BodyPart struct {
	ContentType BodyContentType `json:"ContentType"`
	Content     string          `json:"Content"`
}

// Attachment is a file sent inline with the request. BinaryContent holds the
// raw bytes and travels base64-encoded on the wire.
type Attachment struct {
	Name          string `json:"Name"`
	ContentType   string `json:"ContentType"`
	BinaryContent []byte `json:"BinaryContent"`
}

// BuildPayload converts msg into a transactional request body. It never
// fails and never mutates msg; fields missing from msg are left empty or
// omitted.
func BuildPayload(msg *email.Email) TransactionalMessage {
	from := email.JoinAddresses(msg.From)

	replyTo := from
	if len(msg.ReplyTo) > 0 {
		replyTo = email.JoinAddresses(msg.ReplyTo)
	}

	return TransactionalMessage{
		Recipients: Recipients{
			To:  recipientList(msg.To),
			Cc:  recipientList(msg.Cc),
			Bcc: recipientList(msg.Bcc),
		},
		Content: Content{
			Body:        buildBody(msg),
			From:        from,
			Subject:     msg.Subject,
			ReplyTo:     replyTo,
			Attachments: buildAttachments(msg.Attachments),
			Headers:     buildHeaders(msg.Headers),
		},
	}
}

func recipientList(addrs []email.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	return email.FormatAddresses(addrs)
}

// buildBody emits the plain text part before the HTML part.
func buildBody(msg *email.Email) []BodyPart {
	body := make([]BodyPart, 0, 2)
	if msg.TextBody != "" {
		body = append(body, BodyPart{ContentType: BodyPlainText, Content: msg.TextBody})
	}
	if msg.HTMLBody != "" {
		body = append(body, BodyPart{ContentType: BodyHTML, Content: msg.HTMLBody})
	}
	return body
}

func buildAttachments(attachments []email.Attachment) []Attachment {
	if len(attachments) == 0 {
		return nil
	}
	list := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		list = append(list, Attachment{
			Name:          a.Filename,
			ContentType:   a.ContentType,
			BinaryContent: a.Content,
		})
	}
	return list
}

// buildHeaders keeps every header outside the bypass set. A later header
// with the same name replaces an earlier one.
func buildHeaders(headers email.Headers) map[string]string {
	list := make(map[string]string)
	for _, h := range headers {
		if _, skip := bypassHeaders[strings.ToLower(h.Name)]; skip {
			continue
		}
		list[h.Name] = h.Value
	}
	if len(list) == 0 {
		return nil
	}
	return list
}
