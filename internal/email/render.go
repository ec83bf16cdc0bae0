package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// renderedHeaders are written from structured fields (or by the MIME writer)
// and are never copied from Headers.
var renderedHeaders = map[string]struct{}{
	"from":                      {},
	"to":                        {},
	"cc":                        {},
	"bcc":                       {},
	"reply-to":                  {},
	"subject":                   {},
	"date":                      {},
	"message-id":                {},
	"mime-version":              {},
	"content-type":              {},
	"content-transfer-encoding": {},
	"content-disposition":       {},
}

// Render serializes msg into an RFC 5322 MIME message and returns it with
// the Message-ID it carries (without angle brackets). A Message-ID of the
// form uuid@domain is generated when msg has none. Bcc recipients are never
// written to the header block.
func Render(msg *Email, domain string) ([]byte, string, error) {
	if domain == "" {
		domain = "localhost"
	}
	messageID := strings.Trim(msg.MessageID, "<>")
	if messageID == "" {
		messageID = uuid.NewString() + "@" + domain
	}

	var h mail.Header
	h.SetDate(messageDate(msg))
	h.SetMessageID(messageID)
	if len(msg.From) > 0 {
		h.SetAddressList("From", toMailAddresses(msg.From))
	}
	if len(msg.To) > 0 {
		h.SetAddressList("To", toMailAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	if len(msg.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", toMailAddresses(msg.ReplyTo))
	}
	h.SetSubject(msg.Subject)

	for _, f := range msg.Headers {
		if _, skip := renderedHeaders[strings.ToLower(f.Name)]; skip {
			continue
		}
		h.Add(f.Name, encodeHeaderValue(f.Value))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message writer: %w", err)
	}

	if msg.TextBody != "" || msg.HTMLBody != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, "", fmt.Errorf("failed to create inline writer: %w", err)
		}
		if msg.TextBody != "" {
			if err := writeInlinePart(iw, "text/plain", msg.TextBody); err != nil {
				return nil, "", err
			}
		}
		if msg.HTMLBody != "" {
			if err := writeInlinePart(iw, "text/html", msg.HTMLBody); err != nil {
				return nil, "", err
			}
		}
		if err := iw.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close inline writer: %w", err)
		}
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close message writer: %w", err)
	}

	return buf.Bytes(), messageID, nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var h mail.AttachmentHeader
	h.SetContentType(contentType, nil)
	if att.Filename != "" {
		h.SetFilename(att.Filename)
	}
	if att.ContentID != "" {
		h.Set("Content-Id", "<"+strings.Trim(att.ContentID, "<>")+">")
	}

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("failed to create attachment %q: %w", att.Filename, err)
	}
	if _, err := w.Write(att.Content); err != nil {
		return fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
	}
	return w.Close()
}

// messageDate uses the message's own Date header when it parses.
func messageDate(msg *Email) time.Time {
	if v := msg.Headers.Get("Date"); v != "" {
		if t, err := netmail.ParseDate(v); err == nil {
			return t
		}
	}
	return time.Now()
}

func toMailAddresses(addrs []Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

// encodeHeaderValue applies RFC 2047 Q-encoding to non-ASCII values.
func encodeHeaderValue(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] >= 0x80 {
			return mime.QEncoding.Encode("utf-8", v)
		}
	}
	return v
}
