// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/elasticemail-relay/internal/email"
)

// transportHeaders describe the raw MIME encoding of the submitted message.
// They are dropped because every provider re-encodes the message.
var transportHeaders = map[string]struct{}{
	"mime-version":              {},
	"content-transfer-encoding": {},
}

// Parse parses a raw RFC 5322 email message into an Email struct.
// It handles plain text messages, nested multipart messages with text/html
// bodies, and attachments. Unrecognized MIME parts are logged as warnings.
func Parse(raw []byte) (*email.Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("unknown charset in message header", "error", err)
	}
	defer mr.Close()

	mediaType, params, ctErr := mr.Header.ContentType()
	if ctErr == nil && strings.HasPrefix(mediaType, "multipart/") && params["boundary"] == "" {
		return nil, errors.New("multipart message missing boundary")
	}

	result := &email.Email{
		From:    addressList(mr.Header, "From"),
		To:      addressList(mr.Header, "To"),
		Cc:      addressList(mr.Header, "Cc"),
		Bcc:     addressList(mr.Header, "Bcc"),
		ReplyTo: addressList(mr.Header, "Reply-To"),
		Headers: copyHeaders(mr.Header),
	}

	if subject, err := mr.Header.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = mr.Header.Get("Subject")
	}
	if id, err := mr.Header.MessageID(); err == nil {
		result.MessageID = id
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !(message.IsUnknownCharset(err) && part != nil) {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}
		if err != nil {
			slog.Warn("unknown charset in MIME part, using raw content", "error", err)
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part content: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    attachmentFilename(h),
				ContentType: partMediaType(&h.Header),
				ContentID:   contentID(&h.Header),
				Content:     content,
			})
		case *mail.InlineHeader:
			addInlinePart(result, h, content)
		}
	}

	return result, nil
}

// addInlinePart stores the first text/plain and text/html parts as bodies.
// Non-text inline parts that declare a filename (e.g. embedded images) are
// kept as attachments.
func addInlinePart(result *email.Email, h *mail.InlineHeader, content []byte) {
	mediaType := partMediaType(&h.Header)

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
		return
	case "text/html":
		if result.HTMLBody == "" {
			result.HTMLBody = string(content)
		}
		return
	}

	_, dispParams, _ := h.ContentDisposition()
	_, typeParams, _ := h.ContentType()
	filename := firstNonEmpty(dispParams["filename"], dispParams["name"], typeParams["name"])
	if filename == "" {
		slog.Warn("unrecognized MIME part, skipping",
			"content_type", mediaType,
			"disposition", h.Get("Content-Disposition"),
		)
		return
	}

	result.Attachments = append(result.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		ContentID:   contentID(&h.Header),
		Content:     content,
	})
}

// attachmentFilename resolves the declared filename of an attachment part:
// the Content-Disposition filename, then its "name" parameter, then the
// Content-Type "name" parameter, then a name derived from the media type.
func attachmentFilename(h *mail.AttachmentHeader) string {
	if fn, err := h.Filename(); err == nil && fn != "" {
		return fn
	}
	_, dispParams, _ := h.ContentDisposition()
	_, typeParams, _ := h.ContentType()
	if fn := firstNonEmpty(dispParams["name"], typeParams["name"]); fn != "" {
		return fn
	}
	if _, subtype, ok := strings.Cut(partMediaType(&h.Header), "/"); ok && subtype != "" {
		return "attachment." + subtype
	}
	return "attachment"
}

// partMediaType returns the part's media type, defaulting to text/plain.
func partMediaType(h *message.Header) string {
	mediaType, _, err := h.ContentType()
	if err != nil || mediaType == "" {
		if raw := h.Get("Content-Type"); raw != "" {
			if mt, _, perr := mime.ParseMediaType(raw); perr == nil {
				return mt
			}
		}
		return "text/plain"
	}
	return strings.ToLower(mediaType)
}

func contentID(h *message.Header) string {
	return strings.Trim(h.Get("Content-Id"), "<> ")
}

// copyHeaders copies every top-level header in message order, decoding
// RFC 2047 encoded words.
func copyHeaders(h mail.Header) email.Headers {
	var out email.Headers
	fields := h.Fields()
	for fields.Next() {
		if _, skip := transportHeaders[strings.ToLower(fields.Key())]; skip {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out.Add(fields.Key(), value)
	}
	return out
}

// addressList parses an address header, keeping display names. When the
// header is not valid RFC 5322 it falls back to a simple comma split.
func addressList(h mail.Header, key string) []email.Address {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		slog.Warn("failed to parse address list, falling back to comma split",
			"header", key,
			"error", err,
		)
		var result []email.Address
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, email.Address{Email: trimmed})
			}
		}
		return result
	}

	if len(addrs) == 0 {
		return nil
	}
	result := make([]email.Address, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, email.Address{Name: a.Name, Email: a.Address})
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
