package mailparse

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// ErrNoRawContent is returned when a message carries no raw payload
var ErrNoRawContent = errors.New("message has no raw content")

// snippetLength is the number of leading characters of the plain-text
// body kept as the preview snippet.
const snippetLength = 200

// ParsedEmail is the structured form of one raw message
type ParsedEmail struct {
	Subject     string
	From        string
	To          string
	Cc          string
	Bcc         string
	Snippet     string
	HTMLBody    string
	TextBody    string
	ReceivedAt  time.Time
	Attachments []AttachmentData
}

// AttachmentData carries attachment metadata together with the raw
// bytes for the caller to persist.
type AttachmentData struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Parse decodes a base64url-encoded raw message and extracts headers,
// bodies, and attachments. internalDate is the provider's delivery
// timestamp, used when the message has no parseable Date header.
func Parse(raw string, internalDate time.Time) (*ParsedEmail, error) {
	if raw == "" {
		return nil, ErrNoRawContent
	}

	data, err := decodeBase64URL(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message: %w", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	parsed := &ParsedEmail{
		Subject: "(No Subject)",
		From:    headerAddresses(mr.Header, "From"),
		To:      headerAddresses(mr.Header, "To"),
		Cc:      headerAddresses(mr.Header, "Cc"),
		Bcc:     headerAddresses(mr.Header, "Bcc"),
	}

	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		parsed.Subject = subject
	}

	parsed.ReceivedAt = internalDate
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		parsed.ReceivedAt = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				parsed.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				parsed.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			filename, _ := h.Filename()
			if filename == "" {
				filename = "unnamed"
			}
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "application/octet-stream"
			}

			parsed.Attachments = append(parsed.Attachments, AttachmentData{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
				Content:     body,
			})
		}
	}

	parsed.Snippet = truncate(parsed.TextBody, snippetLength)
	return parsed, nil
}

// Snippet returns the preview prefix of a body
func Snippet(text string) string {
	return truncate(text, snippetLength)
}

// headerAddresses formats one address header, empty string when absent
func headerAddresses(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return FormatAddressList(addrs)
}

// decodeBase64URL accepts both padded and unpadded base64url input,
// which is what the Gmail API emits for raw message bodies.
func decodeBase64URL(raw string) ([]byte, error) {
	data, err := base64.URLEncoding.DecodeString(raw)
	if err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(raw)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
