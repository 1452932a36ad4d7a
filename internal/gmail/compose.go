package gmail

import "strings"

// BuildRawMessage constructs a minimal HTML message in RFC 822 form,
// ready for SendMessage.
func BuildRawMessage(from, to, subject, htmlBody string) []byte {
	lines := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"",
		htmlBody,
	}
	return []byte(strings.Join(lines, "\r\n"))
}
