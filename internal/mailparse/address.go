package mailparse

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

var (
	bareAddressRegex = regexp.MustCompile(`<([^>]+)>`)
	displayNameRegex = regexp.MustCompile(`^(.+?)\s*<.*>$`)
	localPartRegex   = regexp.MustCompile(`^([^@<]+)@`)
)

// FormatAddressList renders addresses as a comma-joined display string,
// "Name <address>" when a display name exists, else the bare address.
func FormatAddressList(addrs []*mail.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}

// ExtractBareAddress strips a "Name <...>" wrapper and returns the bare
// address. Input without angle brackets is returned unchanged.
func ExtractBareAddress(display string) string {
	if m := bareAddressRegex.FindStringSubmatch(display); m != nil {
		return m[1]
	}
	return display
}

// ExtractDisplayName returns a human-readable name for a display
// string: the name part of "Name <address>", else the local part of a
// bare address, else the trimmed input.
func ExtractDisplayName(display string) string {
	if display == "" {
		return "Unknown Sender"
	}
	if m := displayNameRegex.FindStringSubmatch(display); m != nil {
		return strings.Trim(strings.TrimSpace(m[1]), `"'`)
	}
	if m := localPartRegex.FindStringSubmatch(display); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(display)
}

// FormatSubject applies a reply/forward prefix to a subject. Applying
// it to an already-prefixed subject is a no-op.
func FormatSubject(subject, prefix string) string {
	if strings.HasPrefix(subject, prefix) {
		return subject
	}
	return prefix + " " + subject
}

// FormatForwardBody builds the quoted header block prepended to a
// forwarded message body.
func FormatForwardBody(from, to, cc, subject string, receivedAt time.Time, htmlBody string) string {
	var b strings.Builder
	b.WriteString("\n---------- Forwarded message --------\n")
	b.WriteString("From: " + from + "\n")
	b.WriteString("Date: " + receivedAt.Format("1/2/2006, 3:04:05 PM") + "\n")
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("To: " + to + "\n")
	if cc != "" {
		b.WriteString("Cc: " + cc + "\n")
	}
	b.WriteString(htmlBody)
	return b.String()
}
