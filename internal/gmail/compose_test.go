package gmail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRawMessage(t *testing.T) {
	raw := BuildRawMessage("me@example.com", "you@example.com", "Hi there", "<p>hello</p>")

	msg := string(raw)
	lines := strings.Split(msg, "\r\n")
	require.Equal(t, "From: me@example.com", lines[0])
	require.Equal(t, "To: you@example.com", lines[1])
	require.Equal(t, "Subject: Hi there", lines[2])

	// Headers and body are separated by one blank line
	headerEnd := strings.Index(msg, "\r\n\r\n")
	require.Greater(t, headerEnd, 0)
	require.Equal(t, "<p>hello</p>", msg[headerEnd+4:])

	require.Contains(t, msg, "Content-Type: text/html; charset=utf-8")
}
