package logutil

import (
	"strings"
	"unicode/utf8"
)

// maxLogFieldLen bounds how much of a command or path ends up in a log line.
const maxLogFieldLen = 80

// SanitizeForLog replaces newlines and tabs with spaces and drops other
// control characters, so caller-supplied names and commands cannot forge
// extra log lines.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate sanitizes s and shortens it to a readable log label.
func Truncate(s string) string {
	s = SanitizeForLog(s)
	if len(s) > maxLogFieldLen {
		return CutBytes(s, maxLogFieldLen) + "..."
	}
	return s
}

// CutBytes returns the longest prefix of s that is at most n bytes and does
// not end inside a multi-byte UTF-8 sequence.
func CutBytes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
