package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString strips control characters, except line breaks and tabs, and
// trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// TruncateString truncates s to at most maxLen runes, marking the cut with "...".
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
