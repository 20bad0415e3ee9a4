package util

import (
	"fmt"
	"unicode/utf8"
)

// DefaultLogMaxLen caps vendor payloads copied into logs and errors.
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to at most maxLen bytes without splitting a UTF-8
// sequence and notes the original size.
func TruncateLog(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultLogMaxLen
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog for response bodies.
func TruncateBytes(b []byte, maxLen int) string {
	return TruncateLog(string(b), maxLen)
}
