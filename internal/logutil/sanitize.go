package logutil

import (
	"strconv"
	"strings"
)

// SanitizeForLog removes newlines and control characters from
// client-provided strings so they cannot forge log entries.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 0x7f {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// PreviewBytes renders at most max bytes of p as a quoted Go string,
// marking truncation. Used for logging rejected frames.
func PreviewBytes(p []byte, max int) string {
	if max <= 0 || len(p) <= max {
		return strconv.Quote(string(p))
	}
	return strconv.Quote(string(p[:max])) + "…(" + strconv.Itoa(len(p)) + " bytes)"
}
