package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"line1\nline2", "line1 line2"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07esc\x1b[31m", "bellesc[31m"},
		{"del\x7f", "del"},
		{"ünïcödé", "ünïcödé"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPreviewBytes(t *testing.T) {
	if got := PreviewBytes([]byte("hi\n"), 10); got != `"hi\n"` {
		t.Errorf("short: got %s", got)
	}
	if got := PreviewBytes([]byte("abcdefgh"), 3); got != `"abc"…(8 bytes)` {
		t.Errorf("long: got %s", got)
	}
}
