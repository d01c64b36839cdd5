package shell

import (
	"sync"
)

// DefaultScrollbackSize is the scrollback capacity when none is configured (1 MiB).
const DefaultScrollbackSize = 1024 * 1024

// ScrollbackBuffer keeps the most recent output of a session so a client
// that reattaches can ask for what it missed. When the buffer exceeds its
// capacity the oldest bytes are dropped.
type ScrollbackBuffer struct {
	mu      sync.Mutex
	data    []byte
	maxLen  int
	dropped int64
	closed  bool
}

// NewScrollbackBuffer creates a buffer holding at most maxLen bytes.
// If maxLen <= 0, DefaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = DefaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p, trimming from the front past capacity. Writes after
// Close are ignored.
func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(p) >= s.maxLen {
		s.dropped += int64(len(s.data) + len(p) - s.maxLen)
		s.data = append(s.data[:0], p[len(p)-s.maxLen:]...)
		return
	}
	s.data = append(s.data, p...)
	if over := len(s.data) - s.maxLen; over > 0 {
		s.dropped += int64(over)
		// Compact instead of reslicing so the backing array stays bounded.
		s.data = append(s.data[:0], s.data[over:]...)
	}
}

// Snapshot returns a copy of the buffered bytes.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of buffered bytes.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Dropped returns how many bytes have been trimmed since creation.
func (s *ScrollbackBuffer) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops further writes.
func (s *ScrollbackBuffer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (s *ScrollbackBuffer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
