package shell

import (
	"bytes"
	"strings"
	"testing"
)

func TestScrollbackBuffer_WriteSnapshot(t *testing.T) {
	sb := NewScrollbackBuffer(64)
	sb.Write([]byte("hello "))
	sb.Write([]byte("world"))

	if got := string(sb.Snapshot()); got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
	if sb.Len() != 11 {
		t.Errorf("Len = %d, want 11", sb.Len())
	}
	if sb.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", sb.Dropped())
	}
}

func TestScrollbackBuffer_TrimsOldest(t *testing.T) {
	sb := NewScrollbackBuffer(8)
	sb.Write([]byte("abcdef"))
	sb.Write([]byte("ghij"))

	if got := string(sb.Snapshot()); got != "cdefghij" {
		t.Errorf("got %q, want %q", got, "cdefghij")
	}
	if sb.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", sb.Dropped())
	}
}

func TestScrollbackBuffer_OversizedWrite(t *testing.T) {
	sb := NewScrollbackBuffer(4)
	sb.Write([]byte("xy"))
	sb.Write([]byte("0123456789"))

	if got := string(sb.Snapshot()); got != "6789" {
		t.Errorf("got %q, want %q", got, "6789")
	}
	if sb.Dropped() != 8 {
		t.Errorf("Dropped = %d, want 8", sb.Dropped())
	}
}

func TestScrollbackBuffer_SnapshotIsCopy(t *testing.T) {
	sb := NewScrollbackBuffer(16)
	sb.Write([]byte("abc"))
	snap := sb.Snapshot()
	snap[0] = 'X'
	if got := string(sb.Snapshot()); got != "abc" {
		t.Errorf("snapshot aliased buffer: got %q", got)
	}
}

func TestScrollbackBuffer_Close(t *testing.T) {
	sb := NewScrollbackBuffer(16)
	sb.Write([]byte("before"))
	sb.Close()
	sb.Write([]byte("after"))

	if !sb.IsClosed() {
		t.Error("expected IsClosed after Close")
	}
	if got := string(sb.Snapshot()); got != "before" {
		t.Errorf("got %q, want %q", got, "before")
	}
}

func TestScrollbackBuffer_DefaultSize(t *testing.T) {
	sb := NewScrollbackBuffer(0)
	big := bytes.Repeat([]byte("z"), DefaultScrollbackSize+10)
	sb.Write(big)
	if sb.Len() != DefaultScrollbackSize {
		t.Errorf("Len = %d, want %d", sb.Len(), DefaultScrollbackSize)
	}
	if !strings.HasPrefix(string(sb.Snapshot()), "zzz") {
		t.Error("unexpected content")
	}
}
