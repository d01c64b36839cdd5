package shell

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// RecordingEntry is one timestamped I/O event, shaped after asciinema v2
// event lines.
type RecordingEntry struct {
	// Elapsed is seconds since the recording started.
	Elapsed float64 `json:"elapsed"`
	// Type is "o" for output, "i" for input.
	Type string `json:"type"`
	Data string `json:"data"`
}

// Recording captures a session's I/O for audit. It is safe for concurrent use.
type Recording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
	truncated  bool
}

// NewRecording creates a recording. If maxEntries <= 0 there is no limit.
func NewRecording(maxEntries int) *Recording {
	return &Recording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
	}
}

// RecordOutput appends an output event.
func (r *Recording) RecordOutput(data []byte) { r.record("o", data) }

// RecordInput appends an input event.
func (r *Recording) RecordInput(data []byte) { r.record("i", data) }

func (r *Recording) record(kind string, data []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		r.truncated = true
		return
	}
	r.entries = append(r.entries, RecordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    kind,
		Data:    string(data),
	})
}

// Entries returns a copy of the recorded events.
func (r *Recording) Entries() []RecordingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordingEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Truncated reports whether events were dropped at capacity.
func (r *Recording) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// ExportJSON returns the events as a JSON array.
func (r *Recording) ExportJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.entries)
}

// castHeader is the first line of an asciinema v2 file.
type castHeader struct {
	Version   int               `json:"version"`
	Width     uint16            `json:"width"`
	Height    uint16            `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// WriteCast writes the recording in asciinema v2 format: a header object
// followed by one [elapsed, type, data] array per line.
func (r *Recording) WriteCast(w io.Writer, width, height uint16, command string) error {
	r.mu.Lock()
	entries := make([]RecordingEntry, len(r.entries))
	copy(entries, r.entries)
	start := r.startTime
	r.mu.Unlock()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(castHeader{
		Version:   2,
		Width:     width,
		Height:    height,
		Timestamp: start.Unix(),
		Command:   command,
		Env:       map[string]string{"TERM": "xterm-256color"},
	}); err != nil {
		return fmt.Errorf("encode cast header: %w", err)
	}
	for _, e := range entries {
		if err := enc.Encode([]interface{}{e.Elapsed, e.Type, e.Data}); err != nil {
			return fmt.Errorf("encode cast event: %w", err)
		}
	}
	return bw.Flush()
}
