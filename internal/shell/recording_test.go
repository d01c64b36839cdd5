package shell

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
)

func TestRecording_RecordsInOrder(t *testing.T) {
	r := NewRecording(0)
	r.RecordInput([]byte("ls\n"))
	r.RecordOutput([]byte("file.txt\n"))

	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "i" || entries[0].Data != "ls\n" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Type != "o" || entries[1].Data != "file.txt\n" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[1].Elapsed < entries[0].Elapsed {
		t.Error("elapsed went backwards")
	}
}

func TestRecording_MaxEntries(t *testing.T) {
	r := NewRecording(2)
	r.RecordOutput([]byte("a"))
	r.RecordOutput([]byte("b"))
	r.RecordOutput([]byte("c"))

	if n := len(r.Entries()); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
	if !r.Truncated() {
		t.Error("expected Truncated after overflow")
	}
}

func TestRecording_NilIsNoop(t *testing.T) {
	var r *Recording
	r.RecordInput([]byte("x"))
	r.RecordOutput([]byte("y"))
}

func TestRecording_ExportJSONEmpty(t *testing.T) {
	r := NewRecording(0)
	data, err := r.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("got %s, want []", data)
	}
}

func TestRecording_WriteCast(t *testing.T) {
	r := NewRecording(0)
	r.RecordOutput([]byte("$ "))
	r.RecordInput([]byte("echo hi\r"))

	var buf bytes.Buffer
	if err := r.WriteCast(&buf, 120, 40, "/bin/bash"); err != nil {
		t.Fatalf("WriteCast: %v", err)
	}

	sc := bufio.NewScanner(&buf)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), lines)
	}

	var hdr castHeader
	if err := json.Unmarshal([]byte(lines[0]), &hdr); err != nil {
		t.Fatalf("header: %v", err)
	}
	if hdr.Version != 2 || hdr.Width != 120 || hdr.Height != 40 || hdr.Command != "/bin/bash" {
		t.Errorf("unexpected header %+v", hdr)
	}

	var ev []interface{}
	if err := json.Unmarshal([]byte(lines[2]), &ev); err != nil {
		t.Fatalf("event: %v", err)
	}
	if len(ev) != 3 || ev[1] != "i" || ev[2] != "echo hi\r" {
		t.Errorf("unexpected event %v", ev)
	}
}
