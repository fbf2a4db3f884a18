package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReaderFrames(t *testing.T) {
	t.Parallel()

	input := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"index\":0}\n\n"

	r := NewReader(strings.NewReader(input))

	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != "message_start" {
		t.Errorf("name = %q, want message_start", ev.Name)
	}
	if ev.Data != `{"type":"message_start"}` {
		t.Errorf("data = %q", ev.Data)
	}
	if ev.Raw != "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" {
		t.Errorf("raw = %q", ev.Raw)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != "content_block_delta" {
		t.Errorf("name = %q", ev.Name)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderRawRoundTrip(t *testing.T) {
	t.Parallel()

	// CRLF endings, a heartbeat comment, a frame without a trailing blank
	// line at EOF: concatenated Raw must equal the input bytes exactly.
	input := "event: ping\r\ndata: {}\r\n\r\n" +
		": keep-alive\n\n" +
		"data: tail-no-blank"

	r := NewReader(strings.NewReader(input))
	var got strings.Builder
	for {
		ev, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatal(err)
			}
			break
		}
		got.WriteString(ev.Raw)
	}
	if got.String() != input {
		t.Errorf("raw round trip mismatch:\n got %q\nwant %q", got.String(), input)
	}
}

func TestReaderComment(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader(": ping\n\n"))
	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Comment {
		t.Error("expected comment frame")
	}
	if ev.Data != "" || ev.Name != "" {
		t.Errorf("comment frame carries fields: name=%q data=%q", ev.Name, ev.Data)
	}
}

func TestReaderMultiDataJoin(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader("data: a\ndata: b\n\n"))
	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "a\nb" {
		t.Errorf("data = %q, want %q", ev.Data, "a\nb")
	}
}

func TestReaderFinalFrameWithoutNewline(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader("data: last"))
	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "last" {
		t.Errorf("data = %q, want last", ev.Data)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		wantEvent string
		wantData  string
		wantOK    bool
	}{
		{name: "data line", line: `data: {"id":"1"}`, wantData: `{"id":"1"}`, wantOK: true},
		{name: "event line", line: "event: message_start", wantEvent: "message_start", wantOK: true},
		{name: "empty line", line: "", wantOK: false},
		{name: "comment", line: ": keep-alive", wantOK: false},
		{name: "no colon", line: "garbage", wantOK: false},
		{name: "data no space", line: `data:{"id":"1"}`, wantData: `{"id":"1"}`, wantOK: true},
		{name: "unknown field", line: "retry: 5000", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			event, data, ok := ParseLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if event != tt.wantEvent {
				t.Errorf("event = %q, want %q", event, tt.wantEvent)
			}
			if data != tt.wantData {
				t.Errorf("data = %q, want %q", data, tt.wantData)
			}
		})
	}
}
