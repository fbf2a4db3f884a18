// Package sse reads server-sent event streams as whole frames while
// preserving the wire bytes exactly, so a relay can forward and persist
// frames byte-identically.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. Anthropic delta frames are small,
// but buffered tool inputs can run long.
const maxLineSize = 1 << 20

// Event is one SSE frame: everything up to and including the blank line
// that terminates it.
type Event struct {
	// Name is the value of the event: field, empty when the frame has none.
	Name string
	// Data is the concatenated data: payload (multiple data lines join
	// with newlines, per the SSE spec).
	Data string
	// Raw is the frame verbatim, including separators and the terminating
	// blank line. Relaying Raw reproduces the upstream bytes exactly.
	Raw string
	// Comment reports a frame consisting only of comment lines
	// (": ping" heartbeats). Relayed, never interpreted.
	Comment bool
}

// Reader yields SSE frames from a stream.
type Reader struct {
	br  *bufio.Reader
	err error
}

// NewReader returns a Reader over r with a line buffer sized for SSE payloads.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next frame. At end of stream it returns the final
// (possibly unterminated) frame first, then (nil, io.EOF).
func (r *Reader) Next() (*Event, error) {
	if r.err != nil {
		return nil, r.err
	}

	var (
		raw       strings.Builder
		dataParts []string
		name      string
		comments  int
		fields    int
	)

	finish := func() *Event {
		return &Event{
			Name:    name,
			Data:    strings.Join(dataParts, "\n"),
			Raw:     raw.String(),
			Comment: comments > 0 && fields == 0,
		}
	}

	for {
		line, err := r.readLine()
		if line != "" {
			raw.WriteString(line)
		}
		if err != nil {
			r.err = err
			if raw.Len() == 0 {
				return nil, err
			}
			return finish(), nil
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			// Blank line terminates the frame, even an empty one; the
			// caller relays Raw either way.
			return finish(), nil
		}
		if trimmed[0] == ':' {
			comments++
			continue
		}

		key, value, found := strings.Cut(trimmed, ":")
		if !found {
			continue
		}
		// Strip optional leading space after colon per SSE spec.
		value = strings.TrimPrefix(value, " ")
		switch key {
		case "event":
			name = value
			fields++
		case "data":
			dataParts = append(dataParts, value)
			fields++
		}
	}
}

// readLine reads up to and including the next newline, bounding the line
// length at maxLineSize.
func (r *Reader) readLine() (string, error) {
	var b strings.Builder
	for {
		chunk, err := r.br.ReadString('\n')
		b.WriteString(chunk)
		if err != nil || strings.HasSuffix(chunk, "\n") {
			return b.String(), err
		}
		if b.Len() > maxLineSize {
			return b.String(), ErrLineTooLong
		}
	}
}

// ErrLineTooLong reports an SSE line exceeding maxLineSize.
var ErrLineTooLong = errors.New("sse: line exceeds maximum size")

// ParseLine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false (comment)
//	""                -> ok=false (empty)
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
