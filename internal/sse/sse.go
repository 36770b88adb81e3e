// Package sse reads and writes text/event-stream frames.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxFrameSize = 1024 * 1024

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// Decoder splits a stream into frames. Comment lines and retry fields are
// ignored, and multiple data lines are joined with a newline.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize) // 64KB initial, 1MB max
	return &Decoder{scanner: scanner}
}

// Next returns the next frame, or io.EOF when the stream ends. A final frame
// without a trailing blank line is still dispatched.
func (d *Decoder) Next() (*Frame, error) {
	var (
		frame Frame
		data  []string
		seen  bool
	)

	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if line == "" {
			if !seen {
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return &frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		case "id":
			frame.ID = value
			seen = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	if seen {
		frame.Data = strings.Join(data, "\n")
		return &frame, nil
	}
	return nil, io.EOF
}

// PrepareHeaders sets the response headers for an event stream and returns
// the flusher, or false if the writer cannot stream.
func PrepareHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	return flusher, true
}

// Write encodes data as JSON and writes it as one named event.
func Write(w io.Writer, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
