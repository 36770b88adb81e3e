package sse

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecoderFrames(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"event: chunk",
		`data: {"seq":1,"delta":"hel"}`,
		"",
		"",
		"id: 7",
		`data: {"seq":2,`,
		`data: "delta":"lo"}`,
		"",
		"event: done",
		"data: {}",
	}, "\r\n")

	d := NewDecoder(strings.NewReader(stream))

	tests := []Frame{
		{Event: "chunk", Data: `{"seq":1,"delta":"hel"}`},
		{ID: "7", Data: "{\"seq\":2,\n\"delta\":\"lo\"}"},
		{Event: "done", Data: "{}"},
	}
	for i, want := range tests {
		got, err := d.Next()
		if err != nil {
			t.Fatalf("frame %d: Next() error = %v", i, err)
		}
		if *got != want {
			t.Errorf("frame %d = %+v, want %+v", i, *got, want)
		}
	}

	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after end error = %v, want io.EOF", err)
	}
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	flusher, ok := PrepareHeaders(rec)
	if !ok {
		t.Fatal("recorder should support flushing")
	}

	if err := Write(rec, flusher, "progress", map[string]any{"step": "ocr", "progress": 0.5}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := "event: progress\ndata: {\"progress\":0.5,\"step\":\"ocr\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("expected flush")
	}
}
