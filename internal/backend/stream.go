package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/internal/sse"
)

// Stream is an open server-push channel. Next yields typed events until a
// terminal event, after which it returns io.EOF.
type Stream struct {
	body  io.ReadCloser
	dec   *sse.Decoder
	span  trace.Span
	start time.Time
	op    string
	c     *Client
	done  bool
}

func (c *Client) openStream(ctx context.Context, op, path string) (*Stream, error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("http.path", path))
	start := time.Now()

	resp, err := c.send(ctx, op, http.MethodGet, path, "", nil)
	if err != nil {
		c.finish(span, op, start, err)
		return nil, err
	}
	if err := checkResponse(op, resp); err != nil {
		resp.Body.Close()
		c.finish(span, op, start, err)
		return nil, err
	}

	return &Stream{
		body:  resp.Body,
		dec:   sse.NewDecoder(resp.Body),
		span:  span,
		start: start,
		op:    op,
		c:     c,
	}, nil
}

// Next returns the next event. Frames that decode to no known variant are
// skipped. A stream that ends without a terminal event yields
// ErrUnavailable.
func (s *Stream) Next() (model.Event, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		frame, err := s.dec.Next()
		if err == io.EOF {
			s.done = true
			return nil, &APIError{Op: s.op, Message: "stream ended before done", kind: ErrUnavailable}
		}
		if err != nil {
			s.done = true
			return nil, &APIError{Op: s.op, Message: err.Error(), kind: ErrUnavailable}
		}

		event, err := DecodeEvent(frame)
		if err != nil {
			s.c.logger.Warn("skipping malformed stream frame",
				zap.String("op", s.op),
				zap.String("event", frame.Event),
				zap.Error(err),
			)
			continue
		}
		if event == nil {
			continue
		}
		if model.Terminal(event) {
			s.done = true
		}
		return event, nil
	}
}

// Close releases the connection.
func (s *Stream) Close() error {
	if s.span != nil {
		s.c.finish(s.span, s.op, s.start, nil)
		s.span = nil
	}
	return s.body.Close()
}

// DecodeEvent turns a frame into one of the event variants. The event name
// decides when present. Unnamed frames are classified by probing the payload
// for the keys each variant carries. A nil event means the frame is not an
// event of interest, such as a heartbeat.
func DecodeEvent(frame *sse.Frame) (model.Event, error) {
	data := []byte(frame.Data)

	switch frame.Event {
	case "chunk", "token", "delta":
		var e model.ChunkEvent
		return decodeInto(data, &e)
	case "progress":
		// The last progress frame may carry done with the report id.
		if isDone(data) {
			var e model.DoneEvent
			return decodeInto(data, &e)
		}
		var e model.ProgressEvent
		return decodeInto(data, &e)
	case "done", "complete":
		if len(data) == 0 {
			return &model.DoneEvent{}, nil
		}
		var e model.DoneEvent
		return decodeInto(data, &e)
	case "error":
		return decodeError(data)
	case "":
		return probeEvent(data)
	default:
		return nil, nil
	}
}

func decodeInto[E model.Event](data []byte, e E) (model.Event, error) {
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("malformed %s event: %w", e.Kind(), err)
	}
	return e, nil
}

// decodeError accepts both {"message": ...} and {"error": "..."} payloads.
func decodeError(data []byte) (model.Event, error) {
	var e model.ErrorEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed error event: %w", err)
	}
	if e.Message == "" {
		var alt struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &alt) == nil {
			e.Message = alt.Error
		}
	}
	return &e, nil
}

func probeEvent(data []byte) (model.Event, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}

	has := func(k string) bool { _, ok := keys[k]; return ok }
	// Progress payloads carry "done": false as an ordinary field.
	finished := has("done")
	if finished {
		var flag bool
		if err := json.Unmarshal(keys["done"], &flag); err == nil {
			finished = flag
		}
	}

	switch {
	case has("error") && !isNull(keys["error"]):
		return decodeError(data)
	case finished:
		var e model.DoneEvent
		return decodeInto(data, &e)
	case has("delta"):
		var e model.ChunkEvent
		return decodeInto(data, &e)
	case has("progress"), has("step"):
		var e model.ProgressEvent
		return decodeInto(data, &e)
	default:
		return nil, nil
	}
}

func isNull(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	return v == "null" || v == `""`
}

func isDone(data []byte) bool {
	var probe struct {
		Done bool `json:"done"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.Done
}
