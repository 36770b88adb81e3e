package model

// EventKind identifies the variant of a server-push event.
type EventKind string

const (
	EventChunk    EventKind = "chunk"
	EventProgress EventKind = "progress"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is a decoded server-push event. The concrete type is one of
// *ChunkEvent, *ProgressEvent, *DoneEvent or *ErrorEvent.
type Event interface {
	Kind() EventKind
}

// ChunkEvent carries an incremental piece of message content.
type ChunkEvent struct {
	Seq   int    `json:"seq"`
	Delta string `json:"delta"`
}

// ProgressEvent reports analysis progress. Progress is in [0, 1].
type ProgressEvent struct {
	Step     string  `json:"step"`
	Message  string  `json:"message,omitempty"`
	Progress float64 `json:"progress"`
	ReportID string  `json:"report_id,omitempty"`
}

// DoneEvent terminates a stream successfully.
type DoneEvent struct {
	MessageID string `json:"message_id,omitempty"`
	ReportID  string `json:"report_id,omitempty"`
}

// ErrorEvent terminates a stream with a failure.
type ErrorEvent struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (*ChunkEvent) Kind() EventKind    { return EventChunk }
func (*ProgressEvent) Kind() EventKind { return EventProgress }
func (*DoneEvent) Kind() EventKind     { return EventDone }
func (*ErrorEvent) Kind() EventKind    { return EventError }

// Terminal reports whether the event ends its stream.
func Terminal(e Event) bool {
	k := e.Kind()
	return k == EventDone || k == EventError
}
