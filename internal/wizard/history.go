package wizard

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of visits a History keeps.
const DefaultHistorySize = 50

// Visit is one entry of the history.
type Visit struct {
	State State
	At    time.Time
}

// History is a bounded ring buffer of visited states. Once full, the oldest
// visit is overwritten.
type History struct {
	mu    sync.Mutex
	buf   []Visit
	start int
	n     int
}

// NewHistory returns a history holding up to size visits.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]Visit, size)}
}

// Record appends a visit.
func (h *History) Record(s State, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.start + h.n) % len(h.buf)
	h.buf[idx] = Visit{State: s, At: at}
	if h.n < len(h.buf) {
		h.n++
	} else {
		h.start = (h.start + 1) % len(h.buf)
	}
}

// Entries returns the retained visits, oldest first.
func (h *History) Entries() []Visit {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Visit, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of retained visits.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Previous returns the state visited before the current one.
func (h *History) Previous() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.n < 2 {
		return "", false
	}
	return h.buf[(h.start+h.n-2)%len(h.buf)].State, true
}

// HasVisited reports whether s is among the retained visits.
func (h *History) HasVisited(s State) bool {
	return h.VisitCount(s) > 0
}

// VisitCount returns how many retained visits are to s.
func (h *History) VisitCount(s State) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for i := 0; i < h.n; i++ {
		if h.buf[(h.start+i)%len(h.buf)].State == s {
			count++
		}
	}
	return count
}
