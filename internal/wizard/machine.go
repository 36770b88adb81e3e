package wizard

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/pkg/logger"
	"github.com/safelease/risk-platform/pkg/metrics"
)

// Change describes an accepted transition.
type Change struct {
	From      State
	To        State
	Timestamp time.Time
	Metadata  map[string]any
}

// Listener observes accepted transitions.
type Listener func(Change)

type listener struct {
	id uint64
	fn Listener
}

// Machine holds the current wizard state. Transitions are serialized and
// not re-entrant: a transition requested while listeners of another one are
// running is rejected.
type Machine struct {
	mu            sync.Mutex
	state         State
	history       *History
	historySize   int
	listeners     []listener
	nextID        uint64
	transitioning bool

	logger *logger.Logger
	now    func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithHistorySize sets the capacity of the transition history.
func WithHistorySize(n int) Option {
	return func(m *Machine) { m.historySize = n }
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine returns a machine in the init state.
func NewMachine(log *logger.Logger, opts ...Option) *Machine {
	m := &Machine{
		state:       StateInit,
		historySize: DefaultHistorySize,
		logger:      logger.OrGlobal(log).Named("wizard"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = NewHistory(m.historySize)
	m.history.Record(StateInit, m.now())
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns the visit history of the current analysis.
func (m *Machine) History() *History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history
}

// OnTransition registers l and returns a function that removes it.
func (m *Machine) OnTransition(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: l})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, entry := range m.listeners {
			if entry.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Transition moves to the target state if the edge is legal. An illegal or
// re-entrant request is logged and rejected: the state is unchanged and no
// listener runs.
func (m *Machine) Transition(to State, metadata map[string]any) bool {
	m.mu.Lock()
	from := m.state

	if m.transitioning {
		m.mu.Unlock()
		m.logger.Warn("rejected re-entrant transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		metrics.RecordTransition(string(from), string(to), false)
		return false
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("rejected illegal transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		metrics.RecordTransition(string(from), string(to), false)
		return false
	}

	m.state = to
	change := Change{From: from, To: to, Timestamp: m.now(), Metadata: metadata}
	m.history.Record(to, change.Timestamp)
	targets := m.beginNotify()
	m.mu.Unlock()

	metrics.RecordTransition(string(from), string(to), true)
	m.notify(targets, change)
	return true
}

// Fail moves to the error state with reason in the metadata.
func (m *Machine) Fail(reason string) bool {
	return m.Transition(StateError, map[string]any{"reason": reason})
}

// Reset starts a new analysis: the machine returns to init with a fresh
// history. Only legal edges are reported. A reset from the middle of the
// flow passes through error first, so listeners see from -> error followed
// by error -> init. A reset from init notifies nobody.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	if m.transitioning {
		m.mu.Unlock()
		m.logger.Warn("rejected re-entrant reset")
		return false
	}

	from := m.state
	now := m.now()
	m.state = StateInit
	m.history = NewHistory(m.historySize)
	m.history.Record(StateInit, now)
	if from == StateInit {
		m.mu.Unlock()
		return true
	}

	var changes []Change
	last := from
	if from != StateReport && from != StateError {
		changes = append(changes, Change{From: from, To: StateError, Timestamp: now, Metadata: map[string]any{"reason": "reset"}})
		last = StateError
	}
	changes = append(changes, Change{From: last, To: StateInit, Timestamp: now, Metadata: map[string]any{"reset": true}})
	targets := m.beginNotify()
	m.mu.Unlock()

	for _, c := range changes {
		metrics.RecordTransition(string(c.From), string(c.To), true)
	}
	m.notify(targets, changes...)
	return true
}

// beginNotify marks a transition in flight and snapshots the listeners.
// m.mu must be held.
func (m *Machine) beginNotify() []listener {
	m.transitioning = true
	targets := make([]listener, len(m.listeners))
	copy(targets, m.listeners)
	return targets
}

// notify calls every listener in registration order for each change. A
// panicking listener is logged and skipped.
func (m *Machine) notify(targets []listener, changes ...Change) {
	defer func() {
		m.mu.Lock()
		m.transitioning = false
		m.mu.Unlock()
	}()

	for _, change := range changes {
		for _, l := range targets {
			m.call(l.fn, change)
		}
	}
}

func (m *Machine) call(fn Listener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("transition listener panicked",
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(change)
}
