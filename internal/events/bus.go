// Package events is an in-process publish/subscribe bus shared by the wizard
// client's components.
package events

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/pkg/logger"
)

// Topic names an event stream.
type Topic string

const (
	TopicChatReset         Topic = "chat.reset"
	TopicSessionLoad       Topic = "session.load"
	TopicWizardTransition  Topic = "wizard.transition"
	TopicSyncFailed        Topic = "sync.failed"
	TopicMessageUpdated    Topic = "message.updated"
	TopicAnalysisProgress  Topic = "analysis.progress"
	TopicAnalysisCompleted Topic = "analysis.completed"
)

// Event is one published notification.
type Event struct {
	Topic   Topic     `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Handler receives events.
type Handler func(Event)

// Payloads

// SessionLoad asks the chat view to switch to a stored conversation.
type SessionLoad struct {
	ConversationID string `json:"conversation_id"`
}

// SyncFailed reports a message that will not be retried automatically.
type SyncFailed struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// MessageUpdated reports a local message change.
type MessageUpdated struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// WizardTransition reports an accepted wizard state change.
type WizardTransition struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AnalysisProgress reports one progress step of a running analysis.
type AnalysisProgress struct {
	CaseID   string  `json:"case_id"`
	Step     string  `json:"step"`
	Message  string  `json:"message,omitempty"`
	Progress float64 `json:"progress"`
}

// AnalysisCompleted reports a finished analysis.
type AnalysisCompleted struct {
	CaseID    string `json:"case_id"`
	ReportID  string `json:"report_id"`
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level,omitempty"`
}

type subscription struct {
	id      uint64
	topic   Topic // empty for all topics
	handler Handler
}

// Bus delivers events synchronously, in subscription order. A panicking
// handler is logged and does not stop delivery to the others.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	logger *logger.Logger
	now    func() time.Time
}

// New creates an empty bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		logger: logger.OrGlobal(log).Named("events"),
		now:    time.Now,
	}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	return b.add(topic, h)
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, handler: h}
	b.subs = append(b.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to the subscribers of topic. A nil bus discards
// the event.
func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == topic {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload, Time: b.now()}
	for _, s := range targets {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", string(ev.Topic)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.handler(ev)
}
