package nats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/pkg/logger"
)

// EventPublisher is what a Forwarder publishes to. *Publisher satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev events.Event) (uint64, error)
}

// Forwarder copies bus events to JetStream off the publishing goroutine.
// When the buffer is full new events are dropped.
type Forwarder struct {
	pub     EventPublisher
	queue   chan events.Event
	timeout time.Duration
	logger  *logger.Logger
}

// NewForwarder subscribes to every topic on bus. Call Run to start
// publishing and the returned function to unsubscribe.
func NewForwarder(bus *events.Bus, pub EventPublisher, buffer int, log *logger.Logger) (*Forwarder, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	f := &Forwarder{
		pub:     pub,
		queue:   make(chan events.Event, buffer),
		timeout: 5 * time.Second,
		logger:  logger.OrGlobal(log).Named("forwarder"),
	}
	unsubscribe := bus.SubscribeAll(f.enqueue)
	return f, unsubscribe
}

func (f *Forwarder) enqueue(ev events.Event) {
	select {
	case f.queue <- ev:
	default:
		f.logger.Warn("telemetry buffer full, dropping event", zap.String("topic", string(ev.Topic)))
	}
}

// Run publishes queued events until ctx is done, then flushes what is left.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-f.queue:
			f.publish(ctx, ev)
		case <-ctx.Done():
			f.flush()
			return
		}
	}
}

func (f *Forwarder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	for {
		select {
		case ev := <-f.queue:
			f.publish(ctx, ev)
		default:
			return
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if _, err := f.pub.PublishEvent(ctx, ev); err != nil {
		f.logger.Warn("failed to forward event",
			zap.String("topic", string(ev.Topic)),
			zap.Error(err),
		)
	}
}
