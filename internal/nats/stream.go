package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/pkg/metrics"
)

const (
	// StreamName is the name of the analysis telemetry stream.
	StreamName = "ANALYSIS"

	// SubjectPrefix is the prefix for all analysis subjects.
	SubjectPrefix = "analysis"
)

// Envelope is the wire form of a published record.
type Envelope struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuditRecord describes one write the gateway forwarded to the backend.
type AuditRecord struct {
	Op            string    `json:"op"`
	UserID        string    `json:"user_id,omitempty"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Status        int       `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
}

// Record is an envelope read back from the stream.
type Record struct {
	Sequence uint64
	Subject  string
	Envelope Envelope
}

// EventSubject returns the subject for a bus topic.
func EventSubject(topic events.Topic) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, topic)
}

// AuditSubject returns the subject for a gateway audit record.
func AuditSubject(op string) string {
	return fmt.Sprintf("%s.gateway.%s", SubjectPrefix, op)
}

// Publisher writes telemetry to the ANALYSIS stream.
type Publisher struct {
	client *Client
}

// NewPublisher creates a new publisher.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// EnsureStream ensures the analysis stream exists with proper configuration.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Analysis wizard telemetry and gateway audit records",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func newEnvelope(topic string, at time.Time, payload any) ([]byte, error) {
	env := Envelope{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Topic: topic,
		Time:  at.UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// PublishEvent publishes a bus event and waits for the stream ack.
func (p *Publisher) PublishEvent(ctx context.Context, ev events.Event) (uint64, error) {
	subject := EventSubject(ev.Topic)

	data, err := newEnvelope(string(ev.Topic), ev.Time, ev.Payload)
	if err != nil {
		return 0, err
	}

	ack, err := p.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		metrics.GatewayEventsTotal.WithLabelValues(subject, "error").Inc()
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.GatewayEventsTotal.WithLabelValues(subject, "ok").Inc()
	return ack.Sequence, nil
}

// Audit publishes rec without waiting for the ack. Failures are logged.
func (p *Publisher) Audit(rec *AuditRecord) {
	subject := AuditSubject(rec.Op)

	data, err := newEnvelope("gateway."+rec.Op, rec.Time, rec)
	if err != nil {
		p.client.logger.Error("failed to encode audit record", zap.Error(err))
		return
	}

	if _, err := p.client.JetStream().PublishAsync(subject, data); err != nil {
		metrics.GatewayEventsTotal.WithLabelValues(subject, "error").Inc()
		p.client.logger.Warn("failed to publish audit record",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}
	metrics.GatewayEventsTotal.WithLabelValues(subject, "ok").Inc()
}

// Recent reads up to limit records whose subject matches filter, newest
// stream positions last.
func (p *Publisher) Recent(ctx context.Context, filter string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if filter == "" {
		filter = SubjectPrefix + ".>"
	}

	consumer, err := p.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}

	var records []Record
	for msg := range batch.Messages() {
		var env Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			continue
		}
		rec := Record{Subject: msg.Subject(), Envelope: env}
		if meta, err := msg.Metadata(); err == nil {
			rec.Sequence = meta.Sequence.Stream
		}
		records = append(records, rec)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	return records, nil
}
