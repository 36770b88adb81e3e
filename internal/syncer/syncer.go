// Package syncer drains the local sync queue against the analysis backend and
// follows streamed message content.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/internal/cache"
	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/pkg/logger"
	"github.com/safelease/risk-platform/pkg/metrics"
)

// ErrDisabled is returned by Follow when server sync is switched off.
var ErrDisabled = errors.New("server sync disabled")

// Backend is the part of the analysis backend the syncer writes to.
type Backend interface {
	InitChat(ctx context.Context, req *model.InitChatRequest) (*model.Conversation, error)
	SendMessage(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error)
	UpdateMessage(ctx context.Context, id string, req *model.UpdateMessageRequest) (*model.Message, error)
	FinalizeMessage(ctx context.Context, id string) (*model.Message, error)
	StreamMessage(ctx context.Context, id string) (*backend.Stream, error)
}

// Config controls draining.
type Config struct {
	BatchSize   int
	MaxAttempts int
	Interval    time.Duration
	Debounce    time.Duration
	// Disabled turns every pass into a no-op. Writes stay queued.
	Disabled bool
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 300 * time.Millisecond
	}
}

// Result summarizes one pass.
type Result struct {
	Synced  int
	Failed  int
	Dropped int
	Skipped int
}

// Syncer owns the background delivery of queued writes.
type Syncer struct {
	store  *cache.Store
	api    Backend
	bus    *events.Bus
	cfg    Config
	logger *logger.Logger

	drainMu sync.Mutex
	kick    chan struct{}
}

// New creates a syncer. bus may be nil.
func New(store *cache.Store, api Backend, bus *events.Bus, cfg Config, log *logger.Logger) *Syncer {
	cfg.withDefaults()
	return &Syncer{
		store:  store,
		api:    api,
		bus:    bus,
		cfg:    cfg,
		logger: logger.OrGlobal(log).Named("syncer"),
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests a pass soon. Repeated kicks within the debounce delay
// collapse into one pass.
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drains on every tick and after kicks until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.drainLogged(ctx)
		case <-s.kick:
			if debounce == nil {
				debounce = time.After(s.cfg.Debounce)
			}
		case <-debounce:
			debounce = nil
			s.drainLogged(ctx)
		}
	}
}

func (s *Syncer) drainLogged(ctx context.Context) {
	res, err := s.Drain(ctx)
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		s.logger.Warn("sync paused until the session is renewed", zap.Error(err))
	case err != nil && ctx.Err() == nil:
		s.logger.Error("sync pass failed", zap.Error(err))
	case res.Synced+res.Failed+res.Dropped > 0:
		s.logger.Debug("sync pass complete",
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped),
		)
	}
}

// Drain runs one pass over the oldest queued writes. An authentication
// failure stops the pass and is returned without counting an attempt. A
// cancelled ctx stops the pass and leaves the current item queued.
func (s *Syncer) Drain(ctx context.Context) (*Result, error) {
	res := &Result{}
	if s.cfg.Disabled {
		return res, nil
	}

	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	defer s.reportQueueLength()

	items, err := s.store.PendingQueueItems(ctx, s.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	// A conversation whose earlier write failed is skipped for the rest of
	// the pass so its writes reach the server in order.
	blocked := make(map[string]bool)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		conv := conversationOf(item)
		if blocked[conv] || blocked[item.EntityID] {
			res.Skipped++
			continue
		}
		block := func() {
			blocked[conv] = true
			blocked[item.EntityID] = true
		}

		if item.Attempts >= s.cfg.MaxAttempts {
			if err := s.giveUp(ctx, item, fmt.Sprintf("gave up after %d attempts", item.Attempts)); err != nil {
				return res, err
			}
			res.Dropped++
			block()
			continue
		}

		err := s.process(ctx, item)
		switch {
		case err == nil:
			metrics.RecordSyncItem(string(item.Op), "synced")
			res.Synced++

		case errors.Is(err, context.Canceled), ctx.Err() != nil:
			// Not yet synced. The item stays as it is.
			return res, ctx.Err()

		case errors.Is(err, backend.ErrUnauthorized):
			metrics.RecordSyncItem(string(item.Op), "unauthorized")
			return res, err

		case errors.Is(err, backend.ErrInvalidRequest):
			if err := s.giveUp(ctx, item, err.Error()); err != nil {
				return res, err
			}
			res.Dropped++
			block()

		default:
			if err := s.store.MarkSyncFailed(ctx, item.EntityID, err.Error()); err != nil {
				return res, err
			}
			metrics.RecordSyncItem(string(item.Op), "retry")
			s.logger.Warn("sync attempt failed",
				zap.String("op", string(item.Op)),
				zap.String("entity_id", item.EntityID),
				zap.Int("attempt", item.Attempts+1),
				zap.Error(err),
			)
			res.Failed++
			block()
		}
	}
	return res, nil
}

// process performs the write for one queue item and records the outcome
// locally. A duplicate answer from the server counts as success.
func (s *Syncer) process(ctx context.Context, item *model.SyncQueueItem) error {
	switch item.Op {
	case model.OpCreateConversation:
		var req model.InitChatRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return fmt.Errorf("%w: corrupt payload: %v", backend.ErrInvalidRequest, err)
		}
		if req.ConversationID == "" {
			req.ConversationID = item.EntityID
		}
		conv, err := s.api.InitChat(ctx, &req)
		if err != nil && !errors.Is(err, backend.ErrDuplicate) {
			return err
		}
		return s.store.MarkConversationAsSynced(ctx, item.EntityID, conv)

	case model.OpCreateMessage:
		req, err := s.sendRequest(ctx, item)
		if err != nil {
			return err
		}
		msg, err := s.api.SendMessage(ctx, req)
		if err != nil && !errors.Is(err, backend.ErrDuplicate) {
			return err
		}
		if err := s.store.MarkMessageAsSynced(ctx, item.EntityID, msg); err != nil {
			return err
		}
		id := item.EntityID
		if msg != nil && msg.ID != "" {
			id = msg.ID
		}
		s.bus.Publish(events.TopicMessageUpdated, &events.MessageUpdated{
			MessageID:      id,
			ConversationID: req.ConversationID,
			Status:         string(model.StatusCompleted),
		})
		return nil

	case model.OpUpdateMessage:
		var req model.UpdateMessageRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return fmt.Errorf("%w: corrupt payload: %v", backend.ErrInvalidRequest, err)
		}
		if _, err := s.api.UpdateMessage(ctx, item.EntityID, &req); err != nil && !errors.Is(err, backend.ErrDuplicate) {
			return err
		}
		return s.store.CompleteQueueItem(ctx, item)

	default:
		return fmt.Errorf("%w: unknown sync op %q", backend.ErrInvalidRequest, item.Op)
	}
}

// sendRequest builds the write from the cached message so that edits made
// while the item was queued are sent. The payload snapshot is the fallback.
func (s *Syncer) sendRequest(ctx context.Context, item *model.SyncQueueItem) (*model.SendMessageRequest, error) {
	msg, err := s.store.GetMessage(ctx, item.EntityID)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		return model.SendRequestFor(msg), nil
	}

	var req model.SendMessageRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: corrupt payload: %v", backend.ErrInvalidRequest, err)
	}
	return &req, nil
}

// giveUp drops an item for good. Message writes leave the message failed so
// it can be resent by hand.
func (s *Syncer) giveUp(ctx context.Context, item *model.SyncQueueItem, reason string) error {
	if err := s.store.DropQueueItem(ctx, item.ID); err != nil {
		return err
	}
	metrics.RecordSyncItem(string(item.Op), "dropped")
	s.logger.Warn("dropped sync item",
		zap.String("op", string(item.Op)),
		zap.String("entity_id", item.EntityID),
		zap.Int("attempts", item.Attempts),
		zap.String("reason", reason),
	)

	if item.EntityType != model.EntityMessage {
		return nil
	}
	if err := s.store.MarkMessageFailed(ctx, item.EntityID, reason); err != nil {
		return err
	}
	s.bus.Publish(events.TopicSyncFailed, &events.SyncFailed{
		MessageID: item.EntityID,
		Error:     reason,
		Attempts:  item.Attempts,
	})
	return nil
}

func (s *Syncer) reportQueueLength() {
	n, err := s.store.QueueLength(context.Background())
	if err != nil {
		return
	}
	metrics.SyncQueueLength.Set(float64(n))
}

// conversationOf returns the conversation an item belongs to.
func conversationOf(item *model.SyncQueueItem) string {
	if item.EntityType == model.EntityConversation {
		return item.EntityID
	}
	var ref struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(item.Payload, &ref); err != nil || ref.ConversationID == "" {
		return item.EntityID
	}
	return ref.ConversationID
}
