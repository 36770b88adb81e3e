package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/internal/model"
)

// ErrStreamFailed is returned when the server ends a message stream with an
// error event.
var ErrStreamFailed = errors.New("message stream failed")

// Follow streams the content of an accepted message into the cache. Chunks
// are appended while the message stays streaming; the done event finalizes
// it on the server and completes it locally. On an error event or a broken
// channel Follow returns and the message is left as it is.
func (s *Syncer) Follow(ctx context.Context, messageID string) error {
	if s.cfg.Disabled {
		return ErrDisabled
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s is not cached", messageID)
	}

	stream, err := s.api.StreamMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to open message stream: %w", err)
	}
	defer stream.Close()

	log := s.logger.With(zap.String("message_id", messageID))
	for {
		ev, err := stream.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Warn("message stream broke off", zap.Error(err))
			return err
		}

		switch e := ev.(type) {
		case *model.ChunkEvent:
			if err := s.store.AppendMessageContent(ctx, messageID, e.Delta); err != nil {
				return err
			}
			s.publishStatus(msg, model.StatusStreaming)

		case *model.DoneEvent:
			if _, err := s.api.FinalizeMessage(ctx, messageID); err != nil {
				return fmt.Errorf("failed to finalize message: %w", err)
			}
			if err := s.store.SetMessageStatus(ctx, messageID, model.StatusCompleted); err != nil {
				return err
			}
			s.publishStatus(msg, model.StatusCompleted)
			return nil

		case *model.ErrorEvent:
			log.Warn("message stream reported an error",
				zap.String("code", e.Code),
				zap.String("error", e.Message),
			)
			return fmt.Errorf("%w: %s", ErrStreamFailed, e.Message)
		}
	}
}

func (s *Syncer) publishStatus(msg *model.Message, status model.MessageStatus) {
	s.bus.Publish(events.TopicMessageUpdated, &events.MessageUpdated{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         string(status),
	})
}
