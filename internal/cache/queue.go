package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/model"
)

const queueColumns = `id, op, entity_type, entity_id, payload, attempts, last_attempt_at, created_at`

// AddOptimisticMessage stores msg as pending and queues its server write in
// one transaction. If the conversation already holds a message with the same
// client key, that message is returned and nothing new is queued.
func (s *Store) AddOptimisticMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if msg.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRecord)
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.ClientKey == "" {
		msg.ClientKey = uuid.Must(uuid.NewV7()).String()
	}
	if msg.Role == "" {
		msg.Role = model.RoleUser
	}

	var stored *model.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getMessageByClientKey(ctx, tx, msg.ConversationID, msg.ClientKey)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = existing
			return nil
		}

		now := s.now()
		msg.Status = model.StatusPending
		msg.NeedsSync = true
		msg.CreatedAt = now
		msg.UpdatedAt = now
		if err := s.saveMessage(ctx, tx, msg); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, model.OpCreateMessage, model.EntityMessage, msg.ID, model.SendRequestFor(msg)); err != nil {
			return err
		}
		if err := s.touchConversation(ctx, tx, msg.ConversationID); err != nil {
			return err
		}
		stored = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	if stored != msg {
		s.logger.Debug("suppressed duplicate optimistic message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("client_key", msg.ClientKey),
		)
	}
	return stored, nil
}

// AddOptimisticConversation stores conv locally and queues its creation on
// the server. An already cached conversation is returned unchanged.
func (s *Store) AddOptimisticConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.Must(uuid.NewV7()).String()
	}

	var stored *model.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getConversation(ctx, tx, conv.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = existing
			return nil
		}

		now := s.now()
		conv.NeedsSync = true
		conv.CreatedAt = now
		conv.UpdatedAt = now
		if err := s.saveConversation(ctx, tx, conv); err != nil {
			return err
		}
		payload := &model.InitChatRequest{
			ConversationID: conv.ID,
			Title:          conv.Title,
			Metadata:       conv.Metadata,
		}
		if err := s.enqueue(ctx, tx, model.OpCreateConversation, model.EntityConversation, conv.ID, payload); err != nil {
			return err
		}
		stored = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// QueueMessageUpdate saves msg and queues an update of its content, status
// and component on the server.
func (s *Store) QueueMessageUpdate(ctx context.Context, msg *model.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		msg.NeedsSync = true
		msg.UpdatedAt = s.now()
		if err := s.saveMessage(ctx, tx, msg); err != nil {
			return err
		}
		content, status, component := msg.Content, msg.Status, msg.Component
		payload := &model.UpdateMessageRequest{
			Content:   &content,
			Status:    &status,
			Component: &component,
		}
		return s.enqueue(ctx, tx, model.OpUpdateMessage, model.EntityMessage, msg.ID, payload)
	})
}

// MarkMessageAsSynced records a confirmed create of message id. When the
// server returned its canonical version, that replaces the local row (under
// the server's id if it differs). The create items for the message leave the
// queue; needs_sync stays set only while other writes are still queued.
func (s *Store) MarkMessageAsSynced(ctx context.Context, id string, server *model.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		local, err := s.getMessage(ctx, tx, id)
		if err != nil {
			return err
		}

		finalID := id
		if server != nil {
			canonical := *server
			if canonical.ConversationID == "" && local != nil {
				canonical.ConversationID = local.ConversationID
			}
			if canonical.ClientKey == "" && local != nil {
				canonical.ClientKey = local.ClientKey
			}
			if canonical.Status == "" || canonical.Status == model.StatusPending {
				canonical.Status = model.StatusCompleted
			}
			canonical.SyncAttempts = 0
			canonical.LastError = ""

			if canonical.ID != "" && canonical.ID != id {
				if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
					return fmt.Errorf("failed to re-key message: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE sync_queue SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
					canonical.ID, model.EntityMessage, id,
				); err != nil {
					return fmt.Errorf("failed to re-key queue items: %w", err)
				}
				finalID = canonical.ID
			} else {
				canonical.ID = id
			}
			if err := s.saveMessage(ctx, tx, &canonical); err != nil {
				return err
			}
		} else if local != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET status = ?, last_error = '', updated_at = ? WHERE id = ? AND status = ?`,
				string(model.StatusCompleted), toNanos(s.now()), id, string(model.StatusPending),
			); err != nil {
				return fmt.Errorf("failed to mark message synced: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ? AND op = ?`,
			model.EntityMessage, finalID, string(model.OpCreateMessage),
		); err != nil {
			return fmt.Errorf("failed to remove queue items: %w", err)
		}
		return s.refreshNeedsSync(ctx, tx, "messages", model.EntityMessage, finalID)
	})
}

// MarkConversationAsSynced records a confirmed create of conversation id.
func (s *Store) MarkConversationAsSynced(ctx context.Context, id string, server *model.Conversation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		finalID := id

		if server != nil {
			canonical := *server
			canonical.LastSyncedAt = &now
			if canonical.ID != "" && canonical.ID != id {
				if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
					return fmt.Errorf("failed to re-key conversation: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE messages SET conversation_id = ? WHERE conversation_id = ?`, canonical.ID, id,
				); err != nil {
					return fmt.Errorf("failed to re-key conversation messages: %w", err)
				}
				finalID = canonical.ID
			} else {
				canonical.ID = id
			}
			if err := s.saveConversation(ctx, tx, &canonical); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_synced_at = ? WHERE id = ?`, toNanos(now), id,
		); err != nil {
			return fmt.Errorf("failed to mark conversation synced: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id IN (?, ?)`,
			model.EntityConversation, id, finalID,
		); err != nil {
			return fmt.Errorf("failed to remove queue items: %w", err)
		}
		return s.refreshNeedsSync(ctx, tx, "conversations", model.EntityConversation, finalID)
	})
}

// CompleteQueueItem removes a confirmed write that is not a create, such as a
// message update.
func (s *Store) CompleteQueueItem(ctx context.Context, item *model.SyncQueueItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID); err != nil {
			return fmt.Errorf("failed to complete queue item: %w", err)
		}
		table := "messages"
		if item.EntityType == model.EntityConversation {
			table = "conversations"
		}
		return s.refreshNeedsSync(ctx, tx, table, item.EntityType, item.EntityID)
	})
}

// refreshNeedsSync sets the needs_sync flag of an entity from whether any
// write for it is still queued.
func (s *Store) refreshNeedsSync(ctx context.Context, tx *sql.Tx, table, entityType, id string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET needs_sync = EXISTS (
			SELECT 1 FROM sync_queue WHERE entity_type = ? AND entity_id = ?
		) WHERE id = ?`,
		entityType, id, id,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh sync flag: %w", err)
	}
	return nil
}

// MarkSyncFailed counts a failed attempt against the oldest queued write for
// entityID and records the error. The item stays queued for a later pass.
func (s *Store) MarkSyncFailed(ctx context.Context, entityID, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET attempts = attempts + 1, last_attempt_at = ?
			 WHERE id = (SELECT id FROM sync_queue WHERE entity_id = ? ORDER BY created_at, id LIMIT 1)`,
			toNanos(s.now()), entityID,
		); err != nil {
			return fmt.Errorf("failed to record queue attempt: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET sync_attempts = sync_attempts + 1, last_error = ? WHERE id = ?`,
			errMsg, entityID,
		); err != nil {
			return fmt.Errorf("failed to record message sync error: %w", err)
		}
		return nil
	})
}

// MarkMessageFailed moves a message to the terminal failed state. It is shown
// to the user for manual resend and never retried automatically.
func (s *Store) MarkMessageFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE messages SET status = ?, needs_sync = 0, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusFailed), errMsg, toNanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// DropQueueItem removes a queue item without syncing it.
func (s *Store) DropQueueItem(ctx context.Context, itemID int64) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to drop queue item: %w", err)
	}
	return nil
}

// RetryFailedMessage puts a failed message back in the pending state with a
// fresh queue item. It returns nil if the message is not cached.
func (s *Store) RetryFailedMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg *model.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		msg, err = s.getMessage(ctx, tx, id)
		if err != nil || msg == nil {
			return err
		}
		if msg.Status != model.StatusFailed {
			return fmt.Errorf("%w: message %s is %s, not failed", ErrInvalidRecord, id, msg.Status)
		}

		msg.Status = model.StatusPending
		msg.NeedsSync = true
		msg.SyncAttempts = 0
		msg.LastError = ""
		msg.UpdatedAt = s.now()
		if err := s.saveMessage(ctx, tx, msg); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, model.OpCreateMessage, model.EntityMessage, msg.ID, model.SendRequestFor(msg))
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PendingQueueItems returns up to limit queued writes, oldest first.
func (s *Store) PendingQueueItems(ctx context.Context, limit int) ([]*model.SyncQueueItem, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}
	defer rows.Close()

	var items []*model.SyncQueueItem
	for rows.Next() {
		var (
			item        model.SyncQueueItem
			op, payload string
			lastAttempt sql.NullInt64
			createdAt   int64
		)
		if err := rows.Scan(&item.ID, &op, &item.EntityType, &item.EntityID, &payload,
			&item.Attempts, &lastAttempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Op = model.SyncOp(op)
		item.Payload = json.RawMessage(payload)
		item.LastAttemptAt = fromNullNanos(lastAttempt)
		item.CreatedAt = fromNanos(createdAt)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// QueueLength returns the number of queued writes.
func (s *Store) QueueLength(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

func (s *Store) enqueue(ctx context.Context, q queryer, op model.SyncOp, entityType, entityID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal queue payload: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO sync_queue (op, entity_type, entity_id, payload, attempts, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		string(op), entityType, entityID, string(data), toNanos(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", op, err)
	}
	return nil
}
