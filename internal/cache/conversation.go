package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/model"
)

const conversationColumns = `id, title, created_by, archived, metadata, created_at, updated_at, last_synced_at, needs_sync`

// SaveConversation inserts or replaces a conversation.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	return s.saveConversation(ctx, s.conn, conv)
}

func (s *Store) saveConversation(ctx context.Context, q queryer, conv *model.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRecord)
	}

	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	metadata := ""
	if len(conv.Metadata) > 0 {
		data, err := json.Marshal(conv.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedBy, boolInt(conv.Archived), metadata,
		toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt), nullNanos(conv.LastSyncedAt), boolInt(conv.NeedsSync),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation with id, or nil if it is not cached.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return s.getConversation(ctx, s.conn, id)
}

func (s *Store) getConversation(ctx context.Context, q queryer, id string) (*model.Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns up to limit conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// touchConversation bumps updated_at so the conversation sorts first.
func (s *Store) touchConversation(ctx context.Context, q queryer, id string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		toNanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// CleanupOldConversations deletes non-archived conversations not updated in
// daysOld days, together with their messages and queued writes. It returns the
// number of conversations removed.
func (s *Store) CleanupOldConversations(ctx context.Context, daysOld int) (int, error) {
	cutoff := toNanos(s.now().AddDate(0, 0, -daysOld))
	var removed int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const stale = `SELECT id FROM conversations WHERE archived = 0 AND updated_at < ?`

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_queue
			 WHERE entity_id IN (SELECT id FROM messages WHERE conversation_id IN (`+stale+`))
			    OR entity_id IN (`+stale+`)`,
			cutoff, cutoff,
		); err != nil {
			return fmt.Errorf("failed to delete stale queue items: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id IN (`+stale+`)`, cutoff,
		); err != nil {
			return fmt.Errorf("failed to delete stale messages: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE archived = 0 AND updated_at < ?`, cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to delete stale conversations: %w", err)
		}
		removed, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Info("removed stale conversations",
			zap.Int64("count", removed),
			zap.Int("days_old", daysOld),
		)
	}
	return int(removed), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*model.Conversation, error) {
	var (
		conv                 model.Conversation
		archived, needsSync  int
		metadata             string
		createdAt, updatedAt int64
		lastSynced           sql.NullInt64
	)
	if err := row.Scan(&conv.ID, &conv.Title, &conv.CreatedBy, &archived, &metadata,
		&createdAt, &updatedAt, &lastSynced, &needsSync); err != nil {
		return nil, err
	}

	conv.Archived = archived != 0
	conv.NeedsSync = needsSync != 0
	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	conv.LastSyncedAt = fromNullNanos(lastSynced)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt conversation metadata: %w", err)
		}
	}
	return &conv, nil
}
