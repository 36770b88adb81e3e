package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/safelease/risk-platform/internal/model"
)

const messageColumns = `id, conversation_id, parent_id, client_key, role, content, blocks, component, status,
	created_at, updated_at, needs_sync, sync_attempts, last_error`

// Cursor marks a position in a conversation's message history. Pages are
// ordered by (CreatedAt, ID) so ties on the timestamp still paginate exactly.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// MessagePage is one page of messages, newest first.
type MessagePage struct {
	Messages []*model.Message
	// Next is nil when there are no older messages.
	Next *Cursor
}

// SaveMessage inserts or replaces a message. A row with the same
// (conversation, client key) under another id is replaced as well.
func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	return s.saveMessage(ctx, s.conn, msg)
}

func (s *Store) saveMessage(ctx context.Context, q queryer, msg *model.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("%w: message id and conversation id are required", ErrInvalidRecord)
	}
	if msg.ClientKey == "" {
		msg.ClientKey = msg.ID
	}
	if msg.Status == "" {
		msg.Status = model.StatusCompleted
	}

	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	blocks := ""
	if len(msg.Blocks) > 0 {
		data, err := json.Marshal(msg.Blocks)
		if err != nil {
			return fmt.Errorf("failed to marshal message blocks: %w", err)
		}
		blocks = string(data)
	}

	_, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.ParentID, msg.ClientKey, string(msg.Role), msg.Content, blocks,
		msg.Component, string(msg.Status), toNanos(msg.CreatedAt), toNanos(msg.UpdatedAt),
		boolInt(msg.NeedsSync), msg.SyncAttempts, msg.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage returns the message with id, or nil if it is not cached.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.getMessage(ctx, s.conn, id)
}

func (s *Store) getMessage(ctx context.Context, q queryer, id string) (*model.Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetMessageByClientKey finds a message by its idempotency key within a
// conversation. It returns nil when no such message exists.
func (s *Store) GetMessageByClientKey(ctx context.Context, conversationID, clientKey string) (*model.Message, error) {
	return s.getMessageByClientKey(ctx, s.conn, conversationID, clientKey)
}

func (s *Store) getMessageByClientKey(ctx context.Context, q queryer, conversationID, clientKey string) (*model.Message, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND client_key = ?`,
		conversationID, clientKey,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by client key: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a conversation, newest first.
// When before is set, only messages strictly older than the cursor are returned.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, before *Cursor) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		ts := toNanos(before.CreatedAt)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ts, ts, before.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	page := &MessagePage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		page.Messages = append(page.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		last := page.Messages[limit-1]
		page.Next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}

// AppendMessageContent appends a streamed delta and keeps the message in the
// streaming state.
func (s *Store) AppendMessageContent(ctx context.Context, id, delta string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE messages SET content = content || ?, status = ?, updated_at = ? WHERE id = ?`,
		delta, string(model.StatusStreaming), toNanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to append message content: %w", err)
	}
	return nil
}

// SetMessageStatus changes the status of a message.
func (s *Store) SetMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toNanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	return nil
}

func scanMessage(row scanner) (*model.Message, error) {
	var (
		msg                  model.Message
		role, status, blocks string
		createdAt, updatedAt int64
		needsSync            int
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.ParentID, &msg.ClientKey, &role, &msg.Content,
		&blocks, &msg.Component, &status, &createdAt, &updatedAt, &needsSync, &msg.SyncAttempts, &msg.LastError); err != nil {
		return nil, err
	}

	msg.Role = model.Role(role)
	msg.Status = model.MessageStatus(status)
	msg.CreatedAt = fromNanos(createdAt)
	msg.UpdatedAt = fromNanos(updatedAt)
	msg.NeedsSync = needsSync != 0
	if blocks != "" {
		if err := json.Unmarshal([]byte(blocks), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("corrupt message blocks: %w", err)
		}
	}
	return &msg, nil
}
