package model

import (
	"time"
)

// Role represents the author kind of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusCompleted MessageStatus = "completed"
	StatusFailed    MessageStatus = "failed"
	StatusDeleted   MessageStatus = "deleted"
)

// ContentBlock is one element of a structured message body.
type ContentBlock struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Message represents one chat turn.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ParentID       string `json:"parent_id,omitempty"`
	ClientKey      string `json:"client_key"`

	// Content
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
	Component string         `json:"component,omitempty"`

	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	// Local-only sync bookkeeping
	NeedsSync    bool   `json:"-"`
	SyncAttempts int    `json:"-"`
	LastError    string `json:"-"`
}

// SendMessageRequest is the request to append a message on the server.
// ClientKey makes the write idempotent per conversation.
type SendMessageRequest struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	ParentID       string         `json:"parent_id,omitempty"`
	ClientKey      string         `json:"client_key"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Blocks         []ContentBlock `json:"blocks,omitempty"`
	Component      string         `json:"component,omitempty"`
}

// UpdateMessageRequest is the request to change an existing message.
type UpdateMessageRequest struct {
	Content   *string        `json:"content,omitempty"`
	Status    *MessageStatus `json:"status,omitempty"`
	Component *string        `json:"component,omitempty"`
}

// SendRequestFor builds the server write for a locally stored message.
func SendRequestFor(msg *Message) *SendMessageRequest {
	return &SendMessageRequest{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		ParentID:       msg.ParentID,
		ClientKey:      msg.ClientKey,
		Role:           msg.Role,
		Content:        msg.Content,
		Blocks:         msg.Blocks,
		Component:      msg.Component,
	}
}
