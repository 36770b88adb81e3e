// Package model defines data structures for the contract-risk analysis platform.
package model

import (
	"time"
)

// Conversation represents a chat thread.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	Archived  bool           `json:"archived"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Local-only bookkeeping, never sent to the server.
	LastSyncedAt *time.Time `json:"-"`
	NeedsSync    bool       `json:"-"`
}

// InitChatRequest is the request to create a conversation on the server.
type InitChatRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Title          string         `json:"title,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RecentConversationsResponse is the response for listing recent conversations.
type RecentConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}
