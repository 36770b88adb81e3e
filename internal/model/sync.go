package model

import (
	"encoding/json"
	"time"
)

// SyncOp is the kind of outbound write held in the sync queue.
type SyncOp string

const (
	OpCreateConversation SyncOp = "create_conversation"
	OpCreateMessage      SyncOp = "create_message"
	OpUpdateMessage      SyncOp = "update_message"
)

// Entity types referenced by queue items.
const (
	EntityConversation = "conversation"
	EntityMessage      = "message"
)

// SyncQueueItem is an outbound write not yet confirmed by the server.
type SyncQueueItem struct {
	ID            int64           `json:"id"`
	Op            SyncOp          `json:"op"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
