package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/safelease/risk-platform/internal/model"
)

// InitChat creates a conversation.
func (c *Client) InitChat(ctx context.Context, req *model.InitChatRequest) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.doJSON(ctx, "chat_init", http.MethodPost, "/chat/init", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SendMessage appends a message. The backend deduplicates on
// (conversation, client key) and may answer a replay with 409.
func (c *Client) SendMessage(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error) {
	var msg model.Message
	if err := c.doJSON(ctx, "chat_message", http.MethodPost, "/chat/message", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage patches an existing message.
func (c *Client) UpdateMessage(ctx context.Context, id string, req *model.UpdateMessageRequest) (*model.Message, error) {
	var msg model.Message
	path := "/chat/message/" + url.PathEscape(id)
	if err := c.doJSON(ctx, "chat_message_update", http.MethodPatch, path, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FinalizeMessage marks a streamed message complete on the server.
func (c *Client) FinalizeMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	path := "/chat/message/" + url.PathEscape(id) + "/finalize"
	if err := c.doJSON(ctx, "chat_message_finalize", http.MethodPost, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecentConversations lists the caller's most recent conversations.
func (c *Client) RecentConversations(ctx context.Context, limit int) (*model.RecentConversationsResponse, error) {
	path := "/chat/recent"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp model.RecentConversationsResponse
	if err := c.doJSON(ctx, "chat_recent", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamMessage opens the push channel of an accepted message.
func (c *Client) StreamMessage(ctx context.Context, id string) (*Stream, error) {
	return c.openStream(ctx, "chat_stream", "/chat/stream/"+url.PathEscape(id))
}
