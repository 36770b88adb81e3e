package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/pkg/logger"
)

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logger.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.now = stepClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.SaveConversation(context.Background(), &model.Conversation{ID: id, Title: "강남 전세"}); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}
}

func TestListConversationsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedConversation(t, s, "c1")
	seedConversation(t, s, "c2")
	seedConversation(t, s, "c3")

	// A new message moves c1 to the top.
	if _, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "c1", Content: "안녕하세요"}); err != nil {
		t.Fatalf("AddOptimisticMessage() error = %v", err)
	}

	convs, err := s.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	got := make([]string, len(convs))
	for i, c := range convs {
		got[i] = c.ID
	}
	want := []string{"c1", "c3", "c2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ListConversations() order = %v, want %v", got, want)
	}
}

func TestConversationMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &model.Conversation{ID: "c1", Title: "t", Metadata: map[string]any{"case_id": "case-1"}}
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}
	got, err := s.GetConversation(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("GetConversation() = %v, %v", got, err)
	}
	if got.Metadata["case_id"] != "case-1" {
		t.Errorf("Metadata = %v, want case_id=case-1", got.Metadata)
	}

	missing, err := s.GetConversation(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetConversation(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestListMessagesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")

	// Ten messages, the last four sharing one timestamp.
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		if i >= 6 {
			ts = base.Add(6 * time.Minute)
		}
		msg := &model.Message{
			ID:             fmt.Sprintf("m%02d", i),
			ConversationID: "c1",
			Role:           model.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      ts,
		}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
	}

	seen := map[string]bool{}
	var order []string
	var cursor *Cursor
	pages := 0
	for {
		page, err := s.ListMessages(ctx, "c1", 3, cursor)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		pages++
		for _, m := range page.Messages {
			if seen[m.ID] {
				t.Fatalf("message %s returned twice", m.ID)
			}
			seen[m.ID] = true
			order = append(order, m.ID)
		}
		if page.Next == nil {
			break
		}
		cursor = page.Next
	}

	if len(seen) != 10 {
		t.Errorf("paged through %d messages, want 10", len(seen))
	}
	if pages != 4 {
		t.Errorf("pages = %d, want 4", pages)
	}
	want := "[m09 m08 m07 m06 m05 m04 m03 m02 m01 m00]"
	if fmt.Sprint(order) != want {
		t.Errorf("order = %v, want %s", order, want)
	}
}

func TestAddOptimisticMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")

	first, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "c1", ClientKey: "k1", Content: "hello"})
	if err != nil {
		t.Fatalf("AddOptimisticMessage() error = %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated id")
	}
	if first.Status != model.StatusPending || !first.NeedsSync {
		t.Errorf("status = %s needs_sync = %v, want pending/true", first.Status, first.NeedsSync)
	}

	second, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "c1", ClientKey: "k1", Content: "hello again"})
	if err != nil {
		t.Fatalf("AddOptimisticMessage() duplicate error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned id %s, want %s", second.ID, first.ID)
	}
	if second.Content != "hello" {
		t.Errorf("duplicate content = %q, want original", second.Content)
	}

	n, err := s.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength() error = %v", err)
	}
	if n != 1 {
		t.Errorf("QueueLength() = %d, want 1", n)
	}

	items, err := s.PendingQueueItems(ctx, 10)
	if err != nil {
		t.Fatalf("PendingQueueItems() error = %v", err)
	}
	var req model.SendMessageRequest
	if err := json.Unmarshal(items[0].Payload, &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if req.ClientKey != "k1" || req.ConversationID != "c1" {
		t.Errorf("payload = %+v", req)
	}
}

func TestAddOptimisticMessageRequiresConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddOptimisticMessage(context.Background(), &model.Message{Content: "x"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("error = %v, want ErrInvalidRecord", err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "wizard.db")
	ctx := context.Background()

	s, err := Open(path, logger.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.AddOptimisticConversation(ctx, &model.Conversation{ID: "c1", Title: "offline"}); err != nil {
		t.Fatalf("AddOptimisticConversation() error = %v", err)
	}
	msg, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "c1", Content: "written offline"})
	if err != nil {
		t.Fatalf("AddOptimisticMessage() error = %v", err)
	}
	s.Close()

	s, err = Open(path, logger.NewNop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	items, err := s.PendingQueueItems(ctx, 10)
	if err != nil {
		t.Fatalf("PendingQueueItems() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Op != model.OpCreateConversation || items[1].Op != model.OpCreateMessage {
		t.Errorf("ops = %s, %s; want conversation first", items[0].Op, items[1].Op)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil || got == nil {
		t.Fatalf("GetMessage() = %v, %v", got, err)
	}
	if got.Status != model.StatusPending || !got.NeedsSync {
		t.Errorf("reopened message status = %s needs_sync = %v", got.Status, got.NeedsSync)
	}
}

func TestMarkMessageAsSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")

	msg, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("AddOptimisticMessage() error = %v", err)
	}
	if err := s.MarkMessageAsSynced(ctx, msg.ID, nil); err != nil {
		t.Fatalf("MarkMessageAsSynced() error = %v", err)
	}

	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Status != model.StatusCompleted || got.NeedsSync {
		t.Errorf("status = %s needs_sync = %v, want completed/false", got.Status, got.NeedsSync)
	}
	if n, _ := s.QueueLength(ctx); n != 0 {
		t.Errorf("QueueLength() = %d, want 0", n)
	}
}

func TestMarkMessageAsSyncedRekeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")

	msg, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "c1", ClientKey: "k1", Content: "hi"})
	if err != nil {
		t.Fatalf("AddOptimisticMessage() error = %v", err)
	}
	msg.Content = "hi, edited"
	if err := s.QueueMessageUpdate(ctx, msg); err != nil {
		t.Fatalf("QueueMessageUpdate() error = %v", err)
	}

	server := &model.Message{ID: "srv-1", ConversationID: "c1", ClientKey: "k1", Role: model.RoleUser, Content: "hi"}
	if err := s.MarkMessageAsSynced(ctx, msg.ID, server); err != nil {
		t.Fatalf("MarkMessageAsSynced() error = %v", err)
	}

	if old, _ := s.GetMessage(ctx, msg.ID); old != nil {
		t.Errorf("old id still cached: %+v", old)
	}
	got, err := s.GetMessage(ctx, "srv-1")
	if err != nil || got == nil {
		t.Fatalf("GetMessage(srv-1) = %v, %v", got, err)
	}
	if !got.NeedsSync {
		t.Error("needs_sync cleared while an update is still queued")
	}

	items, _ := s.PendingQueueItems(ctx, 10)
	if len(items) != 1 || items[0].Op != model.OpUpdateMessage || items[0].EntityID != "srv-1" {
		t.Fatalf("remaining items = %+v, want one update for srv-1", items)
	}

	if err := s.CompleteQueueItem(ctx, items[0]); err != nil {
		t.Fatalf("CompleteQueueItem() error = %v", err)
	}
	got, _ = s.GetMessage(ctx, "srv-1")
	if got.NeedsSync {
		t.Error("needs_sync still set after last item completed")
	}
}

func TestMarkConversationAsSyncedRekeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddOptimisticConversation(ctx, &model.Conversation{ID: "local", Title: "t"}); err != nil {
		t.Fatalf("AddOptimisticConversation() error = %v", err)
	}
	msg, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "local", Content: "hi"})
	if err != nil {
		t.Fatalf("AddOptimisticMessage() error = %v", err)
	}

	if err := s.MarkConversationAsSynced(ctx, "local", &model.Conversation{ID: "remote", Title: "t"}); err != nil {
		t.Fatalf("MarkConversationAsSynced() error = %v", err)
	}

	conv, _ := s.GetConversation(ctx, "remote")
	if conv == nil || conv.LastSyncedAt == nil || conv.NeedsSync {
		t.Fatalf("conversation = %+v, want synced", conv)
	}
	got, _ := s.GetMessage(ctx, msg.ID)
	if got.ConversationID != "remote" {
		t.Errorf("message conversation = %s, want remote", got.ConversationID)
	}
}

func TestMarkSyncFailedAndRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")

	msg, _ := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "c1", Content: "hi"})
	for i := 0; i < 3; i++ {
		if err := s.MarkSyncFailed(ctx, msg.ID, "connection refused"); err != nil {
			t.Fatalf("MarkSyncFailed() error = %v", err)
		}
	}

	items, _ := s.PendingQueueItems(ctx, 10)
	if items[0].Attempts != 3 || items[0].LastAttemptAt == nil {
		t.Errorf("attempts = %d last = %v, want 3 and set", items[0].Attempts, items[0].LastAttemptAt)
	}
	got, _ := s.GetMessage(ctx, msg.ID)
	if got.SyncAttempts != 3 || got.LastError != "connection refused" {
		t.Errorf("message attempts = %d err = %q", got.SyncAttempts, got.LastError)
	}

	if err := s.DropQueueItem(ctx, items[0].ID); err != nil {
		t.Fatalf("DropQueueItem() error = %v", err)
	}
	if err := s.MarkMessageFailed(ctx, msg.ID, "gave up"); err != nil {
		t.Fatalf("MarkMessageFailed() error = %v", err)
	}

	retried, err := s.RetryFailedMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("RetryFailedMessage() error = %v", err)
	}
	if retried.Status != model.StatusPending || retried.SyncAttempts != 0 {
		t.Errorf("retried = %s/%d, want pending/0", retried.Status, retried.SyncAttempts)
	}
	if n, _ := s.QueueLength(ctx); n != 1 {
		t.Errorf("QueueLength() = %d, want 1", n)
	}

	if _, err := s.RetryFailedMessage(ctx, msg.ID); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("retry of pending message error = %v, want ErrInvalidRecord", err)
	}
}

func TestAppendMessageContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")

	msg := &model.Message{ID: "a1", ConversationID: "c1", Role: model.RoleAssistant, Status: model.StatusStreaming}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	for _, d := range []string{"등기부", "등본 ", "분석 중"} {
		if err := s.AppendMessageContent(ctx, "a1", d); err != nil {
			t.Fatalf("AppendMessageContent() error = %v", err)
		}
	}
	if err := s.SetMessageStatus(ctx, "a1", model.StatusCompleted); err != nil {
		t.Fatalf("SetMessageStatus() error = %v", err)
	}

	got, _ := s.GetMessage(ctx, "a1")
	if got.Content != "등기부등본 분석 중" || got.Status != model.StatusCompleted {
		t.Errorf("got %q/%s", got.Content, got.Status)
	}
}

func TestCleanupOldConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, c := range []*model.Conversation{
		{ID: "stale", CreatedAt: old, UpdatedAt: old},
		{ID: "archived", Archived: true, CreatedAt: old, UpdatedAt: old},
	} {
		if err := s.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation() error = %v", err)
		}
	}
	seedConversation(t, s, "fresh")

	s.now = func() time.Time { return old }
	if _, err := s.AddOptimisticMessage(ctx, &model.Message{ConversationID: "stale", Content: "old"}); err != nil {
		t.Fatalf("AddOptimisticMessage() error = %v", err)
	}
	s.now = stepClock(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	removed, err := s.CleanupOldConversations(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupOldConversations() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if c, _ := s.GetConversation(ctx, "stale"); c != nil {
		t.Error("stale conversation survived cleanup")
	}
	if c, _ := s.GetConversation(ctx, "archived"); c == nil {
		t.Error("archived conversation was removed")
	}
	if n, _ := s.QueueLength(ctx); n != 0 {
		t.Errorf("QueueLength() = %d, want 0", n)
	}
}
