package threadstore

import (
	"context"
	"testing"

	"github.com/orchestrahub/hub/internal/types"
)

func TestAppendThenListIncludesMessageAtTail(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, NewMemStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	thread, err := svc.Create(ctx, "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Append(ctx, thread.ThreadID, types.Message{Role: types.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	m, err := svc.Append(ctx, thread.ThreadID, types.Message{Role: types.RoleAssistant, Content: "world"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	list, err := svc.ListMessages(ctx, thread.ThreadID, types.MessageFilter{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(list))
	}
	if list[len(list)-1].MessageID != m.MessageID {
		t.Fatalf("expected %s at tail, got %s", m.MessageID, list[len(list)-1].MessageID)
	}
}

func TestAppendWithRepeatedIdempotencyKeyAppendsOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := New(ctx, NewMemStore())
	thread, _ := svc.Create(ctx, "agent-1", nil, nil)

	first, err := svc.Append(ctx, thread.ThreadID, types.Message{Role: types.RoleUser, Content: "hi", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := svc.Append(ctx, thread.ThreadID, types.Message{Role: types.RoleUser, Content: "hi again", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("Append (repeat): %v", err)
	}
	if first.MessageID != second.MessageID {
		t.Fatalf("expected repeated idempotency key to return the same message, got %s vs %s", first.MessageID, second.MessageID)
	}

	list, err := svc.ListMessages(ctx, thread.ThreadID, types.MessageFilter{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly 1 message after duplicate idempotency key, got %d", len(list))
	}
}

func TestAppendToClosedThreadRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := New(ctx, NewMemStore())
	thread, _ := svc.Create(ctx, "agent-1", nil, nil)

	if _, err := svc.Close(ctx, thread.ThreadID, nil, "resolved"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := svc.Append(ctx, thread.ThreadID, types.Message{Role: types.RoleUser, Content: "too late"})
	if err == nil {
		t.Fatal("expected append to closed thread to be rejected")
	}
}

func TestSummarizeVersionsReplaceNotMutate(t *testing.T) {
	ctx := context.Background()
	svc, _ := New(ctx, NewMemStore())
	thread, _ := svc.Create(ctx, "agent-1", nil, nil)
	for i := 0; i < 5; i++ {
		if _, err := svc.Append(ctx, thread.ThreadID, types.Message{Role: types.RoleUser, Content: "msg"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	updated, err := svc.Summarize(ctx, thread.ThreadID, types.SummaryPolicy{MinTailMessages: 1}, "first summary")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if updated.Summary.Version != 1 {
		t.Fatalf("expected version 1, got %d", updated.Summary.Version)
	}

	updated, err = svc.Summarize(ctx, thread.ThreadID, types.SummaryPolicy{MinTailMessages: 1}, "second summary")
	if err != nil {
		t.Fatalf("Summarize (again): %v", err)
	}
	if updated.Summary.Version != 2 {
		t.Fatalf("expected version 2 after re-summarization, got %d", updated.Summary.Version)
	}
	if updated.Summary.Text != "second summary" {
		t.Fatalf("expected replaced text, got %q", updated.Summary.Text)
	}
}

func TestGetContextRecentRespectsBudget(t *testing.T) {
	ctx := context.Background()
	svc, _ := New(ctx, NewMemStore())
	thread, _ := svc.Create(ctx, "agent-1", nil, nil)
	for i := 0; i < 10; i++ {
		if _, err := svc.Append(ctx, thread.ThreadID, types.Message{Role: types.RoleUser, Content: "0123456789"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	window, err := svc.GetContext(ctx, thread.ThreadID, types.ContextBudget{Strategy: types.ContextStrategyRecent, MaxTokens: 5})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(window.Messages) == 0 {
		t.Fatal("expected at least one message to fit the budget")
	}
	if len(window.Messages) >= 10 {
		t.Fatalf("expected budget to trim messages, got all %d", len(window.Messages))
	}
}
