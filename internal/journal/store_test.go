package journal

import (
	"path/filepath"
	"testing"

	"hubdeck/cli/internal/convstate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_AppendAndListEvents(t *testing.T) {
	store := openTestStore(t)

	events := []convstate.ExecutionEvent{
		{EventID: "evt-1", ExecutionID: "exec-1", ConversationID: "conv-1", Type: convstate.EventTypeExecutionStarted, Timestamp: "2026-03-01T10:00:01Z"},
		{EventID: "evt-2", ExecutionID: "exec-1", ConversationID: "conv-1", Type: convstate.EventTypeExecutionDone, Timestamp: "2026-03-01T10:00:05Z", Payload: map[string]any{"content": "done"}},
		{EventID: "evt-3", ExecutionID: "exec-9", ConversationID: "conv-2", Type: convstate.EventTypeExecutionError, Timestamp: "2026-03-01T10:00:06Z"},
	}
	for _, event := range events {
		if err := store.AppendEvent(event); err != nil {
			t.Fatalf("AppendEvent %s failed: %v", event.EventID, err)
		}
	}

	rows, err := store.RecentEvents("conv-1", 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for conv-1, got %d", len(rows))
	}
	if rows[0].EventID != "evt-2" || rows[1].EventID != "evt-1" {
		t.Fatalf("rows should be newest first: %#v", rows)
	}
	if rows[0].PayloadJSON != `{"content":"done"}` {
		t.Fatalf("payload not persisted: %q", rows[0].PayloadJSON)
	}

	all, err := store.RecentEvents("", 10)
	if err != nil {
		t.Fatalf("RecentEvents all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows total, got %d", len(all))
	}
}

func TestStore_TransitionCountsAndClear(t *testing.T) {
	store := openTestStore(t)

	transitions := []struct {
		conversationID string
		next           string
	}{
		{"conv-1", convstate.ExecutionStateExecuting},
		{"conv-1", convstate.ExecutionStateCompleted},
		{"conv-1", convstate.ExecutionStateCompleted},
		{"conv-2", convstate.ExecutionStateFailed},
	}
	for i, tr := range transitions {
		err := store.AppendTransition(tr.conversationID, convstate.ExecutionEvent{
			EventID:     "evt",
			ExecutionID: "exec-1",
			Type:        convstate.EventTypeExecutionDone,
		}, convstate.ApplyResult{Applied: true, NextState: tr.next})
		if err != nil {
			t.Fatalf("AppendTransition %d failed: %v", i, err)
		}
	}

	counts, err := store.TransitionCounts("conv-1")
	if err != nil {
		t.Fatalf("TransitionCounts failed: %v", err)
	}
	if counts[convstate.ExecutionStateCompleted] != 2 || counts[convstate.ExecutionStateExecuting] != 1 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
	if _, ok := counts[convstate.ExecutionStateFailed]; ok {
		t.Fatalf("counts leaked across conversations: %#v", counts)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	rows, err := store.RecentEvents("", 10)
	if err != nil {
		t.Fatalf("RecentEvents after clear failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("events should be cleared, got %d", len(rows))
	}
	counts, err = store.TransitionCounts("")
	if err != nil {
		t.Fatalf("TransitionCounts after clear failed: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("transitions should be cleared: %#v", counts)
	}
}
