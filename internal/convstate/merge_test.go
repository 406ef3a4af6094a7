package convstate

import "testing"

func TestResolveMergedExecutionState_TerminalIsAbsorbing(t *testing.T) {
	terminals := []string{ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateCancelled}
	nonTerminals := []string{ExecutionStateQueued, ExecutionStatePending, ExecutionStateExecuting, ExecutionStateConfirming}

	for _, term := range terminals {
		for _, live := range nonTerminals {
			if got := ResolveMergedExecutionState(term, live); got != term {
				t.Fatalf("terminal %q overwritten by %q: got %q", term, live, got)
			}
			if got := ResolveMergedExecutionState(live, term); got != term {
				t.Fatalf("terminal %q did not win over %q: got %q", term, live, got)
			}
		}
	}
}

func TestResolveMergedExecutionState_RankOrder(t *testing.T) {
	cases := []struct {
		current  string
		incoming string
		want     string
	}{
		{ExecutionStateQueued, ExecutionStatePending, ExecutionStatePending},
		{ExecutionStatePending, ExecutionStateQueued, ExecutionStatePending},
		{ExecutionStateExecuting, ExecutionStatePending, ExecutionStateExecuting},
		{ExecutionStateExecuting, ExecutionStateConfirming, ExecutionStateConfirming},
		{ExecutionStateConfirming, ExecutionStateExecuting, ExecutionStateExecuting},
		{ExecutionStateCancelled, ExecutionStateCompleted, ExecutionStateCompleted},
		{ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateCompleted},
	}
	for _, tc := range cases {
		if got := ResolveMergedExecutionState(tc.current, tc.incoming); got != tc.want {
			t.Fatalf("resolve(%q, %q) = %q, want %q", tc.current, tc.incoming, got, tc.want)
		}
	}
}

func TestMergeExecution_PlaceholderAndAuthoritativeCommute(t *testing.T) {
	placeholder := Execution{
		ID:            "exec-1",
		State:         ExecutionStateExecuting,
		Mode:          "agent",
		ModeSnapshot:  "agent",
		ModelSnapshot: map[string]any{"model_id": ""},
		TraceID:       "tr-1",
		CreatedAt:     "2026-03-01T10:00:05Z",
		UpdatedAt:     "2026-03-01T10:00:05Z",
		TokensOut:     20,
	}
	authoritative := Execution{
		ID:             "exec-1",
		WorkspaceID:    "ws-1",
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		State:          ExecutionStatePending,
		Mode:           "agent",
		ModelID:        "sc-4",
		ModeSnapshot:   "agent",
		ModelSnapshot:  map[string]any{"model_id": "sc-4"},
		QueueIndex:     2,
		CreatedAt:      "2026-03-01T10:00:01Z",
		UpdatedAt:      "2026-03-01T10:00:03Z",
		TokensIn:       100,
	}

	ab := MergeExecution(placeholder, authoritative)
	ba := MergeExecution(authoritative, placeholder)

	for name, pair := range map[string][2]string{
		"state":      {ab.State, ba.State},
		"created_at": {ab.CreatedAt, ba.CreatedAt},
		"updated_at": {ab.UpdatedAt, ba.UpdatedAt},
		"message_id": {ab.MessageID, ba.MessageID},
		"model_id":   {ab.ModelID, ba.ModelID},
		"trace_id":   {ab.TraceID, ba.TraceID},
	} {
		if pair[0] != pair[1] {
			t.Fatalf("%s diverges by merge order: %q vs %q", name, pair[0], pair[1])
		}
	}
	if ab.State != ExecutionStateExecuting {
		t.Fatalf("expected executing to outrank pending, got %q", ab.State)
	}
	if ab.CreatedAt != "2026-03-01T10:00:01Z" {
		t.Fatalf("expected earlier created_at to win, got %q", ab.CreatedAt)
	}
	if ab.UpdatedAt != "2026-03-01T10:00:05Z" {
		t.Fatalf("expected later updated_at to win, got %q", ab.UpdatedAt)
	}
	if ab.TokensIn != 100 || ab.TokensOut != 20 {
		t.Fatalf("token counters lost in merge: in=%d out=%d", ab.TokensIn, ab.TokensOut)
	}
	if ab.ModelSnapshot["model_id"] != "sc-4" || ba.ModelSnapshot["model_id"] != "sc-4" {
		t.Fatalf("model snapshot merge lost model_id: %v vs %v", ab.ModelSnapshot, ba.ModelSnapshot)
	}
	if ab.QueueIndex != 2 || ba.QueueIndex != 2 {
		t.Fatalf("queue index lost in merge: %d vs %d", ab.QueueIndex, ba.QueueIndex)
	}
}

func TestMergeExecution_TerminalStateSurvivesStaleRecord(t *testing.T) {
	done := Execution{ID: "exec-1", State: ExecutionStateCompleted, UpdatedAt: "2026-03-01T10:00:09Z"}
	stale := Execution{ID: "exec-1", State: ExecutionStateExecuting, UpdatedAt: "2026-03-01T10:00:04Z"}

	if got := MergeExecution(done, stale).State; got != ExecutionStateCompleted {
		t.Fatalf("stale record reopened completed execution: %q", got)
	}
	if got := MergeExecution(stale, done).State; got != ExecutionStateCompleted {
		t.Fatalf("completed record lost against live one: %q", got)
	}
}

func TestNormalizeExecutionList_DedupesPreservingFirstSighting(t *testing.T) {
	list := []Execution{
		{ID: "exec-1", State: ExecutionStateExecuting},
		{ID: "exec-2", State: ExecutionStateQueued},
		{ID: " exec-1 ", State: ExecutionStateCompleted, MessageID: "msg-1"},
	}
	got := NormalizeExecutionList(list)
	if len(got) != 2 {
		t.Fatalf("expected 2 executions after normalize, got %d", len(got))
	}
	if got[0].ID != "exec-1" || got[1].ID != "exec-2" {
		t.Fatalf("first-sighting order not preserved: %q, %q", got[0].ID, got[1].ID)
	}
	if got[0].State != ExecutionStateCompleted || got[0].MessageID != "msg-1" {
		t.Fatalf("duplicate was not merged into first sighting: %#v", got[0])
	}
}

func TestDedupWindow_EvictsOldestAtCapacity(t *testing.T) {
	w := newDedupWindow(3)
	for _, k := range []string{"a", "b", "c"} {
		w.remember(k)
	}
	if !w.has("a") || w.len() != 3 {
		t.Fatalf("window should hold a,b,c: len=%d", w.len())
	}
	w.remember("d")
	if w.has("a") {
		t.Fatalf("oldest key should have been evicted")
	}
	if !w.has("b") || !w.has("c") || !w.has("d") {
		t.Fatalf("newer keys lost on eviction")
	}
	if w.len() != 3 {
		t.Fatalf("window exceeded capacity: len=%d", w.len())
	}
}

func TestEventDedupKey_FallsBackWithoutEventID(t *testing.T) {
	withID := ExecutionEvent{EventID: "evt-1", ConversationID: "conv-1", ExecutionID: "exec-1", Sequence: 7, Type: EventTypeToolCall}
	if got := eventDedupKey(withID); got != "id:evt-1" {
		t.Fatalf("unexpected keyed form: %q", got)
	}
	withID.EventID = "  "
	if got := eventDedupKey(withID); got != "fallback:conv-1:exec-1:7:tool_call" {
		t.Fatalf("unexpected fallback form: %q", got)
	}
}
