package streamsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hubdeck/cli/internal/convstate"
	"hubdeck/cli/internal/hubapi"
)

func newActionFixture(t *testing.T, handler http.HandlerFunc) (*convstate.Registry, *Actions, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	registry := convstate.NewRegistry(discardLogger())
	registry.Ensure(convstate.Conversation{ID: "conv-1", DefaultMode: "agent", ModelID: "sc-4"}, true)
	return registry, NewActions(registry, hubapi.NewClient(server.URL), discardLogger()), server
}

func TestSubmitMessage_RecordsExecution(t *testing.T) {
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var req hubapi.CreateExecutionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(hubapi.CreateExecutionResponse{
			Execution: &convstate.Execution{
				ID: "exec-1", ConversationID: "conv-1", State: convstate.ExecutionStatePending,
				Mode: req.Mode, ModelID: req.ModelID, QueueIndex: req.QueueIndex,
			},
		})
	})

	registry.SetDraft("conv-1", "ship it")
	if err := actions.SubmitMessage(context.Background(), "conv-1"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}

	executions := registry.Executions("conv-1")
	if len(executions) != 1 || executions[0].ID != "exec-1" || executions[0].State != convstate.ExecutionStatePending {
		t.Fatalf("execution not recorded: %#v", executions)
	}
	messages := registry.Messages("conv-1")
	if len(messages) != 1 || messages[0].Role != convstate.RoleUser || messages[0].Content != "ship it" {
		t.Fatalf("optimistic user message missing: %#v", messages)
	}
}

func TestSubmitMessage_FailureSurfacesSystemMessage(t *testing.T) {
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	registry.SetDraft("conv-1", "ship it")
	if err := actions.SubmitMessage(context.Background(), "conv-1"); err == nil {
		t.Fatalf("expected submit failure")
	}

	// The optimistic user message stays; the failure follows it as a system
	// line so the transcript shows what happened.
	messages := registry.Messages("conv-1")
	if len(messages) != 2 {
		t.Fatalf("expected user + system message, got %#v", messages)
	}
	if messages[0].Role != convstate.RoleUser || messages[0].Content != "ship it" {
		t.Fatalf("optimistic user message lost: %#v", messages[0])
	}
	if messages[1].Role != convstate.RoleSystem || !strings.Contains(messages[1].Content, "Failed to send message") {
		t.Fatalf("failure not surfaced as system message: %#v", messages[1])
	}
	if len(registry.Snapshots("conv-1")) != 1 {
		t.Fatalf("rollback snapshot should survive the failure: %#v", registry.Snapshots("conv-1"))
	}
	if registry.LastError() != messages[1].Content {
		t.Fatalf("store error %q should match the system message %q", registry.LastError(), messages[1].Content)
	}
	if draft, _, _ := registry.ComposerState("conv-1"); draft != "" {
		t.Fatalf("draft stays consumed after submit, got %q", draft)
	}
}

func TestSubmitMessage_SlashCommandResult(t *testing.T) {
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(hubapi.CreateExecutionResponse{
			CommandResult: &hubapi.CommandResult{Command: "/status", Output: "idle"},
		})
	})

	registry.SetDraft("conv-1", "/status")
	if err := actions.SubmitMessage(context.Background(), "conv-1"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	if len(registry.Executions("conv-1")) != 0 {
		t.Fatalf("slash command should not create executions")
	}
	messages := registry.Messages("conv-1")
	last := messages[len(messages)-1]
	if last.Role != convstate.RoleSystem || last.Content != "idle" {
		t.Fatalf("command output should land as a system message: %#v", last)
	}
}

func TestSubmitMessage_BlankDraftRefused(t *testing.T) {
	_, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected for a blank draft")
	})
	if err := actions.SubmitMessage(context.Background(), "conv-1"); err != ErrNothingToSubmit {
		t.Fatalf("expected ErrNothingToSubmit, got %v", err)
	}
}

func TestStopExecution_TargetsActiveExecution(t *testing.T) {
	var cancelled string
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		cancelled = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	registry.RecordExecution("conv-1", convstate.Execution{ID: "exec-1", ConversationID: "conv-1", State: convstate.ExecutionStateCompleted})
	registry.RecordExecution("conv-1", convstate.Execution{ID: "exec-2", ConversationID: "conv-1", State: convstate.ExecutionStateExecuting})

	if err := actions.StopExecution(context.Background(), "conv-1"); err != nil {
		t.Fatalf("StopExecution failed: %v", err)
	}
	if cancelled != "/api/executions/exec-2/cancel" {
		t.Fatalf("wrong cancel target: %q", cancelled)
	}

	registry.ApplyEvent("conv-1", convstate.ExecutionEvent{
		EventID: "evt-1", ExecutionID: "exec-2", ConversationID: "conv-1",
		Type: convstate.EventTypeExecutionStopped, Timestamp: "2026-03-01T10:00:09Z",
	})
	if _, ok := registry.ActiveExecution("conv-1"); ok {
		t.Fatalf("stopped execution should no longer be active")
	}
}

func TestStopExecution_NoActiveExecution(t *testing.T) {
	_, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	})
	if err := actions.StopExecution(context.Background(), "conv-1"); err != ErrNoActiveExecution {
		t.Fatalf("expected ErrNoActiveExecution, got %v", err)
	}
}

func TestRollbackToMessage_ServerRejectionLeavesStateAlone(t *testing.T) {
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "execution in flight"})
	})

	registry.SetDraft("conv-1", "first")
	seed, _ := registry.BeginSubmit("conv-1")

	if err := actions.RollbackToMessage(context.Background(), "conv-1", seed.UserMessage.ID); err == nil {
		t.Fatalf("expected rollback rejection")
	}
	if len(registry.Messages("conv-1")) != 1 {
		t.Fatalf("local state must stay untouched on server rejection")
	}
}

func TestRollbackToMessage_RestoresLocally(t *testing.T) {
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	registry.SetDraft("conv-1", "first")
	seed, _ := registry.BeginSubmit("conv-1")
	registry.AppendSystemMessage("conv-1", "later noise")
	registry.ReplaceDiff("conv-1", []convstate.DiffItem{{ID: "d1", Path: "a.go", ChangeType: "modified", Summary: "x"}})

	if err := actions.RollbackToMessage(context.Background(), "conv-1", seed.UserMessage.ID); err != nil {
		t.Fatalf("RollbackToMessage failed: %v", err)
	}
	messages := registry.Messages("conv-1")
	if len(messages) != 1 || messages[0].ID != seed.UserMessage.ID {
		t.Fatalf("transcript not restored: %#v", messages)
	}
	if len(registry.Diff("conv-1")) != 0 {
		t.Fatalf("diff should be cleared by rollback")
	}
}

func TestCommitAndDiscardLatestDiff(t *testing.T) {
	var paths []string
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	registry.RecordExecution("conv-1", convstate.Execution{ID: "exec-1", ConversationID: "conv-1", State: convstate.ExecutionStateCompleted})
	registry.ReplaceDiff("conv-1", []convstate.DiffItem{{ID: "d1", Path: "a.go", ChangeType: "added", Summary: "new"}})

	if err := actions.CommitLatestDiff(context.Background(), "conv-1"); err != nil {
		t.Fatalf("CommitLatestDiff failed: %v", err)
	}
	if len(registry.Diff("conv-1")) != 0 {
		t.Fatalf("commit should clear the working diff")
	}

	registry.ReplaceDiff("conv-1", []convstate.DiffItem{{ID: "d2", Path: "b.go", ChangeType: "deleted", Summary: "gone"}})
	if err := actions.DiscardLatestDiff(context.Background(), "conv-1"); err != nil {
		t.Fatalf("DiscardLatestDiff failed: %v", err)
	}
	if len(registry.Diff("conv-1")) != 0 {
		t.Fatalf("discard should clear the working diff")
	}

	if len(paths) != 2 || paths[0] != "/api/executions/exec-1/commit" || paths[1] != "/api/executions/exec-1/discard" {
		t.Fatalf("unexpected request paths: %#v", paths)
	}
}

func TestCommitLatestDiff_RequiresGitProject(t *testing.T) {
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected for a non-git project")
	})

	registry.Ensure(convstate.Conversation{ID: "conv-plain"}, false)
	registry.RecordExecution("conv-plain", convstate.Execution{ID: "exec-1", ConversationID: "conv-plain", State: convstate.ExecutionStateCompleted})
	registry.ReplaceDiff("conv-plain", []convstate.DiffItem{{ID: "d1", Path: "a.go", ChangeType: "modified", Summary: "x"}})

	if err := actions.CommitLatestDiff(context.Background(), "conv-plain"); err != ErrCommitNotSupported {
		t.Fatalf("expected ErrCommitNotSupported, got %v", err)
	}
	if len(registry.Diff("conv-plain")) != 1 {
		t.Fatalf("refused commit must leave the diff intact")
	}
}

func TestRefreshExecutionDiff(t *testing.T) {
	registry, actions, _ := newActionFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"diff": []convstate.DiffItem{{ID: "d1", Path: "main.go", ChangeType: "modified", Summary: "tweak"}},
		})
	})

	if err := actions.RefreshExecutionDiff(context.Background(), "conv-1", "exec-1"); err != nil {
		t.Fatalf("RefreshExecutionDiff failed: %v", err)
	}
	diff := registry.Diff("conv-1")
	if len(diff) != 1 || diff[0].Path != "main.go" {
		t.Fatalf("diff not replaced: %#v", diff)
	}
}
