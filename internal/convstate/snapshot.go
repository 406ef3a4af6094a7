package convstate

import "time"

// buildSnapshotLocked captures the current runtime state keyed by the user
// message that triggered it. ExecutionIDs is written alongside
// ExecutionSnapshots so snapshots stay readable by code that predates the
// richer field.
func (r *Registry) buildSnapshotLocked(runtime *ConversationRuntime, rollbackPointMessageID string) ConversationSnapshot {
	executionSnapshots := make([]ExecutionSnapshot, 0, len(runtime.Executions))
	executionIDs := make([]string, 0, len(runtime.Executions))
	for _, execution := range runtime.Executions {
		executionSnapshots = append(executionSnapshots, ExecutionSnapshot{
			ID:         execution.ID,
			State:      execution.State,
			QueueIndex: execution.QueueIndex,
			MessageID:  execution.MessageID,
			UpdatedAt:  execution.UpdatedAt,
		})
		executionIDs = append(executionIDs, execution.ID)
	}
	return ConversationSnapshot{
		ID:                     r.mintID("snap"),
		ConversationID:         runtime.ConversationID,
		RollbackPointMessageID: rollbackPointMessageID,
		QueueState:             runtime.QueueState,
		WorktreeRef:            runtime.WorktreeRef,
		InspectorTab:           runtime.InspectorTab,
		Messages:               copyMessages(runtime.Messages),
		ExecutionSnapshots:     executionSnapshots,
		ExecutionIDs:           executionIDs,
		CreatedAt:              r.now().UTC().Format(time.RFC3339Nano),
	}
}

// PushSnapshot appends an externally built snapshot (REST hydration backfill
// or tests). Snapshots captured on submit go through BeginSubmit instead.
func (r *Registry) PushSnapshot(conversationID string, snapshot ConversationSnapshot) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.Snapshots = append(runtime.Snapshots, snapshot)
	})
}

// RollbackToMessage restores the runtime to the snapshot captured when the
// given user message was submitted. Unknown targets and non-user messages
// are silent no-ops: they mean the UI acted on stale state. Returns whether
// a restore happened.
func (r *Registry) RollbackToMessage(conversationID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return false
	}
	target := findMessage(runtime.Messages, messageID)
	if target == nil || target.Role != RoleUser {
		return false
	}
	snapshot := findSnapshotForMessage(runtime.Snapshots, messageID)
	if snapshot == nil {
		return false
	}

	runtime.Messages = copyMessages(snapshot.Messages)
	runtime.Executions = r.restoreExecutionsLocked(runtime, conversationID, *snapshot)

	kept := runtime.Snapshots[:0]
	for _, item := range runtime.Snapshots {
		if item.CreatedAt <= snapshot.CreatedAt {
			kept = append(kept, item)
		}
	}
	runtime.Snapshots = kept

	runtime.WorktreeRef = snapshot.WorktreeRef
	if snapshot.InspectorTab != "" {
		runtime.InspectorTab = snapshot.InspectorTab
	}
	runtime.Diff = nil
	return true
}

// restoreExecutions rebuilds the execution arena from a snapshot. A live
// record with the same id wins over the snapshot's stale copy so terminal
// transitions that happened after the snapshot are not lost; executions the
// snapshot never saw are dropped. Snapshots that predate ExecutionSnapshots
// fall back to filtering by the recorded id list.
func (r *Registry) restoreExecutionsLocked(runtime *ConversationRuntime, conversationID string, snapshot ConversationSnapshot) []Execution {
	liveByID := make(map[string]Execution, len(runtime.Executions))
	for _, execution := range runtime.Executions {
		liveByID[execution.ID] = execution
	}

	if len(snapshot.ExecutionSnapshots) > 0 {
		out := make([]Execution, 0, len(snapshot.ExecutionSnapshots))
		for _, item := range snapshot.ExecutionSnapshots {
			if live, ok := liveByID[item.ID]; ok {
				out = append(out, CloneExecution(live))
				continue
			}
			timestamp := item.UpdatedAt
			if timestamp == "" {
				timestamp = r.now().UTC().Format(time.RFC3339Nano)
			}
			out = append(out, Execution{
				ID:             item.ID,
				ConversationID: conversationID,
				MessageID:      item.MessageID,
				State:          item.State,
				Mode:           "agent",
				ModeSnapshot:   "agent",
				ModelSnapshot:  map[string]any{"model_id": ""},
				QueueIndex:     item.QueueIndex,
				CreatedAt:      timestamp,
				UpdatedAt:      timestamp,
			})
		}
		return out
	}

	out := make([]Execution, 0, len(snapshot.ExecutionIDs))
	for _, execution := range runtime.Executions {
		for _, id := range snapshot.ExecutionIDs {
			if execution.ID == id {
				out = append(out, execution)
				break
			}
		}
	}
	return out
}

func findMessage(messages []ConversationMessage, messageID string) *ConversationMessage {
	for i := range messages {
		if messages[i].ID == messageID {
			return &messages[i]
		}
	}
	return nil
}

// findSnapshotForMessage scans newest-first so repeated submissions of the
// same message id resolve to the latest capture.
func findSnapshotForMessage(snapshots []ConversationSnapshot, messageID string) *ConversationSnapshot {
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].RollbackPointMessageID == messageID {
			return &snapshots[i]
		}
	}
	return nil
}
