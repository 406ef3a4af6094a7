package convstate

import (
	"fmt"
	"strings"
	"time"
)

// ApplyResult describes what one event application did to the store.
type ApplyResult struct {
	Applied             bool
	Duplicate           bool
	PreviousState       string
	NextState           string
	TerminalMessageRole string
}

// ApplyEvent applies one canonical event to the conversation runtime. The
// whole application runs under the registry lock, so it is atomic with
// respect to every other writer. Duplicate events (already inside the dedup
// window) are dropped before any state mutation. A missing runtime is a
// silent no-op: it means the UI raced a teardown.
func (r *Registry) ApplyEvent(conversationID string, event ExecutionEvent) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return ApplyResult{}
	}

	key := eventDedupKey(event)
	if runtime.processedEvents.has(key) {
		r.logger.Debug("dropped duplicate execution event", "conversation_id", conversationID, "dedup_key", key)
		return ApplyResult{Duplicate: true}
	}
	runtime.processedEvents.remember(key)

	appendRuntimeEvent(runtime, event)

	result := ApplyResult{Applied: true}
	messageID := ""
	if trimmed(event.ExecutionID) != "" {
		result.PreviousState = findExecutionState(runtime, event.ExecutionID)
		execution := ensureExecution(runtime, conversationID, event)
		applyExecutionState(execution, event)
		applyUsageCounters(execution, event.Payload)
		runtime.Executions = NormalizeExecutionList(runtime.Executions)
		result.NextState = findExecutionState(runtime, event.ExecutionID)
		messageID = findExecutionMessageID(runtime, event.ExecutionID)
	}

	if event.Type == EventTypeDiffGenerated {
		runtime.Diff = parseDiffPayload(event.Payload, r.mintID)
	}

	switch event.Type {
	case EventTypeExecutionDone:
		if r.appendTerminalMessage(runtime, conversationID, event, result, messageID, RoleAssistant) {
			result.TerminalMessageRole = RoleAssistant
		}
	case EventTypeExecutionError:
		if r.appendTerminalMessage(runtime, conversationID, event, result, messageID, RoleSystem) {
			result.TerminalMessageRole = RoleSystem
		}
	}
	return result
}

// ensureExecution locates the execution an event refers to, synthesizing a
// queued placeholder when the id is unknown. Events can outrun the REST
// create response, and downstream observers still need to see "there is an
// execution in flight".
func ensureExecution(runtime *ConversationRuntime, conversationID string, event ExecutionEvent) *Execution {
	id := trimmed(event.ExecutionID)
	for i := range runtime.Executions {
		if runtime.Executions[i].ID == id {
			return &runtime.Executions[i]
		}
	}
	runtime.Executions = append(runtime.Executions, Execution{
		ID:             id,
		ConversationID: conversationID,
		State:          ExecutionStateQueued,
		Mode:           "agent",
		ModeSnapshot:   "agent",
		ModelSnapshot:  map[string]any{"model_id": ""},
		QueueIndex:     event.QueueIndex,
		TraceID:        event.TraceID,
		CreatedAt:      event.Timestamp,
		UpdatedAt:      event.Timestamp,
	})
	return &runtime.Executions[len(runtime.Executions)-1]
}

// applyExecutionState advances the per-execution state machine. The next
// state goes through the merge resolver instead of a bare assignment so
// terminal states stay absorbing even when lifecycle events arrive out of
// order.
func applyExecutionState(execution *Execution, event ExecutionEvent) {
	if next, ok := stateForEvent(event); ok {
		execution.State = ResolveMergedExecutionState(execution.State, next)
	}
	execution.UpdatedAt = preferLaterTimestamp(execution.UpdatedAt, event.Timestamp)
}

func stateForEvent(event ExecutionEvent) (string, bool) {
	switch event.Type {
	case EventTypeExecutionStarted:
		return ExecutionStateExecuting, true
	case EventTypeConfirmationRequired:
		return ExecutionStateConfirming, true
	case EventTypeConfirmationResolved:
		decision, _ := event.Payload["decision"].(string)
		if strings.EqualFold(strings.TrimSpace(decision), "deny") {
			return ExecutionStateCancelled, true
		}
		return ExecutionStateExecuting, true
	case EventTypeExecutionStopped:
		return ExecutionStateCancelled, true
	case EventTypeExecutionDone:
		return ExecutionStateCompleted, true
	case EventTypeExecutionError:
		return ExecutionStateFailed, true
	default:
		return "", false
	}
}

// applyUsageCounters folds a usage payload into the token counters.
// Counters never decrease; redelivered or stale usage reports cannot shrink
// them.
func applyUsageCounters(execution *Execution, payload map[string]any) {
	usage, ok := payload["usage"].(map[string]any)
	if !ok {
		return
	}
	if v, ok := usageInt(usage, "tokens_in"); ok {
		execution.TokensIn = maxInt(execution.TokensIn, v)
	}
	if v, ok := usageInt(usage, "tokens_out"); ok {
		execution.TokensOut = maxInt(execution.TokensOut, v)
	}
}

func usageInt(usage map[string]any, key string) (int, bool) {
	f, ok := usage[key].(float64)
	if !ok || f < 0 || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// parseDiffPayload reads a diff array out of an event payload, coercing
// unknown change types to "modified".
func parseDiffPayload(payload map[string]any, mintID func(string) string) []DiffItem {
	raw, ok := payload["diff"].([]any)
	if !ok {
		return nil
	}
	items := make([]DiffItem, 0, len(raw))
	for _, entry := range raw {
		record, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := DiffItem{
			ID:         payloadString(record, "id"),
			Path:       payloadString(record, "path"),
			ChangeType: payloadString(record, "change_type"),
			Summary:    payloadString(record, "summary"),
		}
		if item.ID == "" {
			item.ID = mintID("diff")
		}
		if item.Path == "" {
			item.Path = "unknown"
		}
		if item.ChangeType != "added" && item.ChangeType != "deleted" {
			item.ChangeType = "modified"
		}
		if item.Summary == "" {
			item.Summary = "changed"
		}
		items = append(items, item)
	}
	return items
}

// appendTerminalMessage emits the at-most-once terminal chat message for a
// finished execution. Gates: the execution must be newly terminal, the
// transcript must already carry message context for the event, and the
// (execution, role) completion key must be unseen.
func (r *Registry) appendTerminalMessage(
	runtime *ConversationRuntime,
	conversationID string,
	event ExecutionEvent,
	result ApplyResult,
	messageID string,
	role string,
) bool {
	if !IsTerminalExecutionState(result.NextState) {
		return false
	}
	if IsTerminalExecutionState(result.PreviousState) {
		return false
	}
	if !hasMessageContext(runtime, event, messageID) {
		return false
	}
	key := completionMessageKey(event, role)
	if runtime.completionMessages.has(key) {
		return false
	}
	runtime.completionMessages.remember(key)

	content := terminalMessageContent(event, role)
	insertTerminalMessage(runtime, ConversationMessage{
		ID:             r.mintID("msg"),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		QueueIndex:     intPtr(event.QueueIndex),
		CreatedAt:      r.now().UTC().Format(time.RFC3339Nano),
	})
	return true
}

func terminalMessageContent(event ExecutionEvent, role string) string {
	if role == RoleAssistant {
		if content := payloadString(event.Payload, "content"); content != "" {
			return content
		}
		return fmt.Sprintf("Execution %s completed.", event.ExecutionID)
	}
	if message := payloadString(event.Payload, "message"); message != "" {
		return message
	}
	return "Execution failed."
}

// hasMessageContext reports whether the transcript already anchors this
// event: either the execution's originating message is present, or a user
// message sits at the event's queue index.
func hasMessageContext(runtime *ConversationRuntime, event ExecutionEvent, messageID string) bool {
	if id := trimmed(messageID); id != "" {
		for _, message := range runtime.Messages {
			if message.ID == id {
				return true
			}
		}
	}
	for _, message := range runtime.Messages {
		if message.Role == RoleUser && message.QueueIndex != nil && *message.QueueIndex == event.QueueIndex {
			return true
		}
	}
	return false
}

// insertTerminalMessage places a terminal message immediately after the last
// message whose queue index does not exceed the event's, so interleaved
// executions stay grouped near their originating user turn instead of piling
// up at the tail.
func insertTerminalMessage(runtime *ConversationRuntime, message ConversationMessage) {
	if message.QueueIndex == nil {
		runtime.Messages = append(runtime.Messages, message)
		return
	}
	insertAfter := -1
	for i, current := range runtime.Messages {
		if current.QueueIndex == nil {
			continue
		}
		if *current.QueueIndex <= *message.QueueIndex {
			insertAfter = i
		}
	}
	if insertAfter < 0 {
		runtime.Messages = append(runtime.Messages, message)
		return
	}
	runtime.Messages = append(runtime.Messages, ConversationMessage{})
	copy(runtime.Messages[insertAfter+2:], runtime.Messages[insertAfter+1:])
	runtime.Messages[insertAfter+1] = message
}

func findExecutionState(runtime *ConversationRuntime, executionID string) string {
	id := trimmed(executionID)
	for _, execution := range runtime.Executions {
		if execution.ID == id {
			return execution.State
		}
	}
	return ""
}

func findExecutionMessageID(runtime *ConversationRuntime, executionID string) string {
	id := trimmed(executionID)
	for _, execution := range runtime.Executions {
		if execution.ID == id {
			return execution.MessageID
		}
	}
	return ""
}
