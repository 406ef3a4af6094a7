package convstate

import (
	"strings"
	"time"

	"hubdeck/cli/internal/protocol"
)

var canonicalEventTypes = map[string]struct{}{
	EventTypeMessageReceived:      {},
	EventTypeExecutionStarted:     {},
	EventTypeThinkingDelta:        {},
	EventTypeToolCall:             {},
	EventTypeToolResult:           {},
	EventTypeDiffGenerated:        {},
	EventTypeExecutionStopped:     {},
	EventTypeExecutionDone:        {},
	EventTypeExecutionError:       {},
	EventTypeConfirmationRequired: {},
	EventTypeConfirmationResolved: {},
}

// Run-event vocabulary, mapped 1:1 to canonical types except for
// run_output_delta (disambiguated by payload shape) and run_approval_needed
// (folded into thinking_delta with synthesized payload fields).
var runEventTypeMap = map[string]string{
	"run_queued":    EventTypeMessageReceived,
	"run_started":   EventTypeExecutionStarted,
	"run_completed": EventTypeExecutionDone,
	"run_failed":    EventTypeExecutionError,
	"run_cancelled": EventTypeExecutionStopped,
}

// NormalizeEnvelope maps a raw push-stream envelope to the canonical event
// shape. It returns nil for anything without a recognizable type; unknown
// vocabularies are dropped here so the transition handler never sees them.
func NormalizeEnvelope(env protocol.Envelope, fallbackConversationID string) *ExecutionEvent {
	if env == nil {
		return nil
	}
	rawType := env.String("type")
	if rawType == "" {
		return nil
	}

	if isRunEventType(rawType) {
		return normalizeRunEvent(env, rawType, fallbackConversationID)
	}
	if _, ok := canonicalEventTypes[rawType]; !ok {
		return nil
	}
	return normalizeLegacyEvent(env, rawType, fallbackConversationID)
}

func normalizeLegacyEvent(env protocol.Envelope, eventType, fallbackConversationID string) *ExecutionEvent {
	payload := env.Payload()
	return &ExecutionEvent{
		EventID:        env.String("event_id"),
		ExecutionID:    env.String("execution_id"),
		ConversationID: resolveConversationID(env.String("conversation_id"), fallbackConversationID),
		TraceID:        env.String("trace_id"),
		Sequence:       env.Int("sequence", 0),
		QueueIndex:     env.Int("queue_index", payloadInt(payload, "queue_index", 0)),
		Type:           eventType,
		Timestamp:      resolveTimestamp(env.String("timestamp")),
		Payload:        payload,
	}
}

func normalizeRunEvent(env protocol.Envelope, runType, fallbackConversationID string) *ExecutionEvent {
	payload := env.Payload()
	event := &ExecutionEvent{
		EventID:        env.String("event_id"),
		ExecutionID:    env.String("run_id"),
		ConversationID: resolveConversationID(env.String("session_id"), fallbackConversationID),
		TraceID:        firstNonEmpty(env.String("trace_id"), payloadString(payload, "trace_id")),
		Sequence:       env.Int("sequence", 0),
		QueueIndex:     env.Int("queue_index", payloadInt(payload, "queue_index", 0)),
		Timestamp:      resolveTimestamp(env.String("timestamp")),
		Payload:        payload,
	}

	switch runType {
	case "run_output_delta":
		event.Type = resolveRunOutputDeltaType(payload)
	case "run_approval_needed":
		event.Type = EventTypeThinkingDelta
		event.Payload = withApprovalFields(payload)
	default:
		event.Type = runEventTypeMap[runType]
	}
	return event
}

// resolveRunOutputDeltaType disambiguates the catch-all run_output_delta by
// payload shape: a diff array means a generated diff, a call id or tool name
// with output means a tool result, a tool name with input means a tool call,
// and anything else is thinking text.
func resolveRunOutputDeltaType(payload map[string]any) string {
	if _, ok := payload["diff"].([]any); ok {
		return EventTypeDiffGenerated
	}
	if payloadString(payload, "call_id") != "" {
		if _, hasOutput := payload["output"]; hasOutput {
			return EventTypeToolResult
		}
		if _, ok := payload["ok"].(bool); ok {
			return EventTypeToolResult
		}
		return EventTypeToolCall
	}
	if payloadString(payload, "name") != "" {
		if _, hasOutput := payload["output"]; hasOutput {
			return EventTypeToolResult
		}
		if _, hasInput := payload["input"]; hasInput {
			return EventTypeToolCall
		}
	}
	return EventTypeThinkingDelta
}

// withApprovalFields injects the synthesized stage and run_state fields so
// downstream consumers can special-case approval waits without a dedicated
// canonical type.
func withApprovalFields(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	if payloadString(out, "stage") == "" {
		out["stage"] = "run_approval_needed"
	}
	if payloadString(out, "run_state") == "" {
		out["run_state"] = "waiting_approval"
	}
	return out
}

func isRunEventType(value string) bool {
	if _, ok := runEventTypeMap[value]; ok {
		return true
	}
	return value == "run_output_delta" || value == "run_approval_needed"
}

func resolveConversationID(raw, fallback string) string {
	if t := trimmed(raw); t != "" {
		return t
	}
	return trimmed(fallback)
}

func resolveTimestamp(raw string) string {
	if raw != "" {
		return raw
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return strings.TrimSpace(s)
}

func payloadInt(payload map[string]any, key string, fallback int) int {
	return protocol.CoerceInt(payload[key], fallback)
}
