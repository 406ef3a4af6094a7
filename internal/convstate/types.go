package convstate

import "strings"

// Execution lifecycle states. Terminal states are absorbing: once an
// execution record reaches one of them, no non-terminal incoming state may
// overwrite it.
const (
	ExecutionStateQueued     = "queued"
	ExecutionStatePending    = "pending"
	ExecutionStateExecuting  = "executing"
	ExecutionStateConfirming = "confirming"
	ExecutionStateCompleted  = "completed"
	ExecutionStateFailed     = "failed"
	ExecutionStateCancelled  = "cancelled"
)

// Canonical event types. Every wire vocabulary normalizes down to these.
const (
	EventTypeMessageReceived      = "message_received"
	EventTypeExecutionStarted     = "execution_started"
	EventTypeThinkingDelta        = "thinking_delta"
	EventTypeToolCall             = "tool_call"
	EventTypeToolResult           = "tool_result"
	EventTypeDiffGenerated        = "diff_generated"
	EventTypeExecutionStopped     = "execution_stopped"
	EventTypeExecutionDone        = "execution_done"
	EventTypeExecutionError       = "execution_error"
	EventTypeConfirmationRequired = "confirmation_required"
	EventTypeConfirmationResolved = "confirmation_resolved"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	QueueStateIdle    = "idle"
	QueueStateQueued  = "queued"
	QueueStateRunning = "running"
)

const (
	ConnectionConnected    = "connected"
	ConnectionReconnecting = "reconnecting"
	ConnectionDisconnected = "disconnected"
)

// Conversation is the server-owned record; the engine only reads it.
type Conversation struct {
	ID                string `json:"id"`
	ProjectID         string `json:"project_id"`
	WorkspaceID       string `json:"workspace_id"`
	Title             string `json:"title"`
	DefaultMode       string `json:"default_mode"`
	ModelID           string `json:"model_id"`
	QueueState        string `json:"queue_state"`
	ActiveExecutionID string `json:"active_execution_id,omitempty"`
}

type ConversationMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	QueueIndex     *int   `json:"queue_index,omitempty"`
	CanRollback    bool   `json:"can_rollback,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// Execution is one run of the agent against a conversation turn. Timestamps
// are RFC 3339 strings and are compared lexically, which is equivalent to
// chronological order for that format.
type Execution struct {
	ID                      string         `json:"id"`
	WorkspaceID             string         `json:"workspace_id"`
	ConversationID          string         `json:"conversation_id"`
	MessageID               string         `json:"message_id"`
	State                   string         `json:"state"`
	Mode                    string         `json:"mode"`
	ModelID                 string         `json:"model_id"`
	ModeSnapshot            string         `json:"mode_snapshot"`
	ModelSnapshot           map[string]any `json:"model_snapshot"`
	AgentConfigSnapshot     map[string]any `json:"agent_config_snapshot,omitempty"`
	ProjectRevisionSnapshot int            `json:"project_revision_snapshot"`
	QueueIndex              int            `json:"queue_index"`
	TraceID                 string         `json:"trace_id"`
	TokensIn                int            `json:"tokens_in"`
	TokensOut               int            `json:"tokens_out"`
	CreatedAt               string         `json:"created_at"`
	UpdatedAt               string         `json:"updated_at"`
}

// ExecutionEvent is the canonical event shape, independent of which wire
// vocabulary produced it.
type ExecutionEvent struct {
	EventID        string         `json:"event_id"`
	ExecutionID    string         `json:"execution_id"`
	ConversationID string         `json:"conversation_id"`
	TraceID        string         `json:"trace_id"`
	Sequence       int            `json:"sequence"`
	QueueIndex     int            `json:"queue_index"`
	Type           string         `json:"type"`
	Timestamp      string         `json:"timestamp"`
	Payload        map[string]any `json:"payload"`
}

type DiffItem struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	ChangeType string `json:"change_type"`
	Summary    string `json:"summary"`
}

// ExecutionSnapshot is the per-execution slice recorded inside a
// conversation snapshot.
type ExecutionSnapshot struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	QueueIndex int    `json:"queue_index"`
	MessageID  string `json:"message_id"`
	UpdatedAt  string `json:"updated_at"`
}

// ConversationSnapshot captures conversation state at message-submission
// time so a later rollback can restore it. ExecutionIDs is kept for records
// created before ExecutionSnapshots existed.
type ConversationSnapshot struct {
	ID                     string                `json:"id"`
	ConversationID         string                `json:"conversation_id"`
	RollbackPointMessageID string                `json:"rollback_point_message_id"`
	QueueState             string                `json:"queue_state"`
	WorktreeRef            string                `json:"worktree_ref,omitempty"`
	InspectorTab           string                `json:"inspector_tab"`
	Messages               []ConversationMessage `json:"messages"`
	ExecutionSnapshots     []ExecutionSnapshot   `json:"execution_snapshots,omitempty"`
	ExecutionIDs           []string              `json:"execution_ids"`
	CreatedAt              string                `json:"created_at"`
}

// ConversationDetail is the REST hydration payload.
type ConversationDetail struct {
	Conversation Conversation           `json:"conversation"`
	Messages     []ConversationMessage  `json:"messages"`
	Executions   []Execution            `json:"executions"`
	Snapshots    []ConversationSnapshot `json:"snapshots"`
}

// ExecutionStateCounts groups the non-terminal execution population of one
// conversation.
type ExecutionStateCounts struct {
	Queued    int `json:"queued"`
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
}

func IsTerminalExecutionState(state string) bool {
	return state == ExecutionStateCompleted || state == ExecutionStateFailed || state == ExecutionStateCancelled
}

func intPtr(v int) *int {
	return &v
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
