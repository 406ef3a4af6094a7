package convstate

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRuntimeEvents caps the per-conversation trace ring.
const maxRuntimeEvents = 1000

// ConversationRuntime is the per-conversation aggregate. It is owned
// exclusively by the Registry: every mutation goes through a Registry entry
// point under the registry lock, which reproduces the original
// single-writer-per-tick discipline. Nothing outside this package ever holds
// a live reference to one.
type ConversationRuntime struct {
	ConversationID string
	QueueState     string

	Mode    string
	ModelID string
	Draft   string

	Messages   []ConversationMessage
	Events     []ExecutionEvent
	Executions []Execution
	Snapshots  []ConversationSnapshot
	Diff       []DiffItem

	CanCommitDiff bool
	InspectorTab  string
	WorktreeRef   string
	Connection    string
	Hydrated      bool

	LastSeq     int
	LastEventID string

	processedEvents    *dedupWindow
	completionMessages *dedupWindow
}

// Registry owns every conversation runtime, keyed by conversation id.
// Runtimes are created lazily and live for the process lifetime (or until
// Reset).
type Registry struct {
	mu        sync.Mutex
	runtimes  map[string]*ConversationRuntime
	lastError string
	logger    *slog.Logger

	defaultMode    string
	defaultModelID string

	now    func() time.Time
	mintID func(prefix string) string
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runtimes: map[string]*ConversationRuntime{},
		logger:   logger,
		now:      time.Now,
		mintID:   MintID,
	}
}

// SetComposerDefaults sets the mode and model seeded into runtimes whose
// conversation does not carry its own. Existing runtimes are unaffected.
func (r *Registry) SetComposerDefaults(mode, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultMode = trimmed(mode)
	r.defaultModelID = trimmed(modelID)
}

// MintID returns a prefixed random identifier for locally created records.
func MintID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ensure creates the runtime for a conversation if it does not exist yet.
// Idempotent; an existing runtime is left untouched.
func (r *Registry) Ensure(conversation Conversation, isGitProject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(conversation, isGitProject)
}

func (r *Registry) ensureLocked(conversation Conversation, isGitProject bool) *ConversationRuntime {
	if existing, ok := r.runtimes[conversation.ID]; ok {
		return existing
	}
	mode := trimmed(conversation.DefaultMode)
	if mode == "" {
		mode = r.defaultMode
	}
	modelID := trimmed(conversation.ModelID)
	if modelID == "" {
		modelID = r.defaultModelID
	}
	runtime := &ConversationRuntime{
		ConversationID:     conversation.ID,
		QueueState:         conversation.QueueState,
		Mode:               mode,
		ModelID:            modelID,
		CanCommitDiff:      isGitProject,
		InspectorTab:       "diff",
		Connection:         ConnectionConnected,
		processedEvents:    newDedupWindow(maxProcessedEventKeys),
		completionMessages: newDedupWindow(maxCompletionMessageKeys),
	}
	r.runtimes[conversation.ID] = runtime
	return runtime
}

// Hydrate bulk-loads the runtime from the REST detail response, overwriting
// local speculative state. The dedup windows survive hydration so events
// already applied before the fetch stay deduplicated.
func (r *Registry) Hydrate(conversation Conversation, isGitProject bool, detail ConversationDetail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime := r.ensureLocked(conversation, isGitProject)

	runtime.QueueState = detail.Conversation.QueueState
	if detail.Conversation.DefaultMode != "" {
		runtime.Mode = detail.Conversation.DefaultMode
	}
	if detail.Conversation.ModelID != "" {
		runtime.ModelID = detail.Conversation.ModelID
	}
	runtime.Messages = copyMessages(detail.Messages)
	runtime.Executions = make([]Execution, 0, len(detail.Executions))
	for _, execution := range detail.Executions {
		runtime.Executions = append(runtime.Executions, CloneExecution(execution))
	}
	runtime.Snapshots = copySnapshots(detail.Snapshots)

	runtime.WorktreeRef = ""
	runtime.InspectorTab = "diff"
	if n := len(runtime.Snapshots); n > 0 {
		latest := runtime.Snapshots[n-1]
		runtime.WorktreeRef = latest.WorktreeRef
		if latest.InspectorTab != "" {
			runtime.InspectorTab = latest.InspectorTab
		}
	}
	runtime.Diff = nil
	runtime.Hydrated = true
}

// Has reports whether a runtime exists for the conversation.
func (r *Registry) Has(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runtimes[conversationID]
	return ok
}

// Hydrated reports whether the runtime has completed its one-time REST load.
func (r *Registry) Hydrated(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	return ok && runtime.Hydrated
}

// Reset drops every runtime and clears the store error. Stream teardown is
// the coordinator's job; the registry only owns state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes = map[string]*ConversationRuntime{}
	r.lastError = ""
}

// SetError records a display string for the UI layer. Errors never make the
// runtime unusable; they are informational.
func (r *Registry) SetError(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = text
}

func (r *Registry) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *Registry) SetDraft(conversationID, draft string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.Draft = draft
	})
}

func (r *Registry) SetMode(conversationID, mode string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.Mode = mode
	})
}

func (r *Registry) SetModel(conversationID, modelID string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.ModelID = modelID
	})
}

func (r *Registry) SetInspectorTab(conversationID, tab string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.InspectorTab = tab
	})
}

func (r *Registry) SetQueueState(conversationID, queueState string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.QueueState = queueState
	})
}

// SetConnectionStatus records stream health on the runtime and traces the
// change into the event ring so the transcript shows connection gaps.
func (r *Registry) SetConnectionStatus(conversationID, status string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.Connection = status
		if status != ConnectionConnected {
			appendRuntimeEvent(runtime, ExecutionEvent{
				ConversationID: conversationID,
				Type:           EventTypeThinkingDelta,
				Timestamp:      r.now().UTC().Format(time.RFC3339Nano),
				Payload:        map[string]any{"stream_status": status},
			})
		}
	})
}

// SetLastEventID fast-forwards the resume cursor, e.g. from a detaching
// subscription or a resync notice.
func (r *Registry) SetLastEventID(conversationID, eventID string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		if t := trimmed(eventID); t != "" {
			runtime.LastEventID = t
		}
	})
}

func (r *Registry) LastEventID(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runtime, ok := r.runtimes[conversationID]; ok {
		return runtime.LastEventID
	}
	return ""
}

// RecordExecution writes an execution arriving from the REST create path
// into the arena. A record already present under the same id (usually a
// placeholder synthesized from a faster stream event) is merged, never
// replaced, so the race between the two writers resolves to the same state
// regardless of order.
func (r *Registry) RecordExecution(conversationID string, execution Execution) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		incoming := CloneExecution(execution)
		for i, existing := range runtime.Executions {
			if existing.ID == incoming.ID {
				runtime.Executions[i] = MergeExecution(existing, incoming)
				return
			}
		}
		runtime.Executions = append(runtime.Executions, incoming)
	})
}

// AppendSystemMessage appends an out-of-band system line (request failures,
// command results) at the tail of the transcript.
func (r *Registry) AppendSystemMessage(conversationID, content string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.Messages = append(runtime.Messages, ConversationMessage{
			ID:             r.mintID("msg"),
			ConversationID: conversationID,
			Role:           RoleSystem,
			Content:        content,
			CreatedAt:      r.now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// SubmitSeed is everything the REST submit call needs, captured atomically
// with the optimistic user message and its snapshot.
type SubmitSeed struct {
	Content     string
	Mode        string
	ModelID     string
	QueueIndex  int
	UserMessage ConversationMessage
	SnapshotID  string
}

// BeginSubmit consumes the draft, appends the optimistic user message and
// captures the rollback snapshot in one step. Returns false when there is no
// runtime or the draft is blank.
func (r *Registry) BeginSubmit(conversationID string) (SubmitSeed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return SubmitSeed{}, false
	}
	content := trimmed(runtime.Draft)
	if content == "" {
		return SubmitSeed{}, false
	}
	runtime.Draft = ""
	queueIndex := len(runtime.Executions)

	userMessage := ConversationMessage{
		ID:             r.mintID("msg"),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		QueueIndex:     intPtr(queueIndex),
		CanRollback:    true,
		CreatedAt:      r.now().UTC().Format(time.RFC3339Nano),
	}
	runtime.Messages = append(runtime.Messages, userMessage)

	snapshot := r.buildSnapshotLocked(runtime, userMessage.ID)
	runtime.Snapshots = append(runtime.Snapshots, snapshot)

	return SubmitSeed{
		Content:     content,
		Mode:        runtime.Mode,
		ModelID:     runtime.ModelID,
		QueueIndex:  queueIndex,
		UserMessage: userMessage,
		SnapshotID:  snapshot.ID,
	}, true
}

// ClearLastEventID drops the resume cursor, forcing the next stream attach
// to start from the server's current tail. Used when the server reports the
// cursor is no longer replayable.
func (r *Registry) ClearLastEventID(conversationID string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.LastEventID = ""
	})
}

// ReplaceDiff swaps the working diff wholesale (diff refresh via REST).
func (r *Registry) ReplaceDiff(conversationID string, items []DiffItem) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.Diff = append([]DiffItem(nil), items...)
	})
}

func (r *Registry) ClearDiff(conversationID string) {
	r.withRuntime(conversationID, func(runtime *ConversationRuntime) {
		runtime.Diff = nil
	})
}

func (r *Registry) withRuntime(conversationID string, fn func(*ConversationRuntime)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runtime, ok := r.runtimes[conversationID]; ok {
		fn(runtime)
	}
}

// appendRuntimeEvent pushes into the capped trace ring and advances the
// resume cursors.
func appendRuntimeEvent(runtime *ConversationRuntime, event ExecutionEvent) {
	if id := trimmed(event.EventID); id != "" {
		runtime.LastEventID = id
	}
	if event.Sequence > runtime.LastSeq {
		runtime.LastSeq = event.Sequence
	}
	runtime.Events = append(runtime.Events, event)
	if overflow := len(runtime.Events) - maxRuntimeEvents; overflow > 0 {
		runtime.Events = append([]ExecutionEvent(nil), runtime.Events[overflow:]...)
	}
}

func copyMessages(messages []ConversationMessage) []ConversationMessage {
	out := make([]ConversationMessage, len(messages))
	for i, message := range messages {
		out[i] = message
		if message.QueueIndex != nil {
			out[i].QueueIndex = intPtr(*message.QueueIndex)
		}
	}
	return out
}

func copySnapshots(snapshots []ConversationSnapshot) []ConversationSnapshot {
	out := make([]ConversationSnapshot, len(snapshots))
	for i, snapshot := range snapshots {
		out[i] = snapshot
		out[i].Messages = copyMessages(snapshot.Messages)
		out[i].ExecutionSnapshots = append([]ExecutionSnapshot(nil), snapshot.ExecutionSnapshots...)
		out[i].ExecutionIDs = append([]string(nil), snapshot.ExecutionIDs...)
	}
	return out
}
