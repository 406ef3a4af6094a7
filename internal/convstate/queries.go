package convstate

// Query helpers. Everything returned here is a copy taken under the
// registry lock; callers can never alias live runtime state.

// Messages returns the transcript in insertion order.
func (r *Registry) Messages(conversationID string) []ConversationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return nil
	}
	return copyMessages(runtime.Messages)
}

// Executions returns the execution arena, deduped by id.
func (r *Registry) Executions(conversationID string) []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return nil
	}
	normalized := NormalizeExecutionList(runtime.Executions)
	out := make([]Execution, 0, len(normalized))
	for _, execution := range normalized {
		out = append(out, CloneExecution(execution))
	}
	return out
}

// Diff returns the current working diff.
func (r *Registry) Diff(conversationID string) []DiffItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return nil
	}
	return append([]DiffItem(nil), runtime.Diff...)
}

// Snapshots returns the rollback snapshots, oldest first.
func (r *Registry) Snapshots(conversationID string) []ConversationSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return nil
	}
	return copySnapshots(runtime.Snapshots)
}

// Events returns the trace ring, oldest first.
func (r *Registry) Events(conversationID string) []ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return nil
	}
	return append([]ExecutionEvent(nil), runtime.Events...)
}

// StateCounts tallies the non-terminal execution population.
func (r *Registry) StateCounts(conversationID string) ExecutionStateCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return ExecutionStateCounts{}
	}
	counts := ExecutionStateCounts{}
	for _, execution := range NormalizeExecutionList(runtime.Executions) {
		switch execution.State {
		case ExecutionStateQueued:
			counts.Queued++
		case ExecutionStatePending:
			counts.Pending++
		case ExecutionStateExecuting:
			counts.Executing++
		}
	}
	return counts
}

// HasUnfinishedExecutions reports whether any execution is still queued,
// pending or executing. The stream coordinator keeps conversations tracked
// while this holds.
func (r *Registry) HasUnfinishedExecutions(conversationID string) bool {
	counts := r.StateCounts(conversationID)
	return counts.Queued > 0 || counts.Pending > 0 || counts.Executing > 0
}

// LatestFinishedExecution returns the most recently sighted terminal
// execution, if any. Commit and discard act on it.
func (r *Registry) LatestFinishedExecution(conversationID string) (Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return Execution{}, false
	}
	normalized := NormalizeExecutionList(runtime.Executions)
	for i := len(normalized) - 1; i >= 0; i-- {
		if IsTerminalExecutionState(normalized[i].State) {
			return CloneExecution(normalized[i]), true
		}
	}
	return Execution{}, false
}

// ActiveExecution returns the execution a stop request should target:
// the first one still executing, confirming or pending.
func (r *Registry) ActiveExecution(conversationID string) (Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime, ok := r.runtimes[conversationID]
	if !ok {
		return Execution{}, false
	}
	for _, execution := range NormalizeExecutionList(runtime.Executions) {
		switch execution.State {
		case ExecutionStateExecuting, ExecutionStateConfirming, ExecutionStatePending:
			return CloneExecution(execution), true
		}
	}
	return Execution{}, false
}

// CanCommitDiff reports whether the conversation's project supports
// committing the working diff. Non-git projects can only discard.
func (r *Registry) CanCommitDiff(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runtime, ok := r.runtimes[conversationID]; ok {
		return runtime.CanCommitDiff
	}
	return false
}

// ConnectionStatus reports stream health for the conversation.
func (r *Registry) ConnectionStatus(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runtime, ok := r.runtimes[conversationID]; ok {
		return runtime.Connection
	}
	return ""
}

// ComposerState returns the user-editable session parameters.
func (r *Registry) ComposerState(conversationID string) (draft, mode, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runtime, ok := r.runtimes[conversationID]; ok {
		return runtime.Draft, runtime.Mode, runtime.ModelID
	}
	return "", "", ""
}
