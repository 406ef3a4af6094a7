package convstate

// Rank is only consulted for non-terminal-vs-terminal and same-polarity
// comparisons; terminal stickiness is checked first.
var executionStateRank = map[string]int{
	ExecutionStateQueued:     0,
	ExecutionStatePending:    1,
	ExecutionStateExecuting:  2,
	ExecutionStateConfirming: 2,
	ExecutionStateCancelled:  3,
	ExecutionStateFailed:     4,
	ExecutionStateCompleted:  5,
}

// ResolveMergedExecutionState combines the states of two records for the
// same execution id. Terminal states win over non-terminal ones regardless
// of arrival order; between two states of the same polarity the higher
// ranked one wins.
func ResolveMergedExecutionState(current, incoming string) string {
	if current == incoming {
		return current
	}
	currentTerminal := IsTerminalExecutionState(current)
	incomingTerminal := IsTerminalExecutionState(incoming)
	if currentTerminal && !incomingTerminal {
		return current
	}
	if !currentTerminal && incomingTerminal {
		return incoming
	}
	if executionStateRank[incoming] >= executionStateRank[current] {
		return incoming
	}
	return current
}

// MergeExecution folds incoming into current and returns the combined
// record. The result does not depend on which side was the local
// placeholder and which the authoritative record, which is what makes the
// REST-response-vs-stream race safe.
func MergeExecution(current, incoming Execution) Execution {
	out := current
	out.ID = preferNonEmpty(current.ID, incoming.ID)
	out.State = ResolveMergedExecutionState(current.State, incoming.State)
	out.WorkspaceID = preferNonEmpty(current.WorkspaceID, incoming.WorkspaceID)
	out.ConversationID = preferNonEmpty(current.ConversationID, incoming.ConversationID)
	out.MessageID = preferNonEmpty(current.MessageID, incoming.MessageID)
	out.Mode = preferNonEmpty(current.Mode, incoming.Mode)
	out.ModelID = preferNonEmpty(current.ModelID, incoming.ModelID)
	out.ModeSnapshot = preferNonEmpty(current.ModeSnapshot, incoming.ModeSnapshot)
	out.TraceID = preferNonEmpty(current.TraceID, incoming.TraceID)
	out.CreatedAt = preferEarlierTimestamp(current.CreatedAt, incoming.CreatedAt)
	out.UpdatedAt = preferLaterTimestamp(current.UpdatedAt, incoming.UpdatedAt)
	out.ModelSnapshot = mergeSnapshotMap(current.ModelSnapshot, incoming.ModelSnapshot)
	if incoming.AgentConfigSnapshot != nil {
		out.AgentConfigSnapshot = copySnapshotMap(incoming.AgentConfigSnapshot)
	} else {
		out.AgentConfigSnapshot = copySnapshotMap(current.AgentConfigSnapshot)
	}
	if incoming.ProjectRevisionSnapshot != 0 {
		out.ProjectRevisionSnapshot = incoming.ProjectRevisionSnapshot
	}
	if incoming.QueueIndex != 0 {
		out.QueueIndex = incoming.QueueIndex
	}
	out.TokensIn = maxInt(current.TokensIn, incoming.TokensIn)
	out.TokensOut = maxInt(current.TokensOut, incoming.TokensOut)
	return out
}

// NormalizeExecutionList dedupes a list by execution id, merging duplicates
// in arrival order. Order of first sighting is preserved.
func NormalizeExecutionList(executions []Execution) []Execution {
	if len(executions) <= 1 {
		return executions
	}
	byID := make(map[string]Execution, len(executions))
	order := make([]string, 0, len(executions))
	for _, execution := range executions {
		normalized := CloneExecution(execution)
		existing, ok := byID[normalized.ID]
		if !ok {
			byID[normalized.ID] = normalized
			order = append(order, normalized.ID)
			continue
		}
		byID[normalized.ID] = MergeExecution(existing, normalized)
	}
	out := make([]Execution, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// CloneExecution copies an execution deeply enough that the caller cannot
// alias the registry's snapshot maps. The id is trimmed so placeholder and
// authoritative records collide correctly.
func CloneExecution(execution Execution) Execution {
	out := execution
	out.ID = trimmed(execution.ID)
	out.ModelSnapshot = copySnapshotMap(execution.ModelSnapshot)
	out.AgentConfigSnapshot = copySnapshotMap(execution.AgentConfigSnapshot)
	return out
}

func mergeSnapshotMap(current, incoming map[string]any) map[string]any {
	if current == nil && incoming == nil {
		return nil
	}
	out := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func copySnapshotMap(snapshot map[string]any) map[string]any {
	if snapshot == nil {
		return nil
	}
	out := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}
	return out
}

func preferNonEmpty(current, incoming string) string {
	if t := trimmed(incoming); t != "" {
		return t
	}
	return current
}

func preferEarlierTimestamp(current, incoming string) string {
	if trimmed(incoming) == "" {
		return current
	}
	if trimmed(current) == "" || incoming < current {
		return incoming
	}
	return current
}

func preferLaterTimestamp(current, incoming string) string {
	if trimmed(incoming) == "" {
		return current
	}
	if trimmed(current) == "" || incoming > current {
		return incoming
	}
	return current
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
