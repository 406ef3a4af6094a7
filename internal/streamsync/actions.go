package streamsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"hubdeck/cli/internal/convstate"
	"hubdeck/cli/internal/hubapi"
)

var (
	ErrNothingToSubmit    = errors.New("nothing to submit")
	ErrNoActiveExecution  = errors.New("no active execution")
	ErrNoFinishedWork     = errors.New("no finished execution")
	ErrCommitNotSupported = errors.New("project does not support commits")
)

// Actions bundles the user-facing mutations. Each one applies the
// optimistic local step, performs the REST call, and reconciles the
// outcome. The push stream may deliver its own version of the same change;
// the registry's merge rules keep the result order-independent.
type Actions struct {
	registry *convstate.Registry
	api      *hubapi.Client
	logger   *slog.Logger
}

func NewActions(registry *convstate.Registry, api *hubapi.Client, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{registry: registry, api: api, logger: logger}
}

// SubmitMessage consumes the conversation's draft and creates an execution
// for it. The optimistic user message and its snapshot stay in place when
// the REST call fails; the failure lands in the transcript as a system
// message so it is visible in-context. Slash commands come back as a
// command result and produce a system message instead of an execution.
func (a *Actions) SubmitMessage(ctx context.Context, conversationID string) error {
	seed, ok := a.registry.BeginSubmit(conversationID)
	if !ok {
		return ErrNothingToSubmit
	}

	res, err := a.api.CreateExecution(ctx, conversationID, hubapi.CreateExecutionRequest{
		Content:    seed.Content,
		Mode:       seed.Mode,
		ModelID:    seed.ModelID,
		QueueIndex: seed.QueueIndex,
	})
	if err != nil {
		display := fmt.Sprintf("Failed to send message: %v", err)
		a.registry.SetError(display)
		a.registry.AppendSystemMessage(conversationID, display)
		return err
	}

	switch {
	case res.Execution != nil:
		a.registry.RecordExecution(conversationID, *res.Execution)
	case res.CommandResult != nil:
		a.registry.AppendSystemMessage(conversationID, res.CommandResult.Output)
	default:
		a.logger.Warn("create execution returned neither execution nor command result", "conversation_id", conversationID)
	}
	return nil
}

// StopExecution cancels the conversation's in-flight execution. The state
// change itself arrives through the stream as an execution_stopped event.
func (a *Actions) StopExecution(ctx context.Context, conversationID string) error {
	execution, ok := a.registry.ActiveExecution(conversationID)
	if !ok {
		return ErrNoActiveExecution
	}
	if err := a.api.CancelExecution(ctx, execution.ID); err != nil {
		a.registry.SetError(fmt.Sprintf("Failed to stop execution: %v", err))
		return err
	}
	return nil
}

// RollbackToMessage asks the hub to roll the conversation back, then
// restores the local snapshot. Local state is only touched after the
// server accepted the rollback.
func (a *Actions) RollbackToMessage(ctx context.Context, conversationID, messageID string) error {
	if err := a.api.RollbackConversation(ctx, conversationID, messageID); err != nil {
		a.registry.SetError(fmt.Sprintf("Rollback failed: %v", err))
		return err
	}
	if !a.registry.RollbackToMessage(conversationID, messageID) {
		a.logger.Warn("server accepted rollback but no local snapshot matched",
			"conversation_id", conversationID, "message_id", messageID)
	}
	return nil
}

// CommitLatestDiff commits the working diff of the most recently finished
// execution and clears it locally. Only git-backed projects can commit.
func (a *Actions) CommitLatestDiff(ctx context.Context, conversationID string) error {
	if !a.registry.CanCommitDiff(conversationID) {
		return ErrCommitNotSupported
	}
	execution, ok := a.registry.LatestFinishedExecution(conversationID)
	if !ok {
		return ErrNoFinishedWork
	}
	if err := a.api.CommitExecution(ctx, execution.ID); err != nil {
		a.registry.SetError(fmt.Sprintf("Commit failed: %v", err))
		return err
	}
	a.registry.ClearDiff(conversationID)
	return nil
}

// DiscardLatestDiff throws away the working diff of the most recently
// finished execution.
func (a *Actions) DiscardLatestDiff(ctx context.Context, conversationID string) error {
	execution, ok := a.registry.LatestFinishedExecution(conversationID)
	if !ok {
		return ErrNoFinishedWork
	}
	if err := a.api.DiscardExecution(ctx, execution.ID); err != nil {
		a.registry.SetError(fmt.Sprintf("Discard failed: %v", err))
		return err
	}
	a.registry.ClearDiff(conversationID)
	return nil
}

// RefreshExecutionDiff reloads an execution's diff from REST, replacing
// whatever the stream delivered so far.
func (a *Actions) RefreshExecutionDiff(ctx context.Context, conversationID, executionID string) error {
	diff, err := a.api.GetExecutionDiff(ctx, executionID)
	if err != nil {
		a.registry.SetError(fmt.Sprintf("Failed to load diff: %v", err))
		return err
	}
	a.registry.ReplaceDiff(conversationID, diff)
	return nil
}

// ResolveConfirmation answers a confirmation request. The resulting state
// change arrives as a confirmation_resolved stream event.
func (a *Actions) ResolveConfirmation(ctx context.Context, executionID, decision string) error {
	if err := a.api.ResolveConfirmation(ctx, executionID, decision); err != nil {
		a.registry.SetError(fmt.Sprintf("Failed to resolve confirmation: %v", err))
		return err
	}
	return nil
}
