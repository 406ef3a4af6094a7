package streamsync

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hubdeck/cli/internal/convstate"
	"hubdeck/cli/internal/hubapi"
	"hubdeck/cli/internal/protocol"
	"hubdeck/cli/internal/stream"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	hydrateTimeout     = 15 * time.Second
)

// Journal is the optional durable sink for stream traffic. A nil journal
// disables recording.
type Journal interface {
	RecordEvent(event convstate.ExecutionEvent)
	RecordTransition(conversationID string, event convstate.ExecutionEvent, result convstate.ApplyResult)
}

// Coordinator keeps one live subscription per tracked conversation. A
// conversation is tracked while the user is looking at it, while it has
// unfinished local executions, or while the server reports queued or active
// work for it. Everything else gets detached, handing the resume cursor
// back to the runtime so a later attach continues where this one stopped.
type Coordinator struct {
	registry *convstate.Registry
	api      *hubapi.Client
	dialer   stream.Dialer
	journal  Journal
	logger   *slog.Logger

	// gitAware gates the commit action for a conversation's project.
	gitAware func(convstate.Conversation) bool

	mu        sync.Mutex
	subs      map[string]*subscriptionEntry
	hydrating map[string]struct{}
}

type subscriptionEntry struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	sub     *stream.Subscription
	stopped bool
}

func (e *subscriptionEntry) setSubscription(sub *stream.Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sub = sub
}

func (e *subscriptionEntry) stop() {
	e.mu.Lock()
	e.stopped = true
	sub := e.sub
	e.mu.Unlock()
	e.cancel()
	if sub != nil {
		_ = sub.Close()
	}
}

func (e *subscriptionEntry) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func NewCoordinator(registry *convstate.Registry, api *hubapi.Client, dialer stream.Dialer, journal Journal, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:  registry,
		api:       api,
		dialer:    dialer,
		journal:   journal,
		logger:    logger,
		gitAware:  func(convstate.Conversation) bool { return true },
		subs:      map[string]*subscriptionEntry{},
		hydrating: map[string]struct{}{},
	}
}

// SetGitAware installs the predicate deciding whether a conversation's
// project supports diff commits.
func (c *Coordinator) SetGitAware(fn func(convstate.Conversation) bool) {
	if fn != nil {
		c.gitAware = fn
	}
}

// Sync reconciles the live subscription set against the tracking policy.
// Safe to call repeatedly; attaches and detaches only the delta.
func (c *Coordinator) Sync(ctx context.Context, conversations []convstate.Conversation, activeConversationID string) {
	desired := map[string]convstate.Conversation{}
	for _, conversation := range conversations {
		if c.shouldTrack(conversation, activeConversationID) {
			desired[conversation.ID] = conversation
		}
	}

	c.mu.Lock()
	var detach []string
	for id := range c.subs {
		if _, keep := desired[id]; !keep {
			detach = append(detach, id)
		}
	}
	var attach []convstate.Conversation
	for id, conversation := range desired {
		if _, exists := c.subs[id]; !exists {
			attach = append(attach, conversation)
		}
	}
	c.mu.Unlock()

	for _, id := range detach {
		c.Detach(id)
	}
	for _, conversation := range attach {
		c.attach(ctx, conversation)
	}
}

func (c *Coordinator) shouldTrack(conversation convstate.Conversation, activeConversationID string) bool {
	if conversation.ID == activeConversationID {
		return true
	}
	if c.registry.HasUnfinishedExecutions(conversation.ID) {
		return true
	}
	if conversation.QueueState == convstate.QueueStateRunning || conversation.QueueState == convstate.QueueStateQueued {
		return true
	}
	return conversation.ActiveExecutionID != ""
}

func (c *Coordinator) attach(ctx context.Context, conversation convstate.Conversation) {
	c.mu.Lock()
	if _, exists := c.subs[conversation.ID]; exists {
		c.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	entry := &subscriptionEntry{cancel: cancel, done: make(chan struct{})}
	c.subs[conversation.ID] = entry
	c.mu.Unlock()

	go c.runSubscription(subCtx, conversation, entry)
}

// Detach stops the conversation's subscription and waits for its pump to
// exit. The runtime keeps the last seen event id for the next attach.
func (c *Coordinator) Detach(conversationID string) {
	c.mu.Lock()
	entry := c.subs[conversationID]
	delete(c.subs, conversationID)
	c.mu.Unlock()
	if entry == nil {
		return
	}
	entry.stop()
	<-entry.done
}

// Close detaches every subscription.
func (c *Coordinator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Detach(id)
	}
}

// Attached reports whether the conversation currently has a subscription.
func (c *Coordinator) Attached(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[conversationID]
	return ok
}

func (c *Coordinator) runSubscription(ctx context.Context, conversation convstate.Conversation, entry *subscriptionEntry) {
	defer close(entry.done)
	delay := reconnectBaseDelay

	for {
		if ctx.Err() != nil || entry.isStopped() {
			c.registry.SetConnectionStatus(conversation.ID, convstate.ConnectionDisconnected)
			return
		}

		if err := c.ensureHydrated(ctx, conversation); err != nil {
			c.logger.Warn("conversation hydration failed", "conversation_id", conversation.ID, "err", err)
		}

		url := c.api.EventStreamURL(conversation.ID, c.registry.LastEventID(conversation.ID))
		sock, err := c.dialer.Dial(ctx, url)
		if err != nil {
			c.registry.SetConnectionStatus(conversation.ID, convstate.ConnectionReconnecting)
			c.logger.Warn("stream dial failed", "conversation_id", conversation.ID, "err", err)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		sub := stream.NewSubscription(conversation.ID, sock, func(env protocol.Envelope) {
			c.handleEnvelope(conversation.ID, env)
		}, c.logger)
		entry.setSubscription(sub)
		if entry.isStopped() {
			_ = sub.Close()
			return
		}
		c.registry.SetConnectionStatus(conversation.ID, convstate.ConnectionConnected)
		delay = reconnectBaseDelay

		runErr := sub.Run(ctx)
		c.registry.SetLastEventID(conversation.ID, sub.LastEventID())
		_ = sub.Close()

		if ctx.Err() != nil || entry.isStopped() {
			c.registry.SetConnectionStatus(conversation.ID, convstate.ConnectionDisconnected)
			return
		}
		// Socket ended while still tracked (server close or read error).
		c.registry.SetConnectionStatus(conversation.ID, convstate.ConnectionReconnecting)
		if runErr != nil {
			c.logger.Warn("stream read failed", "conversation_id", conversation.ID, "err", runErr)
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// ensureHydrated runs the one-time REST load for a conversation. Concurrent
// callers collapse onto a single fetch; events arriving meanwhile are still
// applied because the runtime exists before the fetch starts.
func (c *Coordinator) ensureHydrated(ctx context.Context, conversation convstate.Conversation) error {
	if c.registry.Hydrated(conversation.ID) {
		return nil
	}
	c.mu.Lock()
	if _, busy := c.hydrating[conversation.ID]; busy {
		c.mu.Unlock()
		return nil
	}
	c.hydrating[conversation.ID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.hydrating, conversation.ID)
		c.mu.Unlock()
	}()

	c.registry.Ensure(conversation, c.gitAware(conversation))

	fetchCtx, cancel := context.WithTimeout(ctx, hydrateTimeout)
	defer cancel()
	detail, err := c.api.GetConversationDetail(fetchCtx, conversation.ID)
	if err != nil {
		return err
	}
	c.registry.Hydrate(conversation, c.gitAware(conversation), detail)
	return nil
}

// handleEnvelope is the single entry point for stream traffic. Every
// envelope normalizes to a canonical event first; backfill resync notices
// ride the stream as thinking_delta events with marker fields in the
// payload and trigger a fresh hydration instead of a transition. Other
// events are routed by their own conversation id, which can differ from
// the subscription that carried them.
func (c *Coordinator) handleEnvelope(subscribedConversationID string, env protocol.Envelope) {
	event := convstate.NormalizeEnvelope(env, subscribedConversationID)
	if event == nil {
		return
	}
	if latest, ok := resyncNotice(event); ok {
		c.logger.Warn("event cursor expired, resyncing",
			"conversation_id", subscribedConversationID, "latest_event_id", latest)
		c.resync(subscribedConversationID, latest)
		return
	}
	target := event.ConversationID
	if target == "" {
		target = subscribedConversationID
	}
	if target != subscribedConversationID {
		c.logger.Warn("event crossed conversation streams",
			"subscription", subscribedConversationID, "conversation_id", target, "event_id", event.EventID)
	}
	if !c.registry.Has(target) {
		c.logger.Warn("dropped event for unknown conversation", "conversation_id", target, "event_id", event.EventID)
		return
	}

	result := c.registry.ApplyEvent(target, *event)
	if c.journal != nil {
		c.journal.RecordEvent(*event)
		if result.Applied {
			c.journal.RecordTransition(target, *event, result)
		}
	}
}

// resyncNotice reports whether a normalized event is the server's notice
// that the resume cursor fell out of the replay window, returning the
// stream tail to fast-forward to.
func resyncNotice(event *convstate.ExecutionEvent) (string, bool) {
	if event.Type != convstate.EventTypeThinkingDelta || event.Payload == nil {
		return "", false
	}
	required, _ := event.Payload["resync_required"].(bool)
	reason, _ := event.Payload["reason"].(string)
	if !required || reason != "last_event_id_not_found" {
		return "", false
	}
	latest, _ := event.Payload["latest_event_id"].(string)
	return strings.TrimSpace(latest), true
}

// resync fast-forwards the resume cursor to the server's reported tail and
// reloads the conversation from REST. The skipped gap is covered by the
// hydration; the dedup windows survive it, so events replayed afterwards do
// not double-apply.
func (c *Coordinator) resync(conversationID, latestEventID string) {
	if latestEventID == "" {
		c.registry.ClearLastEventID(conversationID)
	} else {
		c.registry.SetLastEventID(conversationID, latestEventID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()
	detail, err := c.api.GetConversationDetail(ctx, conversationID)
	if err != nil {
		c.registry.SetError(err.Error())
		c.logger.Warn("resync fetch failed", "conversation_id", conversationID, "err", err)
		return
	}
	c.registry.Hydrate(detail.Conversation, c.gitAware(detail.Conversation), detail)
	c.registry.SetLastEventID(conversationID, latestEventID)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}
