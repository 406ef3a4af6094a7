package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"hubdeck/cli/internal/protocol"
)

// EnvelopeHandler consumes one decoded push-stream document.
type EnvelopeHandler func(env protocol.Envelope)

// Subscription pumps one conversation's event socket. It decodes frames
// into envelopes, tracks the newest server event id for resume, and hands
// every envelope to the handler. Reconnection policy lives in the
// coordinator; a subscription runs until its socket dies or Close is
// called.
type Subscription struct {
	conversationID string
	sock           Socket
	logger         *slog.Logger
	handler        EnvelopeHandler

	closeOnce sync.Once
	closed    chan struct{}

	mu          sync.Mutex
	lastEventID string
}

func NewSubscription(conversationID string, sock Socket, handler EnvelopeHandler, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscription{
		conversationID: conversationID,
		sock:           sock,
		logger:         logger,
		handler:        handler,
		closed:         make(chan struct{}),
	}
}

func (s *Subscription) ConversationID() string {
	return s.conversationID
}

// Run reads frames until the socket or context ends. A clean shutdown
// (Close, EOF, context cancellation) returns nil; anything else returns the
// read error so the coordinator can schedule a reconnect.
func (s *Subscription) Run(ctx context.Context) error {
	for {
		text, err := s.sock.ReadText(ctx)
		if err != nil {
			if s.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		env, err := protocol.DecodeEnvelope([]byte(text))
		if err != nil {
			s.logger.Warn("dropped undecodable stream frame", "conversation_id", s.conversationID, "err", err)
			continue
		}
		if id := env.String("event_id"); id != "" {
			s.mu.Lock()
			s.lastEventID = id
			s.mu.Unlock()
		}
		if s.handler != nil {
			s.handler(env)
		}
	}
}

// LastEventID returns the newest server event id seen on this socket. The
// coordinator hands it back to the runtime when the subscription detaches
// so the next attach resumes where this one stopped.
func (s *Subscription) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *Subscription) Send(ctx context.Context, text string) error {
	return s.sock.WriteText(ctx, text)
}

func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.sock.Close()
	})
	return err
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
