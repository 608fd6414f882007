// Package stream consumes incremental assistant replies and reconciles them
// into placeholder messages.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selahlabs/selah/internal/assistant"
	"github.com/selahlabs/selah/internal/chat"
)

// State tracks a handle through its lifecycle:
// Opening -> Streaming -> {Completed | Failed | Cancelled}.
type State string

const (
	StateOpening   State = "opening"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Handle is the live, cancellable resource representing one open reply
// channel. Handle identity, not session id, decides whether a late event is
// still current: without that, trailing events from a cancelled channel could
// be misattributed to a newer handle opened for the same session.
type Handle struct {
	ID        string
	UserID    string
	SessionID string
	MessageID string

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// transition moves the handle to a terminal or streaming state. Returns false
// when the handle already reached a terminal state, so exactly one terminal
// action wins between completion, failure, idle expiry, and cancellation.
func (h *Handle) transition(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateOpening, StateStreaming:
		h.state = to
		return true
	default:
		return false
	}
}

// Consumer opens at most one reply channel per session and forwards its
// events through the message pipeline.
type Consumer struct {
	mu          sync.Mutex
	handles     map[string]*Handle // userID:sessionID -> open handle
	processor   assistant.Processor
	pipeline    *chat.Pipeline
	idleTimeout time.Duration
}

// NewConsumer creates a stream consumer.
func NewConsumer(processor assistant.Processor, pipeline *chat.Pipeline, idleTimeout time.Duration) *Consumer {
	return &Consumer{
		handles:     make(map[string]*Handle),
		processor:   processor,
		pipeline:    pipeline,
		idleTimeout: idleTimeout,
	}
}

func handleKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Open establishes the reply channel for one outgoing send and starts
// consuming it. Any previously open handle for the same session is cancelled
// first, without invoking its fail or finalize path.
func (c *Consumer) Open(ctx context.Context, userID, sessionID, messageID string, req assistant.Request) *Handle {
	// The stream must outlive the originating request: sendMessage returns
	// as soon as the placeholder exists.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	handle := &Handle{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		MessageID: messageID,
		state:     StateOpening,
		cancel:    cancel,
	}

	key := handleKey(userID, sessionID)
	c.mu.Lock()
	if prior, ok := c.handles[key]; ok {
		c.cancelLocked(prior)
	}
	c.handles[key] = handle
	c.mu.Unlock()

	go c.run(streamCtx, handle, req)
	return handle
}

// Cancel closes the open handle for a session, if any. The target message
// keeps whatever status it had; cancellation is deliberate, not a failure,
// so no error message is surfaced.
func (c *Consumer) Cancel(userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle, ok := c.handles[handleKey(userID, sessionID)]; ok {
		c.cancelLocked(handle)
		delete(c.handles, handleKey(userID, sessionID))
	}
}

// CancelAll closes every open handle for a user.
func (c *Consumer) CancelAll(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, handle := range c.handles {
		if handle.UserID == userID {
			c.cancelLocked(handle)
			delete(c.handles, key)
		}
	}
}

// cancelLocked flags the handle cancelled and tears down its channel.
// Caller must hold c.mu.
func (c *Consumer) cancelLocked(handle *Handle) {
	if handle.transition(StateCancelled) {
		handle.cancel()
		slog.Debug("stream handle cancelled",
			"user_id", handle.UserID, "session_id", handle.SessionID, "handle_id", handle.ID)
	}
}

// isCurrent reports whether the handle is still the registered one for its
// session. Events belonging to a superseded handle are stale.
func (c *Consumer) isCurrent(handle *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[handleKey(handle.UserID, handle.SessionID)] == handle
}

// release removes the handle from the registry if it is still the current one.
func (c *Consumer) release(handle *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := handleKey(handle.UserID, handle.SessionID)
	if c.handles[key] == handle {
		delete(c.handles, key)
	}
}

// run drives one channel to its terminal state.
func (c *Consumer) run(ctx context.Context, handle *Handle, req assistant.Request) {
	defer c.release(handle)

	// Idle watchdog: too long a gap between chunks fails the handle. Manual
	// cancellation is not subject to this timeout.
	var watchdog *time.Timer
	if c.idleTimeout > 0 {
		watchdog = time.AfterFunc(c.idleTimeout, func() {
			if handle.transition(StateFailed) {
				handle.cancel()
				c.pipeline.Fail(context.WithoutCancel(ctx), handle.UserID, handle.SessionID, handle.MessageID,
					fmt.Sprintf("no reply activity for %s", c.idleTimeout))
				slog.Warn("stream handle idle timeout",
					"user_id", handle.UserID, "session_id", handle.SessionID, "handle_id", handle.ID)
			}
		})
		defer watchdog.Stop()
	}

	for chunk, err := range c.processor.Chat(ctx, req) {
		if watchdog != nil {
			watchdog.Reset(c.idleTimeout)
		}

		if err != nil {
			if handle.transition(StateFailed) {
				c.pipeline.Fail(context.WithoutCancel(ctx), handle.UserID, handle.SessionID, handle.MessageID, err.Error())
				slog.Warn("stream handle failed",
					"user_id", handle.UserID, "session_id", handle.SessionID,
					"handle_id", handle.ID, "error", err)
			}
			return
		}
		if chunk == nil {
			continue
		}

		// Stale or cancelled handles must not touch any message. A chunk
		// already past this check when cancellation lands may apply once;
		// the pipeline no-ops safely on deleted targets.
		if handle.State() == StateCancelled || !c.isCurrent(handle) {
			slog.Debug("stale stream event discarded",
				"user_id", handle.UserID, "session_id", handle.SessionID, "handle_id", handle.ID)
			return
		}

		if chunk.Done {
			if handle.transition(StateCompleted) {
				var finalText *string
				if chunk.FinalText != "" {
					finalText = &chunk.FinalText
				}
				c.pipeline.Finalize(ctx, handle.UserID, handle.SessionID, handle.MessageID, finalText)
			}
			return
		}

		if chunk.Content != "" {
			handle.transition(StateStreaming)
			c.pipeline.AppendDelta(ctx, handle.UserID, handle.SessionID, handle.MessageID, chunk.Content)
		}
	}
}
