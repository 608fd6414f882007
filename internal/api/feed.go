package api

import (
	"log/slog"
	"sync"

	"github.com/selahlabs/selah/internal/chat"
	"github.com/selahlabs/selah/internal/engine"
)

// sequencedEvent pairs a store event with its feed-wide event id, used for
// Last-Event-ID replay.
type sequencedEvent struct {
	ID    int64
	Event chat.Event
}

// feedConn is one attached event feed (SSE or WebSocket).
type feedConn struct {
	id int64
	ch chan sequencedEvent
}

// userFeed multiplexes one store subscription to all of a user's feeds.
type userFeed struct {
	cancel func()
	conns  map[int64]*feedConn
}

// FeedHub owns one store subscription per user with at least one open feed,
// assigns event ids, records events for replay, and fans them out to every
// attached connection. Adapted from the proactive-broadcast fan-out: one
// upstream, many transports.
type FeedHub struct {
	mu      sync.Mutex
	engine  *engine.Engine
	replay  *ReplayQueue
	users   map[string]*userFeed
	eventID int64
	connID  int64
	closed  bool
}

// NewFeedHub creates a feed hub.
func NewFeedHub(eng *engine.Engine, replay *ReplayQueue) *FeedHub {
	return &FeedHub{
		engine: eng,
		replay: replay,
		users:  make(map[string]*userFeed),
	}
}

// Attach registers a new feed connection for a user, starting the user's
// store subscription if this is their first open feed.
func (h *FeedHub) Attach(userID string) *feedConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	feed, ok := h.users[userID]
	if !ok {
		events, cancel := h.engine.Subscribe(userID)
		feed = &userFeed{
			cancel: cancel,
			conns:  make(map[int64]*feedConn),
		}
		h.users[userID] = feed
		go h.pump(userID, events)
	}

	h.connID++
	conn := &feedConn{
		id: h.connID,
		ch: make(chan sequencedEvent, subscriberChannelBuffer),
	}
	feed.conns[conn.id] = conn
	return conn
}

// Detach removes a feed connection, tearing down the subscription and replay
// queue when the user's last feed closes.
func (h *FeedHub) Detach(userID string, conn *feedConn) {
	h.mu.Lock()
	feed, ok := h.users[userID]
	if ok {
		delete(feed.conns, conn.id)
		if len(feed.conns) == 0 {
			feed.cancel()
			delete(h.users, userID)
		}
	}
	lastFeed := ok && len(feed.conns) == 0
	h.mu.Unlock()

	if lastFeed {
		h.replay.Prune(userID)
	}
}

// Missed returns replayable events after the given id.
func (h *FeedHub) Missed(userID string, afterEventID int64) []*QueuedEvent {
	return h.replay.Missed(userID, afterEventID)
}

// NextEventID reserves a fresh event id (used for synthetic feed events such
// as the connected handshake).
func (h *FeedHub) NextEventID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventID++
	return h.eventID
}

// Close tears down every subscription.
func (h *FeedHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for userID, feed := range h.users {
		feed.cancel()
		delete(h.users, userID)
	}
}

// pump sequences one user's store events and fans them out. Runs until the
// subscription channel closes.
func (h *FeedHub) pump(userID string, events <-chan chat.Event) {
	for event := range events {
		h.mu.Lock()
		h.eventID++
		id := h.eventID
		feed, ok := h.users[userID]
		var conns []*feedConn
		if ok {
			conns = make([]*feedConn, 0, len(feed.conns))
			for _, c := range feed.conns {
				conns = append(conns, c)
			}
		}
		h.mu.Unlock()

		h.replay.Enqueue(userID, id, event)

		for _, conn := range conns {
			select {
			case conn.ch <- sequencedEvent{ID: id, Event: event}:
			default:
				slog.Warn("feed event dropped for slow connection",
					"user_id", userID, "conn_id", conn.id, "type", event.Type)
			}
		}
	}
}

// subscriberChannelBuffer bounds each feed connection's outbound queue.
const subscriberChannelBuffer = 64
