package chat

import (
	"log/slog"
	"sync"

	"github.com/selahlabs/selah/internal/domain"
)

// EventType identifies a store change notification.
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventSessionActivated EventType = "session_activated"
	EventSessionDeleted   EventType = "session_deleted"
	EventHistoryCleared   EventType = "history_cleared"
	EventMessageAppended  EventType = "message_appended"
	EventMessageUpdated   EventType = "message_updated"
	EventQuotaUpdated     EventType = "quota_updated"
)

// Event is a state-change notification fanned out to subscribers. Session and
// Message fields are snapshots; subscribers never share mutable state with
// the store.
type Event struct {
	Type      EventType          `json:"type"`
	UserID    string             `json:"-"`
	SessionID string             `json:"session_id,omitempty"`
	Session   *domain.Session    `json:"session,omitempty"`
	Message   *domain.Message    `json:"message,omitempty"`
	Quota     *domain.QuotaState `json:"quota,omitempty"`
}

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind starts losing events and must refetch state on reconnect.
const subscriberBuffer = 64

// Bus fans store events out to per-user subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string]map[int64]chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[int64]chan Event),
	}
}

// Subscribe registers a listener for one user's events. The returned cancel
// function unregisters the listener and closes the channel.
func (b *Bus) Subscribe(userID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)

	if _, ok := b.subs[userID]; !ok {
		b.subs[userID] = make(map[int64]chan Event)
	}
	b.subs[userID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if userSubs, ok := b.subs[userID]; ok {
			if ch, exists := userSubs[id]; exists {
				delete(userSubs, id)
				close(ch)
				if len(userSubs) == 0 {
					delete(b.subs, userID)
				}
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber for the user. Delivery is
// non-blocking; a full subscriber channel drops the event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs[event.UserID] {
		select {
		case ch <- event:
		default:
			slog.Warn("chat event dropped for slow subscriber",
				"user_id", event.UserID, "subscriber_id", id, "type", event.Type)
		}
	}
}
