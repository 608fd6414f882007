package api

import (
	"container/list"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/selahlabs/selah/internal/chat"
)

// QueuedEvent is one entry in the per-user replay queue.
type QueuedEvent struct {
	EventID   int64
	Event     chat.Event
	Timestamp time.Time
}

// ReplayQueue buffers recent events per user so reconnecting clients can
// recover what they missed via Last-Event-ID. Each user gets their own
// bounded list so one user's burst cannot evict another user's events.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // userID -> events
	maxSize int
}

// NewReplayQueue creates a per-user replay queue.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue appends an event to the user's queue, evicting the oldest entries
// past the size bound.
func (q *ReplayQueue) Enqueue(userID string, eventID int64, event chat.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[userID]; !ok {
		q.queues[userID] = list.New()
	}
	l := q.queues[userID]
	l.PushBack(&QueuedEvent{
		EventID:   eventID,
		Event:     event,
		Timestamp: time.Now(),
	})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Missed retrieves events after a specific event ID for a user.
func (q *ReplayQueue) Missed(userID string, afterEventID int64) []*QueuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[userID]
	if !ok {
		return nil
	}
	var missed []*QueuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		qe := e.Value.(*QueuedEvent)
		if qe.EventID > afterEventID {
			missed = append(missed, qe)
		}
	}
	return missed
}

// Prune removes the queue for a user when their last feed closes.
func (q *ReplayQueue) Prune(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
