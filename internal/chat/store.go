// Package chat holds the in-memory session store and message pipeline that
// back the conversational UI.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/store"
)

// ErrSessionNotFound is returned when an operation targets a session id the
// store does not hold for that user.
var ErrSessionNotFound = errors.New("session not found")

// userState holds one user's sessions and active-session pointer.
type userState struct {
	order    []*domain.Session
	byID     map[string]*domain.Session
	activeID string
}

// Store is the authoritative in-memory view of every user's chat sessions.
// All mutations emit events on the bus and write through to the repository;
// persistence failures are logged, never surfaced to the pipeline, because
// the in-memory view is what the UI renders.
type Store struct {
	mu    sync.RWMutex
	users map[string]*userState
	bus   *Bus
	repo  store.Repository

	// cancelStream detaches any open stream handle for a session before it
	// is deleted or backgrounded. Registered by the engine to avoid a
	// dependency cycle with the stream consumer.
	cancelStream func(userID, sessionID string)
}

// NewStore creates a session store that writes through to repo and publishes
// change events on bus.
func NewStore(repo store.Repository, bus *Bus) *Store {
	return &Store{
		users: make(map[string]*userState),
		bus:   bus,
		repo:  repo,
	}
}

// Subscribe registers a listener for one user's store events.
func (s *Store) Subscribe(userID string) (<-chan Event, func()) {
	return s.bus.Subscribe(userID)
}

// SetStreamCanceller registers the callback invoked to cancel an open stream
// handle when its session is deleted or deactivated.
func (s *Store) SetStreamCanceller(cancel func(userID, sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStream = cancel
}

// Restore seeds a user's sessions from persisted history. Intended for the
// first touch after process start; existing in-memory state wins.
func (s *Store) Restore(userID string, sessions []*domain.Session, activeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; ok {
		return
	}
	state := &userState{byID: make(map[string]*domain.Session)}
	for _, sess := range sessions {
		cp := sess.Clone()
		state.order = append(state.order, cp)
		state.byID[cp.ID] = cp
	}
	if _, ok := state.byID[activeID]; ok {
		state.activeID = activeID
	}
	s.users[userID] = state
}

// Loaded reports whether the store already holds state for a user.
func (s *Store) Loaded(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// ActiveID returns the active session id for a user, or "" when none.
func (s *Store) ActiveID(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.users[userID]; ok {
		return state.activeID
	}
	return ""
}

// Active returns a snapshot of the user's active session, or nil.
func (s *Store) Active(userID string) *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.users[userID]
	if !ok || state.activeID == "" {
		return nil
	}
	if sess, ok := state.byID[state.activeID]; ok {
		return sess.Clone()
	}
	return nil
}

// Get returns a snapshot of one session.
func (s *Store) Get(userID, sessionID string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.users[userID]; ok {
		if sess, ok := state.byID[sessionID]; ok {
			return sess.Clone(), true
		}
	}
	return nil, false
}

// List returns snapshots of all sessions for a user in creation order.
func (s *Store) List(userID string) []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]*domain.Session, 0, len(state.order))
	for _, sess := range state.order {
		out = append(out, sess.Clone())
	}
	return out
}

// Create adds a new session and makes it active.
func (s *Store) Create(ctx context.Context, userID, title string) *domain.Session {
	sess := domain.NewSession(title)

	s.mu.Lock()
	state := s.stateLocked(userID)
	state.order = append(state.order, sess)
	state.byID[sess.ID] = sess
	state.activeID = sess.ID
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.persistSession(ctx, userID, snapshot)
	s.persistActive(ctx, userID, snapshot.ID)
	s.bus.Publish(Event{Type: EventSessionCreated, UserID: userID, SessionID: snapshot.ID, Session: snapshot})
	s.bus.Publish(Event{Type: EventSessionActivated, UserID: userID, SessionID: snapshot.ID})
	return snapshot
}

// SetActive switches the active session. Any open stream handle belonging to
// the previously active session is cancelled: a backgrounded session keeps
// streaming server-side conceptually, but this client stops consuming its
// deltas unless the session is re-selected.
func (s *Store) SetActive(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	state, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if _, ok := state.byID[sessionID]; !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	previous := state.activeID
	state.activeID = sessionID
	cancel := s.cancelStream
	s.mu.Unlock()

	if cancel != nil && previous != "" && previous != sessionID {
		cancel(userID, previous)
	}
	s.persistActive(ctx, userID, sessionID)
	s.bus.Publish(Event{Type: EventSessionActivated, UserID: userID, SessionID: sessionID})
	return nil
}

// Append adds messages to a session in one atomic step, preserving insertion
// order. A missing session makes the whole call a silent no-op: the session
// may have been deleted while the messages were being produced.
func (s *Store) Append(ctx context.Context, userID, sessionID string, msgs ...domain.Message) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	state, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		slog.Debug("append to unknown user ignored", "user_id", userID, "session_id", sessionID)
		return
	}
	sess, ok := state.byID[sessionID]
	if !ok {
		s.mu.Unlock()
		slog.Debug("append to missing session ignored", "user_id", userID, "session_id", sessionID)
		return
	}
	sess.Messages = append(sess.Messages, msgs...)
	sess.UpdatedAt = time.Now()
	snapshots := make([]domain.Message, len(msgs))
	copy(snapshots, msgs)
	sessSnapshot := sess.Clone()
	s.mu.Unlock()

	s.persistSession(ctx, userID, sessSnapshot)
	for i := range snapshots {
		s.persistMessage(ctx, userID, snapshots[i])
		msg := snapshots[i]
		s.bus.Publish(Event{Type: EventMessageAppended, UserID: userID, SessionID: sessionID, Message: &msg})
	}
}

// MessagePatch describes a partial message update.
type MessagePatch struct {
	AppendContent *string
	SetContent    *string
	SetStatus     *domain.MessageStatus
}

// Replace applies a patch to a message. A missing session or message is a
// silent no-op, never an error: these calls are asynchronous callbacks racing
// against user-driven deletion.
func (s *Store) Replace(ctx context.Context, userID, sessionID, messageID string, patch MessagePatch) {
	s.mu.Lock()
	state, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess, ok := state.byID[sessionID]
	if !ok {
		s.mu.Unlock()
		slog.Debug("replace on missing session ignored", "user_id", userID, "session_id", sessionID)
		return
	}
	idx := sess.FindMessage(messageID)
	if idx < 0 {
		s.mu.Unlock()
		slog.Debug("replace on missing message ignored", "user_id", userID, "message_id", messageID)
		return
	}
	msg := &sess.Messages[idx]
	if patch.AppendContent != nil {
		msg.Content += *patch.AppendContent
	}
	if patch.SetContent != nil {
		msg.Content = *patch.SetContent
	}
	if patch.SetStatus != nil {
		msg.Status = *patch.SetStatus
	}
	sess.UpdatedAt = time.Now()
	snapshot := *msg
	s.mu.Unlock()

	s.persistMessage(ctx, userID, snapshot)
	s.bus.Publish(Event{Type: EventMessageUpdated, UserID: userID, SessionID: sessionID, Message: &snapshot})
}

// Delete removes a session, cancelling any open stream handle it owns first.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	state, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if _, ok := state.byID[sessionID]; !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	cancel := s.cancelStream
	s.mu.Unlock()

	// Cancel outside the lock: the canceller calls back into pipeline no-ops.
	if cancel != nil {
		cancel(userID, sessionID)
	}

	s.mu.Lock()
	state, ok = s.users[userID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(state.byID, sessionID)
	for i, sess := range state.order {
		if sess.ID == sessionID {
			state.order = append(state.order[:i], state.order[i+1:]...)
			break
		}
	}
	wasActive := state.activeID == sessionID
	if wasActive {
		state.activeID = ""
	}
	s.mu.Unlock()

	if err := s.repo.DeleteSession(ctx, userID, sessionID); err != nil {
		slog.Warn("failed to delete persisted session", "user_id", userID, "session_id", sessionID, "error", err)
	}
	if wasActive {
		s.persistActive(ctx, userID, "")
	}
	s.bus.Publish(Event{Type: EventSessionDeleted, UserID: userID, SessionID: sessionID})
	return nil
}

// ClearAll removes every session for a user, cancelling open handles.
func (s *Store) ClearAll(ctx context.Context, userID string) {
	s.mu.Lock()
	state, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(state.order))
	for _, sess := range state.order {
		ids = append(ids, sess.ID)
	}
	cancel := s.cancelStream
	s.mu.Unlock()

	if cancel != nil {
		for _, id := range ids {
			cancel(userID, id)
		}
	}

	s.mu.Lock()
	s.users[userID] = &userState{byID: make(map[string]*domain.Session)}
	s.mu.Unlock()

	if err := s.repo.DeleteAllSessions(ctx, userID); err != nil {
		slog.Warn("failed to clear persisted sessions", "user_id", userID, "error", err)
	}
	s.bus.Publish(Event{Type: EventHistoryCleared, UserID: userID})
}

// PublishQuota emits a quota snapshot to the user's subscribers.
func (s *Store) PublishQuota(userID string, quota domain.QuotaState) {
	s.bus.Publish(Event{Type: EventQuotaUpdated, UserID: userID, Quota: &quota})
}

func (s *Store) stateLocked(userID string) *userState {
	state, ok := s.users[userID]
	if !ok {
		state = &userState{byID: make(map[string]*domain.Session)}
		s.users[userID] = state
	}
	return state
}

func (s *Store) persistSession(ctx context.Context, userID string, sess *domain.Session) {
	if err := s.repo.UpsertSession(ctx, userID, sess); err != nil {
		slog.Warn("failed to persist session", "user_id", userID, "session_id", sess.ID, "error", err)
	}
}

func (s *Store) persistMessage(ctx context.Context, userID string, msg domain.Message) {
	if err := s.repo.UpsertMessage(ctx, userID, msg); err != nil {
		slog.Warn("failed to persist message", "user_id", userID, "message_id", msg.ID, "error", err)
	}
}

func (s *Store) persistActive(ctx context.Context, userID, sessionID string) {
	if err := s.repo.SetActiveSession(ctx, userID, sessionID); err != nil {
		slog.Warn("failed to persist active session", "user_id", userID, "session_id", sessionID, "error", err)
	}
}
