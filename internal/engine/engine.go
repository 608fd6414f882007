// Package engine orchestrates admission, optimistic appends, streaming, and
// quota updates behind one facade consumed by the transport layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/selahlabs/selah/internal/assistant"
	"github.com/selahlabs/selah/internal/chat"
	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/quota"
	"github.com/selahlabs/selah/internal/reward"
	"github.com/selahlabs/selah/internal/store"
	"github.com/selahlabs/selah/internal/stream"
)

// historyWindow caps how many prior turns travel upstream with each send.
const historyWindow = 20

// Outcome classifies a send attempt.
type Outcome string

const (
	// OutcomeAccepted means the message was appended and its reply channel
	// opened. Subsequent state arrives via the store subscription.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeQuotaExhausted means admission was denied. Nothing was mutated;
	// the UI offers the reward unlock flow. This is expected, not an error.
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
)

// SendResult is returned to the caller as soon as the placeholder exists.
type SendResult struct {
	Outcome     Outcome           `json:"outcome"`
	SessionID   string            `json:"session_id,omitempty"`
	UserMessage *domain.Message   `json:"user_message,omitempty"`
	Placeholder *domain.Message   `json:"placeholder,omitempty"`
	Quota       domain.QuotaState `json:"quota"`
}

// Engine is the session engine facade.
type Engine struct {
	store    *chat.Store
	pipeline *chat.Pipeline
	consumer *stream.Consumer
	quotas   *quota.Manager
	claimer  *reward.Claimer
	repo     store.Repository
}

// New wires the engine together and registers the stream canceller so
// session switches and deletions detach their open handles.
func New(chatStore *chat.Store, pipeline *chat.Pipeline, consumer *stream.Consumer,
	quotas *quota.Manager, claimer *reward.Claimer, repo store.Repository) *Engine {
	e := &Engine{
		store:    chatStore,
		pipeline: pipeline,
		consumer: consumer,
		quotas:   quotas,
		claimer:  claimer,
		repo:     repo,
	}
	chatStore.SetStreamCanceller(consumer.Cancel)
	return e
}

// SendMessage runs the send state machine: admission check, optimistic
// append, immediate quota decrement, then asynchronous streaming. It returns
// once the placeholder exists; it never blocks on the reply.
func (e *Engine) SendMessage(ctx context.Context, userID, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, fmt.Errorf("message is required")
	}
	if err := e.ensureLoaded(ctx, userID); err != nil {
		return SendResult{}, err
	}

	// Admission is a pure read, not a reservation: two rapid sends seeing
	// remaining=1 can both pass before either decrements. Accepted, bounded
	// by a small over-limit tolerance.
	allowed, state, err := e.quotas.CheckAdmission(ctx, userID)
	if err != nil {
		return SendResult{}, fmt.Errorf("admission check: %w", err)
	}
	if !allowed {
		return SendResult{Outcome: OutcomeQuotaExhausted, Quota: state}, nil
	}

	// Session is created lazily on first send.
	sess := e.store.Active(userID)
	if sess == nil {
		sess = e.store.Create(ctx, userID, domain.DeriveTitle(text))
	}

	userMsg, placeholder := e.pipeline.AppendOptimistic(ctx, userID, sess.ID, text)

	// Attempt cost: the quota unit is charged now, not after success. A
	// failed send still consumed an inference attempt.
	state, err = e.quotas.Decrement(ctx, userID)
	if err != nil {
		// No stream will ever open for this placeholder; it must still
		// reach a terminal state.
		e.pipeline.Fail(ctx, userID, sess.ID, placeholder.ID, "the attempt could not be recorded")
		return SendResult{}, fmt.Errorf("charge quota: %w", err)
	}
	e.store.PublishQuota(userID, state)

	req := assistant.Request{
		SessionID: sess.ID,
		Content:   text,
		History:   e.history(userID, sess.ID, placeholder.ID),
	}
	e.consumer.Open(ctx, userID, sess.ID, placeholder.ID, req)

	slog.Info("message accepted",
		"user_id", userID, "session_id", sess.ID,
		"message_id", userMsg.ID, "remaining", state.Remaining)

	return SendResult{
		Outcome:     OutcomeAccepted,
		SessionID:   sess.ID,
		UserMessage: &userMsg,
		Placeholder: &placeholder,
		Quota:       state,
	}, nil
}

// Sessions returns all sessions for a user plus the active session id.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]*domain.Session, string, error) {
	if err := e.ensureLoaded(ctx, userID); err != nil {
		return nil, "", err
	}
	return e.store.List(userID), e.store.ActiveID(userID), nil
}

// CreateSession starts a fresh empty conversation and makes it active.
func (e *Engine) CreateSession(ctx context.Context, userID string) (*domain.Session, error) {
	if err := e.ensureLoaded(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.Create(ctx, userID, "New conversation"), nil
}

// SwitchSession activates a session. The previously active session's open
// handle, if any, is cancelled by the store.
func (e *Engine) SwitchSession(ctx context.Context, userID, sessionID string) error {
	if err := e.ensureLoaded(ctx, userID); err != nil {
		return err
	}
	return e.store.SetActive(ctx, userID, sessionID)
}

// DeleteSession removes a session and cancels any stream it owns.
func (e *Engine) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := e.ensureLoaded(ctx, userID); err != nil {
		return err
	}
	return e.store.Delete(ctx, userID, sessionID)
}

// ClearHistory removes all of the user's sessions and cancels open streams.
func (e *Engine) ClearHistory(ctx context.Context, userID string) error {
	if err := e.ensureLoaded(ctx, userID); err != nil {
		return err
	}
	e.store.ClearAll(ctx, userID)
	return nil
}

// Quota returns the user's current quota state.
func (e *Engine) Quota(ctx context.Context, userID string) (domain.QuotaState, error) {
	return e.quotas.Get(ctx, userID)
}

// SyncPremium mirrors the billing-owned premium flag into the quota view so
// admission sees it. Billing owns the flag; quota never flips it on its own.
func (e *Engine) SyncPremium(ctx context.Context, userID string, premium bool) error {
	_, err := e.quotas.SetPremium(ctx, userID, premium)
	return err
}

// ClaimReward runs the unlock flow and fans the updated quota out to
// subscribers when granted.
func (e *Engine) ClaimReward(ctx context.Context, userID string, rewardType domain.RewardType) (reward.Result, error) {
	result, err := e.claimer.Claim(ctx, userID, rewardType)
	if err != nil {
		return reward.Result{}, err
	}
	if result.Granted {
		e.store.PublishQuota(userID, result.Quota)
	}
	return result, nil
}

// RewardHistory returns the user's recent granted claims.
func (e *Engine) RewardHistory(ctx context.Context, userID string) ([]domain.RewardClaim, error) {
	return e.claimer.History(ctx, userID)
}

// Subscribe returns the user's store event feed.
func (e *Engine) Subscribe(userID string) (<-chan chat.Event, func()) {
	return e.store.Subscribe(userID)
}

// Shutdown cancels all open streams for a clean process exit.
func (e *Engine) Shutdown(userID string) {
	e.consumer.CancelAll(userID)
}

// ensureLoaded restores persisted sessions on the user's first touch after
// process start.
func (e *Engine) ensureLoaded(ctx context.Context, userID string) error {
	if e.store.Loaded(userID) {
		return nil
	}
	sessions, err := e.repo.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	activeID, err := e.repo.GetActiveSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("restore active session: %w", err)
	}
	e.store.Restore(userID, sessions, activeID)
	return nil
}

// history assembles the context window sent upstream: completed user and
// assistant turns before the current placeholder, oldest first.
func (e *Engine) history(userID, sessionID, placeholderID string) []assistant.HistoryMessage {
	sess, ok := e.store.Get(userID, sessionID)
	if !ok {
		return nil
	}
	var turns []assistant.HistoryMessage
	for i := range sess.Messages {
		msg := &sess.Messages[i]
		if msg.ID == placeholderID || msg.Role == domain.RoleSystem {
			continue
		}
		if msg.Status != domain.StatusComplete {
			continue
		}
		turns = append(turns, assistant.HistoryMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}
	return turns
}
