package engine

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/selahlabs/selah/internal/assistant"
	"github.com/selahlabs/selah/internal/chat"
	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/quota"
	"github.com/selahlabs/selah/internal/reward"
	"github.com/selahlabs/selah/internal/store/storetest"
	"github.com/selahlabs/selah/internal/stream"
)

// replyProcessor answers every send with the same scripted chunks and records
// the last upstream request.
type replyProcessor struct {
	mu      sync.Mutex
	lastReq assistant.Request
	chunks  []*assistant.Chunk
}

func (p *replyProcessor) Chat(ctx context.Context, req assistant.Request) iter.Seq2[*assistant.Chunk, error] {
	p.mu.Lock()
	p.lastReq = req
	chunks := p.chunks
	p.mu.Unlock()
	return func(yield func(*assistant.Chunk, error) bool) {
		for _, chunk := range chunks {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (p *replyProcessor) last() assistant.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type testEngine struct {
	engine    *Engine
	store     *chat.Store
	repo      *storetest.FakeRepository
	processor *replyProcessor
}

func newTestEngine(t *testing.T, limit int, claimURL string) *testEngine {
	t.Helper()
	repo := storetest.NewFakeRepository()
	backend, err := quota.NewBackend(quota.BackendMemory)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	quotas, err := quota.NewManager(backend, repo, quota.ManagerConfig{
		DefaultLimit: limit,
		ResetCron:    "0 0 * * *",
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	bus := chat.NewBus()
	chatStore := chat.NewStore(repo, bus)
	pipeline := chat.NewPipeline(chatStore)
	processor := &replyProcessor{chunks: []*assistant.Chunk{
		{Content: "a word "},
		{Content: "in season"},
		{Done: true},
	}}
	consumer := stream.NewConsumer(processor, pipeline, time.Second)
	claimer := reward.NewClaimer(reward.Config{URL: claimURL}, quotas, repo)

	return &testEngine{
		engine:    New(chatStore, pipeline, consumer, quotas, claimer, repo),
		store:     chatStore,
		repo:      repo,
		processor: processor,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func (te *testEngine) waitComplete(t *testing.T, userID, sessionID, messageID string) domain.Message {
	t.Helper()
	waitFor(t, func() bool {
		sess, ok := te.store.Get(userID, sessionID)
		if !ok {
			return false
		}
		idx := sess.FindMessage(messageID)
		return idx >= 0 && sess.Messages[idx].Terminal()
	})
	sess, _ := te.store.Get(userID, sessionID)
	return sess.Messages[sess.FindMessage(messageID)]
}

func TestSendMessageAcceptedFlow(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, "")

	result, err := te.engine.SendMessage(ctx, "user-1", "  Where can I find peace?  ")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if result.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %q, want accepted", result.Outcome)
	}
	if result.SessionID == "" || result.Placeholder == nil || result.UserMessage == nil {
		t.Fatalf("result = %+v, want session, user message and placeholder", result)
	}
	if result.UserMessage.Content != "Where can I find peace?" {
		t.Errorf("user message = %q, want trimmed text", result.UserMessage.Content)
	}
	if result.Quota.Used != 1 || result.Quota.Remaining != 9 {
		t.Errorf("quota = %+v, want one attempt charged", result.Quota)
	}

	// Lazy session creation titles the session from the first message.
	sess, ok := te.store.Get("user-1", result.SessionID)
	if !ok {
		t.Fatal("session not created")
	}
	if sess.Title != "Where can I find peace?" {
		t.Errorf("title = %q, want derived from first message", sess.Title)
	}

	placeholder := te.waitComplete(t, "user-1", result.SessionID, result.Placeholder.ID)
	if placeholder.Content != "a word in season" {
		t.Errorf("reply = %q, want streamed content", placeholder.Content)
	}
	if placeholder.Status != domain.StatusComplete {
		t.Errorf("status = %q, want complete", placeholder.Status)
	}
}

func TestSendMessageQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 1, "")

	first, err := te.engine.SendMessage(ctx, "user-1", "one")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	te.waitComplete(t, "user-1", first.SessionID, first.Placeholder.ID)

	result, err := te.engine.SendMessage(ctx, "user-1", "two")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if result.Outcome != OutcomeQuotaExhausted {
		t.Fatalf("outcome = %q, want quota_exhausted", result.Outcome)
	}
	if result.Placeholder != nil || result.UserMessage != nil {
		t.Error("denied send must not append messages")
	}

	// Nothing was mutated: the session still holds only the first exchange.
	sess, _ := te.store.Get("user-1", first.SessionID)
	if len(sess.Messages) != 2 {
		t.Errorf("messages = %d, want 2 after denied send", len(sess.Messages))
	}
	state, _ := te.engine.Quota(ctx, "user-1")
	if state.Used != 1 {
		t.Errorf("used = %d, denied send must not charge", state.Used)
	}
}

func TestSendMessageChargeFailureFailsPlaceholder(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, "")

	// Prime the quota window so only the decrement write can fail.
	if _, err := te.engine.Quota(ctx, "user-1"); err != nil {
		t.Fatalf("Quota() error = %v", err)
	}
	te.repo.SaveQuotaErr = errors.New("disk full")

	if _, err := te.engine.SendMessage(ctx, "user-1", "hello"); err == nil {
		t.Fatal("SendMessage() succeeded with failing quota persistence")
	}

	sessions := te.store.List("user-1")
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	msgs := sessions[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want user message, failed placeholder and notice", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Status != domain.StatusFailed {
		t.Errorf("placeholder = role %q status %q, want failed assistant message", msgs[1].Role, msgs[1].Status)
	}
	if msgs[2].Role != domain.RoleSystem {
		t.Errorf("trailing message role = %q, want system notice", msgs[2].Role)
	}
}

func TestSendMessageEmptyRejected(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, "")

	if _, err := te.engine.SendMessage(ctx, "user-1", "   "); err == nil {
		t.Error("SendMessage() accepted blank text")
	}
}

func TestSendMessageHistoryWindow(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 50, "")

	first, err := te.engine.SendMessage(ctx, "user-1", "first question")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	te.waitComplete(t, "user-1", first.SessionID, first.Placeholder.ID)

	second, err := te.engine.SendMessage(ctx, "user-1", "second question")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	te.waitComplete(t, "user-1", second.SessionID, second.Placeholder.ID)

	req := te.processor.last()
	if req.Content != "second question" {
		t.Errorf("upstream content = %q", req.Content)
	}
	// History holds the completed first exchange plus the just-appended
	// second user message; the pending placeholder is excluded.
	if len(req.History) != 3 {
		t.Fatalf("history length = %d, want 3: %+v", len(req.History), req.History)
	}
	if req.History[0].Content != "first question" || req.History[1].Content != "a word in season" {
		t.Errorf("history out of order: %+v", req.History)
	}
}

func TestSwitchSessionCancelsActiveStream(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, "")

	first, err := te.engine.SendMessage(ctx, "user-1", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	te.waitComplete(t, "user-1", first.SessionID, first.Placeholder.ID)

	second, err := te.engine.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got := te.store.ActiveID("user-1"); got != second.ID {
		t.Errorf("active = %q, want new session %q", got, second.ID)
	}

	if err := te.engine.SwitchSession(ctx, "user-1", first.SessionID); err != nil {
		t.Fatalf("SwitchSession() error = %v", err)
	}
	if got := te.store.ActiveID("user-1"); got != first.SessionID {
		t.Errorf("active = %q, want %q", got, first.SessionID)
	}

	if err := te.engine.SwitchSession(ctx, "user-1", "no-such"); err != chat.ErrSessionNotFound {
		t.Errorf("SwitchSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSessionWhileStreaming(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, "")

	result, err := te.engine.SendMessage(ctx, "user-1", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := te.engine.DeleteSession(ctx, "user-1", result.SessionID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, ok := te.store.Get("user-1", result.SessionID); ok {
		t.Error("session still present after delete")
	}
	// The stream may still emit; nothing must reappear.
	time.Sleep(50 * time.Millisecond)
	if _, ok := te.store.Get("user-1", result.SessionID); ok {
		t.Error("deleted session resurrected by a late stream event")
	}
}

func TestClaimRewardUnblocksSends(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"granted": true, "amount": 3})
	}))
	defer srv.Close()
	te := newTestEngine(t, 1, srv.URL)

	first, err := te.engine.SendMessage(ctx, "user-1", "one")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	te.waitComplete(t, "user-1", first.SessionID, first.Placeholder.ID)

	denied, _ := te.engine.SendMessage(ctx, "user-1", "two")
	if denied.Outcome != OutcomeQuotaExhausted {
		t.Fatalf("outcome = %q, want quota_exhausted before claim", denied.Outcome)
	}

	claim, err := te.engine.ClaimReward(ctx, "user-1", domain.RewardAdView)
	if err != nil {
		t.Fatalf("ClaimReward() error = %v", err)
	}
	if !claim.Granted || claim.Quota.Remaining != 3 {
		t.Fatalf("claim = %+v, want 3 remaining after grant", claim)
	}

	retried, err := te.engine.SendMessage(ctx, "user-1", "two again")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if retried.Outcome != OutcomeAccepted {
		t.Errorf("outcome = %q, want accepted after reward", retried.Outcome)
	}
}

func TestEnsureLoadedRestoresPersistedSessions(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, "")

	persisted := domain.NewSession("restored talk")
	persisted.Messages = []domain.Message{
		domain.NewMessage(persisted.ID, domain.RoleUser, "old question", domain.StatusComplete),
	}
	te.repo.Sessions["user-1"] = []*domain.Session{persisted}
	te.repo.ActiveIDs["user-1"] = persisted.ID

	sessions, activeID, err := te.engine.Sessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != persisted.ID {
		t.Fatalf("sessions = %+v, want restored session", sessions)
	}
	if activeID != persisted.ID {
		t.Errorf("activeID = %q, want restored pointer", activeID)
	}
	if len(sessions[0].Messages) != 1 {
		t.Errorf("messages = %d, want restored history", len(sessions[0].Messages))
	}
}

func TestClearHistory(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, 10, "")

	first, err := te.engine.SendMessage(ctx, "user-1", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	te.waitComplete(t, "user-1", first.SessionID, first.Placeholder.ID)

	if err := te.engine.ClearHistory(ctx, "user-1"); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	sessions, activeID, err := te.engine.Sessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 0 || activeID != "" {
		t.Errorf("sessions = %d active = %q, want empty", len(sessions), activeID)
	}
}
