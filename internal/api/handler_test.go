package api

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/selahlabs/selah/internal/assistant"
	"github.com/selahlabs/selah/internal/chat"
	"github.com/selahlabs/selah/internal/config"
	"github.com/selahlabs/selah/internal/engine"
	"github.com/selahlabs/selah/internal/identity"
	"github.com/selahlabs/selah/internal/quota"
	"github.com/selahlabs/selah/internal/reward"
	"github.com/selahlabs/selah/internal/store/storetest"
	"github.com/selahlabs/selah/internal/stream"
)

// echoProcessor completes every send immediately with a fixed reply.
type echoProcessor struct{}

func (echoProcessor) Chat(ctx context.Context, req assistant.Request) iter.Seq2[*assistant.Chunk, error] {
	return func(yield func(*assistant.Chunk, error) bool) {
		if !yield(&assistant.Chunk{Content: "a reply"}, nil) {
			return
		}
		yield(&assistant.Chunk{Done: true}, nil)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Port:       "0",
		DBPath:     "unused",
		SessionTTL: time.Hour,
		Quota: config.QuotaConfig{
			FreeDailyLimit: 10,
			ResetCron:      "0 0 * * *",
			Backend:        "memory",
		},
		Stream: config.StreamConfig{IdleTimeout: time.Second},
		RateLimit: config.RateLimitConfig{
			RequestsPerWindow: 100,
			WindowDuration:    time.Minute,
		},
		SSE: config.SSEConfig{
			KeepaliveInterval:  time.Second,
			RetryDelay:         time.Second,
			ReplayQueueSize:    50,
			MaxRequestBodySize: 1 << 20,
		},
		Reward: config.RewardConfig{HistorySize: 10},
	}
}

// newTestServer builds the full HTTP stack over in-memory fakes. The returned
// client carries a cookie jar, so every call shares one anonymous identity.
func newTestServer(t *testing.T, claimURL string) (*httptest.Server, *http.Client, *storetest.FakeRepository) {
	t.Helper()
	cfg := testConfig()
	if claimURL != "" {
		cfg.Reward.URL = claimURL
	}
	return newTestServerWithConfig(t, cfg)
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) (*httptest.Server, *http.Client, *storetest.FakeRepository) {
	t.Helper()
	repo := storetest.NewFakeRepository()

	backend, err := quota.NewBackend(quota.BackendMemory)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	quotas, err := quota.NewManager(backend, repo, quota.ManagerConfig{
		DefaultLimit: cfg.Quota.FreeDailyLimit,
		ResetCron:    cfg.Quota.ResetCron,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	chatStore := chat.NewStore(repo, chat.NewBus())
	pipeline := chat.NewPipeline(chatStore)
	consumer := stream.NewConsumer(echoProcessor{}, pipeline, cfg.Stream.IdleTimeout)
	claimer := reward.NewClaimer(reward.Config{URL: cfg.Reward.URL, HistorySize: cfg.Reward.HistorySize}, quotas, repo)
	eng := engine.New(chatStore, pipeline, consumer, quotas, claimer, repo)

	handler := NewHandler(eng, repo, cfg)
	t.Cleanup(handler.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return srv, &http.Client{Jar: jar}, repo
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestSendThenQuotaAndSessions(t *testing.T) {
	srv, client, _ := newTestServer(t, "")

	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/send",
		map[string]string{"message": "teach me about stillness"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d, body %s", resp.StatusCode, body)
	}
	var result engine.SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode send result: %v", err)
	}
	if result.Outcome != engine.OutcomeAccepted {
		t.Fatalf("outcome = %q, want accepted", result.Outcome)
	}
	if result.Quota.Used != 1 {
		t.Errorf("quota used = %d, want 1", result.Quota.Used)
	}

	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/quota", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quota status = %d", resp.StatusCode)
	}
	var state struct {
		Used      int `json:"used"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode quota: %v", err)
	}
	if state.Used != 1 || state.Remaining != 9 {
		t.Errorf("quota = %+v, want used=1 remaining=9", state)
	}

	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status = %d", resp.StatusCode)
	}
	var listing struct {
		Sessions        []json.RawMessage `json:"sessions"`
		ActiveSessionID string            `json:"active_session_id"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(listing.Sessions) != 1 || listing.ActiveSessionID != result.SessionID {
		t.Errorf("listing = %+v, want the sent-to session active", listing)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	srv, client, _ := newTestServer(t, "")

	resp, _ := doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/send",
		map[string]string{"message": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	srv, client, _ := newTestServer(t, "")

	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}

	resp, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/sessions/"+created.ID+"/activate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("activate status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/sessions/no-such/activate", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("activate missing status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", resp.StatusCode)
	}
}

func TestClaimRewardEndpoint(t *testing.T) {
	rewardSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"granted": true, "amount": 5})
	}))
	defer rewardSrv.Close()
	srv, client, _ := newTestServer(t, rewardSrv.URL)

	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/reward/claim",
		map[string]string{"reward_type": "ad_view"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", resp.StatusCode, body)
	}
	var result reward.Result
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode claim result: %v", err)
	}
	if !result.Granted || result.Quota.Limit != 15 {
		t.Errorf("result = %+v, want granted with limit 15", result)
	}

	resp, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/reward/claim",
		map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("claim without type status = %d, want 400", resp.StatusCode)
	}

	resp, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/reward/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var history struct {
		Claims []json.RawMessage `json:"claims"`
	}
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Claims) != 1 {
		t.Errorf("history = %d claims, want 1", len(history.Claims))
	}
}

func TestSendPremiumUserBypassesQuota(t *testing.T) {
	cfg := testConfig()
	cfg.Quota.FreeDailyLimit = 1
	srv, client, repo := newTestServerWithConfig(t, cfg)

	resp, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/send",
		map[string]string{"message": "first"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first send status = %d, body %s", resp.StatusCode, body)
	}

	var result engine.SendResult
	_, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/send",
		map[string]string{"message": "second"})
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode send result: %v", err)
	}
	if result.Outcome != engine.OutcomeQuotaExhausted {
		t.Fatalf("outcome = %q, want quota_exhausted before upgrade", result.Outcome)
	}

	// Billing flips the stored flag; the very next request must honor it.
	for _, user := range repo.Users {
		user.IsPremium = true
	}

	_, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/send",
		map[string]string{"message": "third"})
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode send result: %v", err)
	}
	if result.Outcome != engine.OutcomeAccepted {
		t.Fatalf("outcome = %q, want premium send accepted", result.Outcome)
	}
	if !result.Quota.IsPremium {
		t.Errorf("quota = %+v, want premium flag set", result.Quota)
	}
}

func TestRateLimitedSend(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 1
	srv, client, _ := newTestServerWithConfig(t, cfg)

	resp, _ := doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/send",
		map[string]string{"message": "first"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first send status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/send",
		map[string]string{"message": "second"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second send status = %d, want 429", resp.StatusCode)
	}
}
