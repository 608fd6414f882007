// Package reward implements the quota unlock flow: an out-of-band claim that
// raises the user's message limit when granted.
package reward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/quota"
	"github.com/selahlabs/selah/internal/store"
)

var (
	// ErrClaimInFlight is returned when a claim is already running for the
	// user. The reward endpoint is invoked at most once per user action.
	ErrClaimInFlight = errors.New("reward claim already in flight")
	// ErrClaimFailed indicates the reward endpoint rejected or failed the
	// claim; quota is unchanged.
	ErrClaimFailed = errors.New("reward claim failed")
)

// Result is the outcome of a claim attempt.
type Result struct {
	Granted bool              `json:"granted"`
	Amount  int               `json:"amount"`
	Quota   domain.QuotaState `json:"quota"`
}

// Config holds claimer settings.
type Config struct {
	URL         string
	HistorySize int
	Timeout     time.Duration
}

// Claimer talks to the reward collaborator and applies granted amounts to the
// quota manager. A claim can race an in-progress send; correctness relies on
// the quota manager re-reading state inside its own lock at the point of
// decrement, never on a snapshot taken before the claim resolved.
type Claimer struct {
	url         string
	httpClient  *http.Client
	quotas      *quota.Manager
	repo        store.Repository
	historySize int

	mu       sync.Mutex
	inflight map[string]struct{}
	history  map[string][]domain.RewardClaim
}

// NewClaimer creates a reward claimer.
func NewClaimer(cfg Config, quotas *quota.Manager, repo store.Repository) *Claimer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 50
	}
	return &Claimer{
		url:         strings.TrimSuffix(cfg.URL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		quotas:      quotas,
		repo:        repo,
		historySize: historySize,
		inflight:    make(map[string]struct{}),
		history:     make(map[string][]domain.RewardClaim),
	}
}

type claimRequest struct {
	UserID     string `json:"user_id"`
	RewardType string `json:"reward_type"`
}

type claimResponse struct {
	Granted bool `json:"granted"`
	Amount  int  `json:"amount"`
}

// Claim invokes the reward endpoint and, on a grant, raises the user's quota
// limit. Denied and failed claims leave quota untouched.
func (c *Claimer) Claim(ctx context.Context, userID string, rewardType domain.RewardType) (Result, error) {
	c.mu.Lock()
	if _, busy := c.inflight[userID]; busy {
		c.mu.Unlock()
		return Result{}, ErrClaimInFlight
	}
	c.inflight[userID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, userID)
		c.mu.Unlock()
	}()

	resp, err := c.invoke(ctx, userID, rewardType)
	if err != nil {
		return Result{}, err
	}
	if !resp.Granted {
		state, qerr := c.quotas.Get(ctx, userID)
		if qerr != nil {
			return Result{}, qerr
		}
		return Result{Granted: false, Quota: state}, nil
	}

	state, err := c.quotas.ApplyReward(ctx, userID, resp.Amount)
	if err != nil {
		return Result{}, fmt.Errorf("apply reward: %w", err)
	}

	claim := domain.RewardClaim{
		RewardType: rewardType,
		Amount:     resp.Amount,
		GrantedAt:  time.Now(),
	}
	c.record(userID, claim)
	if err := c.repo.InsertRewardClaim(ctx, userID, claim); err != nil {
		slog.Warn("failed to persist reward claim", "user_id", userID, "error", err)
	}

	slog.Info("reward claim granted",
		"user_id", userID, "reward_type", rewardType, "amount", resp.Amount,
		"remaining", state.Remaining)
	return Result{Granted: true, Amount: resp.Amount, Quota: state}, nil
}

// History returns the user's recent claims, newest first.
func (c *Claimer) History(ctx context.Context, userID string) ([]domain.RewardClaim, error) {
	c.mu.Lock()
	if claims, ok := c.history[userID]; ok {
		out := make([]domain.RewardClaim, len(claims))
		copy(out, claims)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	claims, err := c.repo.ListRewardClaims(ctx, userID, c.historySize)
	if err != nil {
		return nil, fmt.Errorf("load reward history: %w", err)
	}
	return claims, nil
}

func (c *Claimer) invoke(ctx context.Context, userID string, rewardType domain.RewardType) (*claimResponse, error) {
	body, err := json.Marshal(claimRequest{UserID: userID, RewardType: string(rewardType)})
	if err != nil {
		return nil, fmt.Errorf("marshal claim request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/rewards/claim", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build claim request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // read-side close

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("%w: %d %s", ErrClaimFailed, httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var resp claimResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrClaimFailed, err)
	}
	return &resp, nil
}

// record appends to the in-memory bounded history, newest first.
func (c *Claimer) record(userID string, claim domain.RewardClaim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	claims := append([]domain.RewardClaim{claim}, c.history[userID]...)
	if len(claims) > c.historySize {
		claims = claims[:c.historySize]
	}
	c.history[userID] = claims
}
