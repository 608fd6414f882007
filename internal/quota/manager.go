package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/store"
)

// ManagerConfig holds quota manager settings.
type ManagerConfig struct {
	DefaultLimit int
	ResetCron    string
	SyncInterval time.Duration
}

// Manager owns live quota state for all users. Every mutation is a single
// read-modify-write under one mutex, so admission, decrement, and reward
// application never interleave with each other mid-transition.
type Manager struct {
	mu       sync.Mutex
	backend  Backend
	repo     store.Repository
	limit    int
	schedule cron.Schedule
	syncEach time.Duration
	touched  map[string]struct{}
}

// NewManager creates a quota manager backed by the given live store and
// durable repository.
func NewManager(backend Backend, repo store.Repository, cfg ManagerConfig) (*Manager, error) {
	if cfg.DefaultLimit <= 0 {
		return nil, fmt.Errorf("quota default limit must be > 0")
	}
	schedule, err := cron.ParseStandard(cfg.ResetCron)
	if err != nil {
		return nil, fmt.Errorf("parse quota reset schedule %q: %w", cfg.ResetCron, err)
	}
	return &Manager{
		backend:  backend,
		repo:     repo,
		limit:    cfg.DefaultLimit,
		schedule: schedule,
		syncEach: cfg.SyncInterval,
		touched:  make(map[string]struct{}),
	}, nil
}

// Get returns the current quota state for a user, creating a fresh window on
// first touch.
func (m *Manager) Get(ctx context.Context, userID string) (domain.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, userID)
}

// CheckAdmission reports whether a send is currently permitted. This is a
// pure read, not a reservation.
func (m *Manager) CheckAdmission(ctx context.Context, userID string) (bool, domain.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadLocked(ctx, userID)
	if err != nil {
		return false, domain.QuotaState{}, err
	}
	return CheckAdmission(state), state, nil
}

// Decrement charges one send attempt and persists the result. The state is
// re-read inside the lock so a reward applied moments earlier is never lost.
func (m *Manager) Decrement(ctx context.Context, userID string) (domain.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadLocked(ctx, userID)
	if err != nil {
		return domain.QuotaState{}, err
	}
	state = Decrement(state)
	if err := m.persistLocked(ctx, userID, state); err != nil {
		return domain.QuotaState{}, err
	}
	return state, nil
}

// ApplyReward raises the user's limit after a granted reward claim.
func (m *Manager) ApplyReward(ctx context.Context, userID string, amount int) (domain.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadLocked(ctx, userID)
	if err != nil {
		return domain.QuotaState{}, err
	}
	state = ApplyReward(state, amount)
	if err := m.persistLocked(ctx, userID, state); err != nil {
		return domain.QuotaState{}, err
	}
	return state, nil
}

// SetPremium aligns the premium flag with the billing-owned user record.
// An unchanged flag is a read-only no-op, so per-request syncing stays cheap.
func (m *Manager) SetPremium(ctx context.Context, userID string, premium bool) (domain.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadLocked(ctx, userID)
	if err != nil {
		return domain.QuotaState{}, err
	}
	if state.IsPremium == premium {
		return state, nil
	}
	state.IsPremium = premium
	state = state.Recompute()
	if err := m.persistLocked(ctx, userID, state); err != nil {
		return domain.QuotaState{}, err
	}
	return state, nil
}

// Reconcile pulls the durable value for a user and clamps the live view so
// the client never shows more remaining than the server of record allows.
func (m *Manager) Reconcile(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, err := m.loadLocked(ctx, userID)
	if err != nil {
		return err
	}
	authoritative, err := m.repo.GetQuota(ctx, userID)
	if err != nil {
		return fmt.Errorf("load authoritative quota: %w", err)
	}
	if authoritative == nil {
		return nil
	}
	merged := Clamp(local, *authoritative)
	if merged == local {
		return nil
	}
	return m.persistLocked(ctx, userID, merged)
}

// ResetDue starts a fresh window for every touched user whose reset time has
// passed. Called from the cron schedule and safe to call at any time.
func (m *Manager) ResetDue(ctx context.Context) {
	m.mu.Lock()
	users := make([]string, 0, len(m.touched))
	for userID := range m.touched {
		users = append(users, userID)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, userID := range users {
		m.mu.Lock()
		state, err := m.loadLocked(ctx, userID)
		if err == nil && !now.Before(state.ResetAt) {
			state.Used = 0
			state.ResetAt = m.schedule.Next(now)
			state = state.Recompute()
			err = m.persistLocked(ctx, userID, state)
		}
		m.mu.Unlock()
		if err != nil {
			slog.Warn("quota reset failed", "user_id", userID, "error", err)
		}
	}
}

// Run drives periodic reconciliation until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if m.syncEach <= 0 {
		return
	}
	ticker := time.NewTicker(m.syncEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			users := make([]string, 0, len(m.touched))
			for userID := range m.touched {
				users = append(users, userID)
			}
			m.mu.Unlock()
			for _, userID := range users {
				if err := m.Reconcile(ctx, userID); err != nil {
					slog.Warn("quota reconcile failed", "user_id", userID, "error", err)
				}
			}
		}
	}
}

// loadLocked reads state for a user, falling back to the durable repository
// and then to a fresh window. Caller must hold m.mu.
func (m *Manager) loadLocked(ctx context.Context, userID string) (domain.QuotaState, error) {
	m.touched[userID] = struct{}{}

	state, err := m.backend.Load(ctx, userID)
	if err != nil {
		return domain.QuotaState{}, fmt.Errorf("load quota: %w", err)
	}
	if state == nil {
		state, err = m.repo.GetQuota(ctx, userID)
		if err != nil {
			return domain.QuotaState{}, fmt.Errorf("load persisted quota: %w", err)
		}
	}
	if state == nil {
		fresh := m.freshWindow()
		if err := m.persistLocked(ctx, userID, fresh); err != nil {
			return domain.QuotaState{}, err
		}
		return fresh, nil
	}

	// Lazily roll the window when the reset moment passed while nothing
	// was scheduled (process restarts, clock skew).
	if !state.IsPremium && !time.Now().Before(state.ResetAt) {
		rolled := *state
		rolled.Used = 0
		rolled.ResetAt = m.schedule.Next(time.Now())
		rolled = rolled.Recompute()
		if err := m.persistLocked(ctx, userID, rolled); err != nil {
			return domain.QuotaState{}, err
		}
		return rolled, nil
	}

	return state.Recompute(), nil
}

// persistLocked writes state to the live backend and durable repository.
// Caller must hold m.mu.
func (m *Manager) persistLocked(ctx context.Context, userID string, state domain.QuotaState) error {
	if err := m.backend.Save(ctx, userID, state); err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	if err := m.repo.SaveQuota(ctx, userID, state); err != nil {
		return fmt.Errorf("persist quota: %w", err)
	}
	return nil
}

func (m *Manager) freshWindow() domain.QuotaState {
	return domain.QuotaState{
		Limit:   m.limit,
		Used:    0,
		ResetAt: m.schedule.Next(time.Now()),
	}.Recompute()
}
