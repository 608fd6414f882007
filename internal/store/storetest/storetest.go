// Package storetest provides an in-memory Repository for tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/selahlabs/selah/internal/domain"
)

// FakeRepository is a thread-safe in-memory store.Repository. Error fields
// force specific failures; zero value works out of the box.
type FakeRepository struct {
	mu sync.Mutex

	Users        map[string]*domain.User
	Sessions     map[string][]*domain.Session
	ActiveIDs    map[string]string
	Quotas       map[string]domain.QuotaState
	RewardClaims map[string][]domain.RewardClaim

	SaveQuotaCalls int
	GetQuotaErr    error
	SaveQuotaErr   error
	ListErr        error
}

// NewFakeRepository creates an empty fake repository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		Users:        make(map[string]*domain.User),
		Sessions:     make(map[string][]*domain.Session),
		ActiveIDs:    make(map[string]string),
		Quotas:       make(map[string]domain.QuotaState),
		RewardClaims: make(map[string][]domain.RewardClaim),
	}
}

func (f *FakeRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.Users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (f *FakeRepository) UpsertUser(ctx context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *user
	f.Users[user.UserID] = &cp
	return nil
}

func (f *FakeRepository) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.Users[userID]; ok {
		u.LastSeenAt = lastSeen
	}
	return nil
}

func (f *FakeRepository) SetActiveSession(ctx context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ActiveIDs[userID] = sessionID
	return nil
}

func (f *FakeRepository) GetActiveSession(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ActiveIDs[userID], nil
}

func (f *FakeRepository) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]*domain.Session, 0, len(f.Sessions[userID]))
	for _, sess := range f.Sessions[userID] {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (f *FakeRepository) UpsertSession(ctx context.Context, userID string, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sess := range f.Sessions[userID] {
		if sess.ID == session.ID {
			cp := session.Clone()
			cp.Messages = sess.Messages
			f.Sessions[userID][i] = cp
			return nil
		}
	}
	cp := session.Clone()
	cp.Messages = nil
	f.Sessions[userID] = append(f.Sessions[userID], cp)
	return nil
}

func (f *FakeRepository) DeleteSession(ctx context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := f.Sessions[userID]
	for i, sess := range sessions {
		if sess.ID == sessionID {
			f.Sessions[userID] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	return nil
}

func (f *FakeRepository) DeleteAllSessions(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Sessions, userID)
	return nil
}

func (f *FakeRepository) UpsertMessage(ctx context.Context, userID string, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.Sessions[userID] {
		if sess.ID != msg.SessionID {
			continue
		}
		if idx := sess.FindMessage(msg.ID); idx >= 0 {
			sess.Messages[idx] = msg
		} else {
			sess.Messages = append(sess.Messages, msg)
		}
		return nil
	}
	return nil
}

func (f *FakeRepository) GetQuota(ctx context.Context, userID string) (*domain.QuotaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetQuotaErr != nil {
		return nil, f.GetQuotaErr
	}
	if q, ok := f.Quotas[userID]; ok {
		cp := q
		return &cp, nil
	}
	return nil, nil
}

func (f *FakeRepository) SaveQuota(ctx context.Context, userID string, quota domain.QuotaState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SaveQuotaCalls++
	if f.SaveQuotaErr != nil {
		return f.SaveQuotaErr
	}
	f.Quotas[userID] = quota
	return nil
}

func (f *FakeRepository) InsertRewardClaim(ctx context.Context, userID string, claim domain.RewardClaim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RewardClaims[userID] = append([]domain.RewardClaim{claim}, f.RewardClaims[userID]...)
	return nil
}

func (f *FakeRepository) ListRewardClaims(ctx context.Context, userID string, limit int) ([]domain.RewardClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims := f.RewardClaims[userID]
	if limit > 0 && len(claims) > limit {
		claims = claims[:limit]
	}
	out := make([]domain.RewardClaim, len(claims))
	copy(out, claims)
	return out, nil
}

func (f *FakeRepository) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (f *FakeRepository) Ping(ctx context.Context) error { return nil }

func (f *FakeRepository) Close() error { return nil }
