// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/selahlabs/selah/internal/domain"
)

// Repository defines the interface for persisting chat and quota data.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SetActiveSession records which session the user currently has open.
	// An empty sessionID clears the pointer.
	SetActiveSession(ctx context.Context, userID, sessionID string) error

	// GetActiveSession returns the persisted active-session pointer, or ""
	// when none is recorded.
	GetActiveSession(ctx context.Context, userID string) (string, error)

	// ListSessions retrieves all sessions for a user, messages included,
	// ordered by creation time. Messages preserve insertion order.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// UpsertSession creates or updates a session row (not its messages).
	UpsertSession(ctx context.Context, userID string, session *domain.Session) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// DeleteAllSessions removes every session and message for a user.
	DeleteAllSessions(ctx context.Context, userID string) error

	// UpsertMessage creates or updates a message row. Updates are keyed by
	// message ID, so streaming content revisions overwrite in place.
	UpsertMessage(ctx context.Context, userID string, msg domain.Message) error

	// GetQuota retrieves persisted quota state. Returns nil when the user
	// has no stored quota yet.
	GetQuota(ctx context.Context, userID string) (*domain.QuotaState, error)

	// SaveQuota persists quota state for a user.
	SaveQuota(ctx context.Context, userID string, quota domain.QuotaState) error

	// InsertRewardClaim appends a granted reward claim to the durable history.
	InsertRewardClaim(ctx context.Context, userID string, claim domain.RewardClaim) error

	// ListRewardClaims returns the most recent claims for a user, newest first.
	ListRewardClaims(ctx context.Context, userID string, limit int) ([]domain.RewardClaim, error)

	// CleanupExpiredSessions removes chat state for users idle longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
