package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/shared"
	_ "modernc.org/sqlite"
)

// writeRetries bounds retry attempts for writes hitting SQLITE_BUSY.
const writeRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		is_premium INTEGER NOT NULL DEFAULT 0,
		active_session_id TEXT,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS quota_states (
		user_id TEXT PRIMARY KEY,
		quota_limit INTEGER NOT NULL,
		used INTEGER NOT NULL,
		reset_at INTEGER NOT NULL,
		is_premium INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reward_claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		reward_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		granted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reward_claims_user ON reward_claims(user_id, granted_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// execRetry runs a write statement, retrying briefly on SQLite lock
// conflicts. WAL mode makes these rare but streaming revisions and the
// reconcile loop can still collide.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		result, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return result, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return result, err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, is_premium, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var isPremium int
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &isPremium, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.IsPremium = isPremium != 0
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, is_premium, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		is_premium = excluded.is_premium,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.execRetry(ctx, query,
		user.UserID, user.Username, boolToInt(user.IsPremium),
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	if _, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID); err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	return nil
}

// SetActiveSession records which session the user currently has open.
func (s *SQLiteStore) SetActiveSession(ctx context.Context, userID, sessionID string) error {
	var value interface{}
	if sessionID != "" {
		value = sessionID
	}
	query := `UPDATE users SET active_session_id = ?, updated_at = ? WHERE user_id = ?`
	if _, err := s.db.ExecContext(ctx, query, value, time.Now().Unix(), userID); err != nil {
		return fmt.Errorf("set active session: %w", err)
	}
	return nil
}

// GetActiveSession returns the persisted active-session pointer.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID string) (string, error) {
	var sessionID sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT active_session_id FROM users WHERE user_id = ?`, userID)
	err := row.Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan active session: %w", err)
	}
	return sessionID.String, nil
}

// ListSessions retrieves all sessions for a user, messages included.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, title, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	byID := make(map[string]*domain.Session)
	for rows.Next() {
		var sess domain.Session
		var createdAt, updatedAt int64
		if err := rows.Scan(&sess.ID, &sess.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, &sess)
		byID[sess.ID] = &sess
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, role, content, status, created_at
		FROM messages WHERE user_id = ? ORDER BY session_id, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var msg domain.Message
		var role, status string
		var createdAt int64
		if err := msgRows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.MessageRole(role)
		msg.Status = domain.MessageStatus(status)
		msg.CreatedAt = time.Unix(createdAt, 0)
		if sess, ok := byID[msg.SessionID]; ok {
			sess.Messages = append(sess.Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return sessions, nil
}

// UpsertSession creates or updates a session row.
func (s *SQLiteStore) UpsertSession(ctx context.Context, userID string, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, user_id, title, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		title = excluded.title,
		updated_at = excluded.updated_at`

	_, err := s.execRetry(ctx, query,
		session.ID, userID, session.Title,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND user_id = ?`, sessionID, userID); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ? AND user_id = ?`, sessionID, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// DeleteAllSessions removes every session and message for a user.
func (s *SQLiteStore) DeleteAllSessions(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear sessions: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET active_session_id = NULL WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear active session: %w", err)
	}
	return tx.Commit()
}

// UpsertMessage creates or updates a message row.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, userID string, msg domain.Message) error {
	query := `
	INSERT INTO messages (message_id, session_id, user_id, role, content, status, seq, created_at)
	VALUES (?, ?, ?, ?, ?, ?,
		COALESCE((SELECT MAX(seq) FROM messages WHERE session_id = ?), 0) + 1,
		?)
	ON CONFLICT(message_id) DO UPDATE SET
		content = excluded.content,
		status = excluded.status`

	_, err := s.execRetry(ctx, query,
		msg.ID, msg.SessionID, userID, string(msg.Role), msg.Content, string(msg.Status),
		msg.SessionID, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// GetQuota retrieves persisted quota state.
func (s *SQLiteStore) GetQuota(ctx context.Context, userID string) (*domain.QuotaState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT quota_limit, used, reset_at, is_premium
		FROM quota_states WHERE user_id = ?`, userID)

	var quota domain.QuotaState
	var resetAt int64
	var isPremium int
	err := row.Scan(&quota.Limit, &quota.Used, &resetAt, &isPremium)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan quota row: %w", err)
	}

	quota.ResetAt = time.Unix(resetAt, 0)
	quota.IsPremium = isPremium != 0
	quota = quota.Recompute()
	return &quota, nil
}

// SaveQuota persists quota state for a user.
func (s *SQLiteStore) SaveQuota(ctx context.Context, userID string, quota domain.QuotaState) error {
	query := `
	INSERT INTO quota_states (user_id, quota_limit, used, reset_at, is_premium, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		quota_limit = excluded.quota_limit,
		used = excluded.used,
		reset_at = excluded.reset_at,
		is_premium = excluded.is_premium,
		updated_at = excluded.updated_at`

	_, err := s.execRetry(ctx, query,
		userID, quota.Limit, quota.Used, quota.ResetAt.Unix(),
		boolToInt(quota.IsPremium), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	return nil
}

// InsertRewardClaim appends a granted reward claim to the durable history.
func (s *SQLiteStore) InsertRewardClaim(ctx context.Context, userID string, claim domain.RewardClaim) error {
	query := `INSERT INTO reward_claims (user_id, reward_type, amount, granted_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, userID, string(claim.RewardType), claim.Amount, claim.GrantedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert reward claim: %w", err)
	}
	return nil
}

// ListRewardClaims returns the most recent claims for a user, newest first.
func (s *SQLiteStore) ListRewardClaims(ctx context.Context, userID string, limit int) ([]domain.RewardClaim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reward_type, amount, granted_at
		FROM reward_claims WHERE user_id = ?
		ORDER BY granted_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reward claims: %w", err)
	}
	defer rows.Close()

	var claims []domain.RewardClaim
	for rows.Next() {
		var claim domain.RewardClaim
		var rewardType string
		var grantedAt int64
		if err := rows.Scan(&rewardType, &claim.Amount, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan reward claim: %w", err)
		}
		claim.RewardType = domain.RewardType(rewardType)
		claim.GrantedAt = time.Unix(grantedAt, 0)
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reward claims: %w", err)
	}
	return claims, nil
}

// CleanupExpiredSessions removes chat state for users idle longer than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE user_id IN
			(SELECT user_id FROM users WHERE last_seen_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM sessions WHERE user_id IN
			(SELECT user_id FROM users WHERE last_seen_at < ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return removed, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
