package domain

import (
	"time"
)

// User represents a user of the devotional app. Identity is anonymous and
// device-scoped; the premium flag is maintained by the billing collaborator
// and consumed here as a black box.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	IsPremium  bool      `json:"is_premium"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
