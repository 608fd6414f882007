package domain

import (
	"time"
)

// QuotaState holds a user's message allowance for the current window.
// Remaining is derived: max(0, Limit-Used). Premium users are never limited.
type QuotaState struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	IsPremium bool      `json:"is_premium"`
}

// Recompute refreshes the derived Remaining field, clamping at zero.
func (q QuotaState) Recompute() QuotaState {
	q.Remaining = q.Limit - q.Used
	if q.Remaining < 0 {
		q.Remaining = 0
	}
	return q
}

// Exhausted reports whether a non-premium user has no sends left.
func (q QuotaState) Exhausted() bool {
	return !q.IsPremium && q.Remaining <= 0
}
