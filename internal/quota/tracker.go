// Package quota tracks per-user message allowances and admission decisions.
package quota

import (
	"github.com/selahlabs/selah/internal/domain"
)

// CheckAdmission reports whether a send is permitted under the given quota.
// Premium users are always admitted. This is a pure read, not a reservation:
// two rapid sends can both pass admission before either decrements.
func CheckAdmission(q domain.QuotaState) bool {
	return q.IsPremium || q.Remaining > 0
}

// Decrement returns the quota after charging one send attempt. Used grows by
// one and Remaining is recomputed, clamped at zero. The caller persists the
// result; the transition itself has no side effects.
func Decrement(q domain.QuotaState) domain.QuotaState {
	q.Used++
	return q.Recompute()
}

// ApplyReward returns the quota after a granted reward claim. The amount is
// added to Limit, not subtracted from Used, so the effective remaining grows
// without erasing usage history.
func ApplyReward(q domain.QuotaState, amount int) domain.QuotaState {
	if amount < 0 {
		amount = 0
	}
	q.Limit += amount
	return q.Recompute()
}

// Clamp reconciles the local optimistic view against an authoritative value.
// The authoritative limit and reset time win, locally charged attempts the
// server has not seen yet are kept, and Remaining never goes negative.
func Clamp(local, authoritative domain.QuotaState) domain.QuotaState {
	merged := authoritative
	merged.IsPremium = local.IsPremium || authoritative.IsPremium
	if local.Used > merged.Used {
		merged.Used = local.Used
	}
	return merged.Recompute()
}
