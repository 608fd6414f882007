package domain

import (
	"time"
)

// RewardType identifies the user action that earned a quota grant.
type RewardType string

const (
	// RewardAdView is granted after the user watches a rewarded ad.
	RewardAdView RewardType = "ad_view"
	// RewardDailyStreak is granted for keeping a daily reading streak.
	RewardDailyStreak RewardType = "daily_streak"
	// RewardShare is granted for sharing a verse or plan.
	RewardShare RewardType = "share"
)

// RewardClaim records one successful quota unlock.
type RewardClaim struct {
	RewardType RewardType `json:"reward_type"`
	Amount     int        `json:"amount"`
	GrantedAt  time.Time  `json:"granted_at"`
}
