// Package ratelimit implements quota tracking for the identity-management API.
// It parses the X-Rate-Limit-Limit, X-Rate-Limit-Remaining and
// X-Rate-Limit-Reset headers of every response and decides when the
// scheduler should slow down or hold dispatch until the window resets.
package ratelimit

import (
	"time"
)

// Redis keys for quota state storage.
const (
	RedisKeyLimit          = "idm:rate_limit:limit"
	RedisKeyRemaining      = "idm:rate_limit:remaining"
	RedisKeyResetTimestamp = "idm:rate_limit:reset_timestamp"
)

// Default thresholds for rate limit decisions.
const (
	// DefaultWarningFraction enters throttled pacing when remaining/limit
	// drops below this value.
	DefaultWarningFraction = 0.2

	// DefaultCriticalRemaining holds dispatch until the window resets when
	// remaining falls to or below this value.
	DefaultCriticalRemaining = 0
)

// QuotaInfo is the last observed quota of the remote API.
type QuotaInfo struct {
	// Limit is the number of requests allowed per window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets.
	ResetAt time.Time `json:"resetAt"`
}

// Fraction returns remaining/limit, or 1 when the limit is unknown.
func (q QuotaInfo) Fraction() float64 {
	if q.Limit <= 0 {
		return 1
	}
	return float64(q.Remaining) / float64(q.Limit)
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (q QuotaInfo) TimeUntilReset(now time.Time) time.Duration {
	d := q.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Policy holds the thresholds used to interpret a QuotaInfo.
type Policy struct {
	// WarningFraction is the remaining/limit ratio below which pacing slows down.
	WarningFraction float64

	// CriticalRemaining is the remaining count at or below which dispatch is
	// held until ResetAt.
	CriticalRemaining int
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		WarningFraction:   DefaultWarningFraction,
		CriticalRemaining: DefaultCriticalRemaining,
	}
}

// NeedsThrottling returns true if remaining quota is below the warning threshold.
func (p Policy) NeedsThrottling(q QuotaInfo) bool {
	return q.Fraction() < p.WarningFraction
}

// NeedsCriticalBlock returns true if dispatch must wait for the window reset.
func (p Policy) NeedsCriticalBlock(q QuotaInfo, now time.Time) bool {
	return q.Remaining <= p.CriticalRemaining && now.Before(q.ResetAt)
}
