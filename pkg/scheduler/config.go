package scheduler

import (
	"fmt"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/ratelimit"
)

// CooldownConfig controls how long dispatch stops after a throttling response.
type CooldownConfig struct {
	// Initial is the first cooldown when the response carries no Retry-After.
	Initial time.Duration

	// Max caps the exponential growth.
	Max time.Duration

	// Min is the shortest cooldown, applied even to "Retry-After: 0".
	Min time.Duration

	// Multiplier for consecutive throttling responses.
	Multiplier float64

	// Jitter is the randomization factor (0.2 = ±20%).
	Jitter float64
}

// Config holds the scheduler configuration.
type Config struct {
	// Policy holds the quota thresholds for throttled pacing and hard blocks.
	Policy ratelimit.Policy

	// MinDelay is the pause between dispatches while quota is healthy.
	MinDelay time.Duration

	// ThrottleDelay is the minimum pause between dispatches while throttled.
	ThrottleDelay time.Duration

	// MaxRequestsPerSecond adds a steady-rate ceiling. 0 disables it.
	MaxRequestsPerSecond float64

	// Cooldown controls the backoff after throttling responses.
	Cooldown CooldownConfig

	// RateLimitErrorCodes are API error codes treated like HTTP 429.
	RateLimitErrorCodes []string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Policy:        ratelimit.DefaultPolicy(),
		MinDelay:      100 * time.Millisecond,
		ThrottleDelay: 1 * time.Second,
		Cooldown: CooldownConfig{
			Initial:    5 * time.Second,
			Max:        5 * time.Minute,
			Min:        1 * time.Second,
			Multiplier: 2.0,
			Jitter:     0.2,
		},
		RateLimitErrorCodes: []string{"E0000047"},
	}
}

func (c Config) validate() error {
	if c.Policy.WarningFraction < 0 || c.Policy.WarningFraction > 1 {
		return fmt.Errorf("warning fraction must be within [0,1] (got %v)", c.Policy.WarningFraction)
	}
	if c.MinDelay < 0 || c.ThrottleDelay < 0 {
		return fmt.Errorf("pacing delays must not be negative")
	}
	if c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max requests per second must not be negative (got %v)", c.MaxRequestsPerSecond)
	}
	if c.Cooldown.Initial <= 0 || c.Cooldown.Max < c.Cooldown.Initial {
		return fmt.Errorf("cooldown must satisfy 0 < initial <= max (got %v, %v)", c.Cooldown.Initial, c.Cooldown.Max)
	}
	if c.Cooldown.Min <= 0 {
		return fmt.Errorf("minimum cooldown must be positive (got %v)", c.Cooldown.Min)
	}
	if c.Cooldown.Multiplier < 1 {
		return fmt.Errorf("cooldown multiplier must be >= 1 (got %v)", c.Cooldown.Multiplier)
	}
	if c.Cooldown.Jitter < 0 || c.Cooldown.Jitter >= 1 {
		return fmt.Errorf("cooldown jitter must be within [0,1) (got %v)", c.Cooldown.Jitter)
	}
	return nil
}
