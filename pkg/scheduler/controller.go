package scheduler

import (
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/ratelimit"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Status is the scheduler's single current state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusThrottled  Status = "throttled"
	StatusCooldown   Status = "cooldown"
	StatusPaused     Status = "paused"
)

// Controller is the state machine gating dispatch. It is driven by quota
// readings, throttling responses and operator commands, and is owned by the
// scheduler loop.
type Controller struct {
	policy   ratelimit.Policy
	cooldown CooldownConfig
	backoff  *backoff.ExponentialBackOff

	status         Status
	cooldownEndsAt time.Time

	// heldCooldown is a cooldown deadline carried through a pause.
	heldCooldown time.Time

	quota *ratelimit.QuotaInfo
}

// NewController creates a controller in the idle state.
func NewController(policy ratelimit.Policy, cooldown CooldownConfig, clock clockwork.Clock) *Controller {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cooldown.Initial,
		RandomizationFactor: cooldown.Jitter,
		Multiplier:          cooldown.Multiplier,
		MaxInterval:         cooldown.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()

	return &Controller{
		policy:   policy,
		cooldown: cooldown,
		backoff:  b,
		status:   StatusIdle,
	}
}

// Status returns the current status.
func (c *Controller) Status() Status {
	return c.status
}

// CooldownEndsAt returns the end of the current cooldown. ok is false unless
// the status is cooldown.
func (c *Controller) CooldownEndsAt() (time.Time, bool) {
	if c.status != StatusCooldown {
		return time.Time{}, false
	}
	return c.cooldownEndsAt, true
}

// blocked reports that the last quota reading is exhausted and its window
// has not reset yet.
func (c *Controller) blocked(now time.Time) bool {
	return c.quota != nil && c.policy.NeedsCriticalBlock(*c.quota, now)
}

// CanDispatch reports whether the loop may send the next request.
func (c *Controller) CanDispatch(now time.Time) bool {
	switch c.status {
	case StatusPaused, StatusCooldown:
		return false
	}
	return !c.blocked(now)
}

// NextDeadline returns the next instant at which the controller may change
// state or lift a block on its own.
func (c *Controller) NextDeadline(now time.Time) (time.Time, bool) {
	switch c.status {
	case StatusCooldown:
		return c.cooldownEndsAt, true
	case StatusPaused:
		return time.Time{}, false
	}
	if c.quota != nil && c.quota.ResetAt.After(now) && (c.status == StatusThrottled || c.blocked(now)) {
		return c.quota.ResetAt, true
	}
	return time.Time{}, false
}

// OnDispatch records that a request was sent.
func (c *Controller) OnDispatch() {
	if c.status == StatusIdle {
		c.status = StatusProcessing
	}
}

// OnQuota records fresh quota headers. busy reports whether work remains
// queued or in flight.
func (c *Controller) OnQuota(q ratelimit.QuotaInfo, busy bool) {
	c.quota = &q

	switch c.status {
	case StatusPaused, StatusCooldown:
		return
	}

	if c.policy.NeedsThrottling(q) {
		c.status = StatusThrottled
		return
	}
	if c.status == StatusThrottled {
		if busy {
			c.status = StatusProcessing
		} else {
			c.status = StatusIdle
		}
	}
}

// OnThrottled enters cooldown after a rate-limit-exceeded response and
// returns the cooldown deadline. Without Retry-After the duration grows
// exponentially across consecutive throttling responses.
func (c *Controller) OnThrottled(retryAfter time.Duration, hasRetryAfter bool, now time.Time) time.Time {
	d := retryAfter
	if !hasRetryAfter {
		d = c.backoff.NextBackOff()
		if d == backoff.Stop {
			d = c.cooldown.Max
		}
	}
	if d < c.cooldown.Min {
		d = c.cooldown.Min
	}
	endsAt := now.Add(d)

	if c.status == StatusPaused {
		if endsAt.After(c.heldCooldown) {
			c.heldCooldown = endsAt
		}
		return endsAt
	}

	if c.status == StatusCooldown && c.cooldownEndsAt.After(endsAt) {
		return c.cooldownEndsAt
	}
	c.status = StatusCooldown
	c.cooldownEndsAt = endsAt
	return endsAt
}

// OnRecovered resets the exponential cooldown after a non-throttled response.
func (c *Controller) OnRecovered() {
	c.backoff.Reset()
}

// Tick applies time-driven transitions.
func (c *Controller) Tick(now time.Time, busy bool) {
	switch c.status {
	case StatusCooldown:
		if !now.Before(c.cooldownEndsAt) {
			c.status = StatusIdle
			c.cooldownEndsAt = time.Time{}
		}
	case StatusProcessing:
		if !busy {
			c.status = StatusIdle
		}
	case StatusThrottled:
		if !busy && c.quota != nil && !now.Before(c.quota.ResetAt) {
			c.status = StatusIdle
		}
	}
}

// Pause stops dispatch. A running cooldown is carried through the pause.
func (c *Controller) Pause() {
	if c.status == StatusPaused {
		return
	}
	if c.status == StatusCooldown {
		c.heldCooldown = c.cooldownEndsAt
		c.cooldownEndsAt = time.Time{}
	}
	c.status = StatusPaused
}

// Resume leaves the paused state. If a cooldown deadline is still ahead the
// controller returns to cooldown, otherwise to idle.
func (c *Controller) Resume(now time.Time) {
	if c.status != StatusPaused {
		return
	}
	if c.heldCooldown.After(now) {
		c.status = StatusCooldown
		c.cooldownEndsAt = c.heldCooldown
	} else {
		c.status = StatusIdle
	}
	c.heldCooldown = time.Time{}
}
