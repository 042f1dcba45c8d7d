package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	idmQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idm_rate_limit_remaining",
		Help: "Requests remaining in the current identity API rate limit window",
	})

	idmQuotaLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idm_rate_limit_limit",
		Help: "Requests allowed per identity API rate limit window",
	})

	idmQuotaThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idm_rate_limit_throttles_total",
		Help: "Total number of responses that reported quota below the warning threshold",
	})
)

// Store persists quota state so a restarted process resumes with the last
// known window instead of assuming a fresh one.
type Store interface {
	Load(ctx context.Context) (*QuotaInfo, error)
	Save(ctx context.Context, q QuotaInfo) error
}

// Tracker keeps the most recent quota observed in response headers.
// It is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	quota  *QuotaInfo
	policy Policy
	store  Store
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewTracker creates a new quota tracker. store may be nil.
func NewTracker(policy Policy, store Store, clock clockwork.Clock, logger zerolog.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		policy: policy,
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Policy returns the tracker's thresholds.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Current returns the last observed quota. ok is false until the first
// response with quota headers has been seen.
func (t *Tracker) Current() (q QuotaInfo, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.quota == nil {
		return QuotaInfo{}, false
	}
	return *t.quota, true
}

// Restore loads persisted quota from the store. Quota whose window already
// reset is ignored.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	q, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load quota state: %w", err)
	}
	if q == nil || !t.clock.Now().Before(q.ResetAt) {
		t.logger.Debug().Msg("No live quota state in store")
		return nil
	}

	t.set(*q)
	t.logger.Info().
		Int("remaining", q.Remaining).
		Int("limit", q.Limit).
		Time("reset_at", q.ResetAt).
		Msg("Restored quota state")
	return nil
}

// UpdateFromHeaders parses quota headers and records them. updated is false
// when the response carried no quota headers.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) (updated bool, err error) {
	now := t.clock.Now()
	q, ok, err := ParseQuotaHeaders(headers, now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	t.set(q)

	logEvent := t.logger.Debug()
	msg := "Quota state updated"
	switch {
	case t.policy.NeedsCriticalBlock(q, now):
		idmQuotaThrottlesTotal.Inc()
		logEvent = t.logger.Error()
		msg = "Quota exhausted - dispatch held until window reset"
	case t.policy.NeedsThrottling(q):
		idmQuotaThrottlesTotal.Inc()
		logEvent = t.logger.Warn()
		msg = "Quota below warning threshold - pacing slowed"
	}
	logEvent.
		Int("remaining", q.Remaining).
		Int("limit", q.Limit).
		Time("reset_at", q.ResetAt).
		Msg(msg)

	if t.store != nil {
		if err := t.store.Save(ctx, q); err != nil {
			// Persistence is best effort; the in-memory view is authoritative.
			t.logger.Warn().Err(err).Msg("Failed to persist quota state")
		}
	}

	return true, nil
}

func (t *Tracker) set(q QuotaInfo) {
	t.mu.Lock()
	t.quota = &q
	t.mu.Unlock()

	idmQuotaRemaining.Set(float64(q.Remaining))
	idmQuotaLimit.Set(float64(q.Limit))
}

// PacingDelay returns how long to wait before the next dispatch given the
// current quota. Healthy quota yields minDelay; below the warning threshold
// the remaining requests are spread across the rest of the window, never
// less than throttleDelay.
func (t *Tracker) PacingDelay(now time.Time, minDelay, throttleDelay time.Duration) time.Duration {
	q, ok := t.Current()
	if !ok || !t.policy.NeedsThrottling(q) {
		return minDelay
	}

	untilReset := q.TimeUntilReset(now)
	if untilReset == 0 {
		return minDelay
	}

	remaining := max(q.Remaining, 0)
	spread := untilReset / time.Duration(remaining+1)
	delay := throttleDelay
	if spread > delay {
		delay = spread
	}
	if delay > untilReset {
		delay = untilReset
	}
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}
