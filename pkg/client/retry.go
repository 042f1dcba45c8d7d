package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	idmRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_client_retries_total",
		Help: "Total number of caller retry attempts by error kind",
	}, []string{"kind"})

	idmRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idm_client_retry_backoff_seconds",
		Help:    "Backoff duration for caller retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	idmRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_client_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// RetryConfig holds the configuration for caller-side retries. The scheduler
// itself never retries; this is opt-in per client.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	// 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration: a single attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// BackgroundRetryConfig suits background jobs that can afford to wait out
// short outages.
func BackgroundRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryJitter is the randomization factor applied to every backoff interval.
const retryJitter = 0.2

// newRetryBackOff builds the exponential schedule for config on clock.
func newRetryBackOff(config RetryConfig, clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     config.InitialBackoff,
		RandomizationFactor: retryJitter,
		Multiplier:          config.BackoffMultiplier,
		MaxInterval:         config.MaxBackoff,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return b
}

// retryWithBackoff executes fn with exponential backoff. Only transient and
// throttled failures are retried, and never sooner than the server's
// Retry-After.
func retryWithBackoff(ctx context.Context, clock clockwork.Clock, config RetryConfig, logger zerolog.Logger, fn func() (*transport.Response, error)) (*transport.Response, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	var lastResp *transport.Response
	schedule := newRetryBackOff(config, clock)

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		resp, err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		lastErr, lastResp = err, resp
		kind := scheduler.KindName(err)

		if !shouldRetry(err) {
			return resp, err
		}

		// If this was the last attempt, don't wait
		if attempt >= config.MaxAttempts {
			break
		}

		idmRetriesTotal.WithLabelValues(kind).Inc()

		wait := schedule.NextBackOff()
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		idmRetryBackoffSeconds.WithLabelValues(kind).Observe(wait.Seconds())

		logger.Debug().
			Str("kind", kind).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			logger.Warn().
				Str("kind", kind).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-clock.After(wait):
		}
	}

	if config.MaxAttempts == 1 {
		return lastResp, lastErr
	}

	kind := scheduler.KindName(lastErr)
	idmRetryExhaustedTotal.WithLabelValues(kind).Inc()
	logger.Warn().
		Str("kind", kind).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return lastResp, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
