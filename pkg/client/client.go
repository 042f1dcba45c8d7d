// Package client is the caller-facing facade over the request scheduler. A
// Client tags requests with its origin and default priority, optionally
// caches successful reads in Redis, and optionally retries transient
// failures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/cache"
	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for client operations.
var (
	idmClientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_client_requests_total",
		Help: "Total caller requests by origin, method and outcome",
	}, []string{"origin", "method", "outcome"})

	idmClientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idm_client_request_duration_seconds",
		Help:    "Caller-observed request duration including queueing, by origin",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"origin"})
)

// Scheduler is the part of the scheduler the client needs.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*transport.Response, error)
}

// Cache stores successful GET results.
type Cache interface {
	Get(ctx context.Context, key cache.CacheKey) (*cache.CacheEntry, error)
	Set(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry) error
	InvalidatePath(ctx context.Context, path string) (int, error)
}

// Config holds the client configuration.
type Config struct {
	// Origin tags every request (e.g. "users-view", "group-export")
	Origin string

	// Priority for requests that do not set one
	Priority scheduler.Priority

	// Cache for GET results; nil disables caching
	Cache Cache

	// CacheTTL is the lifetime of cached results
	CacheTTL time.Duration

	// Retry is the caller-side retry policy
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(origin string) Config {
	return Config{
		Origin:   origin,
		Priority: scheduler.PriorityNormal,
		CacheTTL: cache.DefaultTTL,
		Retry:    DefaultRetryConfig(),
	}
}

// Client issues identity API requests through the scheduler.
type Client struct {
	sched  Scheduler
	config Config
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New creates a new client.
func New(sched Scheduler, cfg Config, logger zerolog.Logger) (*Client, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if cfg.Priority == "" {
		cfg.Priority = scheduler.PriorityNormal
	}
	if _, err := scheduler.ParsePriority(string(cfg.Priority)); err != nil {
		return nil, fmt.Errorf("invalid priority: %w", err)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	return &Client{
		sched:  sched,
		config: cfg,
		clock:  clockwork.NewRealClock(),
		logger: logger.With().Str("origin", cfg.Origin).Logger(),
	}, nil
}

// WithPriority returns a copy of the client that submits at priority p.
func (c *Client) WithPriority(p scheduler.Priority) *Client {
	cp := *c
	cp.config.Priority = p
	return &cp
}

// Do submits req through the scheduler and waits for its outcome. The
// returned response is non-nil for every HTTP-level failure so callers can
// inspect the body.
func (c *Client) Do(ctx context.Context, req scheduler.Request) (*transport.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Priority == "" {
		req.Priority = c.config.Priority
	}
	if req.Origin == "" {
		req.Origin = c.config.Origin
	}

	start := c.clock.Now()
	defer func() {
		idmClientRequestDuration.WithLabelValues(req.Origin).Observe(c.clock.Since(start).Seconds())
	}()

	cacheable := c.config.Cache != nil && req.Method == http.MethodGet
	var key cache.CacheKey
	if cacheable {
		var err error
		key, err = cache.KeyFor(req.Endpoint)
		if err != nil {
			cacheable = false
		} else if entry, err := c.config.Cache.Get(ctx, key); err == nil {
			idmClientRequestsTotal.WithLabelValues(req.Origin, req.Method, "cache_hit").Inc()
			c.logger.Debug().Str("endpoint", req.Endpoint).Msg("Served from cache")
			return entry.Response(), nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("endpoint", req.Endpoint).Msg("Cache get error")
		}
	}

	resp, err := retryWithBackoff(ctx, c.clock, c.config.Retry, c.logger, func() (*transport.Response, error) {
		return c.sched.Schedule(ctx, req)
	})
	if err != nil {
		idmClientRequestsTotal.WithLabelValues(req.Origin, req.Method, scheduler.KindName(err)).Inc()
		return resp, err
	}
	idmClientRequestsTotal.WithLabelValues(req.Origin, req.Method, "success").Inc()

	switch {
	case cacheable:
		c.store(ctx, key, resp)
	case req.Method != http.MethodGet && c.config.Cache != nil:
		c.invalidate(ctx, req.Endpoint)
	}

	return resp, nil
}

func (c *Client) store(ctx context.Context, key cache.CacheKey, resp *transport.Response) {
	entry, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
	if err != nil {
		if !errors.Is(err, cache.ErrNotCacheable) {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		}
		return
	}
	if err := c.config.Cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().
		Str("key", key.String()).
		Dur("ttl", entry.TTL()).
		Msg("Cached response")
}

func (c *Client) invalidate(ctx context.Context, endpoint string) {
	key, err := cache.KeyFor(endpoint)
	if err != nil {
		return
	}
	n, err := c.config.Cache.InvalidatePath(ctx, key.Endpoint)
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache invalidation failed")
		return
	}
	if n > 0 {
		c.logger.Debug().Str("endpoint", endpoint).Int("entries", n).Msg("Invalidated cached responses")
	}
}

// Schedule is Do under the scheduler's name.
func (c *Client) Schedule(ctx context.Context, req scheduler.Request) (*transport.Response, error) {
	return c.Do(ctx, req)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, endpoint string) (*transport.Response, error) {
	return c.Do(ctx, scheduler.Request{Endpoint: endpoint, Method: http.MethodGet})
}

// GetJSON performs a GET request and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, endpoint string, v any) error {
	resp, err := c.Get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// Post performs a POST request with body encoded as JSON. body may be nil.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*transport.Response, error) {
	return c.mutate(ctx, http.MethodPost, endpoint, body)
}

// Put performs a PUT request with body encoded as JSON. body may be nil.
func (c *Client) Put(ctx context.Context, endpoint string, body any) (*transport.Response, error) {
	return c.mutate(ctx, http.MethodPut, endpoint, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) (*transport.Response, error) {
	return c.mutate(ctx, http.MethodDelete, endpoint, nil)
}

func (c *Client) mutate(ctx context.Context, method, endpoint string, body any) (*transport.Response, error) {
	raw, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", endpoint, err)
	}
	return c.Do(ctx, scheduler.Request{Endpoint: endpoint, Method: method, Body: raw})
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	default:
		return json.Marshal(body)
	}
}

// SetClock sets the clock used for retry backoff (for testing).
func (c *Client) SetClock(clock clockwork.Clock) {
	c.clock = clock
}
