// Package metrics is the single place the process exposes Prometheus metrics
// from. All metrics are defined in their respective packages (scheduler,
// ratelimit, transport, cache, client, bulk) to maintain modularity and avoid
// circular dependencies.
//
// This package also provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the scheduler.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Present returns which of names are currently exposed. Vector metrics only
// appear once a label combination has been observed.
func Present(names ...string) (map[string]bool, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = false
	}
	for _, f := range families {
		if _, ok := out[f.GetName()]; ok {
			out[f.GetName()] = true
		}
	}
	return out, nil
}

// Metrics Documentation
//
// Scheduler Metrics (pkg/scheduler):
//   - idm_scheduler_queue_length (Gauge): Requests waiting for dispatch
//   - idm_scheduler_active_requests (Gauge): Requests in flight (0 or 1)
//   - idm_scheduler_status{status} (Gauge): 1 for the current status, 0 otherwise
//   - idm_scheduler_requests_total{kind} (Counter): Completed requests by outcome kind
//   - idm_scheduler_request_duration_seconds (Histogram): Transport call duration
//   - idm_scheduler_queue_wait_seconds{priority} (Histogram): Time from enqueue to dispatch
//   - idm_scheduler_cooldowns_total (Counter): Cooldowns entered
//   - idm_scheduler_cancelled_total (Counter): Requests removed before dispatch
//
// Rate Limit Metrics (pkg/ratelimit):
//   - idm_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - idm_rate_limit_limit (Gauge): Requests allowed per window
//   - idm_rate_limit_throttles_total (Counter): Responses below the warning threshold
//
// Transport Metrics (pkg/transport):
//   - idm_transport_requests_total{method, status} (Counter): Calls by method and HTTP status
//   - idm_transport_request_duration_seconds{method} (Histogram): Call duration by method
//
// Cache Metrics (pkg/cache):
//   - idm_cache_hits_total (Counter): Result cache hits
//   - idm_cache_misses_total (Counter): Result cache misses
//   - idm_cache_size_bytes (Counter): Bytes written to the cache
//   - idm_cache_invalidations_total (Counter): Entries removed after mutations
//   - idm_cache_errors_total{operation} (Counter): Cache operation errors
//
// Client Metrics (pkg/client):
//   - idm_client_requests_total{origin, method, outcome} (Counter): Caller requests
//   - idm_client_request_duration_seconds{origin} (Histogram): Caller-observed duration
//   - idm_client_retries_total{kind} (Counter): Retry attempts by error kind
//   - idm_client_retry_backoff_seconds{kind} (Histogram): Backoff duration by error kind
//   - idm_client_retry_exhausted_total{kind} (Counter): Requests that exhausted max retries
//
// Bulk Metrics (pkg/bulk):
//   - idm_bulk_items_total{result} (Counter): Bulk items by result
//   - idm_bulk_runs_total{outcome} (Counter): Bulk runs by outcome
//
// Server Metrics (internal/server):
//   - idm_server_ws_clients (Gauge): WebSocket clients receiving state pushes
//   - idm_server_state_pushes_total{result} (Counter): State pushes, delivered or dropped
//
// Example Prometheus Queries:
//
//   # Quota headroom
//   idm_rate_limit_remaining / idm_rate_limit_limit
//
//   # Time spent in cooldown
//   idm_scheduler_status{status="cooldown"}
//
//   # Throttled share of requests
//   rate(idm_scheduler_requests_total{kind="throttled"}[5m]) /
//   sum(rate(idm_scheduler_requests_total[5m]))
//
//   # P95 queue wait for interactive requests
//   histogram_quantile(0.95, rate(idm_scheduler_queue_wait_seconds_bucket{priority="high"}[5m]))
//
//   # Cache Hit Rate
//   sum(rate(idm_cache_hits_total[5m])) /
//   (sum(rate(idm_cache_hits_total[5m])) + sum(rate(idm_cache_misses_total[5m])))
