package cache

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
)

// CacheEntry represents a cached identity API response.
type CacheEntry struct {
	// Data is the JSON response body
	Data json.RawMessage `json:"data"`

	// Status is the HTTP status code of the cached response
	Status int `json:"status"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Response converts the entry back into a transport response.
func (e *CacheEntry) Response() *transport.Response {
	return &transport.Response{
		Success: true,
		Status:  e.Status,
		Headers: e.Headers.Clone(),
		Data:    e.Data,
	}
}
