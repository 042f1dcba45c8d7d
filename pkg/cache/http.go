package cache

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
)

const (
	// DefaultTTL is used when the caller does not configure one
	DefaultTTL = 5 * time.Minute
)

// ErrNotCacheable indicates the response must not be stored.
var ErrNotCacheable = errors.New("response not cacheable")

// ResponseToEntry converts a successful response to a CacheEntry that
// expires after ttl, or earlier if the response's Expires header says so.
func ResponseToEntry(resp *transport.Response, ttl time.Duration) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: status %d", ErrNotCacheable, resp.Status)
	}
	if noStore(resp.Headers) {
		return nil, fmt.Errorf("%w: no-store", ErrNotCacheable)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	return &CacheEntry{
		Data:     resp.Data,
		Status:   resp.Status,
		Headers:  resp.Headers.Clone(),
		Expires:  parseExpires(resp.Headers, now, ttl),
		CachedAt: now,
	}, nil
}

// parseExpires returns now+ttl, capped by a valid Expires header.
func parseExpires(headers http.Header, now time.Time, ttl time.Duration) time.Time {
	expires := now.Add(ttl)

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return expires
	}
	parsed, err := http.ParseTime(expiresStr)
	if err != nil {
		return expires
	}
	if parsed.Before(now) {
		return now
	}
	if parsed.Before(expires) {
		return parsed
	}
	return expires
}

func noStore(headers http.Header) bool {
	for _, v := range headers.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
				return true
			}
		}
	}
	return false
}
