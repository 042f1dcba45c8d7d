package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// epochThreshold separates absolute Unix timestamps from relative seconds in
// reset headers.
const epochThreshold = 1_000_000_000

// MaxRetryAfter caps the delay taken from a Retry-After header.
const MaxRetryAfter = 24 * time.Hour

// headerNames lists the accepted spellings for each quota header, in order of
// preference.
var headerNames = struct {
	limit, remaining, reset []string
}{
	limit:     []string{"X-Rate-Limit-Limit", "X-RateLimit-Limit"},
	remaining: []string{"X-Rate-Limit-Remaining", "X-RateLimit-Remaining"},
	reset:     []string{"X-Rate-Limit-Reset", "X-RateLimit-Reset"},
}

func firstHeader(h http.Header, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// ParseQuotaHeaders extracts quota information from response headers.
// ok is false when the response carried no quota headers at all, which is
// normal for some endpoints.
func ParseQuotaHeaders(h http.Header, now time.Time) (q QuotaInfo, ok bool, err error) {
	remainStr := firstHeader(h, headerNames.remaining)
	if remainStr == "" {
		return QuotaInfo{}, false, nil
	}

	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return QuotaInfo{}, false, fmt.Errorf("parse X-Rate-Limit-Remaining header: %w", err)
	}
	if remaining < 0 {
		return QuotaInfo{}, false, fmt.Errorf("X-Rate-Limit-Remaining header is negative: %d", remaining)
	}

	limit := 0
	if limitStr := firstHeader(h, headerNames.limit); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return QuotaInfo{}, false, fmt.Errorf("parse X-Rate-Limit-Limit header: %w", err)
		}
		if limit < 0 {
			return QuotaInfo{}, false, fmt.Errorf("X-Rate-Limit-Limit header is negative: %d", limit)
		}
	}

	resetStr := firstHeader(h, headerNames.reset)
	if resetStr == "" {
		return QuotaInfo{}, false, fmt.Errorf("X-Rate-Limit-Reset header missing")
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return QuotaInfo{}, false, fmt.Errorf("parse X-Rate-Limit-Reset header: %w", err)
	}

	var resetAt time.Time
	if reset >= epochThreshold {
		resetAt = time.Unix(reset, 0)
	} else {
		resetAt = now.Add(time.Duration(reset) * time.Second)
	}

	return QuotaInfo{Limit: limit, Remaining: remaining, ResetAt: resetAt}, true, nil
}

// ParseRetryAfter reads the Retry-After header as delta-seconds or an
// HTTP-date, capped at MaxRetryAfter. ok is false when the header is absent
// or unparseable.
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(v, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		if seconds > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter, true
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return min(max(at.Sub(now), 0), MaxRetryAfter), true
	}
	return 0, false
}
