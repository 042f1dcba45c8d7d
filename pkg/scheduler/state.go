package scheduler

import (
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/ratelimit"
)

// State is the externally visible snapshot of the scheduler.
type State struct {
	Status         Status               `json:"status"`
	QueueLength    int                  `json:"queueLength"`
	ActiveRequests int                  `json:"activeRequests"`
	RateLimitInfo  *ratelimit.QuotaInfo `json:"rateLimitInfo,omitempty"`
	CooldownEndsAt *time.Time           `json:"cooldownEndsAt,omitempty"`
	TotalProcessed uint64               `json:"totalProcessed"`
}

// Metrics is the cumulative request summary.
type Metrics struct {
	TotalProcessed uint64  `json:"totalProcessed"`
	FailedRequests uint64  `json:"failedRequests"`
	SuccessRate    float64 `json:"successRate"`
}

// StateChanged is published on the scheduler's bus whenever the snapshot
// changes.
type StateChanged struct {
	State State `json:"state"`
}

func newMetrics(total, failed uint64) Metrics {
	m := Metrics{TotalProcessed: total, FailedRequests: failed, SuccessRate: 1}
	if total > 0 {
		m.SuccessRate = float64(total-failed) / float64(total)
	}
	return m
}

// clone returns a deep copy so published snapshots stay immutable.
func (s State) clone() State {
	if s.RateLimitInfo != nil {
		q := *s.RateLimitInfo
		s.RateLimitInfo = &q
	}
	if s.CooldownEndsAt != nil {
		t := *s.CooldownEndsAt
		s.CooldownEndsAt = &t
	}
	return s
}

// Equal reports whether two snapshots carry the same values.
func (s State) Equal(o State) bool {
	if s.Status != o.Status ||
		s.QueueLength != o.QueueLength ||
		s.ActiveRequests != o.ActiveRequests ||
		s.TotalProcessed != o.TotalProcessed {
		return false
	}
	if (s.RateLimitInfo == nil) != (o.RateLimitInfo == nil) {
		return false
	}
	if s.RateLimitInfo != nil {
		a, b := s.RateLimitInfo, o.RateLimitInfo
		if a.Limit != b.Limit || a.Remaining != b.Remaining || !a.ResetAt.Equal(b.ResetAt) {
			return false
		}
	}
	if (s.CooldownEndsAt == nil) != (o.CooldownEndsAt == nil) {
		return false
	}
	return s.CooldownEndsAt == nil || s.CooldownEndsAt.Equal(*o.CooldownEndsAt)
}
