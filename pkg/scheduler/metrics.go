package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var allStatuses = []Status{StatusIdle, StatusProcessing, StatusThrottled, StatusCooldown, StatusPaused}

var (
	schedulerQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idm_scheduler_queue_length",
		Help: "Requests waiting in the scheduler queue",
	})

	schedulerActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idm_scheduler_active_requests",
		Help: "Requests currently in flight (0 or 1)",
	})

	schedulerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "idm_scheduler_status",
		Help: "Current scheduler status (1 for the active status)",
	}, []string{"status"})

	schedulerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_scheduler_requests_total",
		Help: "Requests completed by the scheduler by result",
	}, []string{"kind"})

	schedulerRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "idm_scheduler_request_duration_seconds",
		Help:    "Time from dispatch to completion in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	schedulerQueueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idm_scheduler_queue_wait_seconds",
		Help:    "Time a request spent queued before dispatch by priority",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"priority"})

	schedulerCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idm_scheduler_cooldowns_total",
		Help: "Cooldowns entered after throttling responses",
	})

	schedulerCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idm_scheduler_cancelled_total",
		Help: "Requests removed from the queue before dispatch",
	})
)

func recordStatus(current Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		schedulerStatus.WithLabelValues(string(s)).Set(v)
	}
}
