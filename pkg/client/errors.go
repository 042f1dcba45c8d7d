package client

import (
	"errors"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// shouldRetry determines if an error should be retried based on its kind.
func shouldRetry(err error) bool {
	switch scheduler.KindOf(err) {
	case scheduler.ErrTransientServerError:
		// 5xx and network errors may clear up
		return true
	case scheduler.ErrThrottled:
		// the scheduler is already cooling down; a later attempt queues behind it
		return true
	default:
		// cancelled, authorization lost, client errors and invalid state are final
		return false
	}
}

// retryAfter returns the server-requested wait carried by err, if any.
func retryAfter(err error) time.Duration {
	var re *scheduler.RequestError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
