package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
)

// Error kinds. Every rejected request wraps exactly one of these.
var (
	// ErrCancelled is returned when a request was removed from the queue
	// before dispatch.
	ErrCancelled = errors.New("cancelled")

	// ErrThrottled is returned for 429 or organization-specific rate limit
	// responses. The scheduler enters cooldown but does not retry.
	ErrThrottled = errors.New("throttled")

	// ErrAuthorizationLost is returned for 403 responses.
	ErrAuthorizationLost = errors.New("authorization lost")

	// ErrClientError is returned for other 4xx responses.
	ErrClientError = errors.New("client error")

	// ErrTransientServerError is returned for 5xx responses and network errors.
	ErrTransientServerError = errors.New("transient server error")

	// ErrInvalidState is returned when the scheduler cannot accept work,
	// e.g. it is not running.
	ErrInvalidState = errors.New("invalid state")
)

// RequestError describes why a single request was rejected.
type RequestError struct {
	Kind       error
	Status     int
	Endpoint   string
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Kind, e.Endpoint)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Is reports whether target is the error's kind.
func (e *RequestError) Is(target error) bool {
	return e.Kind == target
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind sentinel of err, or nil if err is not a
// scheduler error.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrCancelled,
		ErrThrottled,
		ErrAuthorizationLost,
		ErrClientError,
		ErrTransientServerError,
		ErrInvalidState,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a stable identifier for err's kind, suitable for logs,
// metrics labels and the wire protocol.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case ErrCancelled:
		return "cancelled"
	case ErrThrottled:
		return "throttled"
	case ErrAuthorizationLost:
		return "authorization_lost"
	case ErrClientError:
		return "client_error"
	case ErrTransientServerError:
		return "transient_server_error"
	case ErrInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

// classify turns a transport outcome into nil or a RequestError.
func classify(endpoint string, resp *transport.Response, err error, throttleCodes map[string]bool, retryAfter time.Duration) error {
	if err != nil {
		return &RequestError{Kind: ErrTransientServerError, Endpoint: endpoint, Err: err}
	}
	if resp == nil {
		return &RequestError{Kind: ErrTransientServerError, Endpoint: endpoint, Message: "transport returned no response"}
	}
	if isThrottle(resp, throttleCodes) {
		return &RequestError{
			Kind:       ErrThrottled,
			Status:     resp.Status,
			Endpoint:   endpoint,
			Message:    resp.Error,
			RetryAfter: retryAfter,
		}
	}
	if resp.Success {
		return nil
	}

	kind := ErrClientError
	switch resp.Class() {
	case transport.ClassAuthorization:
		kind = ErrAuthorizationLost
	case transport.ClassServer, transport.ClassNetwork:
		kind = ErrTransientServerError
	}
	return &RequestError{Kind: kind, Status: resp.Status, Endpoint: endpoint, Message: resp.Error}
}

// isThrottle reports a 429 or an organization-specific rate limit code.
func isThrottle(resp *transport.Response, throttleCodes map[string]bool) bool {
	if resp == nil {
		return false
	}
	if resp.Class() == transport.ClassRateLimit {
		return true
	}
	return resp.ErrorCode != "" && throttleCodes[resp.ErrorCode]
}
