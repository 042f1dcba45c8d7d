package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
)

// FakeTransport is a scripted in-memory transport.Transport.
//
// Handler is called with the zero-based call number. When Gate is non-nil,
// every call blocks until a value is received from Gate, which lets tests
// hold a request in flight.
type FakeTransport struct {
	Handler func(call int, req transport.Request) (*transport.Response, error)
	Gate    chan struct{}

	mu          sync.Mutex
	calls       []transport.Request
	inFlight    int
	maxInFlight int
	started     chan struct{}
}

// NewFakeTransport creates a fake transport that answers every call with handler.
func NewFakeTransport(handler func(call int, req transport.Request) (*transport.Response, error)) *FakeTransport {
	return &FakeTransport{Handler: handler, started: make(chan struct{}, 1024)}
}

// Do records the call and returns the scripted response.
func (f *FakeTransport) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	select {
	case f.started <- struct{}{}:
	default:
	}

	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, &transport.NetworkError{Endpoint: req.Endpoint, Err: ctx.Err()}
		}
	}

	if f.Handler == nil {
		return OK(`{}`), nil
	}
	return f.Handler(n, req)
}

// Started receives one value per call, after the call is recorded.
func (f *FakeTransport) Started() <-chan struct{} {
	return f.started
}

// Calls returns the recorded requests in dispatch order.
func (f *FakeTransport) Calls() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.calls...)
}

// Endpoints returns the recorded endpoints in dispatch order.
func (f *FakeTransport) Endpoints() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Endpoint
	}
	return out
}

// CallCount returns the number of calls made so far.
func (f *FakeTransport) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (f *FakeTransport) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// OK builds a 200 response with the given JSON body and no quota headers.
func OK(data string) *transport.Response {
	return &transport.Response{
		Success: true,
		Status:  http.StatusOK,
		Headers: http.Header{},
		Data:    json.RawMessage(data),
	}
}

// WithQuota adds X-Rate-Limit-* headers, reset given in seconds from now.
func WithQuota(resp *transport.Response, limit, remaining, resetIn int) *transport.Response {
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	resp.Headers.Set("X-Rate-Limit-Limit", strconv.Itoa(limit))
	resp.Headers.Set("X-Rate-Limit-Remaining", strconv.Itoa(remaining))
	resp.Headers.Set("X-Rate-Limit-Reset", strconv.Itoa(resetIn))
	return resp
}

// Status builds an unsuccessful response with the given status code.
func Status(status int, message string) *transport.Response {
	return &transport.Response{
		Success: false,
		Status:  status,
		Headers: http.Header{},
		Error:   message,
	}
}

// TooManyRequests builds a 429 response; retryAfter < 0 omits Retry-After.
func TooManyRequests(retryAfter int) *transport.Response {
	resp := Status(http.StatusTooManyRequests, "API call exceeded rate limit due to too many requests.")
	resp.ErrorCode = "E0000047"
	if retryAfter >= 0 {
		resp.Headers.Set("Retry-After", strconv.Itoa(retryAfter))
	}
	return resp
}
