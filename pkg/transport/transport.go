// Package transport defines the collaborator that performs one authenticated
// call against the identity-management API. The scheduler treats it as a black
// box: it hands over endpoint, method and body and gets back a structured
// response carrying everything needed for quota parsing.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Request is a single call to the remote API.
type Request struct {
	// Endpoint is a path relative to the transport's base URL, or an absolute
	// URL (pagination links are absolute).
	Endpoint string `json:"endpoint"`

	// Method is the HTTP method. Empty means GET.
	Method string `json:"method"`

	// Body is an optional JSON payload.
	Body json.RawMessage `json:"body,omitempty"`
}

// Response is the structured result of a call that reached the remote API.
type Response struct {
	// Success is true for 2xx responses.
	Success bool `json:"success"`

	// Status is the HTTP status code.
	Status int `json:"status"`

	// Headers holds all response headers, including the quota headers
	// (X-Rate-Limit-*) and Retry-After.
	Headers http.Header `json:"headers,omitempty"`

	// Data is the raw response body (JSON when the API returned JSON).
	Data json.RawMessage `json:"data,omitempty"`

	// ErrorCode is the API-specific error code from an error body, if any.
	ErrorCode string `json:"errorCode,omitempty"`

	// Error is a human-readable error summary for unsuccessful responses.
	Error string `json:"error,omitempty"`
}

// Class returns the failure class of the response.
func (r *Response) Class() Class {
	if r == nil {
		return ClassNetwork
	}
	if r.Success {
		return ClassNone
	}
	return Classify(r.Status)
}

// Transport performs one call. A non-nil error means no HTTP response was
// obtained (DNS, connection reset, timeout); every HTTP status, including
// 4xx and 5xx, is reported through the Response.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Func adapts an ordinary function to the Transport interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Do calls f(ctx, req).
func (f Func) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// NetworkError reports a call that never produced an HTTP response.
type NetworkError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.Endpoint, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}
