// Package testutil provides testing utilities for the request scheduler.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock identity API endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockIdM is a configurable mock identity-management API server.
type MockIdM struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount      int
	requestLog        []string
	lastRequestHeader http.Header
}

// NewMockIdM creates a new mock server.
func NewMockIdM() *MockIdM {
	mock := &MockIdM{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.requestLog = append(mock.requestLog, r.Method+" "+r.URL.RequestURI())
		mock.lastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockIdM) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockIdM) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockIdM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.requestLog = nil
	m.lastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockIdM) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockIdM) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPagedCollection serves a collection in pages of the given sizes. Each
// page links to the next one with a Link rel="next" header.
func (m *MockIdM) SetPagedCollection(path string, pageSizes ...int) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 0
		if after := r.URL.Query().Get("after"); after != "" {
			page, _ = strconv.Atoi(after)
		}
		if page >= len(pageSizes) {
			http.Error(w, `{"errorCode":"E0000001","errorSummary":"bad cursor"}`, http.StatusBadRequest)
			return
		}

		offset := 0
		for _, size := range pageSizes[:page] {
			offset += size
		}

		SetQuotaHeaders(w.Header(), 600, 599, 60)
		if page+1 < len(pageSizes) {
			w.Header().Set("Link", fmt.Sprintf(`<%s%s?after=%d>; rel="next"`, m.server.URL, path, page+1))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(JSONItems(offset, pageSizes[page]))
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockIdM) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// RequestLog returns "METHOD /path?query" for every request in arrival order.
func (m *MockIdM) RequestLog() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.requestLog...)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockIdM) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// defaultHandler provides a healthy JSON response with quota headers.
func (m *MockIdM) defaultHandler(w http.ResponseWriter, r *http.Request) {
	SetQuotaHeaders(w.Header(), 600, 599, 60)
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// SetQuotaHeaders writes X-Rate-Limit-* headers with reset expressed as a
// Unix timestamp resetIn seconds from now.
func SetQuotaHeaders(h http.Header, limit, remaining, resetIn int) {
	h.Set("X-Rate-Limit-Limit", strconv.Itoa(limit))
	h.Set("X-Rate-Limit-Remaining", strconv.Itoa(remaining))
	h.Set("X-Rate-Limit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(resetIn)*time.Second).Unix(), 10))
}

// JSONItems renders n objects {"id":"item-<i>"} starting at offset.
func JSONItems(offset, n int) []byte {
	buf := []byte{'['}
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, fmt.Sprintf(`{"id":"item-%d"}`, offset+i)...)
	}
	return append(buf, ']')
}

// NewHealthyResponse creates a standard 200 OK response with quota headers.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"X-Rate-Limit-Limit":     "600",
			"X-Rate-Limit-Remaining": "599",
			"X-Rate-Limit-Reset":     "60",
			"Content-Type":           "application/json",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errorCode":"E0000047","errorSummary":"API call exceeded rate limit due to too many requests."}`,
		Headers: map[string]string{
			"X-Rate-Limit-Limit":     "600",
			"X-Rate-Limit-Remaining": "0",
			"X-Rate-Limit-Reset":     strconv.Itoa(retryAfter),
			"Retry-After":            strconv.Itoa(retryAfter),
			"Content-Type":           "application/json",
		},
	}
}

// NewForbiddenResponse creates a 403 Forbidden response.
func NewForbiddenResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"errorCode":"E0000006","errorSummary":"You do not have permission to perform the requested action"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errorCode":"E0000009","errorSummary":"Internal Server Error"}`,
		Headers: map[string]string{
			"X-Rate-Limit-Limit":     "600",
			"X-Rate-Limit-Remaining": "590",
			"X-Rate-Limit-Reset":     "60",
			"Content-Type":           "application/json",
		},
	}
}
