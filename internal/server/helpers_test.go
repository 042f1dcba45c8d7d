package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/internal/testutil"
	"github.com/Sternrassler/idm-request-scheduler/pkg/ratelimit"
	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// newTestScheduler builds a scheduler over a fake transport. When start is
// false the scheduler is left unstarted so control commands fail.
func newTestScheduler(t *testing.T, start bool, handler func(int, transport.Request) (*transport.Response, error)) (*scheduler.Scheduler, *testutil.FakeTransport) {
	t.Helper()

	clock := clockwork.NewRealClock()
	ft := testutil.NewFakeTransport(handler)
	tracker := ratelimit.NewTracker(ratelimit.DefaultPolicy(), nil, clock, zerolog.Nop())

	cfg := scheduler.DefaultConfig()
	cfg.MinDelay = 0
	s, err := scheduler.New(ft, tracker, cfg, scheduler.WithClock(clock), scheduler.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}
	if start {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(s.Stop)
	}
	return s, ft
}

// rpcCall sends a JSON-RPC request to handler and returns the parsed response.
func rpcCall(t *testing.T, handler http.Handler, method string, params any) (int, map[string]any) {
	t.Helper()
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      1,
	}
	if params != nil {
		reqBody["params"] = params
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	resp := rr.Result()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var result map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(body))
		}
	}
	return rr.Code, result
}

func resultObject(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v (error: %v)", resp["result"], resp["error"])
	}
	return result
}

func errorCode(t *testing.T, resp map[string]any) float64 {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %v", resp)
	}
	code, _ := e["code"].(float64)
	return code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
