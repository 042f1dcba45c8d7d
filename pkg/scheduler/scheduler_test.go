package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/internal/testutil"
	"github.com/Sternrassler/idm-request-scheduler/pkg/ratelimit"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type handlerFunc = func(call int, req transport.Request) (*transport.Response, error)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinDelay = 0
	return cfg
}

func newTestScheduler(t *testing.T, handler handlerFunc) (*Scheduler, *testutil.FakeTransport, clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	ft := testutil.NewFakeTransport(handler)
	tracker := ratelimit.NewTracker(ratelimit.DefaultPolicy(), nil, clock, zerolog.Nop())

	s, err := New(ft, tracker, testConfig(), WithClock(clock), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s, ft, clock
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

func waitPending(t *testing.T, p *Pending) (*transport.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("request %s did not settle", p.ID())
	}
	return resp, err
}

func mustSubmit(t *testing.T, s *Scheduler, req Request) *Pending {
	t.Helper()
	p, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", req.Endpoint, err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	tracker := ratelimit.NewTracker(ratelimit.DefaultPolicy(), nil, nil, zerolog.Nop())
	ft := testutil.NewFakeTransport(nil)

	if _, err := New(nil, tracker, DefaultConfig()); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := New(ft, nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil tracker")
	}

	bad := DefaultConfig()
	bad.Cooldown.Multiplier = 0.5
	if _, err := New(ft, tracker, bad); err == nil {
		t.Error("expected error for invalid cooldown multiplier")
	}
}

func TestScheduler_Lifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := ratelimit.NewTracker(ratelimit.DefaultPolicy(), nil, clock, zerolog.Nop())
	s, err := New(testutil.NewFakeTransport(nil), tracker, testConfig(), WithClock(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := s.Submit(context.Background(), Request{Endpoint: "/api/v1/users"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Submit before Start error = %v, want ErrInvalidState", err)
	}
	if got := s.State(); got.Status != StatusIdle || got.QueueLength != 0 {
		t.Errorf("initial state = %+v", got)
	}
	if m := s.Metrics(); m.SuccessRate != 1 || m.TotalProcessed != 0 {
		t.Errorf("initial metrics = %+v", m)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start error = %v, want ErrInvalidState", err)
	}

	if err := s.Pause(context.Background()); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	p := mustSubmit(t, s, Request{Endpoint: "/api/v1/users"})

	s.Stop()
	if _, err := waitPending(t, p); !errors.Is(err, ErrInvalidState) {
		t.Errorf("queued request after Stop error = %v, want ErrInvalidState", err)
	}
	if _, err := s.Submit(context.Background(), Request{Endpoint: "/api/v1/users"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Submit after Stop error = %v, want ErrInvalidState", err)
	}
	s.Stop()
}

func TestScheduler_SubmitValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)

	if _, err := s.Submit(context.Background(), Request{}); !errors.Is(err, ErrClientError) {
		t.Errorf("empty endpoint error = %v, want ErrClientError", err)
	}
	if _, err := s.Submit(context.Background(), Request{Endpoint: "/x", Priority: "urgent"}); !errors.Is(err, ErrClientError) {
		t.Errorf("unknown priority error = %v, want ErrClientError", err)
	}
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	submissions := []struct {
		endpoint string
		priority Priority
	}{
		{"/low-1", PriorityLow},
		{"/normal-1", PriorityNormal},
		{"/high-1", PriorityHigh},
		{"/normal-2", ""},
		{"/high-2", PriorityHigh},
		{"/low-2", PriorityLow},
	}
	var pending []*Pending
	for _, sub := range submissions {
		pending = append(pending, mustSubmit(t, s, Request{Endpoint: sub.endpoint, Priority: sub.priority}))
	}

	waitFor(t, "queue length 6", func() bool { return s.State().QueueLength == 6 })
	if s.State().Status != StatusPaused {
		t.Errorf("status = %s, want paused", s.State().Status)
	}
	if ft.CallCount() != 0 {
		t.Fatalf("paused scheduler dispatched %d requests", ft.CallCount())
	}

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	for _, p := range pending {
		if _, err := waitPending(t, p); err != nil {
			t.Errorf("request %s error = %v", p.ID(), err)
		}
	}

	want := []string{"/high-1", "/high-2", "/normal-1", "/normal-2", "/low-1", "/low-2"}
	if got := ft.Endpoints(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}
	waitFor(t, "idle", func() bool { return s.State().Status == StatusIdle })
}

func TestScheduler_SingleFlight(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)
	ft.Gate = make(chan struct{})

	var pending []*Pending
	for i := 0; i < 3; i++ {
		pending = append(pending, mustSubmit(t, s, Request{Endpoint: fmt.Sprintf("/api/v1/users/%d", i)}))
	}

	<-ft.Started()
	waitFor(t, "one active request", func() bool {
		st := s.State()
		return st.ActiveRequests == 1 && st.QueueLength == 2 && st.Status == StatusProcessing
	})
	if ft.CallCount() != 1 {
		t.Errorf("CallCount() = %d while first request in flight, want 1", ft.CallCount())
	}

	for range pending {
		ft.Gate <- struct{}{}
	}
	for _, p := range pending {
		if _, err := waitPending(t, p); err != nil {
			t.Errorf("request error = %v", err)
		}
	}
	if ft.MaxInFlight() != 1 {
		t.Errorf("MaxInFlight() = %d, want 1", ft.MaxInFlight())
	}
}

func TestScheduler_CancelQueued(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)
	ft.Gate = make(chan struct{})
	ctx := context.Background()

	first := mustSubmit(t, s, Request{Endpoint: "/first"})
	<-ft.Started()
	second := mustSubmit(t, s, Request{Endpoint: "/second"})

	ok, err := s.Cancel(ctx, second.ID())
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v; want true, nil", ok, err)
	}
	if _, err := waitPending(t, second); !errors.Is(err, ErrCancelled) {
		t.Errorf("cancelled request error = %v, want ErrCancelled", err)
	}

	// The in-flight request cannot be cancelled.
	if ok, _ := s.Cancel(ctx, first.ID()); ok {
		t.Error("Cancel() of in-flight request should report false")
	}

	ft.Gate <- struct{}{}
	if _, err := waitPending(t, first); err != nil {
		t.Errorf("first request error = %v", err)
	}
	if got := ft.Endpoints(); fmt.Sprint(got) != "[/first]" {
		t.Errorf("dispatched = %v, want [/first]", got)
	}
}

func TestScheduler_ScheduleContextCancel(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)
	ft.Gate = make(chan struct{})

	blocker := mustSubmit(t, s, Request{Endpoint: "/blocker"})
	<-ft.Started()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Schedule(ctx, Request{Endpoint: "/abandoned"})
		errCh <- err
	}()

	waitFor(t, "second request queued", func() bool { return s.State().QueueLength == 1 })
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("Schedule() error = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Schedule() did not return after cancel")
	}

	waitFor(t, "queue drained", func() bool { return s.State().QueueLength == 0 })
	ft.Gate <- struct{}{}
	if _, err := waitPending(t, blocker); err != nil {
		t.Errorf("blocker error = %v", err)
	}
	if ft.CallCount() != 1 {
		t.Errorf("CallCount() = %d, want 1", ft.CallCount())
	}
}

func TestScheduler_ClearQueue(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	var pending []*Pending
	for i := 0; i < 3; i++ {
		pending = append(pending, mustSubmit(t, s, Request{Endpoint: fmt.Sprintf("/r%d", i)}))
	}

	n, err := s.ClearQueue(ctx)
	if err != nil {
		t.Fatalf("ClearQueue() error = %v", err)
	}
	if n != 3 {
		t.Errorf("ClearQueue() = %d, want 3", n)
	}
	for _, p := range pending {
		if _, err := waitPending(t, p); !errors.Is(err, ErrCancelled) {
			t.Errorf("cleared request error = %v, want ErrCancelled", err)
		}
	}
	if st := s.State(); st.QueueLength != 0 {
		t.Errorf("QueueLength = %d, want 0", st.QueueLength)
	}

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if n, _ := s.ClearQueue(ctx); n != 0 {
		t.Errorf("ClearQueue() on empty queue = %d, want 0", n)
	}
	if ft.CallCount() != 0 {
		t.Errorf("CallCount() = %d, want 0", ft.CallCount())
	}
}

func TestScheduler_ClearQueueKeepsInFlight(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)
	ft.Gate = make(chan struct{})
	ctx := context.Background()

	first := mustSubmit(t, s, Request{Endpoint: "/first"})
	<-ft.Started()
	queued := []*Pending{
		mustSubmit(t, s, Request{Endpoint: "/second"}),
		mustSubmit(t, s, Request{Endpoint: "/third"}),
	}
	if st := s.State(); st.QueueLength != 2 || st.ActiveRequests != 1 {
		t.Fatalf("state before clear = %+v, want 2 queued and 1 active", st)
	}

	n, err := s.ClearQueue(ctx)
	if err != nil {
		t.Fatalf("ClearQueue() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ClearQueue() = %d, want 2", n)
	}
	for _, p := range queued {
		if _, err := waitPending(t, p); !errors.Is(err, ErrCancelled) {
			t.Errorf("cleared request error = %v, want ErrCancelled", err)
		}
	}
	if st := s.State(); st.ActiveRequests != 1 || st.QueueLength != 0 {
		t.Errorf("state after clear = %+v, want 1 active and empty queue", st)
	}

	ft.Gate <- struct{}{}
	if _, err := waitPending(t, first); err != nil {
		t.Fatalf("in-flight request error = %v", err)
	}
	if m := s.Metrics(); m.TotalProcessed != 1 {
		t.Errorf("TotalProcessed = %d, want 1", m.TotalProcessed)
	}
	if ft.CallCount() != 1 {
		t.Errorf("CallCount() = %d, want 1", ft.CallCount())
	}
}

func TestScheduler_StateVisibleOnReply(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if got := s.State().Status; got != StatusPaused {
		t.Errorf("Status after Pause = %s, want paused", got)
	}

	for i := 1; i <= 3; i++ {
		mustSubmit(t, s, Request{Endpoint: fmt.Sprintf("/r%d", i)})
		if got := s.State().QueueLength; got != i {
			t.Errorf("QueueLength after submit %d = %d", i, got)
		}
	}

	if _, err := s.ClearQueue(ctx); err != nil {
		t.Fatalf("ClearQueue() error = %v", err)
	}
	if got := s.State().QueueLength; got != 0 {
		t.Errorf("QueueLength after ClearQueue = %d, want 0", got)
	}

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := s.State().Status; got != StatusIdle {
		t.Errorf("Status after Resume = %s, want idle", got)
	}
}

func TestScheduler_SubmitWithDoneContext(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for name, call := range map[string]func() error{
		"submit": func() error {
			_, err := s.Submit(ctx, Request{Endpoint: "/api/v1/users"})
			return err
		},
		"schedule": func() error {
			_, err := s.Schedule(ctx, Request{Endpoint: "/api/v1/users"})
			return err
		},
	} {
		err := call()
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("%s error = %v, want ErrCancelled", name, err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s error = %v, should wrap context.Canceled", name, err)
		}
		if got := KindName(err); got != "cancelled" {
			t.Errorf("%s KindName() = %q, want cancelled", name, got)
		}
	}
	if ft.CallCount() != 0 {
		t.Errorf("CallCount() = %d, want 0", ft.CallCount())
	}
}

func TestScheduler_AbandonedWhilePaused(t *testing.T) {
	s, ft, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	reqCtx, cancel := context.WithCancel(context.Background())
	p, err := s.Submit(reqCtx, Request{Endpoint: "/gone", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	kept := mustSubmit(t, s, Request{Endpoint: "/kept"})
	cancel()

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := waitPending(t, p); !errors.Is(err, ErrCancelled) {
		t.Errorf("abandoned request error = %v, want ErrCancelled", err)
	}
	if _, err := waitPending(t, kept); err != nil {
		t.Errorf("kept request error = %v", err)
	}
	for _, e := range ft.Endpoints() {
		if e == "/gone" {
			t.Error("request with a done context was dispatched")
		}
	}
}

func TestScheduler_NegativeQuotaHeaders(t *testing.T) {
	s, _, _ := newTestScheduler(t, func(call int, req transport.Request) (*transport.Response, error) {
		return testutil.WithQuota(testutil.OK(`{}`), 100, -1, 60), nil
	})

	for i := 0; i < 2; i++ {
		if _, err := s.Schedule(context.Background(), Request{Endpoint: "/api/v1/users"}); err != nil {
			t.Fatalf("Schedule() #%d error = %v", i, err)
		}
	}
	if st := s.State(); st.RateLimitInfo != nil {
		t.Errorf("malformed quota should be ignored, got %+v", *st.RateLimitInfo)
	}
}

func TestScheduler_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		resp     *transport.Response
		err      error
		wantKind error
		wantResp bool
	}{
		{"forbidden", testutil.Status(http.StatusForbidden, "denied"), nil, ErrAuthorizationLost, true},
		{"not found", testutil.Status(http.StatusNotFound, "missing"), nil, ErrClientError, true},
		{"unauthorized", testutil.Status(http.StatusUnauthorized, "login"), nil, ErrClientError, true},
		{"server error", testutil.Status(http.StatusBadGateway, "bad gateway"), nil, ErrTransientServerError, true},
		{"network", nil, &transport.NetworkError{Endpoint: "/x", Err: errors.New("connection reset")}, ErrTransientServerError, false},
		{"rate limit", testutil.TooManyRequests(5), nil, ErrThrottled, true},
		{"org rate limit code", func() *transport.Response {
			r := testutil.Status(http.StatusBadRequest, "too many")
			r.ErrorCode = "E0000047"
			return r
		}(), nil, ErrThrottled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestScheduler(t, func(int, transport.Request) (*transport.Response, error) {
				return tt.resp, tt.err
			})

			resp, err := s.Schedule(context.Background(), Request{Endpoint: "/api/v1/users/me"})
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("Schedule() error = %v, want %v", err, tt.wantKind)
			}
			if KindOf(err) != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v", KindOf(err), tt.wantKind)
			}
			if (resp != nil) != tt.wantResp {
				t.Errorf("response present = %v, want %v", resp != nil, tt.wantResp)
			}

			var re *RequestError
			if !errors.As(err, &re) || re.Endpoint != "/api/v1/users/me" {
				t.Errorf("error should be a RequestError for the endpoint, got %#v", err)
			}
		})
	}
}

func TestScheduler_ThrottleThenCooldown(t *testing.T) {
	s, ft, clock := newTestScheduler(t, func(call int, req transport.Request) (*transport.Response, error) {
		if call == 0 {
			return testutil.WithQuota(testutil.OK(`{"id":"1"}`), 100, 0, 60), nil
		}
		return testutil.TooManyRequests(30), nil
	})
	ctx := context.Background()
	start := clock.Now()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	first := mustSubmit(t, s, Request{Endpoint: "/first"})
	second := mustSubmit(t, s, Request{Endpoint: "/second"})
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if _, err := waitPending(t, first); err != nil {
		t.Fatalf("first request error = %v", err)
	}
	waitFor(t, "throttled", func() bool {
		st := s.State()
		return st.Status == StatusThrottled && st.RateLimitInfo != nil && st.RateLimitInfo.Remaining == 0
	})
	if ft.CallCount() != 1 {
		t.Fatalf("exhausted quota should hold dispatch, CallCount() = %d", ft.CallCount())
	}

	clock.BlockUntil(1)
	clock.Advance(60 * time.Second)

	_, err := waitPending(t, second)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("second request error = %v, want ErrThrottled", err)
	}
	var re *RequestError
	if errors.As(err, &re) && re.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", re.RetryAfter)
	}

	waitFor(t, "cooldown", func() bool { return s.State().Status == StatusCooldown })
	st := s.State()
	wantEnd := start.Add(90 * time.Second)
	if st.CooldownEndsAt == nil || !st.CooldownEndsAt.Equal(wantEnd) {
		t.Errorf("CooldownEndsAt = %v, want %v", st.CooldownEndsAt, wantEnd)
	}

	// Cooldown ends on its own.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	waitFor(t, "idle after cooldown", func() bool {
		st := s.State()
		return st.Status == StatusIdle && st.CooldownEndsAt == nil
	})

	m := s.Metrics()
	if m.TotalProcessed != 2 || m.FailedRequests != 1 || m.SuccessRate != 0.5 {
		t.Errorf("metrics = %+v, want 2 processed, 1 failed, 0.5", m)
	}
}

func TestScheduler_CooldownHoldsQueue(t *testing.T) {
	s, ft, clock := newTestScheduler(t, func(call int, req transport.Request) (*transport.Response, error) {
		if call == 0 {
			return testutil.TooManyRequests(10), nil
		}
		return testutil.OK(`{}`), nil
	})
	ctx := context.Background()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	first := mustSubmit(t, s, Request{Endpoint: "/first"})
	second := mustSubmit(t, s, Request{Endpoint: "/second"})
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if _, err := waitPending(t, first); !errors.Is(err, ErrThrottled) {
		t.Fatalf("first request error = %v, want ErrThrottled", err)
	}
	waitFor(t, "cooldown", func() bool { return s.State().Status == StatusCooldown })
	if ft.CallCount() != 1 {
		t.Fatalf("CallCount() during cooldown = %d, want 1", ft.CallCount())
	}

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	if _, err := waitPending(t, second); err != nil {
		t.Errorf("second request error = %v", err)
	}
	// Throttled requests are never retried automatically.
	if got := ft.Endpoints(); fmt.Sprint(got) != "[/first /second]" {
		t.Errorf("dispatched = %v, want [/first /second]", got)
	}
}

func TestScheduler_ThrottledPacing(t *testing.T) {
	s, ft, clock := newTestScheduler(t, func(call int, req transport.Request) (*transport.Response, error) {
		if call == 0 {
			return testutil.WithQuota(testutil.OK(`{}`), 100, 10, 60), nil
		}
		return testutil.WithQuota(testutil.OK(`{}`), 100, 90, 60), nil
	})
	ctx := context.Background()

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	first := mustSubmit(t, s, Request{Endpoint: "/first"})
	second := mustSubmit(t, s, Request{Endpoint: "/second"})
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if _, err := waitPending(t, first); err != nil {
		t.Fatalf("first request error = %v", err)
	}
	waitFor(t, "throttled", func() bool { return s.State().Status == StatusThrottled })

	// 60s spread over 11 remaining slots.
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if ft.CallCount() != 1 {
		t.Fatalf("second request dispatched before pacing delay elapsed")
	}

	clock.BlockUntil(1)
	clock.Advance(500 * time.Millisecond)
	if _, err := waitPending(t, second); err != nil {
		t.Fatalf("second request error = %v", err)
	}
	waitFor(t, "recovered", func() bool { return s.State().Status == StatusIdle })
}

func TestScheduler_StateChangedEvents(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	sub := s.Subscribe(32)
	defer sub.Close()

	p := mustSubmit(t, s, Request{Endpoint: "/api/v1/groups"})
	if _, err := waitPending(t, p); err != nil {
		t.Fatalf("request error = %v", err)
	}

	seen := map[Status]bool{}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			seen[ev.State.Status] = true
			if ev.State.Status == StatusIdle && ev.State.TotalProcessed == 1 {
				if !seen[StatusProcessing] {
					t.Errorf("processing state was never published, saw %v", seen)
				}
				return
			}
		case <-timeout:
			t.Fatalf("no idle event after completion, saw %v", seen)
		}
	}
}

func TestScheduler_Metrics(t *testing.T) {
	s, _, _ := newTestScheduler(t, func(call int, req transport.Request) (*transport.Response, error) {
		if call == 2 {
			return testutil.Status(http.StatusNotFound, "missing"), nil
		}
		return testutil.OK(`{}`), nil
	})

	for i := 0; i < 4; i++ {
		_, _ = s.Schedule(context.Background(), Request{Endpoint: fmt.Sprintf("/r%d", i)})
	}

	m := s.Metrics()
	if m.TotalProcessed != 4 || m.FailedRequests != 1 {
		t.Errorf("metrics = %+v, want 4 processed, 1 failed", m)
	}
	if m.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", m.SuccessRate)
	}
	waitFor(t, "total processed in state", func() bool { return s.State().TotalProcessed == 4 })
}

func TestScheduler_MaxRequestsPerSecond(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ft := testutil.NewFakeTransport(nil)
	tracker := ratelimit.NewTracker(ratelimit.DefaultPolicy(), nil, clock, zerolog.Nop())
	cfg := testConfig()
	cfg.MaxRequestsPerSecond = 2

	s, err := New(ft, tracker, cfg, WithClock(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Pause(context.Background()); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	first := mustSubmit(t, s, Request{Endpoint: "/first"})
	second := mustSubmit(t, s, Request{Endpoint: "/second"})
	third := mustSubmit(t, s, Request{Endpoint: "/third"})
	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	// The first completion consumes the burst token; the next waits 500ms.
	if _, err := waitPending(t, first); err != nil {
		t.Fatalf("first request error = %v", err)
	}
	if _, err := waitPending(t, second); err != nil {
		t.Fatalf("second request error = %v", err)
	}
	clock.BlockUntil(1)
	if ft.CallCount() != 2 {
		t.Fatalf("CallCount() = %d before limiter delay, want 2", ft.CallCount())
	}
	clock.Advance(500 * time.Millisecond)
	if _, err := waitPending(t, third); err != nil {
		t.Fatalf("third request error = %v", err)
	}
}
