// Package scheduler serializes every call to the identity API through a single
// priority queue and dispatch loop, pacing calls by the observed rate limit
// quota and backing off after throttling responses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/events"
	"github.com/Sternrassler/idm-request-scheduler/pkg/logging"
	"github.com/Sternrassler/idm-request-scheduler/pkg/ratelimit"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdCancel
	cmdPause
	cmdResume
	cmdClear
)

type command struct {
	kind  commandKind
	req   *QueuedRequest
	id    string
	reply chan int
}

// cancelled is the error returned when ctx ends before cmd reaches the loop.
func (c command) cancelled(ctx context.Context) error {
	re := &RequestError{Kind: ErrCancelled, Err: ctx.Err()}
	if c.req != nil {
		re.Endpoint = c.req.Request.Endpoint
	}
	return re
}

type completion struct {
	req     *QueuedRequest
	resp    *transport.Response
	err     error
	started time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for pacing, cooldowns and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// Scheduler owns the request queue, the cooldown controller and the dispatch
// loop. At most one request is in flight at any time.
type Scheduler struct {
	transport transport.Transport
	tracker   *ratelimit.Tracker
	config    Config
	clock     clockwork.Clock
	logger    zerolog.Logger
	bus       *events.Bus[StateChanged]

	commands    chan command
	completions chan completion
	done        chan struct{}

	state   atomic.Pointer[State]
	metrics atomic.Pointer[Metrics]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	// Owned by the loop goroutine.
	queue          *Queue
	ctrl           *Controller
	limiter        *rate.Limiter
	throttleCodes  map[string]bool
	inflight       *QueuedRequest
	nextDispatchAt time.Time
	totalProcessed uint64
	failed         uint64
	published      State
}

// New creates a scheduler. It does nothing until Start is called.
func New(t transport.Transport, tracker *ratelimit.Tracker, cfg Config, opts ...Option) (*Scheduler, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("rate limit tracker is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Scheduler{
		transport:   t,
		tracker:     tracker,
		config:      cfg,
		clock:       clockwork.NewRealClock(),
		logger:      zerolog.Nop(),
		commands:    make(chan command),
		completions: make(chan completion, 1),
		done:        make(chan struct{}),
		queue:       NewQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewBus[StateChanged](s.logger)
	s.ctrl = NewController(cfg.Policy, cfg.Cooldown, s.clock)
	if cfg.MaxRequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1)
	}
	s.throttleCodes = make(map[string]bool, len(cfg.RateLimitErrorCodes))
	for _, code := range cfg.RateLimitErrorCodes {
		s.throttleCodes[code] = true
	}

	initial := State{Status: StatusIdle}
	if q, ok := tracker.Current(); ok {
		initial.RateLimitInfo = &q
	}
	s.published = initial
	s.state.Store(&initial)
	m := newMetrics(0, 0)
	s.metrics.Store(&m)
	recordStatus(StatusIdle)

	return s, nil
}

// Start launches the dispatch loop. The loop runs until ctx is done or Stop
// is called. A scheduler can only be started once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: scheduler already started", ErrInvalidState)
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(loopCtx)

	s.logger.Info().
		Dur("min_delay", s.config.MinDelay).
		Dur("throttle_delay", s.config.ThrottleDelay).
		Float64("max_rps", s.config.MaxRequestsPerSecond).
		Msg("Scheduler started")
	return nil
}

// Stop ends the loop and waits for it to exit. Queued and in-flight requests
// are rejected with ErrInvalidState.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Submit enqueues req and returns its pending handle. ctx acts as the
// request's cancellation token: if it is done before dispatch the request is
// rejected with ErrCancelled.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Pending, error) {
	if req.Endpoint == "" {
		return nil, &RequestError{Kind: ErrClientError, Message: "endpoint is required"}
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if _, err := ParsePriority(string(req.Priority)); err != nil {
		return nil, &RequestError{Kind: ErrClientError, Endpoint: req.Endpoint, Err: err}
	}

	id := uuid.NewString()
	qr := &QueuedRequest{
		ID:         id,
		Request:    req,
		EnqueuedAt: s.clock.Now(),
		ctx:        ctx,
		pending:    newPending(id),
	}
	if _, err := s.send(ctx, command{kind: cmdSubmit, req: qr}); err != nil {
		return nil, err
	}
	return qr.pending, nil
}

// Schedule submits req and waits for its outcome. If ctx is done while the
// request is still queued it is removed from the queue.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*transport.Response, error) {
	p, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case <-p.Done():
		return p.Result()
	case <-ctx.Done():
		cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := s.send(cancelCtx, command{kind: cmdCancel, id: p.ID()}); err != nil {
			s.logger.Debug().Err(err).Str("request_id", p.ID()).Msg("Cancel not delivered")
		}
		return nil, &RequestError{Kind: ErrCancelled, Endpoint: req.Endpoint, Err: ctx.Err()}
	}
}

// Cancel removes a queued request. It reports false if the request was
// already dispatched or unknown.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	n, err := s.send(ctx, command{kind: cmdCancel, id: id})
	return n > 0, err
}

// Pause stops dispatch. Queued requests are kept.
func (s *Scheduler) Pause(ctx context.Context) error {
	_, err := s.send(ctx, command{kind: cmdPause})
	return err
}

// Resume restarts dispatch after Pause.
func (s *Scheduler) Resume(ctx context.Context) error {
	_, err := s.send(ctx, command{kind: cmdResume})
	return err
}

// ClearQueue rejects every queued request with ErrCancelled and returns how
// many were removed. The in-flight request is not affected.
func (s *Scheduler) ClearQueue(ctx context.Context) (int, error) {
	return s.send(ctx, command{kind: cmdClear})
}

// State returns the latest published snapshot.
func (s *Scheduler) State() State {
	return s.state.Load().clone()
}

// Metrics returns the cumulative request summary.
func (s *Scheduler) Metrics() Metrics {
	return *s.metrics.Load()
}

// Subscribe returns a subscription to state changes. Slow subscribers lose
// intermediate snapshots, never the latest one.
func (s *Scheduler) Subscribe(buffer int) *events.Subscription[StateChanged] {
	return s.bus.Subscribe(buffer)
}

func (s *Scheduler) send(ctx context.Context, cmd command) (int, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return 0, fmt.Errorf("%w: scheduler not started", ErrInvalidState)
	}

	if ctx.Err() != nil {
		return 0, cmd.cancelled(ctx)
	}

	cmd.reply = make(chan int, 1)
	select {
	case s.commands <- cmd:
	case <-s.done:
		return 0, fmt.Errorf("%w: scheduler stopped", ErrInvalidState)
	case <-ctx.Done():
		return 0, cmd.cancelled(ctx)
	}

	select {
	case n := <-cmd.reply:
		return n, nil
	case <-s.done:
		return 0, fmt.Errorf("%w: scheduler stopped", ErrInvalidState)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.clock.Now()
		s.ctrl.Tick(now, s.busy())
		s.dispatch(ctx, now)
		s.publish()

		var timer clockwork.Timer
		var wake <-chan time.Time
		if at, ok := s.nextWake(now); ok {
			timer = s.clock.NewTimer(at.Sub(now))
			wake = timer.Chan()
		}

		select {
		case cmd := <-s.commands:
			n := s.handle(cmd)
			s.ctrl.Tick(s.clock.Now(), s.busy())
			s.publish()
			cmd.reply <- n
		case c := <-s.completions:
			s.complete(ctx, c)
		case <-wake:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.shutdown()
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) busy() bool {
	return s.inflight != nil || s.queue.Len() > 0
}

// nextWake returns the earliest future instant at which the loop has work
// to do without an external event.
func (s *Scheduler) nextWake(now time.Time) (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}

	if at, ok := s.ctrl.NextDeadline(now); ok {
		consider(at)
	}
	if s.inflight == nil && s.queue.Len() > 0 {
		consider(s.nextDispatchAt)
	}
	return next, !next.IsZero()
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	if s.inflight != nil {
		return
	}
	s.dropAbandoned()
	if s.queue.Len() == 0 || !s.ctrl.CanDispatch(now) || now.Before(s.nextDispatchAt) {
		return
	}

	qr := s.queue.Pop()
	s.inflight = qr
	s.ctrl.OnDispatch()
	schedulerQueueWait.WithLabelValues(string(qr.Request.Priority)).Observe(now.Sub(qr.EnqueuedAt).Seconds())

	reqLog := logging.ForRequest(s.logger, qr.ID, qr.Request.Endpoint, qr.Request.Origin)
	reqLog.Debug().
		Str("method", qr.Request.Method).
		Str(logging.FieldPriority, string(qr.Request.Priority)).
		Msg("Dispatching request")

	go func() {
		resp, err := s.transport.Do(ctx, qr.Request.transport())
		s.completions <- completion{req: qr, resp: resp, err: err, started: now}
	}()
}

// dropAbandoned rejects requests at the head of the queue whose submit
// context is already done.
func (s *Scheduler) dropAbandoned() {
	for qr := s.queue.Peek(); qr != nil && qr.abandoned(); qr = s.queue.Peek() {
		s.queue.Remove(qr.ID)
		s.reject(qr, &RequestError{Kind: ErrCancelled, Endpoint: qr.Request.Endpoint, Err: qr.ctx.Err()})
	}
}

func (s *Scheduler) complete(ctx context.Context, c completion) {
	s.inflight = nil
	now := s.clock.Now()
	endpoint := c.req.Request.Endpoint
	reqLog := logging.ForRequest(s.logger, c.req.ID, endpoint, c.req.Request.Origin)
	schedulerRequestDuration.Observe(now.Sub(c.started).Seconds())

	var retryAfter time.Duration
	var hasRetryAfter bool
	if c.resp != nil {
		updated, err := s.tracker.UpdateFromHeaders(ctx, c.resp.Headers)
		if err != nil {
			reqLog.Warn().Err(err).Msg("Ignoring malformed rate limit headers")
		}
		if updated {
			if q, ok := s.tracker.Current(); ok {
				s.ctrl.OnQuota(q, s.busy())
			}
		}
		retryAfter, hasRetryAfter = ratelimit.ParseRetryAfter(c.resp.Headers, now)
	}

	reqErr := classify(endpoint, c.resp, c.err, s.throttleCodes, retryAfter)
	var re *RequestError
	switch {
	case errors.Is(reqErr, ErrThrottled):
		endsAt := s.ctrl.OnThrottled(retryAfter, hasRetryAfter, now)
		if errors.As(reqErr, &re) {
			re.RetryAfter = endsAt.Sub(now)
		}
		schedulerCooldownsTotal.Inc()
		reqLog.Warn().
			Time("cooldown_ends_at", endsAt).
			Bool("retry_after_header", hasRetryAfter).
			Msg("Rate limit exceeded, entering cooldown")
	case c.resp != nil:
		s.ctrl.OnRecovered()
	}

	s.totalProcessed++
	result := "success"
	if reqErr != nil {
		s.failed++
		result = KindName(reqErr)
		reqLog.Debug().Err(reqErr).Str(logging.FieldKind, result).Msg("Request failed")
	}
	schedulerRequestsTotal.WithLabelValues(result).Inc()
	m := newMetrics(s.totalProcessed, s.failed)
	s.metrics.Store(&m)

	c.req.pending.settle(c.resp, reqErr)
	s.nextDispatchAt = now.Add(s.pacingDelay(now))
}

// pacingDelay combines quota-based pacing with the optional steady-rate limiter.
func (s *Scheduler) pacingDelay(now time.Time) time.Duration {
	d := s.tracker.PacingDelay(now, s.config.MinDelay, s.config.ThrottleDelay)
	if s.limiter != nil {
		r := s.limiter.ReserveN(now, 1)
		if r.OK() {
			if ld := r.DelayFrom(now); ld > d {
				d = ld
			}
		}
	}
	return d
}

// handle applies a command and returns the value sent back to the caller.
// The loop publishes the resulting state before replying.
func (s *Scheduler) handle(cmd command) int {
	switch cmd.kind {
	case cmdSubmit:
		s.queue.Push(cmd.req)
		return 1

	case cmdCancel:
		qr, ok := s.queue.Remove(cmd.id)
		if !ok {
			return 0
		}
		s.reject(qr, &RequestError{Kind: ErrCancelled, Endpoint: qr.Request.Endpoint, Message: "cancelled by caller"})
		return 1

	case cmdPause:
		s.ctrl.Pause()
		s.logger.Info().Int("queue_length", s.queue.Len()).Msg("Scheduler paused")

	case cmdResume:
		s.ctrl.Resume(s.clock.Now())
		s.logger.Info().Str("status", string(s.ctrl.Status())).Msg("Scheduler resumed")

	case cmdClear:
		cleared := s.queue.Clear()
		for _, qr := range cleared {
			s.reject(qr, &RequestError{Kind: ErrCancelled, Endpoint: qr.Request.Endpoint, Message: "queue cleared"})
		}
		s.logger.Info().Int("cleared", len(cleared)).Msg("Scheduler queue cleared")
		return len(cleared)
	}
	return 0
}

func (s *Scheduler) reject(qr *QueuedRequest, err error) {
	if qr.pending.settle(nil, err) && errors.Is(err, ErrCancelled) {
		schedulerCancelledTotal.Inc()
	}
}

func (s *Scheduler) shutdown() {
	stopped := fmt.Errorf("%w: scheduler stopped", ErrInvalidState)
	if s.inflight != nil {
		s.inflight.pending.settle(nil, stopped)
		s.inflight = nil
	}
	for _, qr := range s.queue.Clear() {
		qr.pending.settle(nil, stopped)
	}
	s.publish()
	s.bus.Close()
	s.logger.Info().Uint64("total_processed", s.totalProcessed).Msg("Scheduler stopped")
}

// publish stores a new snapshot and notifies subscribers if it changed.
func (s *Scheduler) publish() {
	next := State{
		Status:         s.ctrl.Status(),
		QueueLength:    s.queue.Len(),
		TotalProcessed: s.totalProcessed,
	}
	if s.inflight != nil {
		next.ActiveRequests = 1
	}
	if q, ok := s.tracker.Current(); ok {
		next.RateLimitInfo = &q
	}
	if at, ok := s.ctrl.CooldownEndsAt(); ok {
		next.CooldownEndsAt = &at
	}

	if next.Equal(s.published) {
		return
	}
	if next.Status != s.published.Status {
		s.logger.Info().
			Str("from", string(s.published.Status)).
			Str("to", string(next.Status)).
			Msg("Scheduler status changed")
		recordStatus(next.Status)
	}

	s.published = next
	snapshot := next.clone()
	s.state.Store(&snapshot)
	schedulerQueueLength.Set(float64(next.QueueLength))
	schedulerActiveRequests.Set(float64(next.ActiveRequests))
	s.bus.Publish(StateChanged{State: next.clone()})
}
