package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Sternrassler/idm-request-scheduler/pkg/events"
	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/rs/zerolog"
)

// Method names of the command protocol.
const (
	MethodSchedule       = "scheduleApiRequest"
	MethodGetState       = "getSchedulerState"
	MethodGetMetrics     = "getSchedulerMetrics"
	MethodPause          = "pauseScheduler"
	MethodResume         = "resumeScheduler"
	MethodClearQueue     = "clearSchedulerQueue"
	MethodStateChanged   = "schedulerStateChanged"
	defaultOriginTag     = "rpc"
	codeSchedulerStopped = jrpc2.Code(-32003)
	codeInvalidParams    = jrpc2.Code(-32602)
)

// Scheduler is the part of the scheduler exposed over RPC.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*transport.Response, error)
	State() scheduler.State
	Metrics() scheduler.Metrics
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	ClearQueue(ctx context.Context) (int, error)
	Subscribe(buffer int) *events.Subscription[scheduler.StateChanged]
}

// ScheduleParams is the input for scheduleApiRequest.
type ScheduleParams struct {
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	OriginTag string          `json:"originTag,omitempty"`
}

// ScheduleResult is the structured outcome of scheduleApiRequest. Request
// failures are reported here rather than as JSON-RPC errors so callers always
// get the status and body.
type ScheduleResult struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Headers   http.Header     `json:"headers,omitempty"`
	Status    int             `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

// AckResult acknowledges a control command.
type AckResult struct {
	OK bool `json:"ok"`
}

// ClearResult is the response for clearSchedulerQueue.
type ClearResult struct {
	OK      bool `json:"ok"`
	Cleared int  `json:"cleared"`
}

// RPCServer holds the method table and its HTTP bridge.
type RPCServer struct {
	methods handler.Map
	bridge  jhttp.Bridge
	sched   Scheduler
	logger  zerolog.Logger
}

// NewRPCServer creates the method handlers and the HTTP bridge.
func NewRPCServer(sched Scheduler, logger zerolog.Logger) *RPCServer {
	rs := &RPCServer{sched: sched, logger: logger}

	rs.methods = handler.Map{
		MethodSchedule:   handler.New(rs.scheduleAPIRequest),
		MethodGetState:   handler.New(rs.getState),
		MethodGetMetrics: handler.New(rs.getMetrics),
		MethodPause:      handler.New(rs.pause),
		MethodResume:     handler.New(rs.resume),
		MethodClearQueue: handler.New(rs.clearQueue),
	}
	rs.bridge = jhttp.NewBridge(rs.methods, nil)
	return rs
}

// ServeHTTP serves JSON-RPC over plain HTTP POST.
func (rs *RPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rs.bridge.ServeHTTP(w, r)
}

// scheduleAPIRequest queues one call and waits for its outcome.
func (rs *RPCServer) scheduleAPIRequest(ctx context.Context, p *ScheduleParams) (*ScheduleResult, error) {
	if p.Endpoint == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: endpoint"}
	}
	origin := p.OriginTag
	if origin == "" {
		origin = defaultOriginTag
	}

	resp, err := rs.sched.Schedule(ctx, scheduler.Request{
		Endpoint: p.Endpoint,
		Method:   p.Method,
		Body:     p.Body,
		Priority: scheduler.Priority(p.Priority),
		Origin:   origin,
	})
	if errors.Is(err, scheduler.ErrInvalidState) {
		return nil, &jrpc2.Error{Code: codeSchedulerStopped, Message: err.Error()}
	}

	result := &ScheduleResult{}
	if resp != nil {
		result.Success = resp.Success
		result.Data = resp.Data
		result.Headers = resp.Headers
		result.Status = resp.Status
		result.Error = resp.Error
	}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.ErrorKind = scheduler.KindName(err)
		rs.logger.Debug().
			Str("endpoint", p.Endpoint).
			Str("origin", origin).
			Str("kind", result.ErrorKind).
			Msg("Scheduled request failed")
	}
	return result, nil
}

func (rs *RPCServer) getState(_ context.Context) (scheduler.State, error) {
	return rs.sched.State(), nil
}

func (rs *RPCServer) getMetrics(_ context.Context) (scheduler.Metrics, error) {
	return rs.sched.Metrics(), nil
}

func (rs *RPCServer) pause(ctx context.Context) (*AckResult, error) {
	if err := rs.sched.Pause(ctx); err != nil {
		return nil, controlError(err)
	}
	rs.logger.Info().Msg("Scheduler paused over RPC")
	return &AckResult{OK: true}, nil
}

func (rs *RPCServer) resume(ctx context.Context) (*AckResult, error) {
	if err := rs.sched.Resume(ctx); err != nil {
		return nil, controlError(err)
	}
	rs.logger.Info().Msg("Scheduler resumed over RPC")
	return &AckResult{OK: true}, nil
}

func (rs *RPCServer) clearQueue(ctx context.Context) (*ClearResult, error) {
	n, err := rs.sched.ClearQueue(ctx)
	if err != nil {
		return nil, controlError(err)
	}
	rs.logger.Info().Int("cleared", n).Msg("Scheduler queue cleared over RPC")
	return &ClearResult{OK: true, Cleared: n}, nil
}

// controlError maps a scheduler control failure to a JSON-RPC error.
func controlError(err error) error {
	if errors.Is(err, scheduler.ErrInvalidState) {
		return &jrpc2.Error{Code: codeSchedulerStopped, Message: err.Error()}
	}
	return err
}

// Close shuts down the jrpc2 bridge, releasing internal goroutines.
func (rs *RPCServer) Close() {
	rs.bridge.Close()
}
