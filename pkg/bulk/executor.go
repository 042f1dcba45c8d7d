// Package bulk applies one mutation per item of a working set through the
// scheduler, sequentially, with per-item success accounting and an undo log.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	bulkItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_bulk_items_total",
		Help: "Bulk sub-items by result (succeeded, failed, not_attempted)",
	}, []string{"result"})

	bulkRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_bulk_runs_total",
		Help: "Bulk runs by outcome (completed, aborted)",
	}, []string{"outcome"})
)

// ErrAborted is wrapped by the error returned from a run that stopped early.
var ErrAborted = errors.New("bulk operation aborted")

// Item is one sub-item of a bulk operation.
type Item struct {
	// ID must be unique within a run; it keys the undo log.
	ID    string
	Label string

	// Apply is the mutation for this item.
	Apply scheduler.Request

	// Revert undoes Apply. Items without one are not recorded for undo.
	Revert *scheduler.Request
}

// Failure describes one failed sub-item.
type Failure struct {
	ItemID  string `json:"itemId"`
	Label   string `json:"label,omitempty"`
	Kind    string `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// Report summarizes a run.
type Report struct {
	Operation    string        `json:"operation"`
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	NotAttempted int           `json:"notAttempted"`
	Failures     []Failure     `json:"failures,omitempty"`
	Aborted      bool          `json:"aborted"`
	AbortReason  string        `json:"abortReason,omitempty"`
	Duration     time.Duration `json:"duration"`

	// Undo holds the applied items that can be reverted.
	Undo *UndoLog `json:"-"`
}

// ProgressFunc is called after every attempted item. err is nil on success.
type ProgressFunc func(done, total int, item Item, err error)

// Scheduler is the part of the scheduler the executor needs.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*transport.Response, error)
}

// Config holds executor configuration.
type Config struct {
	// Delay between submissions, on top of the scheduler's own pacing.
	Delay time.Duration

	// Priority for requests that do not set one.
	Priority scheduler.Priority

	// Origin for requests that do not set one.
	Origin string
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Delay:    100 * time.Millisecond,
		Priority: scheduler.PriorityLow,
		Origin:   "bulk",
	}
}

// Executor runs bulk operations.
type Executor struct {
	sched  Scheduler
	config Config
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewExecutor creates a new executor. clock may be nil.
func NewExecutor(sched Scheduler, config Config, clock clockwork.Clock, logger zerolog.Logger) *Executor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.Delay < 0 {
		config.Delay = 0
	}
	return &Executor{sched: sched, config: config, clock: clock, logger: logger}
}

// Run applies every item in order. Failures are counted and the run goes on,
// except for a lost authorization, which stops it immediately. A stopped run
// returns its report together with an error wrapping ErrAborted and the cause.
func (e *Executor) Run(ctx context.Context, name string, items []Item, progress ProgressFunc) (*Report, error) {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("%s: item without id", name)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("%s: duplicate item id %q", name, item.ID)
		}
		seen[item.ID] = true
	}

	undo := NewUndoLog()
	report, err := e.execute(ctx, name, items, progress, func(item Item) {
		if item.Revert == nil {
			return
		}
		if err := undo.Record(UndoEntry{
			ItemID:    item.ID,
			Label:     item.Label,
			Revert:    *item.Revert,
			AppliedAt: e.clock.Now(),
		}); err != nil {
			e.logger.Warn().Err(err).Str("operation", name).Msg("Undo entry not recorded")
		}
	})
	report.Undo = undo
	return report, err
}

// Undo replays the reverts recorded in log, most recent first. Every
// reverted entry is removed, so after a partial undo the log holds only
// what is still outstanding.
func (e *Executor) Undo(ctx context.Context, name string, log *UndoLog, progress ProgressFunc) (*Report, error) {
	entries := log.Entries()
	items := make([]Item, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		items = append(items, Item{
			ID:    entries[i].ItemID,
			Label: entries[i].Label,
			Apply: entries[i].Revert,
		})
	}

	report, err := e.execute(ctx, "undo "+name, items, progress, func(item Item) {
		log.Remove(item.ID)
	})
	report.Undo = log
	return report, err
}

func (e *Executor) execute(ctx context.Context, name string, items []Item, progress ProgressFunc, onSuccess func(Item)) (*Report, error) {
	start := e.clock.Now()
	report := &Report{Operation: name, Total: len(items)}
	logger := e.logger.With().Str("operation", name).Int("total", len(items)).Logger()
	logger.Info().Msg("Bulk operation started")

	var abortErr error
	for i, item := range items {
		if i > 0 && e.config.Delay > 0 {
			select {
			case <-e.clock.After(e.config.Delay):
			case <-ctx.Done():
				abortErr = ctx.Err()
			}
		}
		if abortErr == nil && ctx.Err() != nil {
			abortErr = ctx.Err()
		}
		if abortErr != nil {
			report.NotAttempted = len(items) - i
			break
		}

		req := item.Apply
		if req.Priority == "" {
			req.Priority = e.config.Priority
		}
		if req.Origin == "" {
			req.Origin = e.config.Origin
		}

		_, err := e.sched.Schedule(ctx, req)
		if err == nil {
			report.Succeeded++
			onSuccess(item)
		} else {
			report.Failed++
			report.Failures = append(report.Failures, failureOf(item, err))
			logger.Warn().
				Err(err).
				Str("item_id", item.ID).
				Str("endpoint", req.Endpoint).
				Msg("Bulk item failed")
		}

		if progress != nil {
			progress(i+1, len(items), item, err)
		}

		if errors.Is(err, scheduler.ErrAuthorizationLost) {
			abortErr = err
			report.NotAttempted = len(items) - i - 1
			break
		}
	}

	report.Duration = e.clock.Since(start)
	bulkItemsTotal.WithLabelValues("succeeded").Add(float64(report.Succeeded))
	bulkItemsTotal.WithLabelValues("failed").Add(float64(report.Failed))
	bulkItemsTotal.WithLabelValues("not_attempted").Add(float64(report.NotAttempted))

	if abortErr != nil {
		report.Aborted = true
		report.AbortReason = abortErr.Error()
		bulkRunsTotal.WithLabelValues("aborted").Inc()
		logger.Error().
			Err(abortErr).
			Int("succeeded", report.Succeeded).
			Int("failed", report.Failed).
			Int("not_attempted", report.NotAttempted).
			Msg("Bulk operation aborted")
		return report, fmt.Errorf("%s: %w: %w", name, ErrAborted, abortErr)
	}

	bulkRunsTotal.WithLabelValues("completed").Inc()
	logger.Info().
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Bulk operation completed")
	return report, nil
}

func failureOf(item Item, err error) Failure {
	f := Failure{ItemID: item.ID, Label: item.Label, Kind: scheduler.KindName(err), Message: err.Error()}
	var re *scheduler.RequestError
	if errors.As(err, &re) {
		f.Status = re.Status
	}
	return f
}
