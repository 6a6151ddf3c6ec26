// Package walker pulls pages task by task until every task is exhausted, the
// run is paused, or the backoff controller gives up.
package walker

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledger/internal/backoff"
	"ledger/internal/core"
	"ledger/internal/source"
)

// Status is how a walk ended.
type Status int

const (
	Exhausted Status = iota
	Paused
	Failed
)

func (s Status) String() string {
	switch s {
	case Exhausted:
		return "exhausted"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of Walk.
type Result struct {
	Status Status
	Err    error // set when Status is Failed
	Pages  int   // pages delivered during this walk
}

// Page is a fetched page together with the position it was fetched from.
type Page struct {
	Position
	Records    []core.Record
	NextCursor string
}

// Hooks connect a walk to its owner. Nil hooks are skipped.
type Hooks struct {
	// IsStillRunning is checked before waiting on the drain and again right
	// before each fetch.
	IsStillRunning func() bool

	// AwaitIdle blocks until previously delivered records are drained.
	AwaitIdle func(ctx context.Context) error

	// OnPage receives each page synchronously; the plan cursor advances only
	// after it returns nil.
	OnPage func(ctx context.Context, p Page) error

	// OnDecision observes every backoff decision, including Proceed.
	OnDecision func(d backoff.Decision)

	// Interrupt cuts backoff waits short when closed.
	Interrupt <-chan struct{}
}

// Walker drives a Plan against a Fetcher.
type Walker struct {
	fetcher source.Fetcher
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(fetcher source.Fetcher, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		fetcher: fetcher,
		logger:  logger,
		tracer:  otel.Tracer("ledger/walker"),
	}
}

// Walk fetches from the plan's current position onward. Cancelling ctx
// aborts an in-flight fetch and ends the walk as Paused.
func (w *Walker) Walk(ctx context.Context, plan *Plan, tracker *backoff.Tracker, hooks Hooks) Result {
	var pages int
	for {
		pos, ok := plan.Current()
		if !ok {
			return Result{Status: Exhausted, Pages: pages}
		}
		if !hooks.running() {
			return Result{Status: Paused, Pages: pages}
		}
		if hooks.AwaitIdle != nil {
			if err := hooks.AwaitIdle(ctx); err != nil {
				return Result{Status: Paused, Pages: pages}
			}
		}
		if !hooks.running() {
			return Result{Status: Paused, Pages: pages}
		}

		page, err := w.fetch(ctx, pos)
		if err != nil && ctx.Err() != nil {
			return Result{Status: Paused, Pages: pages}
		}

		d := tracker.Observe(err)
		if hooks.OnDecision != nil {
			hooks.OnDecision(d)
		}

		switch d.Kind {
		case backoff.Proceed:
			if page.NextCursor != "" && page.NextCursor == pos.Cursor {
				err := fmt.Errorf("task %s at cursor %q: %w", pos.Task.Type, pos.Cursor, ErrCursorStalled)
				return Result{Status: Failed, Err: err, Pages: pages}
			}
			delivered := Page{Position: pos, Records: page.Records, NextCursor: page.NextCursor}
			if hooks.OnPage != nil {
				if err := hooks.OnPage(ctx, delivered); err != nil {
					return Result{Status: Failed, Err: fmt.Errorf("deliver page: %w", err), Pages: pages}
				}
			}
			if err := plan.Advance(pos, page.NextCursor); err != nil {
				return Result{Status: Failed, Err: err, Pages: pages}
			}
			pages++
			if page.NextCursor == "" {
				w.logger.DebugContext(ctx, "Task exhausted",
					"task", pos.Task.Type,
					"task_index", pos.TaskIndex)
			}

		case backoff.WaitThenRetry, backoff.RateLimitedWaitThenRetry:
			w.logger.WarnContext(ctx, "Fetch failed, backing off",
				"task", pos.Task.Type,
				"decision", d.Kind.String(),
				"delay", d.Delay,
				"retry_count", d.RetryCount,
				"error", d.Err)
			if err := backoff.Wait(ctx, hooks.Interrupt, d.Delay); err != nil {
				return Result{Status: Paused, Pages: pages}
			}

		case backoff.Fail:
			w.logger.ErrorContext(ctx, "Fetch failed permanently",
				"task", pos.Task.Type,
				"retry_count", d.RetryCount,
				"error", d.Err)
			return Result{Status: Failed, Err: d.Err, Pages: pages}
		}
	}
}

func (w *Walker) fetch(ctx context.Context, pos Position) (core.Page, error) {
	ctx, span := w.tracer.Start(ctx, "walker.fetch_page", trace.WithAttributes(
		attribute.String("ledger.task", pos.Task.Type),
		attribute.Int("ledger.task_index", pos.TaskIndex),
		attribute.Bool("ledger.first_page", pos.Cursor == ""),
	))
	defer span.End()

	page, err := w.fetcher.FetchPage(ctx, pos.Task.Type, pos.Cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.Page{}, err
	}
	span.SetAttributes(attribute.Int("ledger.records", len(page.Records)))
	return page, nil
}

func (h Hooks) running() bool {
	return h.IsStillRunning == nil || h.IsStillRunning()
}
