package calc

import (
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

// Snapshot is a detached view of a Run for rendering.
type Snapshot struct {
	Seq         uint64                `json:"seq"`
	SessionID   string                `json:"session_id"`
	RunID       string                `json:"run_id,omitempty"`
	Feature     string                `json:"feature"`
	Status      Status                `json:"status"`
	Total       decimal.Decimal       `json:"total"`
	Processed   int                   `json:"processed"`
	Counted     int                   `json:"counted"`
	Breakdown   []core.CategoryAmount `json:"breakdown"`
	RateLimited bool                  `json:"rate_limited"`
	RetryCount  int                   `json:"retry_count"`
	Error       string                `json:"error,omitempty"`
	TaskIndex   int                   `json:"task_index"`
	TaskCount   int                   `json:"task_count"`
	Pages       int                   `json:"pages"`
	Pending     int                   `json:"pending"`
	Active      bool                  `json:"active"`
	StartedAt   time.Time             `json:"started_at,omitempty"`
	FinishedAt  time.Time             `json:"finished_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Settled reports whether nothing is left in flight: no walk is active and
// every fetched record has been applied.
func (s Snapshot) Settled() bool { return !s.Active && s.Pending == 0 }

// Sink receives a snapshot after every applied record, every status change
// and every change of the rate-limited flag. Render is called from the
// session's goroutines, one call at a time, and must not call back into the
// session.
type Sink interface {
	Render(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

func (f SinkFunc) Render(s Snapshot) { f(s) }

// Sinks fans a snapshot out to several sinks in order.
type Sinks []Sink

func (ss Sinks) Render(s Snapshot) {
	for _, sink := range ss {
		if sink != nil {
			sink.Render(s)
		}
	}
}

// Metrics observes engine activity.
type Metrics interface {
	PageFetched(feature string, records int)
	RecordDrained(feature string, counted bool)
	FetchRetried(feature string, rateLimited bool)
	RunFinished(feature string, status Status)
}

type nopMetrics struct{}

func (nopMetrics) PageFetched(string, int)    {}
func (nopMetrics) RecordDrained(string, bool) {}
func (nopMetrics) FetchRetried(string, bool)  {}
func (nopMetrics) RunFinished(string, Status) {}
