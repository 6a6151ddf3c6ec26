package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ledger/internal/calc"
)

var _ calc.Metrics = (*Instruments)(nil)

// Instruments records engine activity as OTEL counters.
type Instruments struct {
	pages   metric.Int64Counter
	records metric.Int64Counter
	retries metric.Int64Counter
	runs    metric.Int64Counter
}

// NewInstruments registers the engine counters on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	pages, err := meter.Int64Counter("ledger.pages.fetched",
		metric.WithDescription("Pages committed to the drain queue"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: pages counter: %w", err)
	}
	records, err := meter.Int64Counter("ledger.records.drained",
		metric.WithDescription("Records applied to an accumulator"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: records counter: %w", err)
	}
	retries, err := meter.Int64Counter("ledger.fetch.retries",
		metric.WithDescription("Page fetches scheduled for retry"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: retries counter: %w", err)
	}
	runs, err := meter.Int64Counter("ledger.runs.finished",
		metric.WithDescription("Calculations that reached a terminal state"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: runs counter: %w", err)
	}
	return &Instruments{pages: pages, records: records, retries: retries, runs: runs}, nil
}

func (i *Instruments) PageFetched(feature string, records int) {
	i.pages.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("feature", feature),
		attribute.String("size", sizeClass(records)),
	))
}

func (i *Instruments) RecordDrained(feature string, counted bool) {
	i.records.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("feature", feature),
		attribute.Bool("counted", counted),
	))
}

func (i *Instruments) FetchRetried(feature string, rateLimited bool) {
	i.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("feature", feature),
		attribute.Bool("rate_limited", rateLimited),
	))
}

func (i *Instruments) RunFinished(feature string, status calc.Status) {
	i.runs.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("feature", feature),
		attribute.String("status", string(status)),
	))
}

// sizeClass keeps page-size attributes low cardinality.
func sizeClass(n int) string {
	switch {
	case n == 0:
		return "empty"
	case n < 10:
		return strconv.Itoa(n)
	case n < 100:
		return "10-99"
	default:
		return "100+"
	}
}
