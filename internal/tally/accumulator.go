// Package tally folds records into named buckets.
package tally

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

// Bucket is the running count and sum of one bucket.
type Bucket struct {
	Count  int
	Amount decimal.Decimal
}

// Accumulator holds the running totals of one calculation. It is not safe
// for concurrent use; the owner serializes access.
type Accumulator struct {
	buckets   map[string]*Bucket
	order     []string
	total     decimal.Decimal
	processed int
	counted   int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{buckets: make(map[string]*Bucket)}
}

// Apply folds one record. Every record bumps the processed counter; only
// included records touch buckets and the total. It reports whether the
// record was counted.
func (a *Accumulator) Apply(rec core.Record, category string, c Classifier) bool {
	a.processed++

	key, amount, ok := c.Classify(rec, category)
	if !ok {
		return false
	}

	b, exists := a.buckets[key]
	if !exists {
		b = &Bucket{}
		a.buckets[key] = b
		a.order = append(a.order, key)
	}
	b.Count++
	b.Amount = b.Amount.Add(amount)
	a.total = a.total.Add(amount)
	a.counted++
	return true
}

func (a *Accumulator) Total() decimal.Decimal { return a.total }

func (a *Accumulator) Processed() int { return a.processed }

func (a *Accumulator) Counted() int { return a.counted }

// Bucket returns a copy of the named bucket.
func (a *Accumulator) Bucket(name string) (Bucket, bool) {
	b, ok := a.buckets[name]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// Breakdown lists buckets by descending magnitude, ties in first-seen order.
func (a *Accumulator) Breakdown() []core.CategoryAmount {
	out := make([]core.CategoryAmount, 0, len(a.order))
	for _, name := range a.order {
		b := a.buckets[name]
		out = append(out, core.CategoryAmount{Name: name, Count: b.Count, Amount: b.Amount})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Amount.Abs().GreaterThan(out[j].Amount.Abs())
	})
	return out
}

// Overview returns a detached summary.
func (a *Accumulator) Overview() core.Overview {
	return core.Overview{
		Total:      a.total,
		Processed:  a.processed,
		Counted:    a.counted,
		ByCategory: a.Breakdown(),
	}
}
