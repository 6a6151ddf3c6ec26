// Package drain paces delivery of fetched records so the visible totals grow
// at a steady cadence regardless of how fast pages arrive.
package drain

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the production drain cadence.
const DefaultInterval = 20 * time.Millisecond

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) ticker { return timeTicker{time.NewTicker(d)} }

// Queue is a FIFO buffer drained by a ticker, one item per tick. The drain
// goroutine runs only while items are pending and restarts on the next
// Enqueue.
type Queue[T any] struct {
	interval  time.Duration
	apply     func(T)
	newTicker func(time.Duration) ticker

	mu       sync.Mutex
	pending  []T
	draining bool
	idle     chan struct{} // closed whenever draining is false
}

// New creates a queue that hands each item to apply on its own tick.
// apply runs on the drain goroutine and must not call back into the queue's
// blocking methods.
func New[T any](interval time.Duration, apply func(T)) *Queue[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		interval:  interval,
		apply:     apply,
		newTicker: newTimeTicker,
		idle:      idle,
	}
}

// Enqueue appends items in order and starts the drain loop if it is stopped.
func (q *Queue[T]) Enqueue(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, items...)
	if q.draining {
		return
	}
	q.draining = true
	q.idle = make(chan struct{})
	go q.run(q.idle)
}

// WaitUntilIdle blocks until nothing is pending and no item is being
// applied, or ctx ends.
func (q *Queue[T]) WaitUntilIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		draining := q.draining
		q.mu.Unlock()
		if !draining {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Len returns the number of items not yet applied.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Draining reports whether the drain loop is active.
func (q *Queue[T]) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Reset drops every pending item and returns how many were dropped. An item
// already handed to apply still completes.
func (q *Queue[T]) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	return n
}

func (q *Queue[T]) run(idle chan struct{}) {
	t := q.newTicker(q.interval)
	defer t.Stop()

	for range t.C() {
		item, ok := q.next(idle)
		if !ok {
			return
		}
		q.apply(item)
		if q.finishIfEmpty(idle) {
			return
		}
	}
}

func (q *Queue[T]) next(idle chan struct{}) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.stop(idle)
		var zero T
		return zero, false
	}
	item := q.pending[0]
	var zero T
	q.pending[0] = zero
	q.pending = q.pending[1:]
	return item, true
}

func (q *Queue[T]) finishIfEmpty(idle chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 {
		return false
	}
	q.stop(idle)
	return true
}

// stop must be called with mu held.
func (q *Queue[T]) stop(idle chan struct{}) {
	q.draining = false
	close(idle)
}
