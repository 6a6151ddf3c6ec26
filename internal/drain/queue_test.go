package drain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// manualTicker delivers ticks only when the test asks for them.
type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type recorder struct {
	mu    sync.Mutex
	items []int
	seen  chan int
}

func newRecorder() *recorder { return &recorder{seen: make(chan int, 1024)} }

func (r *recorder) apply(v int) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
	r.seen <- v
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.items...)
}

func newManualQueue(apply func(int)) (*Queue[int], chan chan time.Time) {
	q := New(time.Hour, apply)
	tickers := make(chan chan time.Time, 16)
	q.newTicker = func(time.Duration) ticker {
		ch := make(chan time.Time)
		tickers <- ch
		return &manualTicker{ch: ch}
	}
	return q, tickers
}

func TestQueue_OneItemPerTick(t *testing.T) {
	rec := newRecorder()
	q, tickers := newManualQueue(rec.apply)

	q.Enqueue(1, 2, 3)
	tick := <-tickers

	for i, want := range []int{1, 2, 3} {
		require.Equal(t, 3-i, q.Len())
		tick <- time.Now()
		require.Equal(t, want, <-rec.seen)
		assert.Len(t, rec.snapshot(), i+1)
	}

	require.NoError(t, q.WaitUntilIdle(context.Background()))
	assert.False(t, q.Draining())
	assert.Equal(t, []int{1, 2, 3}, rec.snapshot())
}

func TestQueue_WaitUntilIdleNeverEarly(t *testing.T) {
	rec := newRecorder()
	q, tickers := newManualQueue(rec.apply)

	q.Enqueue(1, 2)
	tick := <-tickers

	done := make(chan error, 1)
	go func() { done <- q.WaitUntilIdle(context.Background()) }()

	tick <- time.Now()
	<-rec.seen
	select {
	case <-done:
		t.Fatal("WaitUntilIdle resolved with an item pending")
	case <-time.After(20 * time.Millisecond):
	}

	tick <- time.Now()
	<-rec.seen
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitUntilIdle did not resolve after the queue emptied")
	}
}

func TestQueue_WaitUntilIdleCoversApply(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	q, tickers := newManualQueue(func(int) {
		close(started)
		<-release
	})

	q.Enqueue(1)
	(<-tickers) <- time.Now()
	<-started

	require.Equal(t, 0, q.Len())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitUntilIdle(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.WaitUntilIdle(context.Background()))
}

func TestQueue_RestartsAfterIdle(t *testing.T) {
	rec := newRecorder()
	q, tickers := newManualQueue(rec.apply)

	q.Enqueue(1)
	(<-tickers) <- time.Now()
	<-rec.seen
	require.NoError(t, q.WaitUntilIdle(context.Background()))

	q.Enqueue(2)
	(<-tickers) <- time.Now()
	<-rec.seen
	require.NoError(t, q.WaitUntilIdle(context.Background()))
	assert.Equal(t, []int{1, 2}, rec.snapshot())
}

func TestQueue_Reset(t *testing.T) {
	rec := newRecorder()
	q, tickers := newManualQueue(rec.apply)

	q.Enqueue(1, 2, 3)
	tick := <-tickers
	tick <- time.Now()
	<-rec.seen

	assert.Equal(t, 2, q.Reset())
	// The loop either already stopped or is parked on the next tick.
	select {
	case tick <- time.Now():
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, q.WaitUntilIdle(context.Background()))
	assert.Equal(t, []int{1}, rec.snapshot())
}

func TestQueue_IdleWhenEmpty(t *testing.T) {
	q := New(time.Millisecond, func(int) {})
	require.NoError(t, q.WaitUntilIdle(context.Background()))
	q.Enqueue()
	assert.False(t, q.Draining())
}

func TestQueue_PreservesOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		batches := rapid.SliceOfN(rapid.SliceOfN(rapid.Int(), 0, 8), 1, 6).Draw(t, "batches")

		var (
			mu  sync.Mutex
			got []int
		)
		q := New(50*time.Microsecond, func(v int) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})

		var want []int
		for _, b := range batches {
			q.Enqueue(b...)
			want = append(want, b...)
			if err := q.WaitUntilIdle(context.Background()); err != nil {
				t.Fatalf("wait: %v", err)
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if len(got) != len(want) {
			t.Fatalf("applied %d items, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("item %d = %d, want %d", i, got[i], want[i])
			}
		}
	})
}
