package calc

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/backoff"
	"ledger/internal/core"
	"ledger/internal/source"
	"ledger/internal/tally"
	"ledger/internal/walker"
)

// ledgerStub serves cursor-addressed pages: cursor "" is page 0, cursor "n"
// is page n. Queued failures are returned before pages once failAfter pages
// have been served.
type ledgerStub struct {
	mu        sync.Mutex
	pages     map[string][][]core.Record
	failures  []error
	failAfter int
	served    int
	calls     int
	onServe   func(served int)
	block     chan struct{}
}

func (l *ledgerStub) FetchPage(ctx context.Context, taskType, cursor string) (core.Page, error) {
	l.mu.Lock()
	l.calls++
	block := l.block
	l.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return core.Page{}, ctx.Err()
		}
	}

	l.mu.Lock()
	if l.served >= l.failAfter && len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		l.mu.Unlock()
		return core.Page{}, err
	}
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	pages := l.pages[taskType]
	var p core.Page
	if idx < len(pages) {
		p.Records = pages[idx]
	}
	if idx+1 < len(pages) {
		p.NextCursor = strconv.Itoa(idx + 1)
	}
	l.served++
	served := l.served
	hook := l.onServe
	l.mu.Unlock()

	if hook != nil {
		hook(served)
	}
	return p, nil
}

func (l *ledgerStub) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type snapRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapRecorder) Render(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapRecorder) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func recs(amounts ...int) []core.Record {
	out := make([]core.Record, len(amounts))
	for i, a := range amounts {
		out[i] = core.Record{"amount": a}
	}
	return out
}

var saleTask = walker.Task{Type: "sale", Category: "sales"}

type option func(*Config)

func withSink(s Sink) option { return func(c *Config) { c.Sink = s } }

func withDrain(d time.Duration) option { return func(c *Config) { c.DrainInterval = d } }

func withTasks(tasks ...walker.Task) option { return func(c *Config) { c.Tasks = tasks } }

func newTestSession(t *testing.T, f source.Fetcher, opts ...option) *Session {
	t.Helper()
	cfg := Config{
		Feature: "earned",
		Tasks:   []walker.Task{saleTask},
		Classifier: tally.Rules{
			Include: tally.Positive(),
			Key:     tally.FirstField(tally.DefaultBucket, "category", "transactionType"),
		},
		Fetcher: f,
		Backoff: backoff.Config{
			RetryDelay:        time.Millisecond,
			RateLimitCooldown: time.Millisecond,
			MaxRetries:        5,
		},
		DrainInterval: time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := New("session-1", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func settle(t *testing.T, s *Session) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	return s.Snapshot()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSession_ThreePageScenario(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{
		"sale": {recs(100, 50), recs(25, -10), recs(5, 5)},
	}}
	s := newTestSession(t, stub)

	snap, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Running, snap.Status)

	snap = settle(t, s)
	assert.Equal(t, Done, snap.Status)
	assert.True(t, snap.Total.Equal(dec("185")), "total = %s", snap.Total)
	assert.Equal(t, 5, snap.Counted)
	assert.Equal(t, 6, snap.Processed)
	assert.Equal(t, 3, snap.Pages)
	assert.True(t, snap.Settled())
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestSession_MultipleTasks(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{
		"sale":   {recs(10), recs(20)},
		"payout": {{{"amount": 7, "category": "group"}}},
	}}
	s := newTestSession(t, stub, withTasks(saleTask, walker.Task{Type: "payout", Category: "payouts"}))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	snap := settle(t, s)

	require.Equal(t, Done, snap.Status)
	assert.True(t, snap.Total.Equal(dec("37")))
	assert.Equal(t, 2, snap.TaskIndex)
	assert.Equal(t, 2, snap.TaskCount)
	require.Len(t, snap.Breakdown, 2)
	assert.Equal(t, tally.DefaultBucket, snap.Breakdown[0].Name)
	assert.Equal(t, "group", snap.Breakdown[1].Name)
}

func TestSession_RateLimitedTwice(t *testing.T) {
	stub := &ledgerStub{
		pages:    map[string][][]core.Record{"sale": {recs(10, 20)}},
		failures: []error{source.RateLimited(0, nil), source.RateLimited(0, nil)},
	}
	rec := &snapRecorder{}
	s := newTestSession(t, stub, withSink(rec))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	snap := settle(t, s)

	require.Equal(t, Done, snap.Status)
	assert.False(t, snap.RateLimited)
	assert.True(t, snap.Total.Equal(dec("30")))
	assert.Equal(t, 3, stub.Calls())

	var sawLimited bool
	for _, sn := range rec.All() {
		assert.Equal(t, 0, sn.RetryCount)
		if sn.RateLimited {
			sawLimited = true
			assert.Equal(t, Running, sn.Status)
			assert.Equal(t, 0, sn.Processed)
		}
		if sn.Processed > 0 {
			assert.False(t, sn.RateLimited)
		}
	}
	assert.True(t, sawLimited, "rate-limited flag never rendered")
}

func TestSession_PauseMidDrain(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{
		"sale": {recs(1, 1, 1, 1, 1, 1, 1, 1, 1, 1), recs(100)},
	}}
	s := newTestSession(t, stub, withDrain(20*time.Millisecond))

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Snapshot().Processed >= 1 }, 2*time.Second, time.Millisecond)
	snap, err := s.Pause()
	require.NoError(t, err)
	assert.Equal(t, Paused, snap.Status)
	assert.Less(t, snap.Processed, 10)

	snap = settle(t, s)
	assert.Equal(t, Paused, snap.Status)
	assert.Equal(t, 10, snap.Processed)
	assert.Equal(t, 10, snap.Counted)
	assert.True(t, snap.Total.Equal(dec("10")))
	assert.Equal(t, 1, stub.Calls())
	assert.True(t, snap.Settled())

	_, err = s.Resume(context.Background())
	require.NoError(t, err)
	snap = settle(t, s)
	assert.Equal(t, Done, snap.Status)
	assert.True(t, snap.Total.Equal(dec("110")))
}

func TestSession_ResumeIsIdempotent(t *testing.T) {
	pages := [][]core.Record{recs(5, -1), recs(7), recs(11, 13), recs(-2, 17), recs(19)}

	reference := func() Snapshot {
		stub := &ledgerStub{pages: map[string][][]core.Record{"sale": pages}}
		s := newTestSession(t, stub)
		_, err := s.Start(context.Background())
		require.NoError(t, err)
		return settle(t, s)
	}()
	require.Equal(t, Done, reference.Status)

	for pauseAfter := 1; pauseAfter < len(pages); pauseAfter++ {
		t.Run(strconv.Itoa(pauseAfter), func(t *testing.T) {
			stub := &ledgerStub{pages: map[string][][]core.Record{"sale": pages}}
			s := newTestSession(t, stub)
			stub.onServe = func(served int) {
				if served == pauseAfter {
					_, _ = s.Pause()
				}
			}

			_, err := s.Start(context.Background())
			require.NoError(t, err)
			snap := settle(t, s)
			require.Equal(t, Paused, snap.Status)
			require.Equal(t, pauseAfter, snap.Pages)

			_, err = s.Resume(context.Background())
			require.NoError(t, err)
			snap = settle(t, s)

			require.Equal(t, Done, snap.Status)
			assert.True(t, reference.Total.Equal(snap.Total))
			assert.Equal(t, reference.Processed, snap.Processed)
			assert.Equal(t, reference.Counted, snap.Counted)
			assert.Equal(t, len(pages), snap.Pages)
			assert.Equal(t, len(pages), stub.Calls())
		})
	}
}

func TestSession_FailsAfterFiveTransientFailuresThenRetries(t *testing.T) {
	boom := errors.New("503 service unavailable")
	stub := &ledgerStub{
		pages:     map[string][][]core.Record{"sale": {recs(100), recs(5)}},
		failures:  []error{boom, boom, boom, boom, boom},
		failAfter: 1,
	}
	s := newTestSession(t, stub)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	snap := settle(t, s)

	require.Equal(t, Error, snap.Status)
	assert.Contains(t, snap.Error, "503 service unavailable")
	assert.True(t, snap.Total.Equal(dec("100")), "accumulator keeps the last good page")
	assert.Equal(t, 5, snap.RetryCount)
	assert.Equal(t, 6, stub.Calls())

	snap, err = s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Running, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 0, snap.RetryCount)

	snap = settle(t, s)
	require.Equal(t, Done, snap.Status)
	assert.True(t, snap.Total.Equal(dec("105")))
	assert.Equal(t, 2, snap.Counted)
}

func TestSession_FatalErrorFailsImmediately(t *testing.T) {
	stub := &ledgerStub{
		pages:    map[string][][]core.Record{"sale": {recs(1)}},
		failures: []error{source.Fatal(errors.New("no authenticated user"))},
	}
	s := newTestSession(t, stub)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	snap := settle(t, s)

	assert.Equal(t, Error, snap.Status)
	assert.Contains(t, snap.Error, "no authenticated user")
	assert.Equal(t, 1, stub.Calls())
}

func TestSession_StartWhileRunningAndCancel(t *testing.T) {
	stub := &ledgerStub{
		pages: map[string][][]core.Record{"sale": {recs(1)}},
		block: make(chan struct{}),
	}
	s := newTestSession(t, stub)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stub.Calls() == 1 }, time.Second, time.Millisecond)

	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	snap, err := s.Cancel()
	require.NoError(t, err)
	assert.Equal(t, Paused, snap.Status)

	snap = settle(t, s)
	assert.Equal(t, Paused, snap.Status)
	assert.Equal(t, 0, snap.Processed)
	assert.Equal(t, 0, snap.RetryCount)
}

func TestSession_StartFromPausedDiscardsRun(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{"sale": {recs(3), recs(4)}}}
	s := newTestSession(t, stub)
	stub.onServe = func(served int) {
		if served == 1 {
			_, _ = s.Pause()
		}
	}

	first, err := s.Start(context.Background())
	require.NoError(t, err)
	paused := settle(t, s)
	require.Equal(t, Paused, paused.Status)
	require.True(t, paused.Total.Equal(dec("3")))

	second, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 0, second.Processed)

	snap := settle(t, s)
	assert.Equal(t, Done, snap.Status)
	assert.True(t, snap.Total.Equal(dec("7")))
}

func TestSession_NewCalculation(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{"sale": {recs(8)}}}
	s := newTestSession(t, stub)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, Done, settle(t, s).Status)

	snap, err := s.NewCalculation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, snap.Status)
	assert.True(t, snap.Total.IsZero())
	assert.Equal(t, 0, snap.Processed)

	_, err = s.Start(context.Background())
	require.NoError(t, err)
	snap = settle(t, s)
	assert.Equal(t, Done, snap.Status)
	assert.True(t, snap.Total.Equal(dec("8")))
}

func TestSession_InvalidTransitions(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{"sale": {recs(1)}}}
	s := newTestSession(t, stub)
	ctx := context.Background()

	tests := []struct {
		name string
		do   func() (Snapshot, error)
		cmd  Command
	}{
		{"pause idle", s.Pause, CmdPause},
		{"cancel idle", s.Cancel, CmdCancel},
		{"resume idle", func() (Snapshot, error) { return s.Resume(ctx) }, CmdResume},
		{"retry idle", func() (Snapshot, error) { return s.Retry(ctx) }, CmdRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := tt.do()
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, Idle, te.From)
			assert.Equal(t, tt.cmd, te.Command)
			assert.Equal(t, Idle, snap.Status)
		})
	}

	snap, err := s.Dismiss()
	assert.NoError(t, err)
	assert.Equal(t, Idle, snap.Status)

	snap, err = s.NewCalculation(ctx)
	assert.NoError(t, err)
	assert.Equal(t, Idle, snap.Status)
}

func TestSession_DismissPausesRunning(t *testing.T) {
	stub := &ledgerStub{
		pages: map[string][][]core.Record{"sale": {recs(1)}},
		block: make(chan struct{}),
	}
	s := newTestSession(t, stub)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stub.Calls() == 1 }, time.Second, time.Millisecond)

	snap, err := s.Dismiss()
	require.NoError(t, err)
	assert.Equal(t, Paused, snap.Status)

	close(stub.block)
	snap = settle(t, s)
	assert.Equal(t, Paused, snap.Status)
	assert.Equal(t, 1, snap.Processed, "the in-flight page is still delivered")
}

func TestSession_CommandsStayResponsiveWhileResumeWaits(t *testing.T) {
	stub := &ledgerStub{
		pages: map[string][][]core.Record{"sale": {recs(3)}},
		block: make(chan struct{}),
	}
	s := newTestSession(t, stub)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stub.Calls() == 1 }, time.Second, time.Millisecond)
	_, err = s.Pause()
	require.NoError(t, err)

	type result struct {
		snap Snapshot
		err  error
	}
	resumed := make(chan result, 1)
	go func() {
		snap, err := s.Resume(context.Background())
		resumed <- result{snap, err}
	}()

	select {
	case <-resumed:
		t.Fatal("Resume returned before the previous walk ended")
	case <-time.After(20 * time.Millisecond):
	}

	commands := []struct {
		name    string
		do      func() (Snapshot, error)
		wantErr bool
	}{
		{name: "dismiss", do: s.Dismiss},
		{name: "pause", do: s.Pause, wantErr: true},
		{name: "cancel", do: s.Cancel, wantErr: true},
	}
	for _, tt := range commands {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() {
				_, err := tt.do()
				done <- err
			}()
			select {
			case err := <-done:
				if tt.wantErr {
					var te *TransitionError
					assert.ErrorAs(t, err, &te)
				} else {
					assert.NoError(t, err)
				}
			case <-time.After(time.Second):
				t.Fatal("command blocked behind a waiting Resume")
			}
		})
	}

	close(stub.block)
	select {
	case r := <-resumed:
		require.NoError(t, r.err)
		assert.Equal(t, Running, r.snap.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Resume did not complete")
	}
	snap := settle(t, s)
	assert.Equal(t, Done, snap.Status)
	assert.True(t, snap.Total.Equal(dec("3")))
}

func TestSession_Busy(t *testing.T) {
	stub := &ledgerStub{
		pages: map[string][][]core.Record{"sale": {recs(1)}},
		block: make(chan struct{}),
	}
	s := newTestSession(t, stub)
	assert.False(t, s.Busy(), "idle")

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stub.Calls() == 1 }, time.Second, time.Millisecond)
	assert.True(t, s.Busy(), "running")

	_, err = s.Pause()
	require.NoError(t, err)
	assert.True(t, s.Busy(), "paused with a fetch in flight")

	close(stub.block)
	settle(t, s)
	assert.False(t, s.Busy(), "paused and settled")
}

func TestSession_Do(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{"sale": {recs(2)}}}
	s := newTestSession(t, stub)

	_, err := s.Do(context.Background(), Command("explode"))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = s.Do(context.Background(), CmdStart)
	require.NoError(t, err)
	assert.Equal(t, Done, settle(t, s).Status)

	cmd, err := ParseCommand("retry")
	require.NoError(t, err)
	assert.Equal(t, CmdRetry, cmd)
	_, err = ParseCommand("nope")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestSession_Close(t *testing.T) {
	stub := &ledgerStub{
		pages: map[string][][]core.Record{"sale": {recs(1)}},
		block: make(chan struct{}),
	}
	s := newTestSession(t, stub)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, Paused, s.Snapshot().Status)

	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Resume(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_Labels(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{
		"sale": {{{"amount": 4, "transactionType": "Sale"}}},
	}}
	s := newTestSession(t, stub, func(c *Config) {
		c.Label = func(name string) string { return "label:" + name }
	})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	snap := settle(t, s)
	require.Len(t, snap.Breakdown, 1)
	assert.Equal(t, "label:Sale", snap.Breakdown[0].Label)
}

func TestSession_RendersInOrder(t *testing.T) {
	stub := &ledgerStub{pages: map[string][][]core.Record{"sale": {recs(1, 2, 3), recs(4)}}}
	rec := &snapRecorder{}
	s := newTestSession(t, stub, withSink(rec))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	settle(t, s)

	snaps := rec.All()
	require.NotEmpty(t, snaps)
	for i := 1; i < len(snaps); i++ {
		assert.Greater(t, snaps[i].Seq, snaps[i-1].Seq)
		assert.GreaterOrEqual(t, snaps[i].Processed, snaps[i-1].Processed)
	}
	assert.Equal(t, Done, snaps[len(snaps)-1].Status)
}

func TestRun_CommitSkipsDuplicatePage(t *testing.T) {
	r := newRun([]walker.Task{saleTask})
	p := walker.Page{Position: walker.Position{TaskIndex: 0, Cursor: "3"}}

	assert.True(t, r.commit(p))
	assert.False(t, r.commit(p))
	p.Cursor = "4"
	assert.True(t, r.commit(p))
	assert.Equal(t, 2, r.Pages)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("x", Config{})
	assert.Error(t, err)
	_, err = New("x", Config{Fetcher: &ledgerStub{}, Classifier: tally.Rules{}})
	assert.Error(t, err)
}
