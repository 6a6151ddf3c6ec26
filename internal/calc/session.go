// Package calc drives one calculation through its lifecycle: it owns the
// Run, starts and stops walks, and feeds fetched records through the drain
// queue into the accumulator.
package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ledger/internal/backoff"
	"ledger/internal/core"
	"ledger/internal/drain"
	"ledger/internal/source"
	"ledger/internal/tally"
	"ledger/internal/walker"
)

// Config describes one calculation feature and its collaborators.
type Config struct {
	Feature    string
	Tasks      []walker.Task
	Classifier tally.Classifier
	Fetcher    source.Fetcher

	Backoff       backoff.Config
	DrainInterval time.Duration

	// Label maps a bucket name to a display label. Optional.
	Label func(bucket string) string

	Sink    Sink
	Metrics Metrics
	Logger  *slog.Logger
}

type entry struct {
	gen      uint64
	rec      core.Record
	category string
}

// flow is one walk of the plan. A Run may see several: one per start,
// resume or retry.
type flow struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	interrupt chan struct{}
	once      sync.Once
	done      chan struct{}
	settled   bool
}

func (f *flow) pause() {
	f.once.Do(func() { close(f.interrupt) })
}

func (f *flow) ended() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Session is the handle a transport drives. Commands are serialized; reads
// never block on a walk.
type Session struct {
	id      string
	cfg     Config
	backoff *backoff.Controller
	walker  *walker.Walker
	queue   *drain.Queue[entry]
	metrics Metrics
	logger  *slog.Logger

	opMu   sync.Mutex // serializes commands
	emitMu sync.Mutex // keeps renders in snapshot order

	mu     sync.Mutex
	run    *Run
	gen    uint64
	seq    uint64
	flow   *flow
	closed bool
}

// New creates an Idle session.
func New(id string, cfg Config) (*Session, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("calc: fetcher is required")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("calc: classifier is required")
	}
	if len(cfg.Tasks) == 0 {
		return nil, errors.New("calc: at least one task is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = Sinks(nil)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id, "feature", cfg.Feature)

	s := &Session{
		id:      id,
		cfg:     cfg,
		backoff: backoff.NewController(cfg.Backoff),
		walker:  walker.New(cfg.Fetcher, logger),
		metrics: metrics,
		logger:  logger,
		run:     newRun(cfg.Tasks),
	}
	s.queue = drain.New(cfg.DrainInterval, s.apply)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Feature() string { return s.cfg.Feature }

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Busy reports whether the calculation is Running or still has a walk or
// queued records in progress. Unlike Snapshot it does not advance Seq.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status == Running {
		return true
	}
	return (s.flow != nil && !s.flow.settled) || s.queue.Len() > 0
}

// Do dispatches a command by name.
func (s *Session) Do(ctx context.Context, cmd Command) (Snapshot, error) {
	switch cmd {
	case CmdStart:
		return s.Start(ctx)
	case CmdPause:
		return s.Pause()
	case CmdCancel:
		return s.Cancel()
	case CmdResume:
		return s.Resume(ctx)
	case CmdRetry:
		return s.Retry(ctx)
	case CmdNew:
		return s.NewCalculation(ctx)
	case CmdDismiss:
		return s.Dismiss()
	default:
		return s.Snapshot(), fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// Start begins a fresh calculation. From Paused, Done or Error the previous
// Run is discarded first.
func (s *Session) Start(ctx context.Context) (Snapshot, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		defer s.mu.Unlock()
		return s.snapshotLocked(), ErrClosed
	}
	if s.run.Status == Running {
		defer s.mu.Unlock()
		return s.snapshotLocked(), ErrAlreadyRunning
	}
	prev := s.flow
	s.mu.Unlock()

	if err := s.stopFlow(ctx, prev); err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	s.resetLocked()
	s.run.StartedAt = time.Now()
	s.transitionLocked(Running)
	s.launchLocked(0)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify()
	return snap, nil
}

// Pause asks the walk to stop at its next checkpoint. A fetch already in
// flight completes and its records are still drained.
func (s *Session) Pause() (Snapshot, error) {
	return s.pause(CmdPause, false)
}

// Cancel pauses and also aborts a fetch in flight.
func (s *Session) Cancel() (Snapshot, error) {
	return s.pause(CmdCancel, true)
}

// Dismiss is the lifecycle signal of a closed view: it pauses a running
// calculation and is a no-op otherwise.
func (s *Session) Dismiss() (Snapshot, error) {
	snap, err := s.pause(CmdDismiss, false)
	var te *TransitionError
	if errors.As(err, &te) {
		return snap, nil
	}
	return snap, err
}

func (s *Session) pause(cmd Command, abort bool) (Snapshot, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.run.Status != Running {
		defer s.mu.Unlock()
		return s.snapshotLocked(), &TransitionError{From: s.run.Status, Command: cmd}
	}
	s.transitionLocked(Paused)
	s.run.RateLimited = false
	if f := s.flow; f != nil {
		f.pause()
		if abort {
			f.cancel()
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify()
	return snap, nil
}

// Resume continues a paused calculation from its saved cursors.
func (s *Session) Resume(ctx context.Context) (Snapshot, error) {
	return s.continueRun(ctx, CmdResume, Paused)
}

// Retry continues a failed calculation. Totals and cursors are kept; only
// the retry budget is reset.
func (s *Session) Retry(ctx context.Context) (Snapshot, error) {
	return s.continueRun(ctx, CmdRetry, Error)
}

// continueRun waits for the previous walk outside opMu so Pause, Cancel and
// Dismiss stay responsive meanwhile. The status is checked again once it
// has gone.
func (s *Session) continueRun(ctx context.Context, cmd Command, from Status) (Snapshot, error) {
	for {
		snap, prev, err := s.continueOnce(cmd, from)
		if err != nil || prev == nil {
			return snap, err
		}
		// The previous walk must be gone before a new one touches the plan.
		if err := waitFlow(ctx, prev); err != nil {
			return s.Snapshot(), err
		}
	}
}

// continueOnce launches the continued walk, or returns the previous walk if
// it is still winding down.
func (s *Session) continueOnce(cmd Command, from Status) (Snapshot, *flow, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		defer s.mu.Unlock()
		return s.snapshotLocked(), nil, ErrClosed
	}
	if s.run.Status != from {
		defer s.mu.Unlock()
		return s.snapshotLocked(), nil, &TransitionError{From: s.run.Status, Command: cmd}
	}
	if prev := s.flow; prev != nil && !prev.ended() {
		s.mu.Unlock()
		return Snapshot{}, prev, nil
	}

	retryCount := s.run.RetryCount
	if cmd == CmdRetry {
		retryCount = 0
		s.run.RetryCount = 0
		s.run.ErrorMessage = ""
		s.run.FinishedAt = time.Time{}
	}
	s.transitionLocked(Running)
	s.launchLocked(retryCount)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify()
	return snap, nil, nil
}

// NewCalculation discards the current Run and returns to Idle.
func (s *Session) NewCalculation(ctx context.Context) (Snapshot, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.run.Status == Running {
		defer s.mu.Unlock()
		return s.snapshotLocked(), &TransitionError{From: Running, Command: CmdNew}
	}
	if s.run.Status == Idle {
		defer s.mu.Unlock()
		return s.snapshotLocked(), nil
	}
	prev := s.flow
	s.mu.Unlock()

	if err := s.stopFlow(ctx, prev); err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	s.resetLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify()
	return snap, nil
}

// Wait blocks until the current walk has ended and every fetched record has
// been applied.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	f := s.flow
	s.mu.Unlock()

	if err := waitFlow(ctx, f); err != nil {
		return err
	}
	return s.queue.WaitUntilIdle(ctx)
}

// Close pauses a running calculation, aborts its walk and rejects further
// starts. Accumulated totals stay readable.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.run.Status == Running {
		s.transitionLocked(Paused)
		s.run.RateLimited = false
	}
	prev := s.flow
	s.mu.Unlock()

	err := s.stopFlow(ctx, prev)
	s.notify()
	return err
}

// resetLocked drops queued records and replaces the Run with a fresh Idle one.
func (s *Session) resetLocked() {
	if n := s.queue.Reset(); n > 0 {
		s.logger.Debug("Dropped queued records", "count", n)
	}
	s.gen++
	s.flow = nil
	s.run = newRun(s.cfg.Tasks)
}

func (s *Session) transitionLocked(to Status) {
	from := s.run.Status
	s.run.Status = to
	s.run.UpdatedAt = time.Now()
	if to.Terminal() {
		s.run.FinishedAt = s.run.UpdatedAt
	}
	s.logger.Debug("Calculation state changed",
		"run_id", s.run.ID,
		"from", string(from),
		"to", string(to))
}

func (s *Session) launchLocked(retryCount int) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &flow{
		gen:       s.gen,
		ctx:       ctx,
		cancel:    cancel,
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.flow = f
	go s.runFlow(f, s.run.Plan, s.backoff.Track(retryCount))
}

func (s *Session) runFlow(f *flow, plan *walker.Plan, tracker *backoff.Tracker) {
	defer close(f.done)
	defer f.cancel()

	res := s.walker.Walk(f.ctx, plan, tracker, walker.Hooks{
		IsStillRunning: func() bool { return s.current(f) },
		AwaitIdle:      s.queue.WaitUntilIdle,
		OnPage:         func(_ context.Context, p walker.Page) error { return s.commitPage(f, p) },
		OnDecision:     func(d backoff.Decision) { s.observe(f, d) },
		Interrupt:      f.interrupt,
	})

	// Records of delivered pages are applied before the walk settles, even
	// when it ended in a pause.
	_ = s.queue.WaitUntilIdle(f.ctx)

	s.mu.Lock()
	if s.gen != f.gen {
		s.mu.Unlock()
		return
	}
	f.settled = true
	finished := Status("")
	if s.run.Status == Running {
		switch res.Status {
		case walker.Exhausted:
			s.transitionLocked(Done)
			finished = Done
		case walker.Failed:
			s.run.ErrorMessage = res.Err.Error()
			s.run.RateLimited = false
			s.transitionLocked(Error)
			finished = Error
		}
	}
	s.mu.Unlock()

	if finished != "" {
		s.metrics.RunFinished(s.cfg.Feature, finished)
	}
	s.logger.Debug("Walk ended", "result", res.Status.String(), "pages", res.Pages)
	s.notify()
}

// current reports whether f is the live walk of a Running calculation.
func (s *Session) current(f *flow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == f.gen && s.flow == f && s.run.Status == Running
}

var errStaleFlow = errors.New("calculation was replaced")

func (s *Session) commitPage(f *flow, p walker.Page) error {
	s.mu.Lock()
	if s.gen != f.gen {
		s.mu.Unlock()
		return errStaleFlow
	}
	if !s.run.commit(p) {
		s.mu.Unlock()
		s.logger.Warn("Skipping page already committed",
			"task_index", p.TaskIndex,
			"task", p.Task.Type)
		return nil
	}
	s.run.UpdatedAt = time.Now()
	entries := make([]entry, len(p.Records))
	for i, rec := range p.Records {
		entries[i] = entry{gen: f.gen, rec: rec, category: p.Task.Category}
	}
	s.mu.Unlock()

	s.queue.Enqueue(entries...)
	s.metrics.PageFetched(s.cfg.Feature, len(p.Records))
	return nil
}

func (s *Session) observe(f *flow, d backoff.Decision) {
	s.mu.Lock()
	if s.gen != f.gen {
		s.mu.Unlock()
		return
	}
	s.run.RetryCount = d.RetryCount
	rateLimited := d.RateLimited() && s.run.Status == Running
	changed := s.run.RateLimited != rateLimited
	s.run.RateLimited = rateLimited
	s.mu.Unlock()

	if d.Kind == backoff.WaitThenRetry || d.Kind == backoff.RateLimitedWaitThenRetry {
		s.metrics.FetchRetried(s.cfg.Feature, d.RateLimited())
	}
	if changed {
		s.notify()
	}
}

func (s *Session) apply(e entry) {
	s.mu.Lock()
	if s.gen != e.gen {
		s.mu.Unlock()
		return
	}
	counted := s.run.Acc.Apply(e.rec, e.category, s.cfg.Classifier)
	s.run.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.metrics.RecordDrained(s.cfg.Feature, counted)
	s.notify()
}

// notify renders the current state.
func (s *Session) notify() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.cfg.Sink.Render(s.Snapshot())
}

func (s *Session) stopFlow(ctx context.Context, f *flow) error {
	if f == nil {
		return nil
	}
	f.pause()
	f.cancel()
	return waitFlow(ctx, f)
}

func waitFlow(ctx context.Context, f *flow) error {
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for previous walk: %w", ctx.Err())
	}
}

func (s *Session) snapshotLocked() Snapshot {
	s.seq++
	r := s.run
	breakdown := r.Acc.Breakdown()
	if s.cfg.Label != nil {
		for i := range breakdown {
			breakdown[i].Label = s.cfg.Label(breakdown[i].Name)
		}
	}
	return Snapshot{
		Seq:         s.seq,
		SessionID:   s.id,
		RunID:       r.ID,
		Feature:     s.cfg.Feature,
		Status:      r.Status,
		Total:       r.Acc.Total(),
		Processed:   r.Acc.Processed(),
		Counted:     r.Acc.Counted(),
		Breakdown:   breakdown,
		RateLimited: r.RateLimited,
		RetryCount:  r.RetryCount,
		Error:       r.ErrorMessage,
		TaskIndex:   r.Plan.Index(),
		TaskCount:   r.Plan.Len(),
		Pages:       r.Pages,
		Pending:     s.queue.Len(),
		Active:      s.flow != nil && !s.flow.settled,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
