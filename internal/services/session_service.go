package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledger/internal/amqp"
	"ledger/internal/backoff"
	"ledger/internal/cache"
	"ledger/internal/calc"
	"ledger/internal/log"
	"ledger/internal/profiles"
	"ledger/internal/source"
	"ledger/internal/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrHistoryDisabled = errors.New("run history is disabled")
	ErrServiceClosed   = errors.New("session service closed")
	ErrInvalidID       = errors.New("session id is required")
	ErrFeatureMismatch = errors.New("session belongs to another feature")
)

const (
	DefaultCacheSize       = 256
	DefaultSessionTTL      = 2 * time.Hour
	DefaultCleanupInterval = 10 * time.Minute

	outboxSize    = 256
	outboxTimeout = 10 * time.Second
)

// HistoryStore records finished runs.
type HistoryStore interface {
	SaveRun(ctx context.Context, rec storage.RunRecord) error
	GetRun(ctx context.Context, runID string) (storage.RunRecord, error)
	ListRuns(ctx context.Context, feature string, limit int) ([]storage.RunRecord, error)
}

// EventPublisher announces status transitions.
type EventPublisher interface {
	PublishRunEvent(ctx context.Context, msg *amqp.RunEventMessage) error
}

// Options configures a SessionService. Profiles and Fetcher are required.
type Options struct {
	Profiles profiles.Registry
	Fetcher  source.Fetcher
	History  HistoryStore   // optional
	Events   EventPublisher // optional
	Metrics  calc.Metrics   // optional

	Backoff       backoff.Config
	DrainInterval time.Duration

	CacheSize       int
	SessionTTL      time.Duration
	CleanupInterval time.Duration

	Logger *log.Logger
}

// Feature describes a calculation a client can start.
type Feature struct {
	Name   string          `json:"name"`
	Labels profiles.Labels `json:"labels"`
	Tasks  []string        `json:"tasks"`
}

// tracker remembers the last status a session rendered.
type tracker struct {
	status calc.Status
}

type outboxItem struct {
	from calc.Status
	snap calc.Snapshot
}

// SessionService owns the live calculation sessions. Transports (HTTP,
// AMQP, CLI) drive sessions only through it.
type SessionService struct {
	opts       Options
	logger     *log.Logger
	structured *log.StructuredLogger

	sessions *cache.LRUCache[*calc.Session]
	manager  *cache.Manager
	broker   *Broker

	createMu sync.Mutex // serializes Open

	mu       sync.Mutex // guards trackers and the flags below
	trackers map[string]*tracker
	closed   bool // no new sessions
	sealed   bool // outbox closed

	outbox     chan outboxItem
	outboxDone chan struct{}
	closeOnce  sync.Once
}

// NewSessionService validates opts and starts the background sweep and the
// event outbox.
func NewSessionService(opts Options) (*SessionService, error) {
	if len(opts.Profiles) == 0 {
		return nil, errors.New("services: at least one profile is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("services: fetcher is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Backoff == (backoff.Config{}) {
		opts.Backoff = backoff.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentSession)

	s := &SessionService{
		opts:       opts,
		logger:     logger,
		structured: log.NewStructuredLogger(logger),
		sessions:   cache.NewLRUCache[*calc.Session](opts.CacheSize, opts.SessionTTL),
		manager:    cache.NewManager(logger.WithComponent(log.ComponentCache).Slog()),
		broker:     NewBroker(),
		trackers:   make(map[string]*tracker),
		outbox:     make(chan outboxItem, outboxSize),
		outboxDone: make(chan struct{}),
	}
	s.sessions.OnEvict(s.evicted)
	// Running calculations may wait out rate limits for any length of time.
	s.sessions.Pin(func(_ string, sess *calc.Session) bool { return sess.Busy() })
	s.manager.Register("sessions", s.sessions)
	s.manager.StartCleanup(opts.CleanupInterval)
	go s.drainOutbox()
	return s, nil
}

// Features lists the configured features in name order.
func (s *SessionService) Features() []Feature {
	names := s.opts.Profiles.Names()
	out := make([]Feature, 0, len(names))
	for _, name := range names {
		p := s.opts.Profiles[name]
		tasks := make([]string, len(p.Tasks))
		for i, t := range p.Tasks {
			tasks[i] = t.Type
		}
		out = append(out, Feature{Name: p.Name, Labels: p.Labels, Tasks: tasks})
	}
	return out
}

// Create opens a new Idle session for feature under a fresh ID.
func (s *SessionService) Create(ctx context.Context, feature string) (*calc.Session, error) {
	return s.Open(ctx, uuid.NewString(), feature)
}

// Open returns the session with id, creating it for feature when it does
// not exist yet. An existing session is returned only when feature is empty
// or names its own feature.
func (s *SessionService) Open(ctx context.Context, id, feature string) (*calc.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidID
	}

	// Eviction inside Set closes a session, which renders through s.mu, so
	// only createMu is held here.
	s.createMu.Lock()
	defer s.createMu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrServiceClosed
	}
	feature = strings.TrimSpace(feature)
	if sess, ok := s.sessions.Get(id); ok {
		if feature != "" && feature != sess.Feature() {
			return nil, fmt.Errorf("%w: %s is %s, not %s", ErrFeatureMismatch, id, sess.Feature(), feature)
		}
		return sess, nil
	}

	profile, err := s.opts.Profiles.Lookup(feature)
	if err != nil {
		return nil, err
	}
	sess, err := calc.New(id, calc.Config{
		Feature:       profile.Name,
		Tasks:         profile.Tasks,
		Classifier:    profile.Rules,
		Fetcher:       s.opts.Fetcher,
		Backoff:       s.opts.Backoff,
		DrainInterval: s.opts.DrainInterval,
		Label:         profile.Labels.Bucket,
		Sink:          calc.SinkFunc(s.render),
		Metrics:       s.opts.Metrics,
		Logger:        s.logger.Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.mu.Lock()
	s.trackers[id] = &tracker{status: calc.Idle}
	s.mu.Unlock()
	s.sessions.Set(id, sess)

	s.logger.InfoContext(ctx, "Session created",
		log.FieldSessionID, id,
		log.FieldFeature, profile.Name)
	return sess, nil
}

// Get looks up a live session.
func (s *SessionService) Get(id string) (*calc.Session, error) {
	if sess, ok := s.sessions.Get(id); ok {
		return sess, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Snapshot returns the current state of a session.
func (s *SessionService) Snapshot(id string) (calc.Snapshot, error) {
	sess, err := s.Get(id)
	if err != nil {
		return calc.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Execute runs a command by name on a session.
func (s *SessionService) Execute(ctx context.Context, id, command string) (calc.Snapshot, error) {
	cmd, err := calc.ParseCommand(strings.ToLower(strings.TrimSpace(command)))
	if err != nil {
		return calc.Snapshot{}, err
	}
	sess, err := s.Get(id)
	if err != nil {
		return calc.Snapshot{}, err
	}
	snap, err := sess.Do(ctx, cmd)
	if err != nil {
		return snap, err
	}
	s.structured.LogCommand(ctx, id, string(cmd), string(snap.Status))
	return snap, nil
}

// Subscribe streams snapshots of a session, starting with the current one.
func (s *SessionService) Subscribe(id string) (<-chan calc.Snapshot, func(), error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.broker.Subscribe(id)
	s.broker.Publish(sess.Snapshot())
	return ch, cancel, nil
}

// History lists recorded runs, newest first. An empty feature lists all.
func (s *SessionService) History(ctx context.Context, feature string, limit int) ([]storage.RunRecord, error) {
	if s.opts.History == nil {
		return nil, ErrHistoryDisabled
	}
	if feature != "" {
		if _, err := s.opts.Profiles.Lookup(feature); err != nil {
			return nil, err
		}
	}
	return s.opts.History.ListRuns(ctx, feature, limit)
}

// HistoryRun returns one recorded run.
func (s *SessionService) HistoryRun(ctx context.Context, runID string) (storage.RunRecord, error) {
	if s.opts.History == nil {
		return storage.RunRecord{}, ErrHistoryDisabled
	}
	return s.opts.History.GetRun(ctx, runID)
}

// Remove closes a session and forgets it.
func (s *SessionService) Remove(ctx context.Context, id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	s.sessions.Delete(id)
	err = sess.Close(ctx)
	s.forget(id)
	return err
}

// Len reports the number of live sessions.
func (s *SessionService) Len() int { return s.sessions.Size() }

// Close stops the sweep, closes every session and flushes pending events.
func (s *SessionService) Close(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.manager.Stop()
		for _, sess := range s.sessions.Values() {
			if err := sess.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close session %s: %w", sess.ID(), err))
			}
			s.broker.CloseSession(sess.ID())
		}

		// Pauses caused by the closes above are already queued.
		s.mu.Lock()
		s.sealed = true
		close(s.outbox)
		s.mu.Unlock()
		select {
		case <-s.outboxDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("flush events: %w", ctx.Err()))
		}
	})
	return errors.Join(errs...)
}

// evicted closes sessions dropped for capacity or idleness. Busy sessions
// are pinned and never reach it.
func (s *SessionService) evicted(id string, sess *calc.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), outboxTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		s.logger.Warn("Closing evicted session failed", log.FieldSessionID, id, log.FieldError, err)
	}
	s.forget(id)
	s.logger.Info("Session evicted", log.FieldSessionID, id)
}

func (s *SessionService) forget(id string) {
	s.broker.CloseSession(id)
	s.mu.Lock()
	delete(s.trackers, id)
	s.mu.Unlock()
}

// render is every session's sink. It runs on session goroutines, so it only
// hands work off and never calls back into a session.
func (s *SessionService) render(snap calc.Snapshot) {
	s.broker.Publish(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[snap.SessionID]
	if !ok || t.status == snap.Status {
		return
	}
	from := t.status
	t.status = snap.Status
	if s.sealed {
		s.structured.LogTransition(context.Background(), snap.SessionID, snap.RunID, snap.Feature,
			string(from), string(snap.Status), snap.RetryCount)
		return
	}
	select {
	case s.outbox <- outboxItem{from: from, snap: snap}:
	default:
		s.logger.Warn("Event outbox full, dropping transition",
			log.FieldSessionID, snap.SessionID,
			log.FieldFrom, string(from),
			log.FieldTo, string(snap.Status))
	}
}

func (s *SessionService) drainOutbox() {
	defer close(s.outboxDone)
	for item := range s.outbox {
		s.handleTransition(item)
	}
}

func (s *SessionService) handleTransition(item outboxItem) {
	ctx, cancel := context.WithTimeout(context.Background(), outboxTimeout)
	defer cancel()
	snap := item.snap

	s.structured.LogTransition(ctx, snap.SessionID, snap.RunID, snap.Feature,
		string(item.from), string(snap.Status), snap.RetryCount)

	if snap.Status.Terminal() && s.opts.History != nil {
		if err := s.opts.History.SaveRun(ctx, runRecord(snap)); err != nil {
			s.structured.LogError(ctx, "Recording run failed", err, log.ComponentStorage, log.OpRecord,
				log.NewFields().WithSession(snap.SessionID, snap.Feature).WithRun(snap.RunID))
		}
	}
	if s.opts.Events != nil {
		if err := s.opts.Events.PublishRunEvent(ctx, amqp.NewRunEventMessage(item.from, snap)); err != nil {
			s.structured.LogError(ctx, "Publishing run event failed", err, log.ComponentAMQP, log.OpPublish,
				log.NewFields().WithSession(snap.SessionID, snap.Feature).WithRun(snap.RunID))
		}
	}
}

func runRecord(snap calc.Snapshot) storage.RunRecord {
	return storage.RunRecord{
		RunID:      snap.RunID,
		SessionID:  snap.SessionID,
		Feature:    snap.Feature,
		Status:     string(snap.Status),
		Total:      snap.Total,
		Processed:  snap.Processed,
		Counted:    snap.Counted,
		Pages:      snap.Pages,
		RetryCount: snap.RetryCount,
		Error:      snap.Error,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
		Buckets:    snap.Breakdown,
	}
}
