// Package http exposes the calculation sessions as a JSON control API with
// a Server-Sent Events stream per session.
package http

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ledger/internal/calc"
	"ledger/internal/log"
	"ledger/internal/middleware/ratelimit"
	"ledger/internal/middleware/security"
	"ledger/internal/services"
	"ledger/internal/storage"
)

// SessionService is what the API needs from the session layer.
type SessionService interface {
	Features() []services.Feature
	Create(ctx context.Context, feature string) (*calc.Session, error)
	Open(ctx context.Context, id, feature string) (*calc.Session, error)
	Snapshot(id string) (calc.Snapshot, error)
	Execute(ctx context.Context, id, command string) (calc.Snapshot, error)
	Subscribe(id string) (<-chan calc.Snapshot, func(), error)
	Remove(ctx context.Context, id string) error
	History(ctx context.Context, feature string, limit int) ([]storage.RunRecord, error)
	HistoryRun(ctx context.Context, runID string) (storage.RunRecord, error)
	Len() int
}

var _ SessionService = (*services.SessionService)(nil)

// Options configures the server's ambient middleware.
type Options struct {
	Logger    *log.Logger
	RateLimit ratelimit.Config
	// KeepAlive is the SSE comment interval (default 15s).
	KeepAlive time.Duration
}

// Server wraps http.Server with the control API routes.
type Server struct {
	http.Server

	svc         SessionService
	logger      *log.Logger
	structured  *log.StructuredLogger
	rateLimiter *ratelimit.Limiter
	keepAlive   time.Duration
	started     time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, svc SessionService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentHTTP)
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}

	s := &Server{
		svc:         svc,
		logger:      logger,
		structured:  log.NewStructuredLogger(logger),
		rateLimiter: ratelimit.NewLimiter(opts.RateLimit),
		keepAlive:   keepAlive,
		started:     time.Now(),
	}
	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(log.Middleware(s.logger))
	r.Use(log.RequestIDMiddleware(func(r *http.Request) string {
		return middleware.GetReqID(r.Context())
	}))
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimiter.Middleware(clientIP, s.onRateLimited))

		r.Get("/features", s.handleFeatures)
		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/events", s.handleEvents)
			r.Post("/{command}", s.handleCommand)
		})
		r.Get("/history", s.handleHistory)
		r.Get("/history/{runID}", s.handleHistoryRun)
	})
	return r
}

// accessLog logs each request's outcome with its status and duration.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		sl := log.NewStructuredLogger(log.FromContext(r.Context()))
		ip := clientIP(r)

		sl.LogHTTPStart(r.Context(), r, ip)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		sl.LogHTTPEnd(r.Context(), r, status, time.Since(start).Milliseconds(), ip)
	})
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr from
// the proxy headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, clientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// Shutdown gracefully shuts down the server and its cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
