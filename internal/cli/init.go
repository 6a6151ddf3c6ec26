// Package cli provides common CLI initialization utilities.
// It consolidates the start-up and shutdown steps shared by cmd/ledger,
// cmd/ledger-worker and cmd/ledger-tally.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ledger/internal/backend"
	"ledger/internal/backoff"
	"ledger/internal/config"
	"ledger/internal/log"
	"ledger/internal/profiles"
	"ledger/internal/services"
	"ledger/internal/storage"
	"ledger/internal/telemetry"
)

// SetupLogger builds the process logger from the configured level and
// format and installs it as the slog default.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	level, ok := log.LevelFromString(cfg.LogLevel)
	logger := log.New(log.Config{
		Level:     level,
		Format:    strings.ToLower(cfg.LogFormat),
		Component: component,
	})
	log.SetDefault(logger)
	if !ok {
		logger.Warn("Unknown log level, using info", "log_level", cfg.LogLevel)
	}
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration from the environment and
// validates it.
func LoadAndValidateConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Bootstrap runs the shared start-up sequence. It exits the process when
// the configuration is invalid.
func Bootstrap(component string) (*config.Config, *log.Logger) {
	LoadEnvFile()
	cfg, err := LoadAndValidateConfig()
	if err != nil {
		logger := SetupLogger(config.Load(), component)
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg, SetupLogger(cfg, component)
}

// InitHistory opens the run history database. It returns nil when history
// is disabled.
func InitHistory(logger *log.Logger, cfg *config.Config) (*storage.HistoryRepository, error) {
	if !cfg.HistoryEnabled() {
		logger.Info("Run history disabled")
		return nil, nil
	}
	repo, err := storage.NewHistoryRepository(cfg.SQLiteDBPath, logger.WithComponent(log.ComponentStorage).Slog())
	if err != nil {
		return nil, fmt.Errorf("initialize run history at %s: %w", cfg.SQLiteDBPath, err)
	}
	logger.Info("Run history initialized", "path", cfg.SQLiteDBPath)
	return repo, nil
}

// Runtime bundles the session service with the resources it owns.
type Runtime struct {
	Service *services.SessionService
	History *storage.HistoryRepository

	cleanups []func(context.Context) error
}

// Close stops the service and then releases its resources in reverse
// order of acquisition.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Service != nil {
		errs = append(errs, r.Service.Close(ctx))
	}
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		errs = append(errs, r.cleanups[i](ctx))
	}
	return errors.Join(errs...)
}

// BuildService wires telemetry, the configured ledger source and run
// history into a session service. events may be nil.
func BuildService(ctx context.Context, cfg *config.Config, logger *log.Logger, version string, events services.EventPublisher) (*Runtime, error) {
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close(context.Background())
		return nil, err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fail(err)
	}
	rt.cleanups = append(rt.cleanups, func(ctx context.Context) error { return shutdownTelemetry(ctx) })
	instruments, err := telemetry.NewInstruments(telemetry.Meter("ledger"))
	if err != nil {
		return fail(err)
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return fail(err)
	}
	result, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend).Slog()).CreateBackend(ctx, backendCfg)
	if err != nil {
		return fail(err)
	}
	if result.Cleanup != nil {
		rt.cleanups = append(rt.cleanups, func(context.Context) error { return result.Cleanup() })
	}

	history, err := InitHistory(logger, cfg)
	if err != nil {
		return fail(err)
	}
	opts := services.Options{
		Profiles: profiles.Default(),
		Fetcher:  result.Fetcher,
		Events:   events,
		Metrics:  instruments,
		Backoff: backoff.Config{
			RetryDelay:        cfg.RetryDelay,
			RateLimitCooldown: cfg.RateLimitCooldown,
			MaxRetries:        cfg.MaxRetries,
		},
		DrainInterval: cfg.DrainTick,
		CacheSize:     cfg.SessionCacheSize,
		SessionTTL:    cfg.SessionTTL,
		Logger:        logger,
	}
	if history != nil {
		rt.History = history
		opts.History = history
		rt.cleanups = append(rt.cleanups, func(context.Context) error { return history.Close() })
	}

	svc, err := services.NewSessionService(opts)
	if err != nil {
		return fail(err)
	}
	rt.Service = svc
	return rt, nil
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that is closed once cleanup has finished or timed out.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return gracefulShutdown(logger, timeout, cleanup, sigChan, func() { signal.Stop(sigChan) })
}

func gracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(ctx context.Context), sigs <-chan os.Signal, stop func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		sig := <-sigs
		stop()
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			if cleanup != nil {
				cleanup(shutdownCtx)
			}
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout reached")
		}
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup is done.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
