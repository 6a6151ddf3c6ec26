package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger/internal/amqp"
	"ledger/internal/cli"
	apphttp "ledger/internal/http"
	"ledger/internal/log"
	"ledger/internal/middleware/ratelimit"
	"ledger/internal/services"
	"ledger/internal/worker"
)

var version = "dev"

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentApp)

	var (
		amqpClient *amqp.Client
		events     services.EventPublisher
	)
	if cfg.AMQPEnabled() {
		c, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPEventsKey,
			logger.WithComponent(log.ComponentAMQP).Slog())
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			os.Exit(1)
		}
		amqpClient, events = c, c
		logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	rt, err := cli.BuildService(context.Background(), cfg, logger, version, events)
	if err != nil {
		logger.Error("Failed to build session service", log.FieldError, err)
		os.Exit(1)
	}

	srv := apphttp.NewServer(":"+cfg.Port, rt.Service, apphttp.Options{
		Logger: logger,
		RateLimit: ratelimit.Config{
			RequestsPerSecond: cfg.APIRateLimitRPS,
			Burst:             cfg.APIRateLimitBurst,
		},
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		// Pausing the sessions publishes their last transitions, so the
		// broker connection closes after the service.
		if err := rt.Close(ctx); err != nil {
			logger.Error("Session service shutdown error", log.FieldError, err)
		}
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Error("AMQP close error", log.FieldError, err)
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting ledger server",
			"port", cfg.Port,
			"backend", cfg.SourceBackend,
			"history", cfg.HistoryEnabled(),
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if amqpClient != nil {
		cmdWorker := worker.NewCommandWorker(rt.Service, logger)
		g.Go(func() error {
			err := amqpClient.ConsumeCommands(gctx, cmdWorker.HandleCommand)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Ledger server failed", log.FieldError, err)
		os.Exit(1)
	}
	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
