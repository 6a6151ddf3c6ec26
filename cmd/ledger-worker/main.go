package main

import (
	"context"
	"errors"
	"os"
	"time"

	"ledger/internal/amqp"
	"ledger/internal/cli"
	"ledger/internal/log"
	"ledger/internal/worker"
)

var version = "dev"

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentWorker)
	logger.Info("Starting ledger-worker", "version", version)

	if !cfg.AMQPEnabled() {
		logger.Error("AMQP_URL is required for the worker")
		os.Exit(1)
	}

	// Initialize AMQP client for consuming commands and publishing run events
	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPEventsKey,
		logger.WithComponent(log.ComponentAMQP).Slog())
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}

	rt, err := cli.BuildService(context.Background(), cfg, logger, version, amqpClient)
	if err != nil {
		amqpClient.Close()
		logger.Error("Failed to build session service", log.FieldError, err)
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		logger.Info("Shutting down worker...")
		if err := rt.Close(ctx); err != nil {
			logger.Error("Session service shutdown error", log.FieldError, err)
		}
		if err := amqpClient.Close(); err != nil {
			logger.Error("AMQP close error", log.FieldError, err)
		}
	})

	cmdWorker := worker.NewCommandWorker(rt.Service, logger)
	if err := amqpClient.ConsumeCommands(ctx, cmdWorker.HandleCommand); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Command consumption failed", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
