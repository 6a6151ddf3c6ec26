package worker

import (
	"context"
	"errors"
	"fmt"

	"ledger/internal/amqp"
	"ledger/internal/calc"
	"ledger/internal/log"
	"ledger/internal/profiles"
	"ledger/internal/services"
)

// SessionService is the part of the session layer the worker drives.
type SessionService interface {
	Open(ctx context.Context, id, feature string) (*calc.Session, error)
	Execute(ctx context.Context, id, command string) (calc.Snapshot, error)
}

// CommandWorker applies command messages from the broker to sessions
type CommandWorker struct {
	svc    SessionService
	logger *log.Logger
}

func NewCommandWorker(svc SessionService, logger *log.Logger) *CommandWorker {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &CommandWorker{svc: svc, logger: logger.WithComponent(log.ComponentWorker)}
}

// HandleCommand opens the addressed session if needed and runs the command.
// Failures that a redelivery would repeat are marked amqp.ErrPermanent so
// the message is dropped instead of requeued.
func (w *CommandWorker) HandleCommand(ctx context.Context, msg *amqp.CommandMessage) error {
	w.logger.InfoContext(ctx, "Processing command message",
		log.FieldSessionID, msg.SessionID,
		log.FieldFeature, msg.Feature,
		log.FieldCommand, msg.Command)

	if _, err := w.svc.Open(ctx, msg.SessionID, msg.Feature); err != nil {
		return w.fail(ctx, msg, fmt.Errorf("open session: %w", err))
	}

	snap, err := w.svc.Execute(ctx, msg.SessionID, msg.Command)
	if err != nil {
		return w.fail(ctx, msg, fmt.Errorf("execute %s: %w", msg.Command, err))
	}

	w.logger.InfoContext(ctx, "Command applied",
		log.FieldSessionID, msg.SessionID,
		log.FieldCommand, msg.Command,
		log.FieldStatus, string(snap.Status),
		log.FieldRunID, snap.RunID)
	return nil
}

func (w *CommandWorker) fail(ctx context.Context, msg *amqp.CommandMessage, err error) error {
	if permanent(err) {
		w.logger.WarnContext(ctx, "Command rejected",
			log.FieldSessionID, msg.SessionID,
			log.FieldCommand, msg.Command,
			log.FieldError, err)
		return fmt.Errorf("%w: %w", amqp.ErrPermanent, err)
	}
	w.logger.ErrorContext(ctx, "Command failed",
		log.FieldSessionID, msg.SessionID,
		log.FieldCommand, msg.Command,
		log.FieldError, err)
	return err
}

func permanent(err error) bool {
	var te *calc.TransitionError
	return errors.Is(err, profiles.ErrUnknownFeature) ||
		errors.Is(err, calc.ErrUnknownCommand) ||
		errors.Is(err, calc.ErrAlreadyRunning) ||
		errors.Is(err, services.ErrSessionNotFound) ||
		errors.Is(err, services.ErrInvalidID) ||
		errors.Is(err, services.ErrFeatureMismatch) ||
		errors.As(err, &te)
}
