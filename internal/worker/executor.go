package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/models"
)

// Redeliverer takes back a terminal event that could not be applied
type Redeliverer interface {
	Redeliver(ev models.TransactionEvent)
}

// Executor applies transaction monitor events to payments
type Executor struct {
	payments  Payments
	redeliver Redeliverer
	retry     apperr.Policy
	logger    *zap.Logger
}

// NewExecutor creates a new event executor
func NewExecutor(payments Payments, redeliver Redeliverer, retry apperr.Policy, logger *zap.Logger) *Executor {
	return &Executor{
		payments:  payments,
		redeliver: redeliver,
		retry:     retry,
		logger:    logger.Named("executor"),
	}
}

// Run applies events until the channel is closed. ctx only aborts retries;
// closing the channel is what ends the loop, so queued events are drained.
func (e *Executor) Run(ctx context.Context, events <-chan models.TransactionEvent) {
	e.logger.Info("Executor started")

	for ev := range events {
		e.handleEvent(ctx, ev)
	}

	e.logger.Info("Event channel closed, executor stopping")
}

// handleEvent applies one event, retrying failures the policy considers retryable
func (e *Executor) handleEvent(ctx context.Context, ev models.TransactionEvent) {
	e.logger.Debug("Handling transaction event",
		zap.String("tx_hash", ev.Hash),
		zap.String("new_status", string(ev.NewStatus)),
		zap.Int64("confirmations", ev.Confirmations))

	err := apperr.Retry(ctx, e.retry, func(ctx context.Context) error {
		err := e.payments.HandleTransactionEvent(ctx, ev)
		if apperr.Is(err, apperr.KindConflict) {
			// another writer holds the payment lock
			return apperr.Wrap(apperr.KindTransient, "apply_event", err)
		}
		return err
	}, func(err error, next time.Duration) {
		e.logger.Warn("Applying transaction event failed, retrying",
			zap.String("tx_hash", ev.Hash),
			zap.Duration("backoff_delay", next),
			zap.Error(err))
	})
	if err != nil {
		e.handleError(ev, err)
	}
}

// handleError logs an event that could not be applied. Terminal events that
// failed for a retryable reason go back to the monitor for another delivery;
// non-terminal ones are re-emitted by later observations.
func (e *Executor) handleError(ev models.TransactionEvent, execErr error) {
	fields := []zap.Field{
		zap.String("tx_hash", ev.Hash),
		zap.String("currency", ev.Currency),
		zap.String("new_status", string(ev.NewStatus)),
		zap.String("kind", string(apperr.KindOf(execErr))),
		zap.Error(execErr),
	}
	if apperr.Is(execErr, apperr.KindNotFound) {
		e.logger.Info("Transaction event matches no payment", fields...)
		return
	}
	e.logger.Error("Failed to apply transaction event", fields...)

	if ev.NewStatus.IsTerminal() && apperr.IsRetryable(execErr) && e.redeliver != nil {
		e.redeliver.Redeliver(ev)
	}
}
