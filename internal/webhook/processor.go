package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paygate/internal/idempotency"
	"paygate/internal/models"
	"paygate/internal/payment"
)

// Updater applies a proposed payment transition
type Updater interface {
	ApplyUpdate(ctx context.Context, u payment.Update) (payment.UpdateResult, error)
}

// Result is the outcome returned to the provider
type Result struct {
	EventID       string               `json:"event_id"`
	PaymentID     string               `json:"payment_id"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	Applied       bool                 `json:"applied"`
	Cached        bool                 `json:"-"`
}

// Processor validates deliveries and forwards accepted ones to the payment
// state machine through the idempotency coordinator, keyed by provider event
type Processor struct {
	validator *Validator
	coord     *idempotency.Coordinator
	payments  Updater
	ttl       time.Duration
	logger    *zap.Logger
}

// NewProcessor creates a processor. ttl bounds how long a provider event id
// is remembered by the coordinator.
func NewProcessor(v *Validator, coord *idempotency.Coordinator, payments Updater, ttl time.Duration, logger *zap.Logger) *Processor {
	return &Processor{
		validator: v,
		coord:     coord,
		payments:  payments,
		ttl:       ttl,
		logger:    logger.Named("webhook"),
	}
}

// Validator returns the processor's security gate
func (p *Processor) Validator() *Validator {
	return p.validator
}

// MaxPayloadBytes is the body limit enforced by the gate
func (p *Processor) MaxPayloadBytes() int64 {
	return p.validator.MaxPayloadBytes()
}

// Process runs one delivery end to end
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	d, err := p.validator.Validate(ctx, req)
	if err != nil {
		return Result{}, err
	}

	key := "webhook:" + d.ProviderID + ":" + d.Payload.EventID
	res, cached, err := idempotency.ExecuteJSON(ctx, p.coord, key, p.ttl, func(ctx context.Context) (Result, error) {
		out, err := p.payments.ApplyUpdate(ctx, payment.Update{
			PaymentID:      d.Payload.PaymentID,
			Status:         d.Status,
			TxHash:         d.Payload.TxHash,
			Confirmations:  d.Payload.Confirmations,
			ReceivedAmount: d.Amount,
			Source:         payment.SourceWebhook,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{
			EventID:       d.Payload.EventID,
			PaymentID:     out.Payment.ID,
			PaymentStatus: out.Payment.Status,
			Applied:       out.Applied,
		}, nil
	})
	if err != nil {
		// Let the provider's retry through the replay guard
		p.validator.Forget(ctx, d)
		p.logger.Warn("Webhook delivery not processed",
			zap.String("provider", d.ProviderID),
			zap.String("event_id", d.Payload.EventID),
			zap.String("payment_id", d.Payload.PaymentID),
			zap.Error(err))
		return Result{}, err
	}

	res.Cached = cached
	p.logger.Info("Webhook delivery processed",
		zap.String("provider", d.ProviderID),
		zap.String("event_id", d.Payload.EventID),
		zap.String("payment_id", res.PaymentID),
		zap.String("status", string(res.PaymentStatus)),
		zap.Bool("applied", res.Applied),
		zap.Bool("cached", cached))
	return res, nil
}
