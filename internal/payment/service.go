// Package payment owns the authoritative payment state. Monitor events,
// validated webhooks and operator calls all reach it through ApplyUpdate,
// which serializes writers per payment id through the shared-cache lock and
// only ever moves a payment forward.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/blockchain"
	"paygate/internal/metrics"
	"paygate/internal/models"
)

// EventStatusChanged is published once per applied status transition
const EventStatusChanged = "payment.status_changed"

// Update sources
const (
	SourceMonitor = "monitor"
	SourceWebhook = "webhook"
	SourceAPI     = "api"
	SourceExpiry  = "expiry"
)

// Tracker starts on-chain monitoring of a transaction
type Tracker interface {
	Track(hash, currency, address string, amount decimal.Decimal, requiredConfirmations int64) (bool, error)
}

// Locker serializes writers per key across instances
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Publisher is the fire-and-forget notification sink
type Publisher interface {
	Publish(ctx context.Context, eventName, paymentID string, payload interface{})
}

// PriceConverter converts fiat amounts into crypto amounts
type PriceConverter interface {
	Convert(ctx context.Context, fiatAmount decimal.Decimal, fiat, symbol string) (decimal.Decimal, error)
}

// AddressAllocator reserves a receiving address for a new payment
type AddressAllocator interface {
	Allocate(ctx context.Context, currency, reference string) (string, error)
}

// Config holds payment lifecycle settings
type Config struct {
	DefaultTTL time.Duration
	LockTTL    time.Duration
	// RequiredConfirmations per upper-case currency symbol
	RequiredConfirmations map[string]int64
	// ExpiryBatch bounds how many overdue payments one ExpireOverdue call handles
	ExpiryBatch int
}

// Deps are the collaborators of the service. Prices and Allocator are optional.
type Deps struct {
	Repo      Repository
	Chains    *blockchain.Registry
	Tracker   Tracker
	Locker    Locker
	Publisher Publisher
	Prices    PriceConverter
	Allocator AddressAllocator
}

// CreateRequest describes a new payment. Either Amount or FiatAmount with
// FiatCurrency must be set. Address may be omitted when an allocator is configured.
type CreateRequest struct {
	ExternalID   string          `validate:"required,max=128"`
	Currency     string          `validate:"required,alphanum,max=16"`
	Amount       decimal.Decimal `validate:"-"`
	FiatAmount   decimal.Decimal `validate:"-"`
	FiatCurrency string          `validate:"omitempty,alpha,len=3"`
	Address      string          `validate:"omitempty,max=128"`
	TTL          time.Duration   `validate:"gte=0"`
}

// Update is a request to move a payment forward. An empty Status only merges
// confirmation bookkeeping.
type Update struct {
	PaymentID      string
	Status         models.PaymentStatus
	TxHash         string
	Confirmations  int64
	ReceivedAmount decimal.Decimal
	Source         string
}

// UpdateResult reports whether a status transition was applied
type UpdateResult struct {
	Payment *models.Payment
	Applied bool
}

// Service implements the payment state machine
type Service struct {
	deps     Deps
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a payment service
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.ExpiryBatch <= 0 {
		cfg.ExpiryBatch = 500
	}
	return &Service{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.Named("payment"),
		now:      time.Now,
	}
}

// Create validates and persists a new pending payment
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Payment, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperr.Validation("create_payment", fmt.Sprintf("invalid payment request: %v", err))
	}

	currency := strings.ToUpper(req.Currency)
	chain, err := s.deps.Chains.Get(currency)
	if err != nil {
		return nil, apperr.Validation("create_payment", "unsupported currency: "+currency)
	}

	amount, err := s.resolveAmount(ctx, req, currency)
	if err != nil {
		return nil, err
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		if s.deps.Allocator == nil {
			return nil, apperr.Validation("create_payment", "address is required")
		}
		address, err = s.deps.Allocator.Allocate(ctx, currency, req.ExternalID)
		if err != nil {
			return nil, err
		}
	}
	if !chain.ValidateAddress(address) {
		return nil, apperr.Validation("create_payment", "invalid "+currency+" address")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	now := s.now().UTC()
	p := &models.Payment{
		ID:              uuid.NewString(),
		ExternalID:      req.ExternalID,
		Currency:        currency,
		Address:         address,
		RequestedAmount: amount,
		ReceivedAmount:  decimal.Zero,
		Status:          models.PaymentStatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}

	if err := s.deps.Repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("Created payment",
		zap.String("payment_id", p.ID),
		zap.String("external_id", p.ExternalID),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.Time("expires_at", p.ExpiresAt))

	return p, nil
}

func (s *Service) resolveAmount(ctx context.Context, req CreateRequest, currency string) (decimal.Decimal, error) {
	if req.Amount.IsPositive() {
		return req.Amount, nil
	}
	if !req.FiatAmount.IsPositive() || req.FiatCurrency == "" {
		return decimal.Zero, apperr.Validation("create_payment", "amount or fiat amount with fiat currency is required")
	}
	if s.deps.Prices == nil {
		return decimal.Zero, apperr.Configuration("create_payment", "fiat conversion is not configured")
	}

	amount, err := s.deps.Prices.Convert(ctx, req.FiatAmount, strings.ToUpper(req.FiatCurrency), currency)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, apperr.Validation("create_payment", "converted amount is not positive")
	}
	return amount, nil
}

// Get returns a payment by id
func (s *Service) Get(ctx context.Context, id string) (*models.Payment, error) {
	return s.deps.Repo.Get(ctx, id)
}

// GetByAddress returns the payment owning a receiving address
func (s *Service) GetByAddress(ctx context.Context, currency, address string) (*models.Payment, error) {
	return s.deps.Repo.GetByAddress(ctx, currency, address)
}

// ListByStatus lists payments in a status, oldest first
func (s *Service) ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	if !status.Valid() {
		return nil, apperr.Validation("list_payments", "unknown status: "+string(status))
	}
	return s.deps.Repo.ListByStatus(ctx, status, limit)
}

// ObserveTransaction attaches a transaction hash to a pending payment and
// starts monitoring it. Observing the same hash again is a no-op.
func (s *Service) ObserveTransaction(ctx context.Context, paymentID, hash string) (*models.Payment, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, apperr.Validation("observe_transaction", "transaction hash is required")
	}

	unlock, err := s.deps.Locker.Lock(ctx, lockKey(paymentID), s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.deps.Repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if p.TransactionHash != nil && *p.TransactionHash != hash {
		return nil, apperr.Conflict("observe_transaction", "a different transaction is already attached")
	}
	if p.Status != models.PaymentStatusPending {
		return nil, apperr.Conflict("observe_transaction", "payment is no longer awaiting a transaction")
	}

	if p.TransactionHash == nil {
		p.TransactionHash = &hash
		err := s.deps.Repo.UpdateProgress(ctx, p.ID, Progress{
			TxHash:         p.TransactionHash,
			Confirmations:  p.Confirmations,
			ReceivedAmount: p.ReceivedAmount,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to attach transaction: %w", err)
		}
	}

	added, err := s.deps.Tracker.Track(hash, p.Currency, p.Address, p.RequestedAmount, s.requiredConfirmations(p.Currency))
	if err != nil {
		return nil, err
	}

	s.logger.Info("Observing transaction",
		zap.String("payment_id", p.ID),
		zap.String("tx_hash", hash),
		zap.Bool("newly_tracked", added))

	return p, nil
}

func (s *Service) requiredConfirmations(currency string) int64 {
	if n, ok := s.cfg.RequiredConfirmations[strings.ToUpper(currency)]; ok && n > 0 {
		return n
	}
	return 1
}

// Settle acknowledges settlement of a payment
func (s *Service) Settle(ctx context.Context, paymentID string) (UpdateResult, error) {
	return s.ApplyUpdate(ctx, Update{
		PaymentID: paymentID,
		Status:    models.PaymentStatusPaid,
		Source:    SourceAPI,
	})
}

// ApplyUpdate merges an update into a payment under the payment's lock.
// Confirmations and received amount only grow. A status change is applied
// only when it strictly advances the payment; anything else is logged and
// reported with Applied=false. Each applied change publishes exactly one
// status-changed event.
func (s *Service) ApplyUpdate(ctx context.Context, u Update) (UpdateResult, error) {
	if u.PaymentID == "" {
		return UpdateResult{}, apperr.Validation("apply_update", "payment id is required")
	}
	if u.Status != "" && !u.Status.Valid() {
		return UpdateResult{}, apperr.Validation("apply_update", "unknown status: "+string(u.Status))
	}

	unlock, err := s.deps.Locker.Lock(ctx, lockKey(u.PaymentID), s.cfg.LockTTL)
	if err != nil {
		return UpdateResult{}, err
	}
	defer unlock()

	p, err := s.deps.Repo.Get(ctx, u.PaymentID)
	if err != nil {
		return UpdateResult{}, err
	}

	if u.TxHash != "" && p.TransactionHash != nil && *p.TransactionHash != u.TxHash {
		s.logger.Warn("Update references a different transaction",
			zap.String("payment_id", p.ID),
			zap.String("attached_tx", *p.TransactionHash),
			zap.String("update_tx", u.TxHash),
			zap.String("source", u.Source))
		metrics.RejectedTransitions.WithLabelValues(u.Source).Inc()
		return UpdateResult{Payment: p}, apperr.Conflict("apply_update", "update references a different transaction")
	}

	if err := s.mergeProgress(ctx, p, u); err != nil {
		return UpdateResult{}, err
	}

	if u.Status == "" || u.Status == p.Status {
		return UpdateResult{Payment: p}, nil
	}

	if !Advances(p.Status, u.Status) {
		s.logger.Warn("Rejected non-advancing status update",
			zap.String("payment_id", p.ID),
			zap.String("current", string(p.Status)),
			zap.String("requested", string(u.Status)),
			zap.String("source", u.Source))
		metrics.RejectedTransitions.WithLabelValues(u.Source).Inc()
		return UpdateResult{Payment: p}, nil
	}

	var completedAt *time.Time
	if u.Status.IsFinal() {
		t := s.now().UTC()
		completedAt = &t
	}

	old := p.Status
	ok, err := s.deps.Repo.CompareAndSetStatus(ctx, p.ID, old, u.Status, completedAt)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("failed to update payment status: %w", err)
	}
	if !ok {
		// Only a writer bypassing the lock (or an expired lock) gets here
		return UpdateResult{}, apperr.Conflict("apply_update", "payment changed concurrently")
	}
	p.Status = u.Status
	p.CompletedAt = completedAt

	metrics.PaymentTransitions.WithLabelValues(string(old), string(u.Status), u.Source).Inc()
	s.logger.Info("Payment status changed",
		zap.String("payment_id", p.ID),
		zap.String("old_status", string(old)),
		zap.String("new_status", string(u.Status)),
		zap.Int64("confirmations", p.Confirmations),
		zap.String("source", u.Source))

	event := models.StatusChangedEvent{
		PaymentID:      p.ID,
		ExternalID:     p.ExternalID,
		OldStatus:      old,
		NewStatus:      u.Status,
		ReceivedAmount: p.ReceivedAmount,
		Confirmations:  p.Confirmations,
		Source:         u.Source,
		OccurredAt:     s.now().UTC(),
	}
	if p.TransactionHash != nil {
		event.TxHash = *p.TransactionHash
	}
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(ctx, EventStatusChanged, p.ID, event)
	}

	return UpdateResult{Payment: p, Applied: true}, nil
}

// mergeProgress applies max() to confirmations and received amount and
// records the hash when none is attached yet
func (s *Service) mergeProgress(ctx context.Context, p *models.Payment, u Update) error {
	changed := false
	if u.TxHash != "" && p.TransactionHash == nil {
		h := u.TxHash
		p.TransactionHash = &h
		changed = true
	}
	if u.Confirmations > p.Confirmations {
		p.Confirmations = u.Confirmations
		changed = true
	}
	if u.ReceivedAmount.GreaterThan(p.ReceivedAmount) {
		p.ReceivedAmount = u.ReceivedAmount
		changed = true
	}
	if !changed {
		return nil
	}

	err := s.deps.Repo.UpdateProgress(ctx, p.ID, Progress{
		TxHash:         p.TransactionHash,
		Confirmations:  p.Confirmations,
		ReceivedAmount: p.ReceivedAmount,
	})
	if err != nil {
		return fmt.Errorf("failed to update payment progress: %w", err)
	}
	return nil
}

// HandleTransactionEvent maps a monitor event onto a payment update
func (s *Service) HandleTransactionEvent(ctx context.Context, ev models.TransactionEvent) error {
	p, err := s.deps.Repo.GetByTransactionHash(ctx, ev.Hash)
	if apperr.Is(err, apperr.KindNotFound) && ev.Address != "" {
		p, err = s.deps.Repo.GetByAddress(ctx, ev.Currency, ev.Address)
	}
	if err != nil {
		return err
	}

	u := Update{
		PaymentID:      p.ID,
		TxHash:         ev.Hash,
		Confirmations:  ev.Confirmations,
		ReceivedAmount: ev.Amount,
		Source:         SourceMonitor,
	}
	switch ev.NewStatus {
	case models.TxStatusConfirmed:
		u.Status = models.PaymentStatusConfirmed
		if ev.Amount.LessThan(p.RequestedAmount) {
			s.logger.Warn("Confirmed transaction pays less than requested",
				zap.String("payment_id", p.ID),
				zap.String("requested", p.RequestedAmount.String()),
				zap.String("received", ev.Amount.String()))
		}
	case models.TxStatusFailed:
		u.Status = models.PaymentStatusFailed
	case models.TxStatusExpired:
		u.Status = models.PaymentStatusExpired
	}

	_, err = s.ApplyUpdate(ctx, u)
	return err
}

// ExpireOverdue expires pending payments past their expiry that never had a
// transaction attached. Returns the number expired.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.deps.Repo.ListOverdue(ctx, now, s.cfg.ExpiryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue payments: %w", err)
	}

	expired := 0
	for _, p := range overdue {
		if ctx.Err() != nil {
			break
		}
		res, err := s.ApplyUpdate(ctx, Update{
			PaymentID: p.ID,
			Status:    models.PaymentStatusExpired,
			Source:    SourceExpiry,
		})
		if err != nil {
			s.logger.Warn("Failed to expire payment",
				zap.String("payment_id", p.ID),
				zap.Error(err))
			continue
		}
		if res.Applied {
			expired++
		}
	}
	return expired, nil
}

// Advances reports whether moving from one status to another strictly
// advances a payment. Pending < Confirmed < Paid; Failed and Expired are
// reachable only from Pending.
func Advances(from, to models.PaymentStatus) bool {
	switch to {
	case models.PaymentStatusFailed, models.PaymentStatusExpired:
		return from == models.PaymentStatusPending
	case models.PaymentStatusConfirmed, models.PaymentStatusPaid:
		if from.IsFinal() {
			return false
		}
		return rank(to) > rank(from)
	}
	return false
}

func rank(s models.PaymentStatus) int {
	switch s {
	case models.PaymentStatusPending:
		return 0
	case models.PaymentStatusConfirmed:
		return 1
	case models.PaymentStatusPaid:
		return 2
	}
	return -1
}

func lockKey(paymentID string) string {
	return "payment:" + paymentID
}
