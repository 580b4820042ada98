// Package monitor tracks in-flight blockchain transactions and reports status
// changes. Two channels feed it: a polling loop that queries every tracked
// transaction on a fixed interval and a best-effort push subscription. Both
// funnel through ApplyObservation, which is the only place a tracked entry
// changes.
package monitor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paygate/internal/apperr"
	"paygate/internal/blockchain"
	"paygate/internal/metrics"
	"paygate/internal/models"
	"paygate/internal/resilience"
)

// ReasonExpired is attached to events for transactions that outlived the expiry window
const ReasonExpired = "monitoring expired"

// ReasonFailedOnChain is attached to events for transactions the chain reports as failed
const ReasonFailedOnChain = "transaction failed on chain"

// Config holds monitor timing and sizing
type Config struct {
	PollInterval         time.Duration
	SweepInterval        time.Duration
	CallTimeout          time.Duration
	Expiry               time.Duration
	MaxConcurrentChecks  int
	EventBuffer          int
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:         30 * time.Second,
		SweepInterval:        5 * time.Minute,
		CallTimeout:          10 * time.Second,
		Expiry:               24 * time.Hour,
		MaxConcurrentChecks:  32,
		EventBuffer:          256,
		MaxReconnectAttempts: 10,
		ReconnectBase:        time.Second,
		ReconnectMax:         60 * time.Second,
	}
}

// Observation is one report of a transaction's chain state
type Observation struct {
	Confirmations int64
	Failed        bool
	// Amount is the observed transferred amount; zero keeps the tracked amount
	Amount decimal.Decimal
}

// Monitor owns the set of tracked transactions
type Monitor struct {
	cfg      Config
	chains   *blockchain.Registry
	breakers *resilience.Handler
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	txs    map[string]*models.MonitoredTransaction
	closed bool
	// unsent holds terminal events the channel could not take, by hash
	unsent map[string]models.TransactionEvent

	events      chan models.TransactionEvent
	pushEnabled atomic.Bool
}

// New creates a monitor
func New(cfg Config, chains *blockchain.Registry, breakers *resilience.Handler, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = def.MaxConcurrentChecks
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}

	return &Monitor{
		cfg:      cfg,
		chains:   chains,
		breakers: breakers,
		logger:   logger.Named("monitor"),
		now:      time.Now,
		txs:      make(map[string]*models.MonitoredTransaction),
		unsent:   make(map[string]models.TransactionEvent),
		events:   make(chan models.TransactionEvent, cfg.EventBuffer),
	}
}

// Events returns the channel status change events are published on
func (m *Monitor) Events() <-chan models.TransactionEvent {
	return m.events
}

// Track starts monitoring a transaction. It returns false when the hash is
// already tracked.
func (m *Monitor) Track(hash, currency, address string, amount decimal.Decimal, requiredConfirmations int64) (bool, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return false, apperr.Validation("track", "transaction hash is required")
	}
	if requiredConfirmations <= 0 {
		return false, apperr.Validation("track", "required confirmations must be positive")
	}
	if !m.chains.Has(currency) {
		return false, apperr.Validation("track", "unsupported currency: "+currency)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[hash]; exists {
		return false, nil
	}

	now := m.now()
	m.txs[hash] = &models.MonitoredTransaction{
		Hash:                  hash,
		Currency:              strings.ToUpper(currency),
		Address:               address,
		Amount:                amount,
		RequiredConfirmations: requiredConfirmations,
		Status:                models.TxStatusMempool,
		AddedAt:               now,
		LastCheckedAt:         now,
	}
	metrics.TrackedTransactions.Set(float64(len(m.txs)))

	m.logger.Info("Tracking transaction",
		zap.String("tx_hash", hash),
		zap.String("currency", currency),
		zap.Int64("required_confirmations", requiredConfirmations))

	return true, nil
}

// Untrack stops monitoring a transaction
func (m *Monitor) Untrack(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[hash]; ok {
		delete(m.txs, hash)
		metrics.TrackedTransactions.Set(float64(len(m.txs)))
		m.logger.Debug("Untracked transaction", zap.String("tx_hash", hash))
	}
}

// Get returns a copy of a tracked transaction
func (m *Monitor) Get(hash string) (models.MonitoredTransaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[hash]
	if !ok {
		return models.MonitoredTransaction{}, false
	}
	return *tx, true
}

// List returns copies of every tracked transaction
func (m *Monitor) List() []models.MonitoredTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.MonitoredTransaction, 0, len(m.txs))
	for _, tx := range m.txs {
		out = append(out, *tx)
	}
	return out
}

// Len returns the number of tracked transactions
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// ApplyObservation merges a chain observation into a tracked transaction and
// emits an event when the derived status changes. Confirmation counts never
// decrease: a lower count is logged as an anomaly and ignored. Entries that
// reach a terminal status are removed. Returns true when an event was emitted.
//
// When the channel is full a non-terminal change is left underived so the
// next observation emits it again; a terminal event is held and re-sent by
// the next poll or sweep.
func (m *Monitor) ApplyObservation(hash string, obs Observation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[hash]
	if !ok || tx.Status.IsTerminal() {
		return false
	}
	tx.LastCheckedAt = m.now()

	var next models.TxStatus
	reason := ""
	switch {
	case obs.Failed:
		next = models.TxStatusFailed
		reason = ReasonFailedOnChain
	case obs.Confirmations < tx.Confirmations:
		m.logger.Warn("Ignoring confirmation count regression",
			zap.String("tx_hash", hash),
			zap.Int64("stored", tx.Confirmations),
			zap.Int64("observed", obs.Confirmations))
		metrics.ConfirmationAnomalies.WithLabelValues(tx.Currency).Inc()
		return false
	default:
		tx.Confirmations = obs.Confirmations
		next = models.DeriveTxStatus(obs.Confirmations, tx.RequiredConfirmations)
	}

	if obs.Amount.IsPositive() {
		tx.Amount = obs.Amount
	}

	if next == tx.Status {
		return false
	}

	old := tx.Status
	ev := models.TransactionEvent{
		Hash:          tx.Hash,
		Currency:      tx.Currency,
		Address:       tx.Address,
		OldStatus:     old,
		NewStatus:     next,
		Confirmations: tx.Confirmations,
		Amount:        tx.Amount,
		Reason:        reason,
		OccurredAt:    tx.LastCheckedAt,
	}

	if !next.IsTerminal() {
		if !m.emitLocked(ev) {
			return false
		}
		tx.Status = next
		return true
	}

	tx.Status = next
	delete(m.txs, hash)
	metrics.TrackedTransactions.Set(float64(len(m.txs)))
	if !m.emitLocked(ev) {
		m.holdLocked(ev)
		return false
	}
	return true
}

// Sweep expires non-terminal transactions tracked for longer than the expiry
// window. Returns the number of expired entries.
func (m *Monitor) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushUnsentLocked()

	expired := 0
	for hash, tx := range m.txs {
		if tx.Status.IsTerminal() || now.Sub(tx.AddedAt) < m.cfg.Expiry {
			continue
		}

		ev := models.TransactionEvent{
			Hash:          tx.Hash,
			Currency:      tx.Currency,
			Address:       tx.Address,
			OldStatus:     tx.Status,
			NewStatus:     models.TxStatusExpired,
			Confirmations: tx.Confirmations,
			Amount:        tx.Amount,
			Reason:        ReasonExpired,
			OccurredAt:    now,
		}
		tx.Status = models.TxStatusExpired
		delete(m.txs, hash)
		if !m.emitLocked(ev) {
			m.holdLocked(ev)
		}
		expired++
	}

	if expired > 0 {
		metrics.TrackedTransactions.Set(float64(len(m.txs)))
		m.logger.Info("Expired stale transactions", zap.Int("count", expired))
	}
	return expired
}

// Close closes the events channel. Call it after Run and RunPush have returned.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

// Redeliver queues a terminal event for another delivery on the next poll or
// sweep. Used when the event was received but could not be applied.
func (m *Monitor) Redeliver(ev models.TransactionEvent) {
	if !ev.NewStatus.IsTerminal() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.holdLocked(ev)
}

// Unsent returns the number of terminal events waiting for delivery
func (m *Monitor) Unsent() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.unsent)
}

// emitLocked publishes an event without blocking and reports whether the
// channel took it; m.mu must be held
func (m *Monitor) emitLocked(ev models.TransactionEvent) bool {
	if m.closed {
		return false
	}

	select {
	case m.events <- ev:
		metrics.TransactionEvents.WithLabelValues(ev.Currency, string(ev.NewStatus)).Inc()
		m.logger.Info("Transaction status changed",
			zap.String("tx_hash", ev.Hash),
			zap.String("old_status", string(ev.OldStatus)),
			zap.String("new_status", string(ev.NewStatus)),
			zap.Int64("confirmations", ev.Confirmations))
		return true
	default:
		m.logger.Warn("Event channel full, deferring event",
			zap.String("tx_hash", ev.Hash),
			zap.String("new_status", string(ev.NewStatus)))
		return false
	}
}

// holdLocked keeps a terminal event until the channel accepts it; m.mu must be held
func (m *Monitor) holdLocked(ev models.TransactionEvent) {
	m.unsent[ev.Hash] = ev
}

// flushUnsentLocked re-sends held terminal events until the channel is full;
// m.mu must be held
func (m *Monitor) flushUnsentLocked() {
	for hash, ev := range m.unsent {
		if !m.emitLocked(ev) {
			return
		}
		delete(m.unsent, hash)
	}
}

// Run starts the polling loop and the expiry sweep
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Monitor started",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Duration("expiry", m.cfg.Expiry))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	// Initial poll
	m.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return
		case <-ticker.C:
			m.Poll(ctx)
		case <-sweep.C:
			m.Sweep(m.now())
		}
	}
}

// Poll checks every non-terminal tracked transaction once
func (m *Monitor) Poll(ctx context.Context) {
	m.checkAll(ctx, func(tx *models.MonitoredTransaction) bool { return true })
}

// Recheck checks the tracked transactions of one currency, e.g. on a new block
func (m *Monitor) Recheck(ctx context.Context, currency string) {
	currency = strings.ToUpper(currency)
	m.checkAll(ctx, func(tx *models.MonitoredTransaction) bool { return tx.Currency == currency })
}

func (m *Monitor) checkAll(ctx context.Context, include func(*models.MonitoredTransaction) bool) {
	m.mu.Lock()
	m.flushUnsentLocked()
	pending := make([]models.MonitoredTransaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if !tx.Status.IsTerminal() && include(tx) {
			pending = append(pending, *tx)
		}
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	m.logger.Debug("Starting poll cycle", zap.Int("count", len(pending)))

	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrentChecks)
	for _, tx := range pending {
		tx := tx
		g.Go(func() error {
			m.check(ctx, tx)
			return nil
		})
	}
	_ = g.Wait()
}

// check queries the chain for one transaction. Failures are logged and the
// transaction is retried on the next cycle.
func (m *Monitor) check(ctx context.Context, tx models.MonitoredTransaction) {
	if ctx.Err() != nil {
		return
	}

	svc, err := m.chains.Get(tx.Currency)
	if err != nil {
		m.logger.Error("No blockchain service for currency",
			zap.String("currency", tx.Currency),
			zap.String("tx_hash", tx.Hash))
		metrics.TransactionChecks.WithLabelValues(tx.Currency, "error").Inc()
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	var info *blockchain.TxInfo
	err = m.breakers.Execute(checkCtx, blockchain.BreakerName(tx.Currency), func(ctx context.Context) error {
		var err error
		info, err = svc.GetTransaction(ctx, tx.Hash)
		return err
	})
	if err != nil {
		m.logger.Warn("Transaction check failed",
			zap.String("tx_hash", tx.Hash),
			zap.String("currency", tx.Currency),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		metrics.TransactionChecks.WithLabelValues(tx.Currency, "error").Inc()
		return
	}

	if info.State == blockchain.TxStateNotFound {
		m.logger.Debug("Transaction not yet visible",
			zap.String("tx_hash", tx.Hash),
			zap.String("currency", tx.Currency))
		metrics.TransactionChecks.WithLabelValues(tx.Currency, "not_found").Inc()
		return
	}

	metrics.TransactionChecks.WithLabelValues(tx.Currency, "ok").Inc()
	m.ApplyObservation(tx.Hash, Observation{
		Confirmations: info.Confirmations,
		Failed:        info.State == blockchain.TxStateFailed,
		Amount:        info.AmountTo(tx.Address),
	})
}
