package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/models"
	"paygate/internal/monitor"
)

// Constants for worker configuration
const (
	DefaultExpiryInterval = time.Minute
	DefaultPushGrace      = 5 * time.Second
	ExpiryTimeout         = 30 * time.Second
	ResumeBatch           = 1000
)

// TransactionMonitor is the part of the transaction monitor the workers drive
type TransactionMonitor interface {
	Run(ctx context.Context)
	RunPush(ctx context.Context, src monitor.PushSource)
	Events() <-chan models.TransactionEvent
	Redeliver(ev models.TransactionEvent)
	Close()
}

// Payments is the part of the payment state machine the workers drive
type Payments interface {
	HandleTransactionEvent(ctx context.Context, ev models.TransactionEvent) error
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error)
	ObserveTransaction(ctx context.Context, paymentID, hash string) (*models.Payment, error)
}

// Dispatcher runs the notification queue until its context ends, then drains
type Dispatcher interface {
	Run(ctx context.Context)
}

// Config controls worker timing
type Config struct {
	ExpiryInterval time.Duration
	// PushGrace bounds how long push subscriptions get to close
	PushGrace time.Duration
	// Retry is applied to monitor events the payment service fails to apply
	Retry apperr.Policy
}

// stage is a group of goroutines stopped together
type stage struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStage(parent context.Context) *stage {
	ctx, cancel := context.WithCancel(parent)
	return &stage{ctx: ctx, cancel: cancel}
}

func (s *stage) goRun(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// stop cancels the stage and waits for it until deadline. It reports whether
// every goroutine returned in time.
func (s *stage) stop(deadline <-chan time.Time) bool {
	s.cancel()
	return waitGroup(&s.wg, deadline)
}

func waitGroup(wg *sync.WaitGroup, deadline <-chan time.Time) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}

// WorkerManager orchestrates the background workers: transaction polling,
// push subscriptions, the event executor, notification dispatch and payment
// expiry.
type WorkerManager struct {
	cfg    Config
	logger *zap.Logger

	monitor    TransactionMonitor
	payments   Payments
	dispatcher Dispatcher
	push       []monitor.PushSource

	executor *Executor
	expiry   *ExpiryMonitor

	// Control
	root       context.Context
	rootCancel context.CancelFunc
	poll       *stage
	pushing    *stage
	pump       sync.WaitGroup
	dispatch   *stage
}

// NewWorkerManager creates a new worker manager. push may be empty, in which
// case polling alone drives the monitor.
func NewWorkerManager(
	cfg Config,
	mon TransactionMonitor,
	payments Payments,
	dispatcher Dispatcher,
	push []monitor.PushSource,
	logger *zap.Logger,
) *WorkerManager {
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = DefaultExpiryInterval
	}
	if cfg.PushGrace <= 0 {
		cfg.PushGrace = DefaultPushGrace
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = apperr.DefaultPolicy
	}
	logger = logger.Named("worker")

	// The root context outlives the ordered stop so draining work can finish;
	// it is cancelled only when the shutdown deadline passes.
	root, rootCancel := context.WithCancel(context.Background())

	wm := &WorkerManager{
		cfg:        cfg,
		logger:     logger,
		monitor:    mon,
		payments:   payments,
		dispatcher: dispatcher,
		push:       push,
		root:       root,
		rootCancel: rootCancel,
		poll:       newStage(root),
		pushing:    newStage(root),
		dispatch:   newStage(root),
	}
	wm.executor = NewExecutor(payments, mon, cfg.Retry, logger)
	wm.expiry = NewExpiryMonitor(payments, cfg.ExpiryInterval, logger)
	return wm
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Int("push_sources", len(wm.push)),
		zap.Duration("expiry_interval", wm.cfg.ExpiryInterval))

	wm.dispatch.goRun(wm.dispatcher.Run)

	wm.pump.Add(1)
	go func() {
		defer wm.pump.Done()
		wm.executor.Run(wm.root, wm.monitor.Events())
	}()

	wm.poll.goRun(wm.monitor.Run)
	wm.poll.goRun(wm.expiry.Run)

	for _, src := range wm.push {
		src := src
		wm.pushing.goRun(func(ctx context.Context) {
			wm.monitor.RunPush(ctx, src)
		})
	}

	wm.logger.Info("Worker manager started")
}

// Shutdown stops the workers in order: polling and expiry first, then push
// subscriptions within the push grace, then the executor drains the monitor's
// events and the dispatcher flushes its queue. Work still running when
// timeout elapses is cancelled.
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager", zap.Duration("timeout", timeout))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	defer wm.rootCancel()

	clean := true

	if !wm.poll.stop(deadline.C) {
		wm.logger.Warn("Poll workers did not stop in time")
		clean = false
	}

	grace := time.NewTimer(wm.cfg.PushGrace)
	if !wm.pushing.stop(grace.C) {
		wm.logger.Warn("Push subscriptions did not close within grace",
			zap.Duration("grace", wm.cfg.PushGrace))
		clean = false
	}
	grace.Stop()

	// No producer is left; closing the channel lets the executor drain it
	wm.monitor.Close()
	if !waitGroup(&wm.pump, deadline.C) {
		wm.logger.Warn("Executor did not drain in time")
		clean = false
	}

	if !wm.dispatch.stop(deadline.C) {
		wm.logger.Warn("Notification dispatcher did not drain in time")
		clean = false
	}

	if !clean {
		return apperr.Wrap(apperr.KindTransient, "worker_shutdown", context.DeadlineExceeded)
	}
	wm.logger.Info("Worker manager shutdown complete")
	return nil
}

// ResumeTracking re-attaches the transactions of pending payments to the
// monitor, which keeps its tracked set in memory only
func (wm *WorkerManager) ResumeTracking(ctx context.Context) (int, error) {
	pending, err := wm.payments.ListByStatus(ctx, models.PaymentStatusPending, ResumeBatch)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, p := range pending {
		if p.TransactionHash == nil {
			continue
		}
		if _, err := wm.payments.ObserveTransaction(ctx, p.ID, *p.TransactionHash); err != nil {
			wm.logger.Warn("Failed to resume tracking",
				zap.String("payment_id", p.ID),
				zap.String("tx_hash", *p.TransactionHash),
				zap.Error(err))
			continue
		}
		resumed++
	}

	wm.logger.Info("Resumed transaction tracking", zap.Int("count", resumed))
	return resumed, nil
}
