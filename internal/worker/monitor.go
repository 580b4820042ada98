package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ExpiryMonitor periodically moves pending payments past their deadline to Expired
type ExpiryMonitor struct {
	payments Payments
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewExpiryMonitor creates a new expiry monitor
func NewExpiryMonitor(payments Payments, interval time.Duration, logger *zap.Logger) *ExpiryMonitor {
	return &ExpiryMonitor{
		payments: payments,
		interval: interval,
		logger:   logger.Named("expiry"),
		now:      time.Now,
	}
}

// Run starts the expiry polling loop
func (m *ExpiryMonitor) Run(ctx context.Context) {
	m.logger.Info("Expiry monitor started",
		zap.Duration("poll_interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Expiry monitor stopping")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll executes one expiry cycle
func (m *ExpiryMonitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, ExpiryTimeout)
	defer cancel()

	expired, err := m.payments.ExpireOverdue(pollCtx, m.now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Error("Failed to expire overdue payments", zap.Error(err))
		return
	}
	if expired > 0 {
		m.logger.Info("Expired overdue payments", zap.Int("count", expired))
	}
}
