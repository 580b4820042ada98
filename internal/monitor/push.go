package monitor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"paygate/internal/metrics"
)

// PushKind distinguishes push notifications
type PushKind string

const (
	PushTransaction PushKind = "tx"
	PushBlock       PushKind = "block"
)

// PushNotification is one message from a node event stream. Transaction
// notifications carry a confirmation count; block notifications only tell the
// monitor that a currency advanced and its entries should be re-checked.
type PushNotification struct {
	Kind          PushKind
	Hash          string
	Currency      string
	Confirmations int64
	Failed        bool
	Height        int64
}

// PushSource opens a subscription. The returned channel is closed when the
// connection drops.
type PushSource interface {
	Subscribe(ctx context.Context) (<-chan PushNotification, error)
}

// PushEnabled reports whether the push channel is still in use
func (m *Monitor) PushEnabled() bool {
	return m.pushEnabled.Load()
}

// RunPush consumes src until ctx is cancelled. A dropped connection is
// re-established with exponential backoff; after MaxReconnectAttempts
// consecutive failures push is disabled and polling alone drives the monitor.
func (m *Monitor) RunPush(ctx context.Context, src PushSource) {
	m.pushEnabled.Store(true)
	defer metrics.PushConnected.Set(0)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectBase
	bo.MaxInterval = m.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := src.Subscribe(ctx)
		if err == nil {
			m.logger.Info("Push subscription connected")
			metrics.PushConnected.Set(1)
			failures = 0
			bo.Reset()

			m.consume(ctx, ch)

			metrics.PushConnected.Set(0)
			if ctx.Err() != nil {
				m.logger.Info("Push subscription stopping")
				return
			}
			m.logger.Warn("Push subscription lost")
		} else {
			m.logger.Warn("Push subscription failed", zap.Error(err))
		}

		failures++
		if failures > m.cfg.MaxReconnectAttempts {
			m.pushEnabled.Store(false)
			m.logger.Error("Push disabled after repeated reconnect failures, polling only",
				zap.Int("attempts", m.cfg.MaxReconnectAttempts))
			return
		}

		wait := bo.NextBackOff()
		m.logger.Info("Reconnecting push subscription",
			zap.Int("attempt", failures),
			zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Monitor) consume(ctx context.Context, ch <-chan PushNotification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			m.handlePush(ctx, n)
		}
	}
}

func (m *Monitor) handlePush(ctx context.Context, n PushNotification) {
	switch n.Kind {
	case PushTransaction:
		m.ApplyObservation(n.Hash, Observation{
			Confirmations: n.Confirmations,
			Failed:        n.Failed,
		})
	case PushBlock:
		m.logger.Debug("New block, re-checking currency",
			zap.String("currency", n.Currency),
			zap.Int64("height", n.Height))
		m.Recheck(ctx, n.Currency)
	default:
		m.logger.Debug("Ignoring unknown push notification", zap.String("kind", string(n.Kind)))
	}
}
