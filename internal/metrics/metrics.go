// Package metrics holds the prometheus collectors exported by the service.
// Collectors are usable before registration; cmd/server registers them once.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "paygate"

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total number of API requests",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request duration in seconds",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method", "route"})

	TrackedTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "tracked_transactions",
		Help:      "Number of transactions currently tracked",
	})

	TransactionChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "checks_total",
		Help:      "Transaction status checks by currency and outcome",
	}, []string{"currency", "outcome"})

	TransactionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "events_total",
		Help:      "Transaction status change events",
	}, []string{"currency", "status"})

	ConfirmationAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "confirmation_anomalies_total",
		Help:      "Observations reporting fewer confirmations than already recorded",
	}, []string{"currency"})

	PushConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "push_connected",
		Help:      "1 while the push subscription is connected",
	})

	PaymentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "transitions_total",
		Help:      "Applied payment status transitions",
	}, []string{"from", "to", "source"})

	RejectedTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "rejected_transitions_total",
		Help:      "Updates that did not advance the payment status",
	}, []string{"source"})

	IdempotencyOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idempotency",
		Name:      "executions_total",
		Help:      "Idempotent executions by outcome (executed, cached, conflict, failed)",
	}, []string{"outcome"})

	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resilience",
		Name:      "circuit_state",
		Help:      "Circuit state per dependency (0 closed, 1 half-open, 2 open)",
	}, []string{"dependency"})

	DegradedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resilience",
		Name:      "tier_calls_total",
		Help:      "Calls served per dependency and tier (primary, degraded, fallback)",
	}, []string{"dependency", "tier"})

	WebhookResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by provider and result",
	}, []string{"provider", "result"})

	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the queue was full",
	})

	NotificationBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "batches_total",
		Help:      "Notification batches dispatched",
	})
)

var registerOnce sync.Once

// Register adds every collector to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			HTTPRequests,
			HTTPDuration,
			TrackedTransactions,
			TransactionChecks,
			TransactionEvents,
			ConfirmationAnomalies,
			PushConnected,
			PaymentTransitions,
			RejectedTransitions,
			IdempotencyOutcomes,
			CircuitState,
			DegradedCalls,
			WebhookResults,
			NotificationsDropped,
			NotificationBatches,
		)
	})
}
