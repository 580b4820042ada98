package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the authoritative state of a payment
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusExpired   PaymentStatus = "EXPIRED"
)

// Valid reports whether s is a known payment status
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusConfirmed, PaymentStatusPaid,
		PaymentStatusFailed, PaymentStatusExpired:
		return true
	}
	return false
}

// IsFinal reports whether no further transition can leave s.
// Confirmed is not final: settlement may still move it to Paid.
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed || s == PaymentStatusExpired
}

// TxStatus represents the monitoring state of a blockchain transaction
type TxStatus string

const (
	TxStatusMempool    TxStatus = "MEMPOOL"
	TxStatusConfirming TxStatus = "CONFIRMING"
	TxStatusConfirmed  TxStatus = "CONFIRMED"
	TxStatusFailed     TxStatus = "FAILED"
	TxStatusExpired    TxStatus = "EXPIRED"
)

// IsTerminal reports whether the monitor stops tracking a transaction in this state
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed || s == TxStatusExpired
}

// DeriveTxStatus maps a confirmation count onto a monitoring status
func DeriveTxStatus(confirmations, required int64) TxStatus {
	switch {
	case confirmations <= 0:
		return TxStatusMempool
	case confirmations < required:
		return TxStatusConfirming
	default:
		return TxStatusConfirmed
	}
}

// CircuitState is the state of a per-dependency circuit breaker
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Payment represents a crypto payment request and its settlement progress
type Payment struct {
	ID              string          `db:"id" json:"id"`
	ExternalID      string          `db:"external_id" json:"external_id"`
	Currency        string          `db:"currency" json:"currency"`
	Address         string          `db:"address" json:"address"`
	RequestedAmount decimal.Decimal `db:"requested_amount" json:"requested_amount"`
	ReceivedAmount  decimal.Decimal `db:"received_amount" json:"received_amount"`
	Status          PaymentStatus   `db:"status" json:"status"`
	TransactionHash *string         `db:"transaction_hash" json:"transaction_hash,omitempty"`
	Confirmations   int64           `db:"confirmations" json:"confirmations"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time       `db:"expires_at" json:"expires_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// MonitoredTransaction is an in-flight transaction tracked by the monitor
type MonitoredTransaction struct {
	Hash                  string          `json:"hash"`
	Currency              string          `json:"currency"`
	Address               string          `json:"address"`
	Amount                decimal.Decimal `json:"amount"`
	RequiredConfirmations int64           `json:"required_confirmations"`
	Confirmations         int64           `json:"confirmations"`
	Status                TxStatus        `json:"status"`
	AddedAt               time.Time       `json:"added_at"`
	LastCheckedAt         time.Time       `json:"last_checked_at"`
}

// TransactionEvent is raised by the monitor when a tracked transaction changes status
type TransactionEvent struct {
	Hash          string          `json:"hash"`
	Currency      string          `json:"currency"`
	Address       string          `json:"address"`
	OldStatus     TxStatus        `json:"old_status"`
	NewStatus     TxStatus        `json:"new_status"`
	Confirmations int64           `json:"confirmations"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// StatusChangedEvent is emitted once per applied payment status transition
type StatusChangedEvent struct {
	PaymentID      string          `json:"payment_id"`
	ExternalID     string          `json:"external_id"`
	OldStatus      PaymentStatus   `json:"old_status"`
	NewStatus      PaymentStatus   `json:"new_status"`
	TxHash         string          `json:"tx_hash,omitempty"`
	ReceivedAmount decimal.Decimal `json:"received_amount"`
	Confirmations  int64           `json:"confirmations"`
	Source         string          `json:"source"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// IdempotencyRecord is the cached outcome of an idempotent operation
type IdempotencyRecord struct {
	Key            string    `json:"key"`
	CachedResult   []byte    `json:"cached_result"`
	CachedAt       time.Time `json:"cached_at"`
	LockOwnerToken string    `json:"lock_owner_token,omitempty"`
	LockExpiresAt  time.Time `json:"lock_expires_at,omitempty"`
}

// ServiceStatus is the observed health of an external dependency
type ServiceStatus struct {
	Name                string       `json:"name"`
	IsAvailable         bool         `json:"is_available"`
	ManualOverrideUntil *time.Time   `json:"manual_override_until,omitempty"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	CircuitState        CircuitState `json:"circuit_state"`
	SuccessRate         float64      `json:"success_rate"`
}

// WebhookRequestRecord identifies an accepted webhook delivery for replay protection
type WebhookRequestRecord struct {
	RequestID     string    `json:"request_id"`
	SignatureHash string    `json:"signature_hash"`
	ProviderID    string    `json:"provider_id"`
	ReceivedAt    time.Time `json:"received_at"`
}
