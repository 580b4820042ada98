package api

import (
	"github.com/shopspring/decimal"

	"paygate/internal/models"
)

// ==================== Payments ====================

// CreatePaymentRequest represents request to create a payment.
// Either amount or fiat_amount with fiat_currency must be set.
type CreatePaymentRequest struct {
	ExternalID   string          `json:"external_id"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	FiatCurrency string          `json:"fiat_currency"`
	Address      string          `json:"address"`
	TTLSeconds   int64           `json:"ttl_seconds"`
}

// ObserveTransactionRequest attaches a transaction to a payment
type ObserveTransactionRequest struct {
	TxHash string `json:"tx_hash"`
}

// PaymentResponse wraps a payment
type PaymentResponse struct {
	Payment *models.Payment `json:"payment"`
}

// SettleResponse reports the outcome of a settlement request
type SettleResponse struct {
	Payment *models.Payment `json:"payment"`
	Applied bool            `json:"applied"`
}

// ==================== Dependencies ====================

// DependenciesResponse lists the health of every external dependency
type DependenciesResponse struct {
	Dependencies []models.ServiceStatus `json:"dependencies"`
}

// MarkUnavailableRequest forces a dependency into fallback.
// Duration uses Go syntax, e.g. "90s" or "5m".
type MarkUnavailableRequest struct {
	Duration string `json:"duration"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
