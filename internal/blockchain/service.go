// Package blockchain defines the per-currency chain access contract consumed by
// the transaction monitor and a registry keyed by currency symbol.
package blockchain

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"paygate/internal/apperr"
)

//go:generate mockgen -destination=../mocks/mock_blockchain.go -package=mocks paygate/internal/blockchain Service

// TxState is the chain-level state of a transaction
type TxState string

const (
	TxStatePending   TxState = "pending"
	TxStateConfirmed TxState = "confirmed"
	TxStateFailed    TxState = "failed"
	TxStateNotFound  TxState = "not_found"
)

// TxInfo is what a chain reports about one transaction
type TxInfo struct {
	Hash          string
	Confirmations int64
	State         TxState
	Amount        decimal.Decimal
	BlockHash     string
	// Outputs holds per-address amounts on UTXO chains
	Outputs map[string]decimal.Decimal
}

// AmountTo returns the amount paid to address, falling back to the total
func (t *TxInfo) AmountTo(address string) decimal.Decimal {
	if v, ok := t.Outputs[address]; ok {
		return v
	}
	return t.Amount
}

// Service is implemented once per chain family
type Service interface {
	Currency() string
	GetTransaction(ctx context.Context, hash string) (*TxInfo, error)
	IsConnected(ctx context.Context) bool
	GetBlockHeight(ctx context.Context) (int64, error)
	ValidateAddress(address string) bool
}

// Registry maps currency symbols to their chain service
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds svc under its currency symbol, replacing any previous entry
func (r *Registry) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[normalize(svc.Currency())] = svc
}

// Get returns the service for a currency
func (r *Registry) Get(currency string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[normalize(currency)]
	if !ok {
		return nil, apperr.Configuration("blockchain_registry", "unsupported currency: "+currency)
	}
	return svc, nil
}

// Has reports whether a currency is registered
func (r *Registry) Has(currency string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[normalize(currency)]
	return ok
}

// Currencies returns the registered symbols, sorted
func (r *Registry) Currencies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.services))
	for sym := range r.services {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// BreakerName is the circuit breaker name used for a currency's node
func BreakerName(currency string) string {
	return "blockchain:" + normalize(currency)
}

func normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
