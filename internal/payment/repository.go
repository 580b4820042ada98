package payment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paygate/internal/apperr"
	"paygate/internal/models"
)

// Progress is the non-status bookkeeping of a payment
type Progress struct {
	TxHash         *string
	Confirmations  int64
	ReceivedAmount decimal.Decimal
}

// Repository persists payments. Lookups of missing payments return an
// apperr NotFound error; Create returns Conflict for a duplicate external id.
type Repository interface {
	Create(ctx context.Context, p *models.Payment) error
	Get(ctx context.Context, id string) (*models.Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	GetByAddress(ctx context.Context, currency, address string) (*models.Payment, error)
	GetByTransactionHash(ctx context.Context, hash string) (*models.Payment, error)
	ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error)
	// ListOverdue returns pending payments with no transaction attached whose
	// expiry is before now
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Payment, error)
	UpdateProgress(ctx context.Context, id string, progress Progress) error
	// CompareAndSetStatus moves id from one status to another and reports
	// whether the stored status still matched from
	CompareAndSetStatus(ctx context.Context, id string, from, to models.PaymentStatus, completedAt *time.Time) (bool, error)
}

// MemoryRepository keeps payments in process memory. It backs single-instance
// and test deployments where no database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{payments: make(map[string]*models.Payment)}
}

func clonePayment(p *models.Payment) *models.Payment {
	c := *p
	if p.TransactionHash != nil {
		h := *p.TransactionHash
		c.TransactionHash = &h
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (r *MemoryRepository) Create(ctx context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.ID]; exists {
		return apperr.Conflict("create_payment", "payment already exists")
	}
	for _, existing := range r.payments {
		if existing.ExternalID == p.ExternalID {
			return apperr.Conflict("create_payment", "payment with this external id already exists")
		}
	}
	r.payments[p.ID] = clonePayment(p)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Payment, error) {
	return r.find("get_payment", func(p *models.Payment) bool { return p.ID == id })
}

func (r *MemoryRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	return r.find("get_payment_by_external_id", func(p *models.Payment) bool { return p.ExternalID == externalID })
}

func (r *MemoryRepository) GetByAddress(ctx context.Context, currency, address string) (*models.Payment, error) {
	currency = strings.ToUpper(currency)
	return r.find("get_payment_by_address", func(p *models.Payment) bool {
		return p.Currency == currency && p.Address == address
	})
}

func (r *MemoryRepository) GetByTransactionHash(ctx context.Context, hash string) (*models.Payment, error) {
	return r.find("get_payment_by_tx_hash", func(p *models.Payment) bool {
		return p.TransactionHash != nil && *p.TransactionHash == hash
	})
}

func (r *MemoryRepository) find(op string, match func(*models.Payment) bool) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.payments {
		if match(p) {
			return clonePayment(p), nil
		}
	}
	return nil, apperr.NotFound(op, "payment not found")
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	return r.list(limit, func(p *models.Payment) bool { return p.Status == status }), nil
}

func (r *MemoryRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Payment, error) {
	return r.list(limit, func(p *models.Payment) bool {
		return p.Status == models.PaymentStatusPending && p.TransactionHash == nil && p.ExpiresAt.Before(now)
	}), nil
}

// list returns matches oldest first
func (r *MemoryRepository) list(limit int, match func(*models.Payment) bool) []*models.Payment {
	r.mu.RLock()
	out := make([]*models.Payment, 0)
	for _, p := range r.payments {
		if match(p) {
			out = append(out, clonePayment(p))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) UpdateProgress(ctx context.Context, id string, progress Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return apperr.NotFound("update_payment_progress", "payment not found")
	}
	if progress.TxHash != nil {
		h := *progress.TxHash
		p.TransactionHash = &h
	}
	p.Confirmations = progress.Confirmations
	p.ReceivedAmount = progress.ReceivedAmount
	return nil
}

func (r *MemoryRepository) CompareAndSetStatus(ctx context.Context, id string, from, to models.PaymentStatus, completedAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return false, apperr.NotFound("set_payment_status", "payment not found")
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	if completedAt != nil {
		t := *completedAt
		p.CompletedAt = &t
	}
	return true, nil
}
