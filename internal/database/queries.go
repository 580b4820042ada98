package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"paygate/internal/models"
	"paygate/internal/payment"
)

const paymentColumns = `
	id, external_id, currency, address, requested_amount, received_amount,
	status, transaction_hash, confirmations, created_at, expires_at, completed_at
`

// PaymentRepository stores payments in PostgreSQL
type PaymentRepository struct {
	db *DB
}

var _ payment.Repository = (*PaymentRepository)(nil)

// NewPaymentRepository creates a repository over db
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// ==================== Payment Writes ====================

// Create inserts a new payment
func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (
			id, external_id, currency, address, requested_amount, received_amount,
			status, transaction_hash, confirmations, created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(
		ctx, query,
		p.ID,
		p.ExternalID,
		p.Currency,
		p.Address,
		p.RequestedAmount,
		p.ReceivedAmount,
		p.Status,
		p.TransactionHash,
		p.Confirmations,
		p.CreatedAt,
		p.ExpiresAt,
	)
	return mapError("create_payment", err)
}

// UpdateProgress stores confirmation bookkeeping. The stored values never
// decrease and an attached hash is never replaced.
func (r *PaymentRepository) UpdateProgress(ctx context.Context, id string, progress payment.Progress) error {
	query := `
		UPDATE payments
		SET transaction_hash = COALESCE(transaction_hash, $2),
		    confirmations = GREATEST(confirmations, $3),
		    received_amount = GREATEST(received_amount, $4),
		    updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, progress.TxHash, progress.Confirmations, progress.ReceivedAmount)
	if err != nil {
		return mapError("update_payment_progress", err)
	}
	return requireRow("update_payment_progress", res.RowsAffected)
}

// CompareAndSetStatus moves a payment from one status to another
func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, id string, from, to models.PaymentStatus, completedAt *time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = $3,
		    completed_at = COALESCE($4, completed_at),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, from, to, completedAt)
	if err != nil {
		return false, mapError("set_payment_status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("set_payment_status", err)
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish a lost race from a missing payment
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func requireRow(op string, rowsAffected func() (int64, error)) error {
	n, err := rowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n == 0 {
		return mapError(op, sql.ErrNoRows)
	}
	return nil
}

// ==================== Payment Reads ====================

// Get retrieves a payment by id
func (r *PaymentRepository) Get(ctx context.Context, id string) (*models.Payment, error) {
	return r.getOne(ctx, "get_payment", `WHERE id = $1`, id)
}

// GetByExternalID retrieves a payment by the merchant's reference
func (r *PaymentRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	return r.getOne(ctx, "get_payment_by_external_id", `WHERE external_id = $1`, externalID)
}

// GetByAddress retrieves the most recent payment to an address
func (r *PaymentRepository) GetByAddress(ctx context.Context, currency, address string) (*models.Payment, error) {
	return r.getOne(ctx, "get_payment_by_address",
		`WHERE currency = $1 AND address = $2 ORDER BY created_at DESC LIMIT 1`,
		strings.ToUpper(currency), address)
}

// GetByTransactionHash retrieves the payment a transaction is attached to
func (r *PaymentRepository) GetByTransactionHash(ctx context.Context, hash string) (*models.Payment, error) {
	return r.getOne(ctx, "get_payment_by_tx_hash", `WHERE transaction_hash = $1`, hash)
}

func (r *PaymentRepository) getOne(ctx context.Context, op, where string, args ...interface{}) (*models.Payment, error) {
	var p models.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments ` + where
	if err := r.db.GetContext(ctx, &p, query, args...); err != nil {
		return nil, mapError(op, err)
	}
	return &p, nil
}

// ListByStatus lists payments in a status, oldest first
func (r *PaymentRepository) ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	var payments []*models.Payment
	err := r.db.SelectContext(ctx, &payments, query, status, normalizeLimit(limit))
	return payments, mapError("list_payments", err)
}

// ListOverdue lists pending payments without a transaction whose expiry passed
func (r *PaymentRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND transaction_hash IS NULL AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	var payments []*models.Payment
	err := r.db.SelectContext(ctx, &payments, query, models.PaymentStatusPending, now, normalizeLimit(limit))
	return payments, mapError("list_overdue_payments", err)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
