package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/models"
	"paygate/internal/payment"
	"paygate/internal/webhook"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
	headerRequestID = "X-Request-Id"

	defaultRetryAfter = 5 * time.Second
)

// Payments is the payment state machine as seen by the API
type Payments interface {
	Create(ctx context.Context, req payment.CreateRequest) (*models.Payment, error)
	Get(ctx context.Context, id string) (*models.Payment, error)
	ObserveTransaction(ctx context.Context, paymentID, hash string) (*models.Payment, error)
	Settle(ctx context.Context, paymentID string) (payment.UpdateResult, error)
}

// Webhooks processes provider callbacks
type Webhooks interface {
	Process(ctx context.Context, req webhook.Request) (webhook.Result, error)
	MaxPayloadBytes() int64
}

// Dependencies exposes breaker state and operator overrides
type Dependencies interface {
	Statuses(ctx context.Context) []models.ServiceStatus
	MarkUnavailable(ctx context.Context, name string, duration time.Duration) error
	ClearOverride(ctx context.Context, name string) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	payments     Payments
	webhooks     Webhooks
	dependencies Dependencies
	trustProxy   bool
	logger       *zap.Logger
}

// NewHandler creates a new API handler. trustProxy makes the webhook
// endpoint take the client address from X-Forwarded-For.
func NewHandler(
	payments Payments,
	webhooks Webhooks,
	dependencies Dependencies,
	trustProxy bool,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		payments:     payments,
		webhooks:     webhooks,
		dependencies: dependencies,
		trustProxy:   trustProxy,
		logger:       logger.Named("api"),
	}
}

// ==================== Payments ====================

// HandleCreatePayment handles POST /api/v1/payments
func (h *Handler) HandleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("create_payment", "invalid request body"))
		return
	}
	if req.TTLSeconds < 0 {
		respondError(w, apperr.Validation("create_payment", "ttl_seconds must not be negative"))
		return
	}

	p, err := h.payments.Create(r.Context(), payment.CreateRequest{
		ExternalID:   req.ExternalID,
		Currency:     req.Currency,
		Amount:       req.Amount,
		FiatAmount:   req.FiatAmount,
		FiatCurrency: req.FiatCurrency,
		Address:      req.Address,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.fail(w, "Failed to create payment", err, zap.String("external_id", req.ExternalID))
		return
	}

	respondJSON(w, http.StatusCreated, PaymentResponse{Payment: p})
}

// HandleGetPayment handles GET /api/v1/payments/{id}
func (h *Handler) HandleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get payment", err, zap.String("payment_id", id))
		return
	}

	respondJSON(w, http.StatusOK, PaymentResponse{Payment: p})
}

// HandleObserveTransaction handles POST /api/v1/payments/{id}/transactions
func (h *Handler) HandleObserveTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ObserveTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("observe_transaction", "invalid request body"))
		return
	}

	p, err := h.payments.ObserveTransaction(r.Context(), id, req.TxHash)
	if err != nil {
		h.fail(w, "Failed to observe transaction", err,
			zap.String("payment_id", id),
			zap.String("tx_hash", req.TxHash))
		return
	}

	respondJSON(w, http.StatusAccepted, PaymentResponse{Payment: p})
}

// HandleSettlePayment handles POST /api/v1/payments/{id}/settle
func (h *Handler) HandleSettlePayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	res, err := h.payments.Settle(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to settle payment", err, zap.String("payment_id", id))
		return
	}

	respondJSON(w, http.StatusOK, SettleResponse{Payment: res.Payment, Applied: res.Applied})
}

// ==================== Webhooks ====================

// HandleWebhook handles POST /webhooks/{provider}
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	// One byte over the limit is enough for the gate to reject it
	body, err := io.ReadAll(io.LimitReader(r.Body, h.webhooks.MaxPayloadBytes()+1))
	if err != nil {
		respondError(w, apperr.Validation("webhook", "failed to read request body"))
		return
	}

	res, err := h.webhooks.Process(r.Context(), webhook.Request{
		ProviderID: provider,
		RequestID:  r.Header.Get(headerRequestID),
		SourceIP:   webhook.ClientIP(r, h.trustProxy),
		Signature:  r.Header.Get(headerSignature),
		Timestamp:  r.Header.Get(headerTimestamp),
		Body:       body,
	})
	if err != nil {
		h.fail(w, "Webhook rejected", err, zap.String("provider", provider))
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// ==================== Dependencies ====================

// HandleListDependencies handles GET /api/v1/dependencies
func (h *Handler) HandleListDependencies(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, DependenciesResponse{
		Dependencies: h.dependencies.Statuses(r.Context()),
	})
}

// HandleMarkUnavailable handles POST /api/v1/dependencies/{name}/unavailable
func (h *Handler) HandleMarkUnavailable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req MarkUnavailableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("mark_unavailable", "invalid request body"))
		return
	}
	duration, err := time.ParseDuration(strings.TrimSpace(req.Duration))
	if err != nil {
		respondError(w, apperr.Validation("mark_unavailable", "invalid duration: "+req.Duration))
		return
	}

	if err := h.dependencies.MarkUnavailable(r.Context(), name, duration); err != nil {
		h.fail(w, "Failed to mark dependency unavailable", err, zap.String("dependency", name))
		return
	}

	h.logger.Warn("Dependency marked unavailable by operator",
		zap.String("dependency", name),
		zap.Duration("duration", duration))
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearOverride handles DELETE /api/v1/dependencies/{name}/unavailable
func (h *Handler) HandleClearOverride(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.dependencies.ClearOverride(r.Context(), name); err != nil {
		h.fail(w, "Failed to clear dependency override", err, zap.String("dependency", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ==================== Helper Functions ====================

// fail logs err at a level matching its kind and writes the error response
func (h *Handler) fail(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, fields...)
	} else {
		h.logger.Info(msg, fields...)
	}
	respondError(w, err)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response. The body carries only the caller-safe
// message of err.
func respondError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		ra := apperr.RetryAfterOf(err)
		if ra <= 0 {
			ra = defaultRetryAfter
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ra.Seconds()))))
	}
	respondJSON(w, status, ErrorResponse{Error: apperr.PublicMessage(err)})
}
