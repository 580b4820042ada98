// Package webhook is the security gate for inbound provider callbacks. A
// delivery must pass every check, in order, before it may propose a payment
// status change.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/cache"
	"paygate/internal/metrics"
	"paygate/internal/models"
)

const seenKeyPrefix = "webhook:seen:"

// Config holds the gate's limits
type Config struct {
	MaxPayloadBytes    int64
	TimestampTolerance time.Duration
	ReplayWindow       time.Duration
}

// Request is one inbound delivery as received
type Request struct {
	ProviderID string
	RequestID  string
	SourceIP   string
	Signature  string
	Timestamp  string
	Body       []byte
}

// Payload is the provider's status callback
type Payload struct {
	EventID       string `json:"event_id" validate:"required,max=128"`
	PaymentID     string `json:"payment_id" validate:"required,max=64"`
	Status        string `json:"status" validate:"required,oneof=PENDING CONFIRMED PAID FAILED EXPIRED pending confirmed paid failed expired"`
	TxHash        string `json:"tx_hash" validate:"omitempty,max=128"`
	Confirmations int64  `json:"confirmations" validate:"gte=0"`
	Amount        string `json:"amount" validate:"omitempty,numeric"`
	Currency      string `json:"currency" validate:"omitempty,alphanum,max=16"`
}

// Delivery is a validated request
type Delivery struct {
	ProviderID string
	RequestID  string
	Payload    Payload
	Status     models.PaymentStatus
	Amount     decimal.Decimal
	ReceivedAt time.Time
	seenKey    string
	claim      []byte
}

// replayClaim is the stored replay record; Token tells concurrent claimants apart
type replayClaim struct {
	models.WebhookRequestRecord
	Token string `json:"token"`
}

// Validator runs the ordered checks. It is safe for concurrent use.
type Validator struct {
	cfg      Config
	secrets  *SecretStore
	allow    map[string]*IPAllowList
	global   *IPAllowList
	store    cache.Store
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewValidator creates a validator. allowLists maps lower-case provider ids
// to their allow-list; global applies to every provider.
func NewValidator(cfg Config, secrets *SecretStore, allowLists map[string]*IPAllowList, global *IPAllowList, store cache.Store, logger *zap.Logger) *Validator {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = 5 * time.Minute
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 24 * time.Hour
	}
	return &Validator{
		cfg:      cfg,
		secrets:  secrets,
		allow:    allowLists,
		global:   global,
		store:    store,
		validate: validator.New(),
		logger:   logger.Named("webhook"),
		now:      time.Now,
	}
}

// MaxPayloadBytes is the configured body limit
func (v *Validator) MaxPayloadBytes() int64 {
	return v.cfg.MaxPayloadBytes
}

// Validate checks req and records it for replay protection on success.
// Failures carry a generic public message; the precise reason is logged.
// The replay record is claimed atomically at the replay check and released
// again if a later check fails, so of two identical concurrent deliveries
// exactly one is accepted.
func (v *Validator) Validate(ctx context.Context, req Request) (_ *Delivery, err error) {
	provider := strings.ToLower(req.ProviderID)

	// 1. size
	if int64(len(req.Body)) > v.cfg.MaxPayloadBytes {
		return nil, v.reject(provider, req, "payload_too_large",
			apperr.Validation("webhook", "payload too large"))
	}

	// 2. source address
	if !v.allowed(provider, req.SourceIP) {
		return nil, v.reject(provider, req, "ip_not_allowed",
			apperr.Security("webhook", "source address not allowed"))
	}

	// 3. replay
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = bodyID(req.Body)
	}
	now := v.now()
	seenKey := seenKeyPrefix + provider + ":" + requestID + ":" + signatureHash(req.Signature)
	claim, err := json.Marshal(replayClaim{
		WebhookRequestRecord: models.WebhookRequestRecord{
			RequestID:     requestID,
			SignatureHash: signatureHash(req.Signature),
			ProviderID:    provider,
			ReceivedAt:    now.UTC(),
		},
		Token: uuid.NewString(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "webhook", err)
	}
	fresh, err := v.store.SetNX(ctx, seenKey, claim, v.cfg.ReplayWindow)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "webhook", fmt.Errorf("failed to check replay cache: %w", err))
	}
	if !fresh {
		return nil, v.reject(provider, req, "replay",
			apperr.Conflict("webhook", "duplicate delivery"))
	}
	defer func() {
		if err != nil {
			v.release(ctx, provider, requestID, seenKey, claim)
		}
	}()

	// 4. well-formed payload
	var payload Payload
	dec := json.NewDecoder(bytes.NewReader(req.Body))
	if err := dec.Decode(&payload); err != nil {
		return nil, v.reject(provider, req, "malformed_payload",
			apperr.Validation("webhook", "malformed payload"))
	}
	if err := v.validate.Struct(payload); err != nil {
		v.logger.Debug("Payload shape rejected", zap.Error(err))
		return nil, v.reject(provider, req, "invalid_payload",
			apperr.Validation("webhook", "invalid payload"))
	}

	// 5. signature
	secret, err := v.secrets.Get(ctx, provider)
	if err != nil {
		if apperr.Is(err, apperr.KindConfiguration) {
			return nil, v.reject(provider, req, "unknown_provider",
				apperr.Security("webhook", "unknown provider"))
		}
		return nil, err
	}
	if !VerifySignature(secret, req.Body, req.Signature) {
		return nil, v.reject(provider, req, "bad_signature",
			apperr.Security("webhook", "signature mismatch"))
	}

	// 6. timestamp
	if req.Timestamp != "" {
		ts, err := ParseTimestamp(req.Timestamp)
		if err != nil {
			return nil, v.reject(provider, req, "bad_timestamp",
				apperr.Validation("webhook", "invalid timestamp"))
		}
		skew := now.Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.cfg.TimestampTolerance {
			return nil, v.reject(provider, req, "stale_timestamp",
				apperr.Security("webhook", "timestamp outside tolerance"))
		}
	}

	amount := decimal.Zero
	if payload.Amount != "" {
		amount, err = decimal.NewFromString(payload.Amount)
		if err != nil {
			return nil, v.reject(provider, req, "invalid_amount",
				apperr.Validation("webhook", "invalid payload"))
		}
	}

	metrics.WebhookResults.WithLabelValues(provider, "accepted").Inc()
	return &Delivery{
		ProviderID: provider,
		RequestID:  requestID,
		Payload:    payload,
		Status:     models.PaymentStatus(strings.ToUpper(payload.Status)),
		Amount:     amount,
		ReceivedAt: now.UTC(),
		seenKey:    seenKey,
		claim:      claim,
	}, nil
}

// Forget removes a delivery's replay record so the provider's retry is
// accepted. Used when the delivery could not be processed. Only the record
// this delivery claimed is removed.
func (v *Validator) Forget(ctx context.Context, d *Delivery) {
	v.release(ctx, d.ProviderID, d.RequestID, d.seenKey, d.claim)
}

func (v *Validator) release(ctx context.Context, provider, requestID, key string, claim []byte) {
	if _, err := v.store.CompareAndDelete(context.WithoutCancel(ctx), key, claim); err != nil {
		v.logger.Warn("Failed to clear replay record",
			zap.String("provider", provider),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (v *Validator) allowed(provider, ip string) bool {
	if v.global.Allows(ip) {
		return true
	}
	return v.allow[provider].Allows(ip)
}

// reject logs the precise reason as a security event and returns err
func (v *Validator) reject(provider string, req Request, reason string, err error) error {
	metrics.WebhookResults.WithLabelValues(provider, reason).Inc()
	v.logger.Warn("Webhook rejected",
		zap.String("event", "security"),
		zap.String("provider", provider),
		zap.String("request_id", req.RequestID),
		zap.String("source_ip", req.SourceIP),
		zap.String("reason", reason))
	return err
}

// bodyID identifies a delivery that carries no request id
func bodyID(body []byte) string {
	var envelope struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.EventID != "" {
		return envelope.EventID
	}
	sum := sha256.Sum256(body)
	return "body-" + hex.EncodeToString(sum[:])
}
