package webhook

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/cache"
	"paygate/internal/idempotency"
	"paygate/internal/models"
	"paygate/internal/payment"
	"paygate/internal/resilience"
)

const (
	testSecret   = "whsec_test"
	testProvider = "btcpay"
	allowedIP    = "203.0.113.7"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type gate struct {
	validator *Validator
	secrets   *SecretStore
	store     *cache.MemoryStore
}

func newGate(t *testing.T, cfg Config) *gate {
	t.Helper()

	store, err := cache.NewMemoryStore(cache.MemoryConfig{LifeWindow: time.Hour, Shards: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	breakers := resilience.NewHandler(resilience.NewRegistry(resilience.Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
	}, zap.NewNop()), store, zap.NewNop())

	secrets := NewSecretStore(map[string]string{testProvider: testSecret}, store, breakers, zap.NewNop())

	providerList, err := NewIPAllowList([]string{allowedIP})
	require.NoError(t, err)
	global, err := NewIPAllowList(nil)
	require.NoError(t, err)

	v := NewValidator(cfg, secrets, map[string]*IPAllowList{testProvider: providerList}, global, store, zap.NewNop())
	v.now = func() time.Time { return fixedNow }

	return &gate{validator: v, secrets: secrets, store: store}
}

func body(eventID, paymentID, status string) []byte {
	return []byte(`{"event_id":"` + eventID + `","payment_id":"` + paymentID + `","status":"` + status + `","tx_hash":"0xabc","confirmations":6,"amount":"0.015","currency":"BTC"}`)
}

func signedRequest(b []byte) Request {
	return Request{
		ProviderID: testProvider,
		SourceIP:   allowedIP,
		Signature:  "sha256=" + ComputeSignature(testSecret, b),
		Timestamp:  strconv.FormatInt(fixedNow.Unix(), 10),
		Body:       b,
	}
}

func TestValidateAcceptsSignedDelivery(t *testing.T) {
	g := newGate(t, Config{})

	d, err := g.validator.Validate(context.Background(), signedRequest(body("evt_1", "pay_1", "confirmed")))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", d.RequestID)
	assert.Equal(t, models.PaymentStatusConfirmed, d.Status)
	assert.Equal(t, "0.015", d.Amount.String())
	assert.Equal(t, int64(6), d.Payload.Confirmations)
}

func TestValidateRejections(t *testing.T) {
	valid := body("evt_1", "pay_1", "CONFIRMED")

	tests := []struct {
		name   string
		mutate func(*Request)
		kind   apperr.Kind
	}{
		{"oversized", func(r *Request) { r.Body = []byte(`{"event_id":"` + strings.Repeat("x", 200) + `"}`) }, apperr.KindValidation},
		{"ip not allowed", func(r *Request) { r.SourceIP = "198.51.100.1" }, apperr.KindSecurity},
		{"malformed json", func(r *Request) { r.Body = []byte(`{not json`) }, apperr.KindValidation},
		{"missing fields", func(r *Request) {
			r.Body = []byte(`{"event_id":"evt_1"}`)
			r.Signature = ComputeSignature(testSecret, r.Body)
		}, apperr.KindValidation},
		{"unknown status", func(r *Request) {
			r.Body = body("evt_1", "pay_1", "REFUNDED")
			r.Signature = ComputeSignature(testSecret, r.Body)
		}, apperr.KindValidation},
		{"bad signature", func(r *Request) { r.Signature = ComputeSignature("wrong", r.Body) }, apperr.KindSecurity},
		{"missing signature", func(r *Request) { r.Signature = "" }, apperr.KindSecurity},
		{"unknown provider", func(r *Request) { r.ProviderID = "coinbase"; r.SourceIP = allowedIP }, apperr.KindSecurity},
		{"stale timestamp", func(r *Request) { r.Timestamp = strconv.FormatInt(fixedNow.Add(-6*time.Minute).Unix(), 10) }, apperr.KindSecurity},
		{"future timestamp", func(r *Request) { r.Timestamp = fixedNow.Add(6 * time.Minute).Format(time.RFC3339) }, apperr.KindSecurity},
		{"garbled timestamp", func(r *Request) { r.Timestamp = "soon" }, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(t, Config{MaxPayloadBytes: int64(len(valid)) + 16})
			req := signedRequest(valid)
			tt.mutate(&req)

			_, err := g.validator.Validate(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err), err.Error())
			if tt.kind == apperr.KindSecurity {
				assert.Equal(t, "Request rejected", apperr.PublicMessage(err))
			}
		})
	}
}

func TestValidateWithinTolerance(t *testing.T) {
	g := newGate(t, Config{})
	req := signedRequest(body("evt_1", "pay_1", "PAID"))
	req.Timestamp = fixedNow.Add(-4 * time.Minute).Format(time.RFC3339)

	_, err := g.validator.Validate(context.Background(), req)
	require.NoError(t, err)

	req = signedRequest(body("evt_2", "pay_1", "PAID"))
	req.Timestamp = ""
	_, err = g.validator.Validate(context.Background(), req)
	require.NoError(t, err)
}

// The unknown-IP check runs before the signature check, so a forged request
// from an unlisted address never reaches secret lookup.
func TestValidateChecksIPBeforeSignature(t *testing.T) {
	g := newGate(t, Config{})
	req := signedRequest(body("evt_1", "pay_1", "PAID"))
	req.SourceIP = "198.51.100.1"
	req.Signature = "garbage"

	_, err := g.validator.Validate(context.Background(), req)
	assert.True(t, apperr.Is(err, apperr.KindSecurity))
}

func TestValidateRejectsReplay(t *testing.T) {
	g := newGate(t, Config{})
	ctx := context.Background()
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	_, err := g.validator.Validate(ctx, req)
	require.NoError(t, err)

	_, err = g.validator.Validate(ctx, req)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	req.RequestID = "req-42"
	_, err = g.validator.Validate(ctx, req)
	require.NoError(t, err, "a new request id is a new delivery")
}

func TestValidateReplayWindowExpires(t *testing.T) {
	g := newGate(t, Config{ReplayWindow: 20 * time.Millisecond})
	ctx := context.Background()
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	_, err := g.validator.Validate(ctx, req)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = g.validator.Validate(ctx, req)
	require.NoError(t, err)
}

func TestForgetAllowsRetry(t *testing.T) {
	g := newGate(t, Config{})
	ctx := context.Background()
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	d, err := g.validator.Validate(ctx, req)
	require.NoError(t, err)
	g.validator.Forget(ctx, d)

	_, err = g.validator.Validate(ctx, req)
	require.NoError(t, err)
}

func TestValidateAcceptsConcurrentDuplicateOnce(t *testing.T) {
	g := newGate(t, Config{})
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	const deliveries = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := g.validator.Validate(context.Background(), req)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case apperr.Is(err, apperr.KindConflict):
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, deliveries-1, conflicts)
}

func TestValidateFailureReleasesReplayClaim(t *testing.T) {
	g := newGate(t, Config{})
	ctx := context.Background()
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	stale := req
	stale.Timestamp = strconv.FormatInt(fixedNow.Add(-time.Hour).Unix(), 10)
	_, err := g.validator.Validate(ctx, stale)
	require.True(t, apperr.Is(err, apperr.KindSecurity))

	_, err = g.validator.Validate(ctx, req)
	require.NoError(t, err, "a rejected attempt does not block the genuine delivery")
}

func TestForgetOnlyClearsOwnClaim(t *testing.T) {
	g := newGate(t, Config{})
	ctx := context.Background()
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	first, err := g.validator.Validate(ctx, req)
	require.NoError(t, err)
	g.validator.Forget(ctx, first)

	_, err = g.validator.Validate(ctx, req)
	require.NoError(t, err)

	// A late Forget for the earlier attempt leaves the newer record alone
	g.validator.Forget(ctx, first)
	_, err = g.validator.Validate(ctx, req)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestGlobalAllowList(t *testing.T) {
	g := newGate(t, Config{})
	global, err := NewIPAllowList([]string{"198.51.100.0/24"})
	require.NoError(t, err)
	g.validator.global = global

	req := signedRequest(body("evt_1", "pay_1", "PAID"))
	req.SourceIP = "198.51.100.77"
	_, err = g.validator.Validate(context.Background(), req)
	require.NoError(t, err)
}

func TestSecretRotation(t *testing.T) {
	g := newGate(t, Config{})
	ctx := context.Background()

	require.NoError(t, g.secrets.Rotate(ctx, "BTCPAY", "whsec_new"))

	old := signedRequest(body("evt_1", "pay_1", "PAID"))
	_, err := g.validator.Validate(ctx, old)
	assert.True(t, apperr.Is(err, apperr.KindSecurity), "previous secret must stop validating")

	b := body("evt_2", "pay_1", "PAID")
	req := signedRequest(b)
	req.Signature = ComputeSignature("whsec_new", b)
	_, err = g.validator.Validate(ctx, req)
	require.NoError(t, err)

	assert.True(t, apperr.Is(g.secrets.Rotate(ctx, "", "x"), apperr.KindValidation))
}

func TestSecretRotationIsSharedThroughCache(t *testing.T) {
	g := newGate(t, Config{})
	ctx := context.Background()

	other := NewSecretStore(map[string]string{testProvider: testSecret}, g.store, g.secrets.breakers, zap.NewNop())
	require.NoError(t, other.Rotate(ctx, testProvider, "whsec_rotated"))

	secret, err := g.secrets.Get(ctx, testProvider)
	require.NoError(t, err)
	assert.Equal(t, "whsec_rotated", secret)
}

type countingUpdater struct {
	mu     sync.Mutex
	calls  int
	status models.PaymentStatus
	err    error
}

func (u *countingUpdater) ApplyUpdate(ctx context.Context, upd payment.Update) (payment.UpdateResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return payment.UpdateResult{}, u.err
	}
	applied := payment.Advances(u.status, upd.Status)
	if applied {
		u.status = upd.Status
	}
	return payment.UpdateResult{
		Payment: &models.Payment{ID: upd.PaymentID, Status: u.status},
		Applied: applied,
	}, nil
}

func newProcessor(t *testing.T, updater Updater) (*Processor, *gate) {
	g := newGate(t, Config{})
	coord := idempotency.NewCoordinator(g.store, idempotency.Config{RetryDelay: time.Millisecond}, zap.NewNop())
	return NewProcessor(g.validator, coord, updater, time.Hour, zap.NewNop()), g
}

func TestProcessDuplicateWebhook(t *testing.T) {
	updater := &countingUpdater{status: models.PaymentStatusPending}
	p, _ := newProcessor(t, updater)
	ctx := context.Background()
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	res, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.PaymentStatusConfirmed, res.PaymentStatus)

	_, err = p.Process(ctx, req)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, 1, updater.calls)
}

func TestProcessSameEventNewSignatureIsCached(t *testing.T) {
	updater := &countingUpdater{status: models.PaymentStatusPending}
	p, _ := newProcessor(t, updater)
	ctx := context.Background()

	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))
	_, err := p.Process(ctx, req)
	require.NoError(t, err)

	req.RequestID = "redelivery-1"
	res, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, updater.calls)
}

func TestProcessFailureAllowsRetry(t *testing.T) {
	updater := &countingUpdater{status: models.PaymentStatusPending, err: apperr.Wrap(apperr.KindTransient, "db", context.DeadlineExceeded)}
	p, _ := newProcessor(t, updater)
	ctx := context.Background()
	req := signedRequest(body("evt_1", "pay_1", "CONFIRMED"))

	_, err := p.Process(ctx, req)
	assert.True(t, apperr.Is(err, apperr.KindTransient))

	updater.err = nil
	res, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 2, updater.calls)
}

func TestProcessOutOfOrderDelivery(t *testing.T) {
	updater := &countingUpdater{status: models.PaymentStatusPending}
	p, _ := newProcessor(t, updater)
	ctx := context.Background()

	res, err := p.Process(ctx, signedRequest(body("evt_2", "pay_1", "PAID")))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = p.Process(ctx, signedRequest(body("evt_1", "pay_1", "CONFIRMED")))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.PaymentStatusPaid, res.PaymentStatus)
}
