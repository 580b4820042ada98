package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/blockchain"
	"paygate/internal/cache"
	"paygate/internal/idempotency"
	"paygate/internal/mocks"
	"paygate/internal/models"
)

const (
	testAddress = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	testHash    = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
)

type trackCall struct {
	hash, currency, address string
	required                int64
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []trackCall
	err   error
}

func (f *fakeTracker) Track(hash, currency, address string, amount decimal.Decimal, required int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.calls = append(f.calls, trackCall{hash, currency, address, required})
	return len(f.calls) == 1, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.StatusChangedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, eventName, paymentID string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eventName == EventStatusChanged {
		p.events = append(p.events, payload.(models.StatusChangedEvent))
	}
}

func (p *recordingPublisher) Events() []models.StatusChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StatusChangedEvent(nil), p.events...)
}

type fixedPrices struct {
	rate decimal.Decimal
	err  error
}

func (f fixedPrices) Convert(ctx context.Context, amount decimal.Decimal, fiat, symbol string) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return amount.Div(f.rate).Round(8), nil
}

type staticDeriver string

func (d staticDeriver) Derive(reference string) (string, error) {
	if reference == "" {
		return "", errors.New("payment reference cannot be empty")
	}
	return string(d), nil
}

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	tracker   *fakeTracker
	publisher *recordingPublisher
}

func newFixture(t *testing.T, customize func(*Deps)) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	chain := mocks.NewMockService(ctrl)
	chain.EXPECT().Currency().Return("BTC").AnyTimes()
	chain.EXPECT().ValidateAddress(gomock.Any()).DoAndReturn(func(a string) bool {
		return len(a) > 10
	}).AnyTimes()

	chains := blockchain.NewRegistry()
	chains.Register(chain)

	store, err := cache.NewMemoryStore(cache.MemoryConfig{LifeWindow: time.Hour, Shards: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		repo:      NewMemoryRepository(),
		tracker:   &fakeTracker{},
		publisher: &recordingPublisher{},
	}
	deps := Deps{
		Repo:      f.repo,
		Chains:    chains,
		Tracker:   f.tracker,
		Locker:    idempotency.NewCoordinator(store, idempotency.Config{LockTTL: time.Second, RetryDelay: time.Millisecond, LockAttempts: 2000}, zap.NewNop()),
		Publisher: f.publisher,
	}
	if customize != nil {
		customize(&deps)
	}

	f.svc = NewService(deps, Config{
		DefaultTTL:            time.Hour,
		LockTTL:               time.Second,
		RequiredConfirmations: map[string]int64{"BTC": 6},
	}, zap.NewNop())
	return f
}

func (f *fixture) create(t *testing.T, externalID string) *models.Payment {
	t.Helper()
	p, err := f.svc.Create(context.Background(), CreateRequest{
		ExternalID: externalID,
		Currency:   "btc",
		Amount:     decimal.RequireFromString("0.015"),
		Address:    testAddress,
	})
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	f := newFixture(t, nil)

	p := f.create(t, "order-1")
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "BTC", p.Currency)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.True(t, p.ReceivedAmount.IsZero())
	assert.WithinDuration(t, p.CreatedAt.Add(time.Hour), p.ExpiresAt, time.Second)

	stored, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ExternalID, stored.ExternalID)

	byAddr, err := f.svc.GetByAddress(context.Background(), "btc", testAddress)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byAddr.ID)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing external id", CreateRequest{Currency: "BTC", Amount: decimal.NewFromInt(1), Address: testAddress}},
		{"unsupported currency", CreateRequest{ExternalID: "x", Currency: "DOGE", Amount: decimal.NewFromInt(1), Address: testAddress}},
		{"no amount", CreateRequest{ExternalID: "x", Currency: "BTC", Address: testAddress}},
		{"negative amount", CreateRequest{ExternalID: "x", Currency: "BTC", Amount: decimal.NewFromInt(-1), Address: testAddress}},
		{"bad address", CreateRequest{ExternalID: "x", Currency: "BTC", Amount: decimal.NewFromInt(1), Address: "short"}},
		{"no address and no allocator", CreateRequest{ExternalID: "x", Currency: "BTC", Amount: decimal.NewFromInt(1)}},
		{"fiat without converter", CreateRequest{ExternalID: "x", Currency: "BTC", FiatAmount: decimal.NewFromInt(100), FiatCurrency: "USD", Address: testAddress}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.req)
			require.Error(t, err)
			assert.NotEqual(t, apperr.KindInternal, apperr.KindOf(err))
		})
	}
}

func TestCreateDuplicateExternalID(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "order-1")

	_, err := f.svc.Create(context.Background(), CreateRequest{
		ExternalID: "order-1",
		Currency:   "BTC",
		Amount:     decimal.NewFromInt(1),
		Address:    testAddress,
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestCreateConvertsFiat(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Prices = fixedPrices{rate: decimal.NewFromInt(50000)}
	})

	p, err := f.svc.Create(context.Background(), CreateRequest{
		ExternalID:   "order-fiat",
		Currency:     "BTC",
		FiatAmount:   decimal.NewFromInt(750),
		FiatCurrency: "usd",
		Address:      testAddress,
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.015").Equal(p.RequestedAmount), p.RequestedAmount.String())
}

func TestCreateAllocatesAddress(t *testing.T) {
	alloc := NewDerivedAllocator()
	alloc.Register("btc", staticDeriver(testAddress))

	f := newFixture(t, func(d *Deps) { d.Allocator = alloc })

	p, err := f.svc.Create(context.Background(), CreateRequest{
		ExternalID: "order-alloc",
		Currency:   "BTC",
		Amount:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, testAddress, p.Address)
}

func TestObserveTransaction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.create(t, "order-1")

	got, err := f.svc.ObserveTransaction(ctx, p.ID, testHash)
	require.NoError(t, err)
	require.NotNil(t, got.TransactionHash)
	assert.Equal(t, testHash, *got.TransactionHash)

	require.Len(t, f.tracker.calls, 1)
	assert.Equal(t, trackCall{testHash, "BTC", testAddress, 6}, f.tracker.calls[0])

	_, err = f.svc.ObserveTransaction(ctx, p.ID, testHash)
	require.NoError(t, err)

	_, err = f.svc.ObserveTransaction(ctx, p.ID, "other-hash")
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = f.svc.ObserveTransaction(ctx, "missing", testHash)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestApplyUpdateOnlyAdvances(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.create(t, "order-1")

	res, err := f.svc.ApplyUpdate(ctx, Update{PaymentID: p.ID, Status: models.PaymentStatusConfirmed, TxHash: testHash, Confirmations: 6, Source: SourceMonitor})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = f.svc.ApplyUpdate(ctx, Update{PaymentID: p.ID, Status: models.PaymentStatusPending, Source: SourceWebhook})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.PaymentStatusConfirmed, res.Payment.Status)

	res, err = f.svc.ApplyUpdate(ctx, Update{PaymentID: p.ID, Status: models.PaymentStatusFailed, Source: SourceWebhook})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = f.svc.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.NotNil(t, res.Payment.CompletedAt)

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, stored.Status)
	assert.Equal(t, int64(6), stored.Confirmations)

	events := f.publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.PaymentStatusPending, events[0].OldStatus)
	assert.Equal(t, models.PaymentStatusConfirmed, events[0].NewStatus)
	assert.Equal(t, testHash, events[0].TxHash)
	assert.Equal(t, models.PaymentStatusPaid, events[1].NewStatus)
}

func TestApplyUpdateMergesProgress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.create(t, "order-1")

	_, err := f.svc.ApplyUpdate(ctx, Update{PaymentID: p.ID, TxHash: testHash, Confirmations: 4, ReceivedAmount: decimal.RequireFromString("0.015")})
	require.NoError(t, err)

	res, err := f.svc.ApplyUpdate(ctx, Update{PaymentID: p.ID, Confirmations: 2, ReceivedAmount: decimal.RequireFromString("0.001")})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(4), res.Payment.Confirmations)
	assert.Equal(t, "0.015", res.Payment.ReceivedAmount.String())
	assert.Empty(t, f.publisher.Events())
}

func TestApplyUpdateRejectsDifferentTransaction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.create(t, "order-1")

	_, err := f.svc.ObserveTransaction(ctx, p.ID, testHash)
	require.NoError(t, err)

	_, err = f.svc.ApplyUpdate(ctx, Update{PaymentID: p.ID, Status: models.PaymentStatusConfirmed, TxHash: "deadbeef", Source: SourceWebhook})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestApplyUpdateErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.ApplyUpdate(ctx, Update{Status: models.PaymentStatusPaid})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.ApplyUpdate(ctx, Update{PaymentID: "x", Status: "REFUNDED"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.ApplyUpdate(ctx, Update{PaymentID: "missing", Status: models.PaymentStatusPaid})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

// Monitor and webhook racing on the same payment converge on one transition
// and one event, whichever arrives first.
func TestConcurrentSourcesConvergeOnce(t *testing.T) {
	f := newFixture(t, nil)
	p := f.create(t, "order-1")

	var wg sync.WaitGroup
	applied := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		source := SourceMonitor
		if i%2 == 1 {
			source = SourceWebhook
		}
		wg.Add(1)
		go func(source string, confs int64) {
			defer wg.Done()
			res, err := f.svc.ApplyUpdate(context.Background(), Update{
				PaymentID:     p.ID,
				Status:        models.PaymentStatusConfirmed,
				TxHash:        testHash,
				Confirmations: confs,
				Source:        source,
			})
			assert.NoError(t, err)
			applied <- res.Applied
		}(source, int64(i))
	}
	wg.Wait()
	close(applied)

	count := 0
	for ok := range applied {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, f.publisher.Events(), 1)

	stored, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, stored.Status)
	assert.Equal(t, int64(19), stored.Confirmations)
}

func TestHandleTransactionEvent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.create(t, "order-1")
	_, err := f.svc.ObserveTransaction(ctx, p.ID, testHash)
	require.NoError(t, err)

	err = f.svc.HandleTransactionEvent(ctx, models.TransactionEvent{
		Hash:          testHash,
		Currency:      "BTC",
		Address:       testAddress,
		OldStatus:     models.TxStatusMempool,
		NewStatus:     models.TxStatusConfirming,
		Confirmations: 2,
		Amount:        decimal.RequireFromString("0.015"),
	})
	require.NoError(t, err)
	assert.Empty(t, f.publisher.Events())

	err = f.svc.HandleTransactionEvent(ctx, models.TransactionEvent{
		Hash:          testHash,
		Currency:      "BTC",
		OldStatus:     models.TxStatusConfirming,
		NewStatus:     models.TxStatusConfirmed,
		Confirmations: 6,
		Amount:        decimal.RequireFromString("0.015"),
	})
	require.NoError(t, err)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.PaymentStatusConfirmed, events[0].NewStatus)
	assert.Equal(t, SourceMonitor, events[0].Source)
	assert.Equal(t, int64(6), events[0].Confirmations)
}

func TestHandleTransactionEventMatchesByAddress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.create(t, "order-1")

	err := f.svc.HandleTransactionEvent(ctx, models.TransactionEvent{
		Hash:      testHash,
		Currency:  "BTC",
		Address:   testAddress,
		NewStatus: models.TxStatusFailed,
	})
	require.NoError(t, err)

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	require.NotNil(t, stored.TransactionHash)
	assert.Equal(t, testHash, *stored.TransactionHash)
}

func TestHandleTransactionEventUnknown(t *testing.T) {
	f := newFixture(t, nil)
	err := f.svc.HandleTransactionEvent(context.Background(), models.TransactionEvent{Hash: "nope", Currency: "BTC"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stale := f.create(t, "order-stale")
	watched := f.create(t, "order-watched")
	_, err := f.svc.ObserveTransaction(ctx, watched.ID, testHash)
	require.NoError(t, err)
	fresh, err := f.svc.Create(ctx, CreateRequest{
		ExternalID: "order-fresh",
		Currency:   "BTC",
		Amount:     decimal.NewFromInt(1),
		Address:    testAddress + "x",
		TTL:        3 * time.Hour,
	})
	require.NoError(t, err)

	n, err := f.svc.ExpireOverdue(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.svc.Get(ctx, stale.ID)
	assert.Equal(t, models.PaymentStatusExpired, got.Status)
	got, _ = f.svc.Get(ctx, watched.ID)
	assert.Equal(t, models.PaymentStatusPending, got.Status)
	got, _ = f.svc.Get(ctx, fresh.ID)
	assert.Equal(t, models.PaymentStatusPending, got.Status)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, SourceExpiry, events[0].Source)

	n, err = f.svc.ExpireOverdue(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListByStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "order-1")

	list, err := f.svc.ListByStatus(ctx, models.PaymentStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.svc.ListByStatus(ctx, "BOGUS", 10)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAdvances(t *testing.T) {
	tests := []struct {
		from, to models.PaymentStatus
		want     bool
	}{
		{models.PaymentStatusPending, models.PaymentStatusConfirmed, true},
		{models.PaymentStatusPending, models.PaymentStatusPaid, true},
		{models.PaymentStatusConfirmed, models.PaymentStatusPaid, true},
		{models.PaymentStatusPending, models.PaymentStatusFailed, true},
		{models.PaymentStatusPending, models.PaymentStatusExpired, true},
		{models.PaymentStatusConfirmed, models.PaymentStatusPending, false},
		{models.PaymentStatusConfirmed, models.PaymentStatusFailed, false},
		{models.PaymentStatusPaid, models.PaymentStatusConfirmed, false},
		{models.PaymentStatusExpired, models.PaymentStatusPaid, false},
		{models.PaymentStatusFailed, models.PaymentStatusConfirmed, false},
		{models.PaymentStatusPending, models.PaymentStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, Advances(tt.from, tt.to))
		})
	}
}

func TestDerivedAllocator(t *testing.T) {
	alloc := NewDerivedAllocator()
	alloc.Register("eth", staticDeriver("0xabc"))
	assert.Equal(t, []string{"ETH"}, alloc.Currencies())

	addr, err := alloc.Allocate(context.Background(), "ETH", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", addr)

	_, err = alloc.Allocate(context.Background(), "BTC", "order-1")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = alloc.Allocate(context.Background(), "ETH", "")
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}
