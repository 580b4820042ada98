package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/cache"
	"paygate/internal/models"
)

var errNodeDown = apperr.External("get_transaction", errors.New("connection refused"))

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		OpenTimeout:       50 * time.Millisecond,
		HalfOpenTrials:    1,
		WindowSize:        10,
		DegradedThreshold: 0.8,
		MinSamples:        5,
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := cache.NewMemoryStore(cache.MemoryConfig{LifeWindow: time.Hour, Shards: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewHandler(NewRegistry(testConfig(), zap.NewNop()), store, zap.NewNop())
}

func fail(ctx context.Context) error    { return errNodeDown }
func succeed(ctx context.Context) error { return nil }

func TestBreakerTransitions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testConfig(), zap.NewNop())

	for i := 0; i < 2; i++ {
		require.Error(t, reg.Execute(ctx, "btc", fail))
		assert.Equal(t, models.CircuitClosed, reg.State("btc"), "still closed after %d failures", i+1)
	}

	require.Error(t, reg.Execute(ctx, "btc", fail))
	assert.Equal(t, models.CircuitOpen, reg.State("btc"))

	invoked := false
	err := reg.Execute(ctx, "btc", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.False(t, invoked, "open breaker must not invoke the operation")
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	assert.Equal(t, 50*time.Millisecond, apperr.RetryAfterOf(err))

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, models.CircuitHalfOpen, reg.State("btc"))

	require.Error(t, reg.Execute(ctx, "btc", fail))
	assert.Equal(t, models.CircuitOpen, reg.State("btc"), "failure while half-open reopens")

	time.Sleep(70 * time.Millisecond)
	require.NoError(t, reg.Execute(ctx, "btc", succeed))
	assert.Equal(t, models.CircuitClosed, reg.State("btc"), "success while half-open closes")
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testConfig(), zap.NewNop())

	for i := 0; i < 10; i++ {
		err := reg.Execute(ctx, "secrets", func(ctx context.Context) error {
			return apperr.Validation("lookup", "unknown provider")
		})
		require.Error(t, err)
	}
	assert.Equal(t, models.CircuitClosed, reg.State("secrets"))
	assert.Equal(t, uint32(0), reg.Status("secrets").ConsecutiveFailures)
}

func TestBreakersAreIndependent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		_ = reg.Execute(ctx, "eth", fail)
	}
	require.NoError(t, reg.Execute(ctx, "btc", succeed))

	assert.Equal(t, models.CircuitOpen, reg.State("eth"))
	assert.Equal(t, models.CircuitClosed, reg.State("btc"))
	assert.Equal(t, []string{"btc", "eth"}, reg.Names())
}

func TestRegistryStatus(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testConfig(), zap.NewNop())

	require.NoError(t, reg.Execute(ctx, "pricefeed", succeed))
	_ = reg.Execute(ctx, "pricefeed", fail)
	_ = reg.Execute(ctx, "pricefeed", fail)

	status := reg.Status("pricefeed")
	assert.Equal(t, "pricefeed", status.Name)
	assert.True(t, status.IsAvailable)
	assert.Equal(t, uint32(2), status.ConsecutiveFailures)
	require.NotNil(t, status.LastSuccessAt)
	assert.InDelta(t, 1.0/3.0, status.SuccessRate, 0.001)
}

func TestCall(t *testing.T) {
	reg := NewRegistry(testConfig(), zap.NewNop())

	height, err := Call(context.Background(), reg, "btc", func(ctx context.Context) (int64, error) {
		return 840000, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(840000), height)
}

func TestExecuteWithFallback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		primary      Action
		fallback     Action
		wantErr      bool
		wantFallback bool
	}{
		{
			name:    "primary succeeds",
			primary: succeed,
		},
		{
			name:         "primary fails, fallback used",
			primary:      fail,
			wantFallback: true,
		},
		{
			name:     "both fail",
			primary:  fail,
			fallback: fail,
			wantErr:  true,
		},
		{
			name: "validation error is not masked by fallback",
			primary: func(ctx context.Context) error {
				return apperr.Validation("convert", "unsupported currency")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t)
			usedFallback := false
			fallback := tt.fallback
			if fallback == nil {
				fallback = func(ctx context.Context) error {
					usedFallback = true
					return nil
				}
			}

			err := h.ExecuteWithFallback(ctx, "dep", tt.primary, fallback)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantFallback, usedFallback)
		})
	}
}

func TestExecuteWithFallbackSkipsOpenPrimary(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t)

	for i := 0; i < 3; i++ {
		_ = h.ExecuteWithFallback(ctx, "dep", fail, succeed)
	}
	require.Equal(t, models.CircuitOpen, h.Registry().State("dep"))

	primaryCalled := false
	err := h.ExecuteWithFallback(ctx, "dep", func(ctx context.Context) error {
		primaryCalled = true
		return nil
	}, succeed)
	require.NoError(t, err)
	assert.False(t, primaryCalled)
}

func TestExecuteWithGradualDegradation(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t)

	// two failures and three successes: rate 0.6, breaker still closed
	_ = h.Registry().Execute(ctx, "pricefeed", fail)
	_ = h.Registry().Execute(ctx, "pricefeed", fail)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Registry().Execute(ctx, "pricefeed", succeed))
	}
	require.Equal(t, models.CircuitClosed, h.Registry().State("pricefeed"))

	var tier string
	primary := func(ctx context.Context) error { tier = "primary"; return nil }
	degraded := func(ctx context.Context) error { tier = "degraded"; return nil }
	fallback := func(ctx context.Context) error { tier = "fallback"; return nil }

	require.NoError(t, h.ExecuteWithGradualDegradation(ctx, "pricefeed", primary, degraded, fallback))
	assert.Equal(t, "degraded", tier)

	// degraded tier failing drops to fallback
	err := h.ExecuteWithGradualDegradation(ctx, "pricefeed", primary, fail, fallback)
	require.NoError(t, err)
	assert.Equal(t, "fallback", tier)

	// healthy dependency uses primary
	healthy := newTestHandler(t)
	require.NoError(t, healthy.ExecuteWithGradualDegradation(ctx, "pricefeed", primary, degraded, fallback))
	assert.Equal(t, "primary", tier)
}

func TestDegradedTierRetriesPrimary(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t)

	_ = h.Registry().Execute(ctx, "pricefeed", fail)
	_ = h.Registry().Execute(ctx, "pricefeed", fail)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Registry().Execute(ctx, "pricefeed", succeed))
	}

	primaryCalls := 0
	primary := func(ctx context.Context) error { primaryCalls++; return nil }
	for i := 0; i < degradedTrialEvery; i++ {
		require.NoError(t, h.ExecuteWithGradualDegradation(ctx, "pricefeed", primary, succeed, succeed))
	}
	assert.Equal(t, 1, primaryCalls)
}

func TestMarkUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t)

	require.NoError(t, h.MarkUnavailable(ctx, "btc-node", time.Minute))

	primaryCalled := false
	usedFallback := false
	err := h.ExecuteWithFallback(ctx, "btc-node",
		func(ctx context.Context) error { primaryCalled = true; return nil },
		func(ctx context.Context) error { usedFallback = true; return nil })
	require.NoError(t, err)
	assert.False(t, primaryCalled)
	assert.True(t, usedFallback)

	status := h.Status(ctx, "btc-node")
	assert.False(t, status.IsAvailable)
	require.NotNil(t, status.ManualOverrideUntil)
	assert.Equal(t, models.CircuitClosed, status.CircuitState, "override does not touch the breaker")

	require.NoError(t, h.ClearOverride(ctx, "btc-node"))
	assert.True(t, h.Status(ctx, "btc-node").IsAvailable)

	err = h.ExecuteWithFallback(ctx, "btc-node",
		func(ctx context.Context) error { primaryCalled = true; return nil }, nil)
	require.NoError(t, err)
	assert.True(t, primaryCalled)
}

func TestMarkUnavailableExpires(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t)

	now := time.Now()
	h.now = func() time.Time { return now }

	require.NoError(t, h.MarkUnavailable(ctx, "dep", time.Minute))
	assert.False(t, h.Status(ctx, "dep").IsAvailable)

	now = now.Add(2 * time.Minute)
	assert.True(t, h.Status(ctx, "dep").IsAvailable)
}

func TestMarkUnavailableValidation(t *testing.T) {
	h := newTestHandler(t)

	err := h.MarkUnavailable(context.Background(), "dep", 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = h.MarkUnavailable(context.Background(), "", time.Minute)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
