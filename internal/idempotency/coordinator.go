// Package idempotency deduplicates operations by key. A result cache answers
// retried callers; a lock record in the shared store keeps concurrent callers
// from executing the same operation twice.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/cache"
	"paygate/internal/metrics"
	"paygate/internal/models"
)

const (
	resultPrefix = "idem:result:"
	lockPrefix   = "idem:lock:"

	releaseTimeout = 5 * time.Second
)

// Config controls TTLs and lock contention behaviour
type Config struct {
	// TTL is the default retention of cached results
	TTL     time.Duration
	LockTTL time.Duration
	// RetryDelay is the wait before re-checking a contended key
	RetryDelay time.Duration
	// LockAttempts bounds how many times Lock retries a held lock
	LockAttempts int
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		TTL:          24 * time.Hour,
		LockTTL:      30 * time.Second,
		RetryDelay:   100 * time.Millisecond,
		LockAttempts: 50,
	}
}

// Result is the outcome of Execute
type Result struct {
	Key    string
	Value  []byte
	Cached bool
}

// Coordinator implements the lock + result cache protocol over a cache.Store
type Coordinator struct {
	store  cache.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a coordinator
func NewCoordinator(store cache.Store, cfg Config, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.LockAttempts <= 0 {
		cfg.LockAttempts = def.LockAttempts
	}
	return &Coordinator{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("idempotency"),
		now:    time.Now,
	}
}

// Execute runs op at most once per key within ttl. A cached result is
// returned with Cached=true. When another caller holds the key's lock,
// Execute waits RetryDelay, re-checks the cache once and otherwise fails
// with a Conflict error. Failed operations are not cached.
func (c *Coordinator) Execute(ctx context.Context, key string, ttl time.Duration, op func(ctx context.Context) ([]byte, error)) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, apperr.Validation("idempotency", "idempotency key is required")
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	if res, ok, err := c.lookup(ctx, key); err != nil {
		return Result{}, err
	} else if ok {
		metrics.IdempotencyOutcomes.WithLabelValues("cached").Inc()
		return res, nil
	}

	token := uuid.NewString()
	acquired, err := c.store.SetNX(ctx, lockPrefix+key, []byte(token), c.cfg.LockTTL)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindTransient, "idempotency", fmt.Errorf("failed to acquire lock: %w", err))
	}

	if !acquired {
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return Result{}, err
		}
		if res, ok, err := c.lookup(ctx, key); err != nil {
			return Result{}, err
		} else if ok {
			metrics.IdempotencyOutcomes.WithLabelValues("cached").Inc()
			return res, nil
		}
		metrics.IdempotencyOutcomes.WithLabelValues("conflict").Inc()
		c.logger.Info("Idempotency key in use", zap.String("key", key))
		return Result{}, apperr.Conflict("idempotency", "request with this idempotency key is already in progress")
	}
	defer c.release(ctx, lockPrefix+key, token)

	// A holder may have finished between the first lookup and our SetNX
	if res, ok, err := c.lookup(ctx, key); err != nil {
		return Result{}, err
	} else if ok {
		metrics.IdempotencyOutcomes.WithLabelValues("cached").Inc()
		return res, nil
	}

	value, err := op(ctx)
	if err != nil {
		metrics.IdempotencyOutcomes.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	record := models.IdempotencyRecord{
		Key:          key,
		CachedResult: value,
		CachedAt:     c.now().UTC(),
	}
	data, err := json.Marshal(record)
	if err == nil {
		err = c.store.Set(ctx, resultPrefix+key, data, ttl)
	}
	if err != nil {
		// The effect already happened; a retry within ttl may repeat it
		c.logger.Error("Failed to cache idempotent result",
			zap.String("key", key),
			zap.Error(err))
	}

	metrics.IdempotencyOutcomes.WithLabelValues("executed").Inc()
	return Result{Key: key, Value: value}, nil
}

// ExecuteJSON is Execute for operations producing a JSON-encodable value
func ExecuteJSON[T any](ctx context.Context, c *Coordinator, key string, ttl time.Duration, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var out T
	res, err := c.Execute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := op(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return out, false, apperr.Wrap(apperr.KindInternal, "idempotency", fmt.Errorf("failed to decode cached result: %w", err))
	}
	return out, res.Cached, nil
}

// Lock acquires the lock for key, retrying up to LockAttempts times with
// RetryDelay between attempts. The returned function releases it. Conflict
// is returned when the lock stays held.
func (c *Coordinator) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = c.cfg.LockTTL
	}
	lockKey := lockPrefix + key
	token := uuid.NewString()

	for attempt := 1; ; attempt++ {
		acquired, err := c.store.SetNX(ctx, lockKey, []byte(token), ttl)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "idempotency_lock", fmt.Errorf("failed to acquire lock: %w", err))
		}
		if acquired {
			return func() { c.release(ctx, lockKey, token) }, nil
		}
		if attempt >= c.cfg.LockAttempts {
			metrics.IdempotencyOutcomes.WithLabelValues("lock_timeout").Inc()
			return nil, apperr.Conflict("idempotency_lock", "resource is locked by another writer")
		}
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
}

// lookup returns the cached result for key
func (c *Coordinator) lookup(ctx context.Context, key string) (Result, bool, error) {
	data, ok, err := c.store.Get(ctx, resultPrefix+key)
	if err != nil {
		return Result{}, false, apperr.Wrap(apperr.KindTransient, "idempotency", fmt.Errorf("failed to read result: %w", err))
	}
	if !ok {
		return Result{}, false, nil
	}

	var record models.IdempotencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		c.logger.Warn("Discarding unreadable idempotency record",
			zap.String("key", key),
			zap.Error(err))
		return Result{}, false, nil
	}
	return Result{Key: key, Value: record.CachedResult, Cached: true}, true, nil
}

// release deletes the lock only if this caller still owns it. It runs even
// when ctx was cancelled by the operation's caller.
func (c *Coordinator) release(ctx context.Context, lockKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := c.store.CompareAndDelete(releaseCtx, lockKey, []byte(token))
	if err != nil {
		c.logger.Warn("Failed to release lock, it will expire",
			zap.String("lock", lockKey),
			zap.Error(err))
		return
	}
	if !released {
		c.logger.Warn("Lock expired before release", zap.String("lock", lockKey))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTransient, "idempotency", ctx.Err())
	case <-t.C:
		return nil
	}
}
