package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/cache"
	"paygate/internal/metrics"
	"paygate/internal/models"
)

const overrideKeyPrefix = "breaker:override:"

// degradedTrialEvery lets one in this many degraded-tier calls try the primary
// so the rolling success rate can recover.
const degradedTrialEvery = 5

// Action is one tier of a degradable call
type Action func(ctx context.Context) error

// Handler layers fallbacks and operator overrides on top of the breaker registry.
// Overrides live in the shared cache so every instance honours them.
type Handler struct {
	registry *Registry
	store    cache.Store
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	trials map[string]int
}

// NewHandler creates a degradation handler
func NewHandler(registry *Registry, store cache.Store, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		logger:   logger.Named("degradation"),
		now:      time.Now,
		trials:   make(map[string]int),
	}
}

// Registry returns the underlying breaker registry
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Execute runs fn through the breaker of name, honouring a manual override
func (h *Handler) Execute(ctx context.Context, name string, fn Action) error {
	if until, ok := h.overrideUntil(ctx, name); ok {
		return apperr.Unavailable("override", name, until.Sub(h.now()))
	}
	return h.registry.Execute(ctx, name, fn)
}

// ExecuteWithFallback runs primary unless the dependency is open or overridden.
// When primary fails with a dependency failure, fallback runs instead.
func (h *Handler) ExecuteWithFallback(ctx context.Context, name string, primary, fallback Action) error {
	err := h.Execute(ctx, name, primary)
	if err == nil {
		metrics.DegradedCalls.WithLabelValues(name, "primary").Inc()
		return nil
	}
	if !apperr.CountsAsFailure(err) && !apperr.Is(err, apperr.KindUnavailable) {
		return err
	}
	return h.runFallback(ctx, name, fallback, err)
}

// ExecuteWithGradualDegradation adds a degraded tier between primary and
// fallback. It is selected while the rolling success rate of the dependency is
// below the configured threshold and the breaker is not open.
func (h *Handler) ExecuteWithGradualDegradation(ctx context.Context, name string, primary, degraded, fallback Action) error {
	if _, overridden := h.overrideUntil(ctx, name); !overridden && h.registry.State(name) != models.CircuitOpen {
		if rate, trusted := h.registry.SuccessRate(name); trusted && rate < h.registry.cfg.DegradedThreshold && !h.tryPrimary(name) {
			h.logger.Debug("Serving degraded tier",
				zap.String("dependency", name),
				zap.Float64("success_rate", rate))

			err := degraded(ctx)
			if err == nil {
				metrics.DegradedCalls.WithLabelValues(name, "degraded").Inc()
				return nil
			}
			h.logger.Warn("Degraded tier failed",
				zap.String("dependency", name),
				zap.Error(err))
			return h.runFallback(ctx, name, fallback, err)
		}
	}

	return h.ExecuteWithFallback(ctx, name, primary, fallback)
}

func (h *Handler) runFallback(ctx context.Context, name string, fallback Action, cause error) error {
	if fallback == nil {
		return cause
	}

	h.logger.Info("Using fallback",
		zap.String("dependency", name),
		zap.Error(cause))

	if err := fallback(ctx); err != nil {
		return fmt.Errorf("fallback for %s failed after %v: %w", name, cause, err)
	}
	metrics.DegradedCalls.WithLabelValues(name, "fallback").Inc()
	return nil
}

// tryPrimary reports whether this degraded-tier call should try the primary instead
func (h *Handler) tryPrimary(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.trials[name]++
	if h.trials[name] >= degradedTrialEvery {
		h.trials[name] = 0
		return true
	}
	return false
}

// MarkUnavailable forces the dependency into fallback for duration. The
// override expires on its own.
func (h *Handler) MarkUnavailable(ctx context.Context, name string, duration time.Duration) error {
	if name == "" {
		return apperr.Validation("mark_unavailable", "dependency name is required")
	}
	if duration <= 0 {
		return apperr.Validation("mark_unavailable", "duration must be positive")
	}

	h.registry.Breaker(name)
	until := h.now().Add(duration).UTC()
	if err := h.store.Set(ctx, overrideKeyPrefix+name, []byte(until.Format(time.RFC3339Nano)), duration); err != nil {
		return apperr.Wrap(apperr.KindTransient, "mark_unavailable", fmt.Errorf("failed to store override: %w", err))
	}

	h.logger.Warn("Dependency marked unavailable",
		zap.String("dependency", name),
		zap.Time("until", until))
	return nil
}

// ClearOverride removes a manual override before it expires
func (h *Handler) ClearOverride(ctx context.Context, name string) error {
	if err := h.store.Delete(ctx, overrideKeyPrefix+name); err != nil {
		return apperr.Wrap(apperr.KindTransient, "clear_override", fmt.Errorf("failed to clear override: %w", err))
	}
	h.logger.Info("Dependency override cleared", zap.String("dependency", name))
	return nil
}

func (h *Handler) overrideUntil(ctx context.Context, name string) (time.Time, bool) {
	raw, ok, err := h.store.Get(ctx, overrideKeyPrefix+name)
	if err != nil {
		h.logger.Warn("Failed to read override",
			zap.String("dependency", name),
			zap.Error(err))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}

	until, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil || !until.After(h.now()) {
		return time.Time{}, false
	}
	return until, true
}

// Status returns the health record of a dependency including any override
func (h *Handler) Status(ctx context.Context, name string) models.ServiceStatus {
	status := h.registry.Status(name)
	if until, ok := h.overrideUntil(ctx, name); ok {
		status.IsAvailable = false
		status.ManualOverrideUntil = &until
	}
	return status
}

// Statuses returns the health record of every known dependency
func (h *Handler) Statuses(ctx context.Context) []models.ServiceStatus {
	names := h.registry.Names()
	out := make([]models.ServiceStatus, 0, len(names))
	for _, name := range names {
		out = append(out, h.Status(ctx, name))
	}
	return out
}
