// Package resilience guards calls to external dependencies with per-dependency
// circuit breakers and layers staged degradation on top of them.
//
// Breaker state is process-local. Several instances of the service may hold
// different states for the same dependency; a stale Closed state only costs
// extra retries, never an incorrect payment state.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/metrics"
	"paygate/internal/models"
)

// Config holds breaker and degradation thresholds
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenTrials   uint32

	// WindowSize is the number of recent calls used for the success rate
	WindowSize int
	// DegradedThreshold selects the degraded tier when the success rate drops below it
	DegradedThreshold float64
	// MinSamples is the number of calls needed before the success rate is trusted
	MinSamples int
}

// DefaultConfig matches the documented defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenTimeout:       60 * time.Second,
		HalfOpenTrials:    1,
		WindowSize:        20,
		DegradedThreshold: 0.8,
		MinSamples:        5,
	}
}

// dependency is the local health record of one external dependency
type dependency struct {
	name string
	cb   *gobreaker.CircuitBreaker

	mu                  sync.Mutex
	window              []bool
	next                int
	filled              int
	consecutiveFailures uint32
	lastSuccessAt       time.Time
}

func (d *dependency) record(success bool, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.window) > 0 {
		d.window[d.next] = success
		d.next = (d.next + 1) % len(d.window)
		if d.filled < len(d.window) {
			d.filled++
		}
	}
	if success {
		d.consecutiveFailures = 0
		d.lastSuccessAt = now
	} else {
		d.consecutiveFailures++
	}
}

// successRate returns the rolling success rate and the number of samples
func (d *dependency) successRate() (float64, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.filled == 0 {
		return 1, 0
	}
	ok := 0
	for i := 0; i < d.filled; i++ {
		if d.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(d.filled), d.filled
}

// Registry owns one breaker per dependency name for the life of the process
type Registry struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	deps map[string]*dependency
}

// NewRegistry creates an empty breaker registry
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenTrials == 0 {
		cfg.HalfOpenTrials = def.HalfOpenTrials
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = def.DegradedThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}

	return &Registry{
		cfg:    cfg,
		logger: logger.Named("breaker"),
		now:    time.Now,
		deps:   make(map[string]*dependency),
	}
}

func (r *Registry) dependency(name string) *dependency {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.deps[name]; ok {
		return d
	}

	threshold := r.cfg.FailureThreshold
	d := &dependency{
		name:   name,
		window: make([]bool, r.cfg.WindowSize),
	}
	d.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.HalfOpenTrials,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.CountsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("Circuit state changed",
				zap.String("dependency", name),
				zap.String("from", string(toCircuitState(from))),
				zap.String("to", string(toCircuitState(to))))
			metrics.CircuitState.WithLabelValues(name).Set(stateGauge(to))
		},
	})
	metrics.CircuitState.WithLabelValues(name).Set(0)

	r.deps[name] = d
	return d
}

// Execute runs fn through the named breaker. While the breaker is open fn is
// not invoked and an Unavailable error is returned.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	d := r.dependency(name)

	invoked := false
	_, err := d.cb.Execute(func() (interface{}, error) {
		invoked = true
		return nil, fn(ctx)
	})

	if !invoked {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperr.Unavailable("breaker", name, r.cfg.OpenTimeout)
		}
		return err
	}

	d.record(err == nil || !apperr.CountsAsFailure(err), r.now())
	return err
}

// Call is Execute for operations that produce a value
func Call[T any](ctx context.Context, r *Registry, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// State returns the current circuit state of a dependency
func (r *Registry) State(name string) models.CircuitState {
	return toCircuitState(r.dependency(name).cb.State())
}

// SuccessRate returns the rolling success rate and whether enough samples back it
func (r *Registry) SuccessRate(name string) (float64, bool) {
	rate, samples := r.dependency(name).successRate()
	return rate, samples >= r.cfg.MinSamples
}

// Status returns the local health record of a dependency
func (r *Registry) Status(name string) models.ServiceStatus {
	d := r.dependency(name)
	state := toCircuitState(d.cb.State())
	rate, _ := d.successRate()

	d.mu.Lock()
	defer d.mu.Unlock()

	status := models.ServiceStatus{
		Name:                name,
		IsAvailable:         state != models.CircuitOpen,
		ConsecutiveFailures: d.consecutiveFailures,
		CircuitState:        state,
		SuccessRate:         rate,
	}
	if !d.lastSuccessAt.IsZero() {
		ts := d.lastSuccessAt
		status.LastSuccessAt = &ts
	}
	return status
}

// Breaker returns the circuit breaker of a dependency, creating it on first use
func (r *Registry) Breaker(name string) *gobreaker.CircuitBreaker {
	return r.dependency(name).cb
}

// Names returns every dependency seen so far, sorted
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.deps))
	for name := range r.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns the health record of every known dependency
func (r *Registry) Statuses() []models.ServiceStatus {
	names := r.Names()
	out := make([]models.ServiceStatus, 0, len(names))
	for _, name := range names {
		out = append(out, r.Status(name))
	}
	return out
}

func toCircuitState(s gobreaker.State) models.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return models.CircuitOpen
	case gobreaker.StateHalfOpen:
		return models.CircuitHalfOpen
	default:
		return models.CircuitClosed
	}
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
