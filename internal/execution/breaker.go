package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the per-role circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Trip after this many worker errors in a row (default 5)
	OpenTimeout         time.Duration // Stay open before probing recovery (default 30s)
	HalfOpenRequests    uint32        // Probes allowed while half-open (default 3)
}

// DefaultBreakerSettings returns the default breaker tuning.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// BreakerRegistry manages one circuit breaker per worker role.
type BreakerRegistry struct {
	settings BreakerSettings
	log      *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. Zero fields in settings take their
// defaults.
func NewBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *BreakerRegistry {
	def := DefaultBreakerSettings()
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = def.OpenTimeout
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = def.HalfOpenRequests
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		settings: settings,
		log:      logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for role, creating it on first use.
func (r *BreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0,
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("worker circuit breaker changed state", "role", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: workerHealthy,
	})
	r.breakers[role] = cb
	return cb
}

// State reports the state of role's breaker without creating one.
func (r *BreakerRegistry) State(role string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[role]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// workerHealthy reports whether err says nothing about the worker's health.
// Aborts the coordinator imposed do not count against the breaker.
func workerHealthy(err error) bool {
	if err == nil {
		return true
	}
	var budget *BudgetExceededError
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTaskCancelled) ||
		errors.As(err, &budget)
}
