package config

import "time"

// DefaultRole is the worker used for tasks that name no role.
const DefaultRole = "default"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		ConcurrencyLimit:         4,
		DefaultMaxRetries:        2,
		DefaultResourceBudget:    100,
		ConflictPolicy:           PolicyConservative,
		AbortInFlightOnCancel:    true,
		MaxReplacementGeneration: 1,
		Workers:                  map[string]WorkerConfig{},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
			HalfOpenRequests:    3,
		},
		Persistence: PersistenceConfig{
			SnapshotDebounce: Duration(200 * time.Millisecond),
			Retry: RetryConfig{
				InitialInterval:     Duration(100 * time.Millisecond),
				MaxInterval:         Duration(10 * time.Second),
				MaxElapsedTime:      Duration(2 * time.Minute),
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
		},
	}
}
