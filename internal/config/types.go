package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration encoded as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Conflict policies for tasks that declare no resources.
const (
	PolicyConservative = "conservative" // Serialize against the task's resource family
	PolicyOptimistic   = "optimistic"   // Treat as conflict-free
)

// WorkerConfig defines the command run for tasks of one role.
type WorkerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`     // KEY=VALUE pairs appended to the environment
	Timeout Duration `json:"timeout,omitempty"` // Zero means no timeout beyond the budget
}

// VerifierConfig defines the command judging task artifacts.
type VerifierConfig struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
	AcceptAll bool     `json:"accept_all,omitempty"` // Pass every artifact unverified; excludes Command
}

// BreakerConfig tunes the per-role worker circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout"`
	HalfOpenRequests    uint32   `json:"half_open_requests"`
}

// RetryConfig configures exponential backoff for snapshot writes.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// PersistenceConfig locates the snapshot database.
type PersistenceConfig struct {
	Path             string      `json:"path,omitempty"` // Empty disables persistence
	SnapshotDebounce Duration    `json:"snapshot_debounce"`
	Retry            RetryConfig `json:"retry"`
}

// Config is the top-level configuration.
type Config struct {
	ConcurrencyLimit         int                     `json:"concurrency_limit"`
	DefaultMaxRetries        int                     `json:"default_max_retries"`
	DefaultResourceBudget    int                     `json:"default_resource_budget"`
	ConflictPolicy           string                  `json:"conflict_policy"`
	AbortInFlightOnCancel    bool                    `json:"abort_in_flight_on_cancel"`
	MaxReplacementGeneration int                     `json:"max_replacement_generation"`
	Workers                  map[string]WorkerConfig `json:"workers"`
	Verifier                 VerifierConfig          `json:"verifier"`
	Breaker                  BreakerConfig           `json:"breaker"`
	Persistence              PersistenceConfig       `json:"persistence"`
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency_limit must be positive, got %d", c.ConcurrencyLimit)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative, got %d", c.DefaultMaxRetries)
	}
	if c.DefaultResourceBudget <= 0 {
		return fmt.Errorf("default_resource_budget must be positive, got %d", c.DefaultResourceBudget)
	}
	if c.ConflictPolicy != PolicyConservative && c.ConflictPolicy != PolicyOptimistic {
		return fmt.Errorf("conflict_policy must be %q or %q, got %q", PolicyConservative, PolicyOptimistic, c.ConflictPolicy)
	}
	if c.MaxReplacementGeneration < 0 {
		return fmt.Errorf("max_replacement_generation must not be negative, got %d", c.MaxReplacementGeneration)
	}
	for role, w := range c.Workers {
		if w.Command == "" {
			return fmt.Errorf("worker %q has no command", role)
		}
	}
	if c.Verifier.AcceptAll && c.Verifier.Command != "" {
		return fmt.Errorf("verifier.accept_all and verifier.command are exclusive")
	}
	return nil
}
