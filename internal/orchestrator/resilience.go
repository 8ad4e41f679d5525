package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/graph"
	"github.com/aristath/taskgraph/internal/persistence"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// retryConfigFrom converts the file configuration, filling zero fields with
// defaults.
func retryConfigFrom(c config.RetryConfig) RetryConfig {
	r := DefaultRetryConfig()
	if c.InitialInterval > 0 {
		r.InitialInterval = c.InitialInterval.Std()
	}
	if c.MaxInterval > 0 {
		r.MaxInterval = c.MaxInterval.Std()
	}
	if c.MaxElapsedTime > 0 {
		r.MaxElapsedTime = c.MaxElapsedTime.Std()
	}
	if c.Multiplier > 0 {
		r.Multiplier = c.Multiplier
	}
	if c.RandomizationFactor > 0 {
		r.RandomizationFactor = c.RandomizationFactor
	}
	return r
}

// saveWithRetry writes a snapshot, retrying transient failures such as a
// busy database with exponential backoff.
func saveWithRetry(ctx context.Context, db persistence.Store, snap graph.Snapshot, retryCfg RetryConfig, log *slog.Logger) error {
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		err := db.SaveSnapshot(ctx, snap)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	notify := func(err error, next time.Duration) {
		log.Warn("snapshot write failed, retrying", "version", snap.Version, "error", err, "next", next)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(backoffPolicy, ctx), notify)
}
