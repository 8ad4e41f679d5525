package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/taskgraph/internal/graph"
	"github.com/aristath/taskgraph/internal/persistence"
)

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	Debounce time.Duration // Quiet period before a snapshot is written (default 200ms)
	Retry    RetryConfig
	Logger   *slog.Logger
}

// Persister writes a snapshot of the graph after it changes. Bursts of
// commits are coalesced into one write.
type Persister struct {
	graph    *graph.Store
	db       persistence.Store
	debounce time.Duration
	retry    RetryConfig
	log      *slog.Logger

	mu     sync.Mutex
	saved  uint64
	synced bool
}

// NewPersister creates a persister writing g to db.
func NewPersister(g *graph.Store, db persistence.Store, cfg PersisterConfig) *Persister {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Persister{
		graph:    g,
		db:       db,
		debounce: cfg.Debounce,
		retry:    cfg.Retry,
		log:      logger.With("component", "persister"),
	}
}

// Run writes snapshots until ctx is cancelled, then flushes the final state.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.Flush(context.WithoutCancel(ctx))
		case <-p.graph.Changed(p.savedVersion()):
		}

		timer := time.NewTimer(p.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.Flush(context.WithoutCancel(ctx))
		case <-timer.C:
		}

		if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("failed to persist graph", "error", err)
		}
	}
}

// Flush writes the current graph unless that version is already stored.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.graph.Snapshot()
	if p.synced && snap.Version == p.saved {
		return nil
	}
	if err := saveWithRetry(ctx, p.db, snap, p.retry, p.log); err != nil {
		return fmt.Errorf("failed to save snapshot %d: %w", snap.Version, err)
	}
	p.saved = snap.Version
	p.synced = true
	p.log.Debug("snapshot saved", "version", snap.Version, "tasks", len(snap.Tasks))
	return nil
}

// savedVersion returns the last stored version. Before the first write it
// returns a value no graph reaches so that Run writes immediately.
func (p *Persister) savedVersion() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.synced {
		return ^uint64(0)
	}
	return p.saved
}
