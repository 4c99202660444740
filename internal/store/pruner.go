package store

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically trims the event log down to the configured retention.
type Pruner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
}

// NewPruner builds a pruner that sweeps once per interval.
func NewPruner(store *Store, retention, interval time.Duration) *Pruner {
	return &Pruner{store: store, retention: retention, interval: interval}
}

// Run sweeps until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.prune()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() {
	cutoff := time.Now().Add(-p.retention)
	removed, err := p.store.PruneEvents(cutoff)
	if err != nil {
		slog.Error("event log prune failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("event log pruned", "removed", removed, "cutoff", cutoff.Unix())
	}
}
