package series

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Flusher periodically drains the per-source queue, writing each source's
// pending points in one transaction on that source's family database.
type Flusher struct {
	queue    *Queue
	pool     *HandlePool
	interval time.Duration
}

// NewFlusher creates a flusher draining queue into pool at the given interval.
func NewFlusher(queue *Queue, pool *HandlePool, interval time.Duration) *Flusher {
	return &Flusher{queue: queue, pool: pool, interval: interval}
}

// Run starts the flush loop. It blocks until the context is cancelled, then
// performs one final flush so queued points survive shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	slog.Info("metric flusher started", "interval", f.interval)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Flush()
			slog.Info("metric flusher stopped")
			return ctx.Err()
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Flush writes all pending points, one transaction per source. A failing
// source is logged and its batch dropped; other sources still flush.
func (f *Flusher) Flush() {
	for _, source := range f.queue.Sources() {
		points := f.queue.DrainAll(source)
		if len(points) == 0 {
			continue
		}
		if err := f.flushSource(source, points); err != nil {
			slog.Error("metric flush failed, dropping points",
				"source", source, "points", len(points), "error", err)
		}
	}
}

func (f *Flusher) flushSource(source string, points []Point) error {
	db, err := f.pool.Acquire(source)
	if err != nil {
		return err
	}
	defer f.pool.Release(source)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	for _, p := range points {
		if err := insertPoint(tx, p); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	slog.Debug("flushed metric points", "source", source, "points", len(points))
	return nil
}

func insertPoint(tx *sql.Tx, p Point) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s (value, harvestedAt, level) VALUES (?, ?, ?)`, tableName(p.MICID))
	if _, err := tx.Exec(stmt, p.Value, p.HarvestedAt, p.Level); err != nil {
		return fmt.Errorf("inserting point for mic %d: %w", p.MICID, err)
	}
	return nil
}
