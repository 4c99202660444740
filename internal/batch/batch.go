// Package batch coalesces deferred catalog writes into periodic transactions.
//
// Producers enqueue (action, subject, args) tuples; a timer-driven flush
// drains everything pending, groups entries by subject and applies each group
// inside one transaction on the subject's database, in enqueue order. A
// failed subject group is logged and dropped; other groups still commit.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Action is a mutating operation kind for a registered subject.
type Action int

const (
	Insert Action = iota
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Hook runs after a subject group commits, once per applied entry.
type Hook func(action Action, args []any)

type entry struct {
	subject string
	action  Action
	args    []any
}

type subjectSpec struct {
	db    *sql.DB
	stmts map[Action]string
	hooks []Hook
}

// Batcher accumulates mutating operations and flushes them on a fixed interval.
type Batcher struct {
	interval time.Duration

	mu       sync.Mutex
	subjects map[string]*subjectSpec
	pending  []entry
}

// New creates a batcher flushing at the given interval.
func New(interval time.Duration) *Batcher {
	return &Batcher{
		interval: interval,
		subjects: make(map[string]*subjectSpec),
	}
}

// Register binds a subject to a database and its per-action SQL statements.
// Registering an already-known subject is a no-op.
func (b *Batcher) Register(subject string, db *sql.DB, stmts map[Action]string) *Batcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subjects[subject]; !ok {
		b.subjects[subject] = &subjectSpec{db: db, stmts: stmts}
	}
	return b
}

// OnCommit registers a hook fired after a successful flush of the subject,
// once per applied entry.
func (b *Batcher) OnCommit(subject string, hook Hook) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.subjects[subject]
	if !ok {
		return fmt.Errorf("unknown subject %q", subject)
	}
	spec.hooks = append(spec.hooks, hook)
	return nil
}

// Enqueue appends a pending operation. The subject must be registered and
// must support the action.
func (b *Batcher) Enqueue(action Action, subject string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.subjects[subject]
	if !ok {
		return fmt.Errorf("unknown subject %q", subject)
	}
	if _, ok := spec.stmts[action]; !ok {
		return fmt.Errorf("subject %q does not support %s", subject, action)
	}
	b.pending = append(b.pending, entry{subject: subject, action: action, args: args})
	return nil
}

// Pending reports the number of queued operations.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run starts the flush loop. It blocks until the context is cancelled, then
// performs one final flush so nothing enqueued before shutdown is lost.
func (b *Batcher) Run(ctx context.Context) error {
	slog.Info("batcher started", "interval", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush()
			slog.Info("batcher stopped")
			return ctx.Err()
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Flush atomically drains all pending operations and applies them, one
// transaction per subject, in enqueue order within each subject. Writes
// enqueued while a flush is running are deferred to the next cycle.
func (b *Batcher) Flush() {
	b.mu.Lock()
	drained := b.pending
	b.pending = nil
	specs := make(map[string]*subjectSpec, len(b.subjects))
	for name, spec := range b.subjects {
		specs[name] = spec
	}
	b.mu.Unlock()

	if len(drained) == 0 {
		return
	}

	// Group by subject, preserving enqueue order within each group.
	groups := make(map[string][]entry)
	var order []string
	for _, e := range drained {
		if _, ok := groups[e.subject]; !ok {
			order = append(order, e.subject)
		}
		groups[e.subject] = append(groups[e.subject], e)
	}

	for _, subject := range order {
		if err := b.flushSubject(specs[subject], groups[subject]); err != nil {
			slog.Error("flush failed, dropping entries",
				"subject", subject, "entries", len(groups[subject]), "error", err)
		}
	}
}

func (b *Batcher) flushSubject(spec *subjectSpec, entries []entry) error {
	tx, err := spec.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	for _, e := range entries {
		if _, err := tx.Exec(spec.stmts[e.action], e.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying %s: %w", e.action, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	for _, e := range entries {
		for _, hook := range spec.hooks {
			hook(e.action, e.args)
		}
	}
	return nil
}
