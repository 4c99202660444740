// Package store implements the telemetry catalog: entities, descriptors,
// metric identity cards, alarms, subscriber cursors and the event log, all in
// a single SQLite file. Time-series rows live in per-source family files
// managed by the series package; the catalog only records where they are.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avrel/beacon/internal/batch"
	"github.com/avrel/beacon/internal/series"
)

var (
	// ErrNotFound is returned when a row lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrNotAggregator is returned when a non-aggregator source publishes a
	// metric at a rollup level above zero.
	ErrNotAggregator = errors.New("only the aggregator may publish rolled-up metrics")
)

// Batch subjects registered against the catalog database.
const (
	subjectEntity     = "entity"
	subjectDescriptor = "descriptor"
	subjectMIC        = "mic"
	subjectAlarms     = "alarms"
	subjectEvents     = "events"
)

// Built-in event types registered at open time.
var builtinEventTypes = []string{"Addon", "Alarm", "Metric"}

// Options carries the collaborators a Store writes through.
type Options struct {
	// Batcher receives the coalesced catalog writes. Required.
	Batcher *batch.Batcher

	// Pool hands out shared handles on the per-source series files. Required.
	Pool *series.HandlePool

	// Queue buffers published metric points until the next series flush. Required.
	Queue *series.Queue

	// AggregatorSource is the only source allowed to publish metrics at a
	// rollup level above zero.
	AggregatorSource string
}

// Store wraps the catalog database and its write batcher.
type Store struct {
	db         *sql.DB
	batch      *batch.Batcher
	pool       *series.HandlePool
	queue      *series.Queue
	aggregator string
}

// Open opens or creates the catalog database at path, applies the schema and
// registers the catalog write subjects on the batcher.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}

	s := &Store{
		db:         db,
		batch:      opts.Batcher,
		pool:       opts.Pool,
		queue:      opts.Queue,
		aggregator: opts.AggregatorSource,
	}

	s.batch.Register(subjectEntity, db, map[batch.Action]string{
		batch.Update: `UPDATE entity SET description = ? WHERE id = ?`,
		batch.Delete: `DELETE FROM entity WHERE id = ?`,
	})
	s.batch.Register(subjectDescriptor, db, map[batch.Action]string{
		batch.Insert: `INSERT INTO entity_descriptor (entity_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT (entity_id, key) DO UPDATE SET value = excluded.value`,
		batch.Update: `UPDATE entity_descriptor SET value = ? WHERE entity_id = ? AND key = ?`,
	})
	s.batch.Register(subjectMIC, db, map[batch.Action]string{
		batch.Update: `UPDATE metric_identity_card SET description = ?, sample_interval = ? WHERE id = ?`,
	})
	s.batch.Register(subjectAlarms, db, map[batch.Action]string{
		batch.Delete: `DELETE FROM alarms WHERE correlate_key = ? AND entity_id = ?`,
	})
	s.batch.Register(subjectEvents, db, map[batch.Action]string{
		batch.Insert: `INSERT INTO events (type_id, name, data, createdAt) VALUES (?, ?, ?, ?)`,
	})

	for _, name := range builtinEventTypes {
		if _, err := s.EnsureEventType(name); err != nil {
			db.Close()
			return nil, err
		}
	}

	slog.Info("catalog opened", "path", path)
	return s, nil
}

// Close closes the catalog database. Pending batched writes should be flushed
// before calling it.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureEventType registers an event type name if it does not exist yet and
// returns its id either way.
func (s *Store) EnsureEventType(name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM events_type WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup event type %q: %w", name, err)
	}

	res, err := s.db.Exec(`INSERT INTO events_type (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("register event type %q: %w", name, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("register event type %q: %w", name, err)
	}
	slog.Debug("event type registered", "name", name, "id", id)
	return id, nil
}

// EventTypes returns the registered event types keyed by name.
func (s *Store) EventTypes() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT id, name FROM events_type`)
	if err != nil {
		return nil, fmt.Errorf("list event types: %w", err)
	}
	defer rows.Close()

	types := make(map[string]int64)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan event type: %w", err)
		}
		types[name] = id
	}
	return types, rows.Err()
}

// AppendEvent enqueues an event log row for the given type id.
func (s *Store) AppendEvent(typeID int64, name, data string) error {
	return s.batch.Enqueue(batch.Insert, subjectEvents, typeID, name, data, time.Now().Unix())
}

// PruneEvents deletes event log rows older than the cutoff and returns how
// many were removed.
func (s *Store) PruneEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE createdAt < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
