package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/avrel/beacon/internal/batch"
	"github.com/avrel/beacon/internal/model"
	"github.com/avrel/beacon/internal/series"
)

// DeclareMIC registers a metric identity card for the calling source,
// idempotent on (name, entity). The declaring source becomes the card's
// family, which names the series file holding its points. created reports
// whether a new card was inserted.
func (s *Store) DeclareMIC(source string, decl model.MICDeclaration) (id int64, created bool, err error) {
	if decl.Name == "" || decl.Unit == "" {
		return 0, false, errors.New("declare mic: name and unit are required")
	}
	if decl.Interval <= 0 {
		decl.Interval = 5
	}

	var (
		desc     sql.NullString
		interval int64
	)
	err = s.db.QueryRow(
		`SELECT id, description, sample_interval FROM metric_identity_card
		 WHERE name = ? AND entity_id = ?`,
		decl.Name, decl.EntityID).Scan(&id, &desc, &interval)
	switch {
	case err == nil:
		if decl.Description != desc.String || decl.Interval != interval {
			if err := s.batch.Enqueue(batch.Update, subjectMIC,
				decl.Description, decl.Interval, id); err != nil {
				return 0, false, err
			}
		}
		return id, false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return 0, false, fmt.Errorf("declare mic %q: %w", decl.Name, err)
	}

	res, err := s.db.Exec(
		`INSERT INTO metric_identity_card
		 (name, description, sample_unit, sample_interval, sample_max_value, family, entity_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decl.Name, decl.Description, decl.Unit, decl.Interval, decl.Max, source, decl.EntityID)
	if err != nil {
		return 0, false, fmt.Errorf("declare mic %q: %w", decl.Name, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("declare mic %q: %w", decl.Name, err)
	}

	// The series table must exist before the first flush targets it.
	db, err := s.pool.Acquire(source)
	if err != nil {
		return 0, false, fmt.Errorf("open series family %q: %w", source, err)
	}
	defer s.pool.Release(source)
	if err := series.EnsureTable(db, id); err != nil {
		return 0, false, err
	}

	slog.Debug("mic declared", "id", id, "name", decl.Name, "family", source)
	return id, true, nil
}

// GetMIC fetches one metric identity card.
func (s *Store) GetMIC(id int64) (model.MIC, error) {
	var (
		m    model.MIC
		desc sql.NullString
		max  sql.NullFloat64
	)
	err := s.db.QueryRow(
		`SELECT id, name, description, sample_unit, sample_interval, sample_max_value, family, entity_id
		 FROM metric_identity_card WHERE id = ?`,
		id).Scan(&m.ID, &m.Name, &desc, &m.Unit, &m.Interval, &max, &m.Family, &m.EntityID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MIC{}, fmt.Errorf("mic %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.MIC{}, fmt.Errorf("get mic %d: %w", id, err)
	}
	m.Description = desc.String
	if max.Valid {
		m.Max = &max.Float64
	}
	return m, nil
}

// ListMICs returns every declared metric identity card.
func (s *Store) ListMICs() ([]model.MIC, error) {
	rows, err := s.db.Query(
		`SELECT id, name, description, sample_unit, sample_interval, sample_max_value, family, entity_id
		 FROM metric_identity_card ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list mics: %w", err)
	}
	defer rows.Close()

	var out []model.MIC
	for rows.Next() {
		var (
			m    model.MIC
			desc sql.NullString
			max  sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.Name, &desc, &m.Unit, &m.Interval,
			&max, &m.Family, &m.EntityID); err != nil {
			return nil, fmt.Errorf("scan mic: %w", err)
		}
		m.Description = desc.String
		if max.Valid {
			m.Max = &max.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PublishMetric buffers one point on the calling source's queue. Levels above
// zero are reserved for the aggregator source. A zero harvestedAt is stamped
// with the current time.
func (s *Store) PublishMetric(source string, micID int64, value float64, harvestedAt int64, level uint8) error {
	if level > 0 && source != s.aggregator {
		return fmt.Errorf("source %q publishing at level %d: %w", source, level, ErrNotAggregator)
	}
	if _, err := s.GetMIC(micID); err != nil {
		return err
	}
	if harvestedAt == 0 {
		harvestedAt = time.Now().Unix()
	}

	s.queue.Enqueue(source, series.Point{
		MICID:       micID,
		Value:       value,
		HarvestedAt: harvestedAt,
		Level:       level,
	})
	return nil
}

// PullMIC reads the points published since the caller's cursor at one
// aggregation level, then advances the cursor. With withSubscriber false the
// whole series is read and no cursor is touched. Series read failures degrade
// to a nil result so a broken family file never fails the caller.
func (s *Store) PullMIC(source string, micID int64, level uint8, withSubscriber bool) ([]model.MetricRow, error) {
	mic, err := s.GetMIC(micID)
	if err != nil {
		return nil, err
	}

	var (
		since  int64
		kind   = "pull_" + strconv.Itoa(int(level))
		target = strconv.FormatInt(micID, 10)
	)
	if withSubscriber {
		since, err = s.Cursor(source, target, kind)
		if err != nil {
			return nil, err
		}
	}
	now := time.Now().Unix()

	db, err := s.pool.Acquire(mic.Family)
	if err != nil {
		slog.Warn("pull degraded, series family unavailable",
			"family", mic.Family, "mic_id", micID, "error", err)
		return nil, nil
	}
	defer s.pool.Release(mic.Family)

	rows, err := series.SelectRange(db, micID, since, now, level)
	if err != nil {
		slog.Warn("pull degraded, series read failed",
			"family", mic.Family, "mic_id", micID, "error", err)
		return nil, nil
	}

	if withSubscriber {
		if err := s.AdvanceCursor(source, target, kind, now); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// GetMICStats summarises per-level row counts since the caller's stats
// cursor. walk advances the cursor so the next call only sees newer rows.
func (s *Store) GetMICStats(source string, micID int64, walk, withSubscriber bool) ([]model.MICStats, error) {
	mic, err := s.GetMIC(micID)
	if err != nil {
		return nil, err
	}

	var (
		since  int64
		target = strconv.FormatInt(micID, 10)
	)
	if withSubscriber {
		since, err = s.Cursor(source, target, "stats")
		if err != nil {
			return nil, err
		}
	}
	now := time.Now().Unix()

	db, err := s.pool.Acquire(mic.Family)
	if err != nil {
		slog.Warn("stats degraded, series family unavailable",
			"family", mic.Family, "mic_id", micID, "error", err)
		return nil, nil
	}
	defer s.pool.Release(mic.Family)

	stats, err := series.Stats(db, micID, since)
	if err != nil {
		slog.Warn("stats degraded, series read failed",
			"family", mic.Family, "mic_id", micID, "error", err)
		return nil, nil
	}

	if walk && withSubscriber {
		if err := s.AdvanceCursor(source, target, "stats", now); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// DeleteMICRows removes every point at one level harvested at or before the
// cutoff, synchronously, and returns how many rows went away.
func (s *Store) DeleteMICRows(micID, cutoff int64, level uint8) (int64, error) {
	mic, err := s.GetMIC(micID)
	if err != nil {
		return 0, err
	}

	db, err := s.pool.Acquire(mic.Family)
	if err != nil {
		return 0, fmt.Errorf("open series family %q: %w", mic.Family, err)
	}
	defer s.pool.Release(mic.Family)

	return series.DeleteBefore(db, micID, cutoff, level)
}
