package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor returns the last-read timestamp for a (source, target, kind)
// subscriber, lazily creating it at the current time on first use. A new
// subscriber therefore only sees data produced after it appeared.
func (s *Store) Cursor(source, target, kind string) (int64, error) {
	var last int64
	err := s.db.QueryRow(
		`SELECT last FROM subscribers WHERE source = ? AND target = ? AND kind = ?`,
		source, target, kind).Scan(&last)
	if err == nil {
		return last, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup cursor %s/%s/%s: %w", source, target, kind, err)
	}

	now := time.Now().Unix()
	if _, err := s.db.Exec(
		`INSERT INTO subscribers (source, target, kind, last) VALUES (?, ?, ?, ?)`,
		source, target, kind, now); err != nil {
		return 0, fmt.Errorf("create cursor %s/%s/%s: %w", source, target, kind, err)
	}
	return now, nil
}

// AdvanceCursor moves a subscriber cursor forward. It never moves one back.
func (s *Store) AdvanceCursor(source, target, kind string, ts int64) error {
	_, err := s.db.Exec(
		`UPDATE subscribers SET last = ? WHERE source = ? AND target = ? AND kind = ? AND last < ?`,
		ts, source, target, kind, ts)
	if err != nil {
		return fmt.Errorf("advance cursor %s/%s/%s: %w", source, target, kind, err)
	}
	return nil
}
