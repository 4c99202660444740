package series

import (
	"database/sql"
	"fmt"

	"github.com/avrel/beacon/internal/model"
)

// tableName returns the quoted per-MIC table name. Tables are named by the
// numeric MIC id.
func tableName(micID int64) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%d", micID))
}

// EnsureTable creates the series table for the MIC if it does not exist.
func EnsureTable(db *sql.DB, micID int64) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		"value"       REAL    NOT NULL,
		"harvestedAt" INTEGER NOT NULL,
		"level"       INTEGER NOT NULL DEFAULT 0
	)`, tableName(micID))
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("creating series table for mic %d: %w", micID, err)
	}
	return nil
}

// SelectRange returns rows of the given level with harvestedAt strictly
// between after and before, in harvest order.
func SelectRange(db *sql.DB, micID int64, after, before int64, level uint8) ([]model.MetricRow, error) {
	stmt := fmt.Sprintf(
		`SELECT value, harvestedAt, level FROM %s
		 WHERE harvestedAt > ? AND harvestedAt < ? AND level = ?
		 ORDER BY harvestedAt ASC`, tableName(micID))

	rows, err := db.Query(stmt, after, before, level)
	if err != nil {
		return nil, fmt.Errorf("querying series for mic %d: %w", micID, err)
	}
	defer rows.Close()

	var out []model.MetricRow
	for rows.Next() {
		var r model.MetricRow
		if err := rows.Scan(&r.Value, &r.HarvestedAt, &r.Level); err != nil {
			return nil, fmt.Errorf("scanning series row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns, per level present since after, the row count and the
// harvest time of the level's earliest row.
func Stats(db *sql.DB, micID int64, after int64) ([]model.MICStats, error) {
	stmt := fmt.Sprintf(
		`SELECT level, count(*), min(harvestedAt) FROM %s
		 WHERE harvestedAt > ? GROUP BY level ORDER BY level ASC`, tableName(micID))

	rows, err := db.Query(stmt, after)
	if err != nil {
		return nil, fmt.Errorf("querying stats for mic %d: %w", micID, err)
	}
	defer rows.Close()

	var out []model.MICStats
	for rows.Next() {
		var s model.MICStats
		if err := rows.Scan(&s.Level, &s.Count, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteBefore removes rows of the given level harvested at or before the
// cutoff. Returns the number of rows removed.
func DeleteBefore(db *sql.DB, micID int64, cutoff int64, level uint8) (int64, error) {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE harvestedAt <= ? AND level = ?`, tableName(micID))
	res, err := db.Exec(stmt, cutoff, level)
	if err != nil {
		return 0, fmt.Errorf("deleting series rows for mic %d: %w", micID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted series rows for mic %d: %w", micID, err)
	}
	return n, nil
}
