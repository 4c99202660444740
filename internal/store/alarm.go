package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avrel/beacon/internal/batch"
	"github.com/avrel/beacon/internal/model"
)

// CreateAlarm upserts an alarm correlated on (entity, correlate key). A fresh
// identity inserts at occurence 1; a repeat bumps the occurence and refreshes
// message and severity. Both paths commit synchronously so an immediate
// re-report observes the bump. updated reports which path was taken.
func (s *Store) CreateAlarm(report model.AlarmReport) (alarm model.Alarm, updated bool, err error) {
	if report.Message == "" || report.CorrelateKey == "" {
		return model.Alarm{}, false, errors.New("create alarm: message and correlate key are required")
	}

	cid := model.FormatCID(report.EntityID, report.CorrelateKey)
	if _, _, err := model.ParseCID(cid); err != nil {
		return model.Alarm{}, false, err
	}

	existing, err := s.GetAlarm(cid)
	now := time.Now().Unix()
	switch {
	case errors.Is(err, ErrNotFound):
		alarm = model.Alarm{
			UUID:         uuid.NewString(),
			Message:      report.Message,
			Severity:     report.Severity,
			CorrelateKey: report.CorrelateKey,
			EntityID:     report.EntityID,
			Occurence:    1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		res, insErr := s.db.Exec(
			`INSERT INTO alarms (uuid, message, severity, correlate_key, entity_id, occurence, createdAt, updatedAt)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			alarm.UUID, alarm.Message, alarm.Severity, alarm.CorrelateKey,
			alarm.EntityID, now, now)
		if insErr != nil {
			return model.Alarm{}, false, fmt.Errorf("create alarm %s: %w", cid, insErr)
		}
		alarm.ID, insErr = res.LastInsertId()
		if insErr != nil {
			return model.Alarm{}, false, fmt.Errorf("create alarm %s: %w", cid, insErr)
		}
		slog.Info("alarm opened", "cid", cid, "severity", alarm.Severity)
		return alarm, false, nil
	case err != nil:
		return model.Alarm{}, false, err
	}

	existing.Message = report.Message
	existing.Severity = report.Severity
	existing.Occurence++
	existing.UpdatedAt = now
	if _, err := s.db.Exec(
		`UPDATE alarms SET message = ?, severity = ?, occurence = ?, updatedAt = ?
		 WHERE correlate_key = ? AND entity_id = ?`,
		existing.Message, existing.Severity, existing.Occurence, now,
		existing.CorrelateKey, existing.EntityID); err != nil {
		return model.Alarm{}, false, fmt.Errorf("update alarm %s: %w", cid, err)
	}
	slog.Info("alarm updated", "cid", cid, "occurence", existing.Occurence)
	return existing, true, nil
}

// GetAlarm fetches one alarm by its correlate ID.
func (s *Store) GetAlarm(cid string) (model.Alarm, error) {
	entityID, key, err := model.ParseCID(cid)
	if err != nil {
		return model.Alarm{}, err
	}

	var a model.Alarm
	err = s.db.QueryRow(
		`SELECT id, uuid, message, severity, correlate_key, entity_id, occurence, createdAt, updatedAt
		 FROM alarms WHERE correlate_key = ? AND entity_id = ?`,
		key, entityID).Scan(&a.ID, &a.UUID, &a.Message, &a.Severity,
		&a.CorrelateKey, &a.EntityID, &a.Occurence, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alarm{}, fmt.Errorf("alarm %s: %w", cid, ErrNotFound)
	}
	if err != nil {
		return model.Alarm{}, fmt.Errorf("get alarm %s: %w", cid, err)
	}
	return a, nil
}

// ListAlarms returns every open alarm.
func (s *Store) ListAlarms() ([]model.Alarm, error) {
	rows, err := s.db.Query(
		`SELECT id, uuid, message, severity, correlate_key, entity_id, occurence, createdAt, updatedAt
		 FROM alarms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	defer rows.Close()

	var out []model.Alarm
	for rows.Next() {
		var a model.Alarm
		if err := rows.Scan(&a.ID, &a.UUID, &a.Message, &a.Severity,
			&a.CorrelateKey, &a.EntityID, &a.Occurence, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RemoveAlarm batches the deletion of an alarm by its correlate ID. The
// caller learns at flush time, not here, whether the row existed.
func (s *Store) RemoveAlarm(cid string) error {
	entityID, key, err := model.ParseCID(cid)
	if err != nil {
		return err
	}
	return s.batch.Enqueue(batch.Delete, subjectAlarms, key, entityID)
}

// AlarmOccurence counts how many alarm update events were logged for a
// correlate ID inside the trailing window. An alarm currently open below
// minSeverity counts as zero.
func (s *Store) AlarmOccurence(cid string, window time.Duration, minSeverity int) (int64, error) {
	if _, _, err := model.ParseCID(cid); err != nil {
		return 0, err
	}

	if minSeverity > 0 {
		alarm, err := s.GetAlarm(cid)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		if err == nil && alarm.Severity < minSeverity {
			return 0, nil
		}
	}

	var typeID int64
	if err := s.db.QueryRow(
		`SELECT id FROM events_type WHERE name = 'Alarm'`).Scan(&typeID); err != nil {
		return 0, fmt.Errorf("alarm occurence %s: %w", cid, err)
	}

	var count int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events
		 WHERE type_id = ? AND name = 'update' AND data = ? AND createdAt >= ?`,
		typeID, cid, time.Now().Add(-window).Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("alarm occurence %s: %w", cid, err)
	}
	return count, nil
}
