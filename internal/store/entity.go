package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/avrel/beacon/internal/batch"
	"github.com/avrel/beacon/internal/model"
)

// DeclareEntity registers an entity, idempotent on (name, parent). On a
// re-declaration with a changed description the update is batched; either way
// descriptor propagation runs in the background and the entity id is returned
// immediately.
func (s *Store) DeclareEntity(decl model.EntityDeclaration) (int64, error) {
	if decl.Name == "" {
		return 0, errors.New("declare entity: name is required")
	}

	var (
		id   int64
		desc sql.NullString
		err  error
	)
	if decl.Parent == nil {
		err = s.db.QueryRow(
			`SELECT id, description FROM entity WHERE name = ? AND parent IS NULL`,
			decl.Name).Scan(&id, &desc)
	} else {
		err = s.db.QueryRow(
			`SELECT id, description FROM entity WHERE name = ? AND parent = ?`,
			decl.Name, *decl.Parent).Scan(&id, &desc)
	}

	switch {
	case err == nil:
		if decl.Description != desc.String {
			if err := s.batch.Enqueue(batch.Update, subjectEntity, decl.Description, id); err != nil {
				return 0, err
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		res, insErr := s.db.Exec(
			`INSERT INTO entity (uuid, name, parent, description, createdAt) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), decl.Name, decl.Parent, decl.Description, time.Now().Unix())
		if insErr != nil {
			return 0, fmt.Errorf("declare entity %q: %w", decl.Name, insErr)
		}
		id, insErr = res.LastInsertId()
		if insErr != nil {
			return 0, fmt.Errorf("declare entity %q: %w", decl.Name, insErr)
		}
		slog.Debug("entity declared", "id", id, "name", decl.Name)
	default:
		return 0, fmt.Errorf("declare entity %q: %w", decl.Name, err)
	}

	if len(decl.Descriptors) > 0 {
		go s.propagateDescriptors(id, decl.Descriptors)
	}
	return id, nil
}

// propagateDescriptors runs detached from the declaring call; failures are
// logged, never surfaced.
func (s *Store) propagateDescriptors(entityID int64, descriptors map[string]string) {
	for key, value := range descriptors {
		if err := s.DeclareDescriptor(entityID, key, value); err != nil {
			slog.Error("descriptor propagation failed",
				"entity_id", entityID, "key", key, "error", err)
		}
	}
}

// DeclareDescriptor upserts one (entity, key) descriptor through the batcher.
// A matching value is a no-op.
func (s *Store) DeclareDescriptor(entityID int64, key, value string) error {
	var current string
	err := s.db.QueryRow(
		`SELECT value FROM entity_descriptor WHERE entity_id = ? AND key = ?`,
		entityID, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.batch.Enqueue(batch.Insert, subjectDescriptor, entityID, key, value)
	case err != nil:
		return fmt.Errorf("lookup descriptor %d/%q: %w", entityID, key, err)
	case current == value:
		return nil
	default:
		return s.batch.Enqueue(batch.Update, subjectDescriptor, value, entityID, key)
	}
}

// GetDescriptors returns every descriptor attached to an entity. A key filter
// may narrow it to one.
func (s *Store) GetDescriptors(entityID int64, key string) ([]model.Descriptor, error) {
	query := `SELECT entity_id, key, value FROM entity_descriptor WHERE entity_id = ?`
	args := []any{entityID}
	if key != "" {
		query += ` AND key = ?`
		args = append(args, key)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get descriptors for entity %d: %w", entityID, err)
	}
	defer rows.Close()

	var out []model.Descriptor
	for rows.Next() {
		var d model.Descriptor
		if err := rows.Scan(&d.EntityID, &d.Key, &d.Value); err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetEntityByID fetches one entity row.
func (s *Store) GetEntityByID(id int64) (model.Entity, error) {
	var (
		e      model.Entity
		parent sql.NullInt64
		desc   sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT id, uuid, name, parent, description, createdAt FROM entity WHERE id = ?`,
		id).Scan(&e.ID, &e.UUID, &e.Name, &parent, &desc, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("get entity %d: %w", id, err)
	}
	if parent.Valid {
		e.Parent = &parent.Int64
	}
	e.Description = desc.String
	return e, nil
}

// SearchEntities filters the entity table. An exact name short-circuits the
// other options; a pattern is applied in memory over the chosen identifier.
func (s *Store) SearchEntities(opts model.SearchOptions) ([]model.Entity, error) {
	if opts.Name != "" {
		return s.queryEntities(`SELECT id, uuid, name, parent, description, createdAt
			FROM entity WHERE name = ?`, opts.Name)
	}

	var pattern *regexp.Regexp
	if opts.Pattern != "" {
		var err error
		pattern, err = regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid search pattern %q: %w", opts.Pattern, err)
		}
	}

	entities, err := s.queryEntities(`SELECT id, uuid, name, parent, description, createdAt
		FROM entity WHERE createdAt > ?`, opts.CreatedAfter)
	if err != nil {
		return nil, err
	}
	if pattern == nil {
		return entities, nil
	}

	matched := entities[:0]
	for _, e := range entities {
		if pattern.MatchString(searchField(e, opts.PatternIdentifier)) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// searchField picks the entity column a search pattern matches against.
func searchField(e model.Entity, identifier string) string {
	switch identifier {
	case "id":
		return strconv.FormatInt(e.ID, 10)
	case "parent":
		if e.Parent == nil {
			return ""
		}
		return strconv.FormatInt(*e.Parent, 10)
	default:
		return e.Name
	}
}

func (s *Store) queryEntities(query string, args ...any) ([]model.Entity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var (
			e      model.Entity
			parent sql.NullInt64
			desc   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UUID, &e.Name, &parent, &desc, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if parent.Valid {
			e.Parent = &parent.Int64
		}
		e.Description = desc.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveEntity batches the deletion of an entity row. The root entity cannot
// be removed.
func (s *Store) RemoveEntity(id int64) error {
	if id == 1 {
		return errors.New("the root entity cannot be removed")
	}
	return s.batch.Enqueue(batch.Delete, subjectEntity, id)
}

// Summary returns the catalog row counts.
func (s *Store) Summary() (model.Summary, error) {
	var sum model.Summary
	stats := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM entity`, &sum.EntityCount},
		{`SELECT COUNT(*) FROM alarms`, &sum.AlarmsCount},
		{`SELECT COUNT(*) FROM metric_identity_card`, &sum.MICCount},
	}
	for _, st := range stats {
		if err := s.db.QueryRow(st.query).Scan(st.dst); err != nil {
			return model.Summary{}, fmt.Errorf("summary: %w", err)
		}
	}
	return sum, nil
}
