// Package model defines all shared domain types for Beacon.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Entity is a monitored object in the hierarchy. The root entity (id 1) is
// seeded at startup from the host identity.
type Entity struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Parent      *int64 `json:"parent,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// EntityDeclaration is the input shape for declare_entity.
type EntityDeclaration struct {
	Name        string            `json:"name"`
	Parent      *int64            `json:"parent,omitempty"`
	Description string            `json:"description,omitempty"`
	Descriptors map[string]string `json:"descriptors,omitempty"`
}

// Descriptor is a free-form key/value attached to an entity, unique per
// (entity, key).
type Descriptor struct {
	EntityID int64  `json:"entity_id"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// SearchOptions filters search_entities. An exact Name match short-circuits
// everything else. PatternIdentifier selects which column the Pattern regexp
// applies to ("name", "id" or "parent"); anything else falls back to "name".
type SearchOptions struct {
	Name              string `json:"name,omitempty"`
	Pattern           string `json:"pattern,omitempty"`
	PatternIdentifier string `json:"pattern_identifier,omitempty"`
	CreatedAfter      int64  `json:"created_after,omitempty"`
}

// MIC is a metric identity card: the declared definition of one named,
// unit-typed metric scoped to an entity. Family names the physical store
// (one file per producing source) holding its time series.
type MIC struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit"`
	Interval    int64    `json:"sample_interval"`
	Max         *float64 `json:"sample_max_value,omitempty"`
	EntityID    int64    `json:"entity_id"`
	Family      string   `json:"family"`
}

// MICDeclaration is the input shape for declare_mic.
type MICDeclaration struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit"`
	Interval    int64    `json:"interval,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	EntityID    int64    `json:"entity_id"`
}

// MetricRow is one time-series point. Level 0 is raw data; levels above 0
// are pre-aggregated and may only be written by the aggregator source.
type MetricRow struct {
	Value       float64 `json:"value"`
	HarvestedAt int64   `json:"harvested_at"`
	Level       uint8   `json:"level"`
}

// MICStats summarises one aggregation level since a subscriber's cursor.
type MICStats struct {
	Level     uint8 `json:"level"`
	Count     int64 `json:"count"`
	Timestamp int64 `json:"timestamp"`
}

// Alarm is a deduplicated alert correlated on (entity, correlate key).
type Alarm struct {
	ID           int64  `json:"id"`
	UUID         string `json:"uuid"`
	Message      string `json:"message"`
	Severity     int    `json:"severity"`
	CorrelateKey string `json:"correlate_key"`
	EntityID     int64  `json:"entity_id"`
	Occurence    int64  `json:"occurence"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// CID returns the alarm's correlate ID string.
func (a Alarm) CID() string {
	return FormatCID(a.EntityID, a.CorrelateKey)
}

// AlarmReport is the input shape for create_alarm.
type AlarmReport struct {
	Message      string `json:"message"`
	Severity     int    `json:"severity"`
	CorrelateKey string `json:"correlate_key"`
	EntityID     int64  `json:"entity_id"`
}

// Summary holds the global row counts returned by summary_stats.
type Summary struct {
	EntityCount int64 `json:"entity_count"`
	AlarmsCount int64 `json:"alarms_count"`
	MICCount    int64 `json:"mic_count"`
}

// cidPattern validates a correlate ID: "<entityId>#<correlateKey>".
var cidPattern = regexp.MustCompile(`^[0-9]{1,8}#[a-z_]{1,14}$`)

// ErrBadCorrelateID is returned for correlate ID strings that do not match
// the "<entityId>#<correlateKey>" pattern.
var ErrBadCorrelateID = errors.New("malformed correlate ID")

// FormatCID builds the correlate ID string for an alarm identity.
func FormatCID(entityID int64, correlateKey string) string {
	return fmt.Sprintf("%d#%s", entityID, correlateKey)
}

// ParseCID splits and validates a correlate ID string.
func ParseCID(cid string) (entityID int64, correlateKey string, err error) {
	if !cidPattern.MatchString(cid) {
		return 0, "", fmt.Errorf("%w: %q", ErrBadCorrelateID, cid)
	}
	id, key, _ := strings.Cut(cid, "#")
	entityID, err = strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q: %v", ErrBadCorrelateID, cid, err)
	}
	return entityID, key, nil
}
