package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrel/beacon/internal/batch"
	"github.com/avrel/beacon/internal/model"
	"github.com/avrel/beacon/internal/series"
)

func newTestStore(t *testing.T) (*Store, *batch.Batcher) {
	t.Helper()
	dir := t.TempDir()
	metricsDir := filepath.Join(dir, "metrics")
	require.NoError(t, os.MkdirAll(metricsDir, 0o755))

	b := batch.New(time.Hour)
	pool := series.NewHandlePool(metricsDir)
	s, err := Open(filepath.Join(dir, "beacon.db"), Options{
		Batcher:          b,
		Pool:             pool,
		Queue:            series.NewQueue(),
		AggregatorSource: "aggregator",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
		pool.CloseAll()
	})
	return s, b
}

func ptr(v int64) *int64 { return &v }

func TestDeclareEntity_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)

	id, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	again, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	// Same name under a parent is a different entity.
	child, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a", Parent: ptr(id)})
	require.NoError(t, err)
	assert.NotEqual(t, id, child)
}

func TestDeclareEntity_DescriptionUpdateIsBatched(t *testing.T) {
	s, b := newTestStore(t)

	id, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a", Description: "first"})
	require.NoError(t, err)

	_, err = s.DeclareEntity(model.EntityDeclaration{Name: "host-a", Description: "second"})
	require.NoError(t, err)

	e, err := s.GetEntityByID(id)
	require.NoError(t, err)
	assert.Equal(t, "first", e.Description, "update not visible before flush")

	b.Flush()
	e, err = s.GetEntityByID(id)
	require.NoError(t, err)
	assert.Equal(t, "second", e.Description)

	// An empty description is a difference like any other.
	_, err = s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	b.Flush()
	e, err = s.GetEntityByID(id)
	require.NoError(t, err)
	assert.Empty(t, e.Description)
}

func TestDeclareEntity_RequiresName(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.DeclareEntity(model.EntityDeclaration{})
	require.Error(t, err)
}

func TestDeclareEntity_DescriptorPropagation(t *testing.T) {
	s, b := newTestStore(t)

	id, err := s.DeclareEntity(model.EntityDeclaration{
		Name:        "host-a",
		Descriptors: map[string]string{"os": "linux", "arch": "amd64"},
	})
	require.NoError(t, err)

	// Propagation is detached; wait for both upserts to land on the batcher.
	require.Eventually(t, func() bool { return b.Pending() >= 2 },
		time.Second, 10*time.Millisecond)
	b.Flush()

	descs, err := s.GetDescriptors(id, "")
	require.NoError(t, err)
	assert.Len(t, descs, 2)
}

func TestDeclareDescriptor(t *testing.T) {
	s, b := newTestStore(t)
	id, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)

	require.NoError(t, s.DeclareDescriptor(id, "os", "linux"))
	b.Flush()

	descs, err := s.GetDescriptors(id, "os")
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "linux", descs[0].Value)

	// Same value is a no-op, changed value is an update.
	require.NoError(t, s.DeclareDescriptor(id, "os", "linux"))
	assert.Zero(t, b.Pending())

	require.NoError(t, s.DeclareDescriptor(id, "os", "freebsd"))
	b.Flush()
	descs, err = s.GetDescriptors(id, "os")
	require.NoError(t, err)
	assert.Equal(t, "freebsd", descs[0].Value)
}

func TestGetEntityByID_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetEntityByID(404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchEntities(t *testing.T) {
	s, _ := newTestStore(t)

	root, err := s.DeclareEntity(model.EntityDeclaration{Name: "gateway"})
	require.NoError(t, err)
	_, err = s.DeclareEntity(model.EntityDeclaration{Name: "disk-sda", Parent: ptr(root)})
	require.NoError(t, err)
	_, err = s.DeclareEntity(model.EntityDeclaration{Name: "disk-sdb", Parent: ptr(root)})
	require.NoError(t, err)

	t.Run("exact name", func(t *testing.T) {
		got, err := s.SearchEntities(model.SearchOptions{Name: "gateway"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, root, got[0].ID)
	})

	t.Run("name pattern", func(t *testing.T) {
		got, err := s.SearchEntities(model.SearchOptions{Pattern: `^disk-`})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("parent pattern", func(t *testing.T) {
		got, err := s.SearchEntities(model.SearchOptions{
			Pattern: "^1$", PatternIdentifier: "parent",
		})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("id pattern", func(t *testing.T) {
		got, err := s.SearchEntities(model.SearchOptions{
			Pattern: "^1$", PatternIdentifier: "id",
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "gateway", got[0].Name)
	})

	t.Run("created after excludes everything", func(t *testing.T) {
		got, err := s.SearchEntities(model.SearchOptions{
			CreatedAfter: time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := s.SearchEntities(model.SearchOptions{Pattern: `([`})
		require.Error(t, err)
	})
}

func TestRemoveEntity(t *testing.T) {
	s, b := newTestStore(t)

	id, err := s.DeclareEntity(model.EntityDeclaration{Name: "doomed"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveEntity(id))
	_, err = s.GetEntityByID(id)
	require.NoError(t, err, "delete not applied before flush")

	b.Flush()
	_, err = s.GetEntityByID(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveEntity_RootRefused(t *testing.T) {
	s, _ := newTestStore(t)
	require.Error(t, s.RemoveEntity(1))
}

func TestDeclareMIC(t *testing.T) {
	s, b := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)

	id, created, err := s.DeclareMIC("cpu-agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", Interval: 10, EntityID: eid,
	})
	require.NoError(t, err)
	assert.True(t, created)

	mic, err := s.GetMIC(id)
	require.NoError(t, err)
	assert.Equal(t, "cpu-agent", mic.Family)
	assert.Equal(t, int64(10), mic.Interval)

	// Re-declaration returns the same card and batches the changed fields.
	again, created, err := s.DeclareMIC("cpu-agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", Interval: 30, EntityID: eid,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	b.Flush()
	mic, err = s.GetMIC(id)
	require.NoError(t, err)
	assert.Equal(t, int64(30), mic.Interval)
}

func TestDeclareMIC_DefaultsInterval(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)

	id, _, err := s.DeclareMIC("agent", model.MICDeclaration{
		Name: "mem_free", Unit: "kb", EntityID: eid,
	})
	require.NoError(t, err)

	mic, err := s.GetMIC(id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), mic.Interval)
}

func TestGetMIC_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetMIC(404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPublishMetric_AggregatorGuard(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	id, _, err := s.DeclareMIC("agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", EntityID: eid,
	})
	require.NoError(t, err)

	err = s.PublishMetric("agent", id, 1.0, 0, 1)
	require.ErrorIs(t, err, ErrNotAggregator)

	require.NoError(t, s.PublishMetric("aggregator", id, 1.0, 0, 1))
	require.NoError(t, s.PublishMetric("agent", id, 1.0, 0, 0))
}

func TestPublishMetric_UnknownMIC(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.PublishMetric("agent", 404, 1.0, 0, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

// seedCursor plants a subscriber cursor in the past so pulls can observe
// already-written rows.
func seedCursor(t *testing.T, s *Store, source, target, kind string, last int64) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO subscribers (source, target, kind, last) VALUES (?, ?, ?, ?)`,
		source, target, kind, last)
	require.NoError(t, err)
}

func TestPullMIC(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	id, _, err := s.DeclareMIC("agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", EntityID: eid,
	})
	require.NoError(t, err)

	now := time.Now().Unix()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.PublishMetric("agent", id, float64(i), now-100+i, 0))
	}
	flusher := series.NewFlusher(s.queue, s.pool, time.Hour)
	flusher.Flush()

	seedCursor(t, s, "reader", "1", "pull_0", now-200)

	rows, err := s.PullMIC("reader", id, 0, true)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, 1.0, rows[0].Value)

	// Cursor advanced; nothing new on the second pull.
	rows, err = s.PullMIC("reader", id, 0, true)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPullMIC_WithoutSubscriberReadsAll(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	id, _, err := s.DeclareMIC("agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", EntityID: eid,
	})
	require.NoError(t, err)

	now := time.Now().Unix()
	require.NoError(t, s.PublishMetric("agent", id, 42, now-50, 0))
	series.NewFlusher(s.queue, s.pool, time.Hour).Flush()

	for i := 0; i < 2; i++ {
		rows, err := s.PullMIC("anyone", id, 0, false)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 42.0, rows[0].Value)
	}
}

func TestPullMIC_LazyCursorHidesHistory(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	id, _, err := s.DeclareMIC("agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", EntityID: eid,
	})
	require.NoError(t, err)

	require.NoError(t, s.PublishMetric("agent", id, 42, time.Now().Unix()-50, 0))
	series.NewFlusher(s.queue, s.pool, time.Hour).Flush()

	// First contact creates the cursor at now; history stays invisible.
	rows, err := s.PullMIC("late-reader", id, 0, true)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPullMIC_UnknownMIC(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.PullMIC("reader", 404, 0, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetMICStats(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	id, _, err := s.DeclareMIC("agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", EntityID: eid,
	})
	require.NoError(t, err)

	now := time.Now().Unix()
	require.NoError(t, s.PublishMetric("agent", id, 1, now-90, 0))
	require.NoError(t, s.PublishMetric("agent", id, 2, now-80, 0))
	require.NoError(t, s.PublishMetric("aggregator", id, 3, now-70, 1))
	series.NewFlusher(s.queue, s.pool, time.Hour).Flush()

	seedCursor(t, s, "reader", "1", "stats", now-200)

	stats, err := s.GetMICStats("reader", id, true, true)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, uint8(1), stats[1].Level)

	// walk advanced the cursor, the next read is empty.
	stats, err = s.GetMICStats("reader", id, true, true)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestDeleteMICRows(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	id, _, err := s.DeclareMIC("agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", EntityID: eid,
	})
	require.NoError(t, err)

	now := time.Now().Unix()
	require.NoError(t, s.PublishMetric("agent", id, 1, now-100, 0))
	require.NoError(t, s.PublishMetric("agent", id, 2, now-10, 0))
	series.NewFlusher(s.queue, s.pool, time.Hour).Flush()

	removed, err := s.DeleteMICRows(id, now-50, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	rows, err := s.PullMIC("anyone", id, 0, false)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCursor_LazyCreateAndAdvance(t *testing.T) {
	s, _ := newTestStore(t)

	before := time.Now().Unix()
	last, err := s.Cursor("src", "tgt", "pull_0")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, last, before)

	// A cursor never moves back.
	require.NoError(t, s.AdvanceCursor("src", "tgt", "pull_0", last-100))
	again, err := s.Cursor("src", "tgt", "pull_0")
	require.NoError(t, err)
	assert.Equal(t, last, again)

	require.NoError(t, s.AdvanceCursor("src", "tgt", "pull_0", last+100))
	again, err = s.Cursor("src", "tgt", "pull_0")
	require.NoError(t, err)
	assert.Equal(t, last+100, again)
}

func TestCreateAlarm_UpsertOccurence(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)

	report := model.AlarmReport{
		Message: "disk almost full", Severity: 2,
		CorrelateKey: "disk_full", EntityID: eid,
	}
	alarm, updated, err := s.CreateAlarm(report)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, int64(1), alarm.Occurence)

	// The second report must observe the first one immediately.
	report.Message = "disk full"
	report.Severity = 3
	alarm, updated, err = s.CreateAlarm(report)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, int64(2), alarm.Occurence)
	assert.Equal(t, "disk full", alarm.Message)
	assert.Equal(t, 3, alarm.Severity)

	got, err := s.GetAlarm(alarm.CID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Occurence)
}

func TestCreateAlarm_Validation(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.CreateAlarm(model.AlarmReport{CorrelateKey: "k"})
	require.Error(t, err)

	_, _, err = s.CreateAlarm(model.AlarmReport{
		Message: "m", CorrelateKey: "Not-Valid-Key", EntityID: 1,
	})
	require.Error(t, err)
}

func TestGetAlarm_MalformedCID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetAlarm("nope")
	require.ErrorIs(t, err, model.ErrBadCorrelateID)
}

func TestRemoveAlarm_Batched(t *testing.T) {
	s, b := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)

	alarm, _, err := s.CreateAlarm(model.AlarmReport{
		Message: "m", Severity: 1, CorrelateKey: "disk_full", EntityID: eid,
	})
	require.NoError(t, err)

	require.NoError(t, s.RemoveAlarm(alarm.CID()))
	_, err = s.GetAlarm(alarm.CID())
	require.NoError(t, err, "delete not applied before flush")

	b.Flush()
	_, err = s.GetAlarm(alarm.CID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAlarmOccurence(t *testing.T) {
	s, b := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)

	alarm, _, err := s.CreateAlarm(model.AlarmReport{
		Message: "m", Severity: 2, CorrelateKey: "disk_full", EntityID: eid,
	})
	require.NoError(t, err)
	cid := alarm.CID()

	types, err := s.EventTypes()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(types["Alarm"], "update", cid))
	}
	b.Flush()

	count, err := s.AlarmOccurence(cid, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Severity floor above the live alarm's severity suppresses the count.
	count, err = s.AlarmOccurence(cid, time.Hour, 5)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEventTypes_BuiltinsAndEnsure(t *testing.T) {
	s, _ := newTestStore(t)

	types, err := s.EventTypes()
	require.NoError(t, err)
	for _, name := range []string{"Addon", "Alarm", "Metric"} {
		assert.Contains(t, types, name)
	}

	id, err := s.EnsureEventType("Custom")
	require.NoError(t, err)
	again, err := s.EnsureEventType("Custom")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestPruneEvents(t *testing.T) {
	s, b := newTestStore(t)
	types, err := s.EventTypes()
	require.NoError(t, err)

	_, err = s.db.Exec(
		`INSERT INTO events (type_id, name, data, createdAt) VALUES (?, 'create', '1', ?)`,
		types["Metric"], time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(types["Metric"], "create", "2"))
	b.Flush()

	removed, err := s.PruneEvents(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var left int64
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&left))
	assert.Equal(t, int64(1), left)
}

func TestSummary(t *testing.T) {
	s, _ := newTestStore(t)
	eid, err := s.DeclareEntity(model.EntityDeclaration{Name: "host-a"})
	require.NoError(t, err)
	_, _, err = s.DeclareMIC("agent", model.MICDeclaration{
		Name: "cpu_usage", Unit: "percent", EntityID: eid,
	})
	require.NoError(t, err)
	_, _, err = s.CreateAlarm(model.AlarmReport{
		Message: "m", Severity: 1, CorrelateKey: "k", EntityID: eid,
	})
	require.NoError(t, err)

	sum, err := s.Summary()
	require.NoError(t, err)
	assert.Equal(t, model.Summary{EntityCount: 1, AlarmsCount: 1, MICCount: 1}, sum)
}
