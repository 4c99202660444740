package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avrel/beacon/internal/model"
	"github.com/avrel/beacon/internal/store"
)

// headerSource names the caller on every mutating route.
const headerSource = "X-Beacon-Source"

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// respondError maps store errors onto HTTP statuses.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrNotAggregator):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrBadCorrelateID):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

// requireSource extracts the caller identity or answers 400.
func requireSource(w http.ResponseWriter, r *http.Request) (string, bool) {
	source := r.Header.Get(headerSource)
	if source == "" {
		http.Error(w, headerSource+" header is required", http.StatusBadRequest)
		return "", false
	}
	return source, true
}

// pathID parses the {id} path segment.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleDeclareEntity(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	var decl model.EntityDeclaration
	if !decodeBody(w, r, &decl) {
		return
	}
	id, err := s.store.DeclareEntity(decl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, r, map[string]int64{"id": id})
}

func (s *Server) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := model.SearchOptions{
		Name:              q.Get("name"),
		Pattern:           q.Get("pattern"),
		PatternIdentifier: q.Get("identifier"),
	}
	if after := q.Get("created_after"); after != "" {
		ts, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			http.Error(w, "invalid created_after", http.StatusBadRequest)
			return
		}
		opts.CreatedAfter = ts
	}

	entities, err := s.store.SearchEntities(opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if entities == nil {
		entities = []model.Entity{}
	}
	writeJSON(w, r, entities)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entity, err := s.store.GetEntityByID(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, entity)
}

func (s *Server) handleRemoveEntity(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.RemoveEntity(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeclareDescriptor(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	if err := s.store.DeclareDescriptor(id, body.Key, body.Value); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetDescriptors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	descs, err := s.store.GetDescriptors(id, r.URL.Query().Get("key"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if descs == nil {
		descs = []model.Descriptor{}
	}
	writeJSON(w, r, descs)
}

func (s *Server) handleDeclareMIC(w http.ResponseWriter, r *http.Request) {
	source, ok := requireSource(w, r)
	if !ok {
		return
	}
	var decl model.MICDeclaration
	if !decodeBody(w, r, &decl) {
		return
	}
	id, created, err := s.store.DeclareMIC(source, decl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if created {
		if err := s.bus.Publish(r.Context(), "Metric", "create",
			strconv.FormatInt(id, 10)); err != nil {
			slog.Warn("metric create event not published", "mic_id", id, "error", err)
		}
	}
	writeJSON(w, r, map[string]any{"id": id, "created": created})
}

func (s *Server) handleListMICs(w http.ResponseWriter, r *http.Request) {
	mics, err := s.store.ListMICs()
	if err != nil {
		respondError(w, r, err)
		return
	}
	if mics == nil {
		mics = []model.MIC{}
	}
	writeJSON(w, r, mics)
}

func (s *Server) handleGetMIC(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	mic, err := s.store.GetMIC(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, mic)
}

func (s *Server) handlePublishMetric(w http.ResponseWriter, r *http.Request) {
	source, ok := requireSource(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Value       float64 `json:"value"`
		HarvestedAt int64   `json:"harvested_at,omitempty"`
		Level       uint8   `json:"level,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.store.PublishMetric(source, id, body.Value, body.HarvestedAt, body.Level); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePullMIC(w http.ResponseWriter, r *http.Request) {
	source, ok := requireSource(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	level, err := parseLevel(q.Get("level"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	withSubscriber := q.Get("subscriber") != "false"

	rows, err := s.store.PullMIC(source, id, level, withSubscriber)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.MetricRow{}
	}
	writeJSON(w, r, rows)
}

func (s *Server) handleMICStats(w http.ResponseWriter, r *http.Request) {
	source, ok := requireSource(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	walk := q.Get("walk") == "true"
	withSubscriber := q.Get("subscriber") != "false"

	stats, err := s.store.GetMICStats(source, id, walk, withSubscriber)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if stats == nil {
		stats = []model.MICStats{}
	}
	writeJSON(w, r, stats)
}

func (s *Server) handleDeleteMICRows(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since, err := strconv.ParseInt(q.Get("since"), 10, 64)
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	level, err := parseLevel(q.Get("level"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	removed, err := s.store.DeleteMICRows(id, since, level)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]int64{"removed": removed})
}

func parseLevel(raw string) (uint8, error) {
	if raw == "" {
		return 0, nil
	}
	level, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid level %q", raw)
	}
	return uint8(level), nil
}

func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	var report model.AlarmReport
	if !decodeBody(w, r, &report) {
		return
	}
	alarm, updated, err := s.store.CreateAlarm(report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	event := "open"
	if updated {
		event = "update"
	}
	if err := s.bus.Publish(r.Context(), "Alarm", event, alarm.CID()); err != nil {
		slog.Warn("alarm event not published", "cid", alarm.CID(), "error", err)
	}

	writeJSON(w, r, map[string]any{
		"cid":       alarm.CID(),
		"existed":   updated,
		"occurence": alarm.Occurence,
	})
}

func (s *Server) handleGetAlarms(w http.ResponseWriter, r *http.Request) {
	if cid := r.URL.Query().Get("cid"); cid != "" {
		alarm, err := s.store.GetAlarm(cid)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, r, alarm)
		return
	}

	alarms, err := s.store.ListAlarms()
	if err != nil {
		respondError(w, r, err)
		return
	}
	if alarms == nil {
		alarms = []model.Alarm{}
	}
	writeJSON(w, r, alarms)
}

func (s *Server) handleAlarmOccurence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cid := q.Get("cid")
	if cid == "" {
		http.Error(w, "cid is required", http.StatusBadRequest)
		return
	}

	window := time.Hour
	if raw := q.Get("window_seconds"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			http.Error(w, "invalid window_seconds", http.StatusBadRequest)
			return
		}
		window = time.Duration(secs) * time.Second
	}
	minSeverity := 0
	if raw := q.Get("min_severity"); raw != "" {
		sev, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid min_severity", http.StatusBadRequest)
			return
		}
		minSeverity = sev
	}

	count, err := s.store.AlarmOccurence(cid, window, minSeverity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, r, map[string]int64{"occurence": count})
}

func (s *Server) handleRemoveAlarm(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	if err := s.store.RemoveAlarm(r.PathValue("cid")); err != nil {
		respondError(w, r, err)
		return
	}
	// Alarm.close is published by the batcher's commit hook once the delete
	// actually lands.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRegisterEventType(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	id, err := s.bus.RegisterType(body.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]int64{"id": id})
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSource(w, r); !ok {
		return
	}
	var body struct {
		Type string `json:"type"`
		Name string `json:"name"`
		Data string `json:"data,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Type == "" || body.Name == "" {
		http.Error(w, "type and name are required", http.StatusBadRequest)
		return
	}
	if err := s.bus.Publish(r.Context(), body.Type, body.Name, body.Data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// callbackSubscriber forwards bus events to an external HTTP endpoint,
// at most once.
type callbackSubscriber struct {
	name   string
	url    string
	client *http.Client
}

func (c *callbackSubscriber) Name() string { return c.name }

func (c *callbackSubscriber) Deliver(ctx context.Context, subject, data string) error {
	body, err := json.Marshal(map[string]string{"subject": subject, "data": data})
	if err != nil {
		return fmt.Errorf("callback %s: marshal: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("callback %s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback %s: send: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback %s: unexpected status %d", c.name, resp.StatusCode)
	}
	return nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	source, ok := requireSource(w, r)
	if !ok {
		return
	}
	var body struct {
		Subject string `json:"subject"`
		URL     string `json:"url"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Subject == "" || body.URL == "" {
		http.Error(w, "subject and url are required", http.StatusBadRequest)
		return
	}

	s.bus.Subscribe(body.Subject, &callbackSubscriber{
		name:   source,
		url:    body.URL,
		client: &http.Client{Timeout: 10 * time.Second},
	})
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary()
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, sum)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]string{"status": "ok"})
}
