package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/registry"
	"github.com/hanaponodata/sentinel-core/internal/sentinelerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func unauthorizedErr() error {
	return sentinelerr.New(sentinelerr.KindUnauthorized, "authenticated principal required")
}

func notFoundErr(id string) error {
	return sentinelerr.New(sentinelerr.KindNotFound, "container "+id+" not found")
}

func conflictErr(id string) error {
	return sentinelerr.New(sentinelerr.KindConflict, "an update is already in flight for "+id)
}

// statusResponse is the agent status reply.
type statusResponse struct {
	Status             string    `json:"status"`
	MonitoredCount     int       `json:"monitored_count"`
	LastCheckAt        time.Time `json:"last_check_at,omitempty"`
	UpdateHistoryCount int       `json:"update_history_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:             "running",
		MonitoredCount:     len(s.deps.Registry.Snapshot()),
		UpdateHistoryCount: s.deps.Engine.HistoryCount(),
	}
	if s.deps.Monitor != nil {
		resp.LastCheckAt = s.deps.Monitor.LastCheckAt()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContainersList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

func (s *Server) handleContainerGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.deps.Registry.Get(id)
	if !ok {
		writeSentinelErr(w, notFoundErr(id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleContainerUpdate accepts an update request: transitions the
// per-container state machine to updating, rejecting synchronously on
// NotFound/Conflict. The resulting apply procedure runs to completion
// asynchronously and is observable only via events; the response never
// claims the update itself has finished.
func (s *Server) handleContainerUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.deps.Registry.Get(id)
	if !ok {
		writeSentinelErr(w, notFoundErr(id))
		return
	}
	if s.deps.Engine.IsUpdating(id) {
		writeSentinelErr(w, conflictErr(id))
		return
	}
	if rec.UpdateState != registry.UpdateAvailable && rec.UpdateState != registry.UpdateIdle {
		writeSentinelErr(w, conflictErr(id))
		return
	}
	go func() {
		if err := s.deps.Engine.Apply(context.Background(), id); err != nil {
			s.deps.Log.Warn("control: update apply failed", "container_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "container_id": id})
}

// lifecycleAction is shared by restart/stop/start/remove: synchronous
// NotFound/Conflict rejection, then an async runtime call whose effect
// surfaces through the next Monitor Loop tick's events.
func (s *Server) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if _, ok := s.deps.Registry.Get(id); !ok {
		writeSentinelErr(w, notFoundErr(id))
		return
	}
	if s.deps.Engine.IsUpdating(id) {
		writeSentinelErr(w, conflictErr(id))
		return
	}
	go func() {
		if err := action(context.Background(), id); err != nil {
			s.deps.Log.Warn("control: lifecycle action failed", "container_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "container_id": id})
}

func (s *Server) handleContainerRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id string) error {
		if err := s.deps.Runtime.Stop(ctx, id, defaultLifecycleGrace); err != nil {
			return err
		}
		return s.deps.Runtime.Start(ctx, id)
	})
}

func (s *Server) handleContainerStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id string) error {
		return s.deps.Runtime.Stop(ctx, id, defaultLifecycleGrace)
	})
}

func (s *Server) handleContainerStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.deps.Runtime.Start)
}

func (s *Server) handleContainerRemove(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id string) error {
		return s.deps.Runtime.Remove(ctx, id, true)
	})
}

const defaultLifecycleGrace = 10 * time.Second

func (s *Server) handleUpdatesHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.History(limit))
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.TriggerCheck()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// statsResponse is the aggregate counters reply.
type statsResponse struct {
	MonitoredCount int       `json:"monitored_count"`
	UpdatesApplied int       `json:"updates_applied"`
	UpdatesFailed  int       `json:"updates_failed"`
	LastCheckAt    time.Time `json:"last_check_at,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hist := s.deps.Engine.History(0)
	stats := statsResponse{MonitoredCount: len(s.deps.Registry.Snapshot())}
	for _, rec := range hist {
		switch rec.Outcome {
		case "applied":
			stats.UpdatesApplied++
		case "failed":
			stats.UpdatesFailed++
		}
	}
	if s.deps.Monitor != nil {
		stats.LastCheckAt = s.deps.Monitor.LastCheckAt()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.Snapshot())
}

// configUpdate is the PUT /config body. Every field is optional: an
// omitted field leaves the current value in place.
type configUpdate struct {
	CheckInterval      *string `json:"check_interval"`
	UpdateInterval     *string `json:"update_interval"`
	AutoUpdate         *bool   `json:"auto_update"`
	Cleanup            *bool   `json:"cleanup"`
	LabelFilter        *string `json:"label_filter"`
	MaxParallelUpdates *int    `json:"max_parallel_updates"`
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	var body configUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeSentinelErr(w, sentinelerr.Wrap(sentinelerr.KindInvalidConfig, "malformed request body", err))
		return
	}

	fieldErrs := map[string]string{}
	intervalChanged := false

	if body.CheckInterval != nil {
		d, err := time.ParseDuration(*body.CheckInterval)
		if err != nil {
			fieldErrs["check_interval"] = err.Error()
		} else if err := s.deps.Config.SetCheckInterval(d); err != nil {
			fieldErrs["check_interval"] = err.Error()
		} else {
			intervalChanged = true
		}
	}
	if body.UpdateInterval != nil {
		d, err := time.ParseDuration(*body.UpdateInterval)
		if err != nil {
			fieldErrs["update_interval"] = err.Error()
		} else if err := s.deps.Config.SetUpdateInterval(d); err != nil {
			fieldErrs["update_interval"] = err.Error()
		}
	}
	if body.AutoUpdate != nil {
		s.deps.Config.SetAutoUpdate(*body.AutoUpdate)
	}
	if body.Cleanup != nil {
		s.deps.Config.SetCleanup(*body.Cleanup)
	}
	if body.LabelFilter != nil {
		s.deps.Config.SetLabelFilter(*body.LabelFilter)
	}
	if body.MaxParallelUpdates != nil {
		if err := s.deps.Config.SetMaxParallelUpdates(*body.MaxParallelUpdates); err != nil {
			fieldErrs["max_parallel_updates"] = err.Error()
		}
	}

	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid configuration",
			"kind":  sentinelerr.KindInvalidConfig,
			"field_errors": fieldErrs,
		})
		return
	}

	if intervalChanged && s.deps.Monitor != nil {
		s.deps.Monitor.NotifyIntervalChanged()
	}

	writeJSON(w, http.StatusOK, s.deps.Config.Snapshot())
}

// imageInfo is one entry in the Get known images reply.
type imageInfo struct {
	ImageRef string `json:"image_ref"`
	Digest   string `json:"digest,omitempty"`
}

func (s *Server) handleImagesList(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Runtime.List(r.Context())
	if err != nil {
		writeSentinelErr(w, err)
		return
	}
	seen := make(map[string]bool, len(result.Containers))
	images := make([]imageInfo, 0, len(result.Containers))
	for _, c := range result.Containers {
		if c.ImageRef == "" || seen[c.ImageRef] {
			continue
		}
		seen[c.ImageRef] = true
		images = append(images, imageInfo{ImageRef: c.ImageRef})
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleImagePull(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	digest, err := s.deps.Runtime.Pull(r.Context(), name)
	if err != nil {
		writeSentinelErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"image_ref": name, "digest": digest})
}
