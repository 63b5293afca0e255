package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/health"
	"github.com/devmesh/devmesh/internal/infra/device"
)

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status string          `json:"status"`
		Checks []health.Status `json:"checks"`
	}{status, s.health.Statuses()})
}

// ─── Devices ────────────────────────────────────────────────────────────────

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	f := s.currentFleet()
	if f == nil {
		writeJSON(w, http.StatusOK, map[string]any{"devices": []device.Stats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": f.Stats(r.Context())})
}

// ─── Runs ───────────────────────────────────────────────────────────────────

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// runDetail is a run with its per-epoch summaries and batch tallies.
type runDetail struct {
	domain.Run
	EpochSummaries []domain.EpochSummary      `json:"epoch_summaries"`
	Batches        map[domain.BatchStatus]int `json:"batches"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.lookupRun(w, id)
	if !ok {
		return
	}
	epochs, err := s.runs.ListEpochs(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.runs.BatchCounts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if epochs == nil {
		epochs = []domain.EpochSummary{}
	}
	writeJSON(w, http.StatusOK, runDetail{Run: *run, EpochSummaries: epochs, Batches: counts})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.lookupRun(w, id); !ok {
		return
	}
	events, err := s.runs.ListEvents(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []domain.DeviceEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) lookupRun(w http.ResponseWriter, id string) (*domain.Run, bool) {
	run, err := s.runs.GetRun(id)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return run, true
}
