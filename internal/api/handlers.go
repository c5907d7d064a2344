package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/pipepulse/internal/scheduler"
	"github.com/mattjoyce/pipepulse/internal/supervisor"
	"github.com/mattjoyce/pipepulse/internal/worker"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snaps := s.pool.Workers()
	launchFailures := len(s.pool.LaunchFailures())

	resp := HealthzResponse{
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Workers:        len(snaps),
		LaunchFailures: launchFailures,
		Period:         s.pool.Period().String(),
	}
	for _, snap := range snaps {
		switch snap.State {
		case worker.Running.String():
			resp.Running++
		case worker.Failed.String():
			resp.Failed++
		}
	}

	code := http.StatusOK
	switch {
	case resp.Running == 0:
		resp.Status = HealthDown
		code = http.StatusServiceUnavailable
	case resp.Failed > 0 || launchFailures > 0:
		resp.Status = HealthDegraded
	default:
		resp.Status = HealthOK
	}
	respondJSON(w, code, resp)
}

// handleWorkers handles GET /workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	failures := s.pool.LaunchFailures()
	if failures == nil {
		failures = []supervisor.LaunchFailure{}
	}
	respondJSON(w, http.StatusOK, WorkersResponse{
		Period:         s.pool.Period().String(),
		Workers:        s.workerStatuses(),
		LaunchFailures: failures,
	})
}

// handleWorker handles GET /workers/{id}.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "worker id must be an integer")
		return
	}
	for _, st := range s.workerStatuses() {
		if st.ID == id {
			respondJSON(w, http.StatusOK, st)
			return
		}
	}
	for _, f := range s.pool.LaunchFailures() {
		if f.WorkerID == id {
			respondJSON(w, http.StatusGone, f)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "worker not found")
}

func (s *Server) workerStatuses() []WorkerStatus {
	schedule := make(map[int]scheduler.EntryStatus)
	for _, st := range s.pool.SchedulerStates() {
		schedule[st.WorkerID] = st
	}

	snaps := s.pool.Workers()
	out := make([]WorkerStatus, 0, len(snaps))
	for _, snap := range snaps {
		ws := WorkerStatus{Snapshot: snap}
		if st, ok := schedule[snap.ID]; ok {
			ws.Schedule = &st
		}
		out = append(out, ws)
	}
	return out
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
