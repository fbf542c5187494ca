package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gamepilot/internal/monitor"
)

type addMonitorRequest struct {
	Type         monitor.Type `json:"monitor_type"`
	IntervalSecs float64      `json:"interval_s"`
	TimeoutSecs  float64      `json:"timeout_s"`
}

func (s *Server) handleAddMonitor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task monitor is disabled")
		return
	}
	taskID := chi.URLParam(r, "taskID")
	var req addMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	id, err := s.deps.Monitor.AddStatusMonitor(r.Context(), taskID, req.Type, s.deps.Notify,
		secondsToDuration(req.IntervalSecs), secondsToDuration(req.TimeoutSecs))
	if err != nil {
		s.writeDomainError(w, err, "add monitor", "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"monitor_id": id})
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeJSON(w, http.StatusOK, []monitor.Info{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.Monitors())
}

func (s *Server) handleRemoveMonitor(w http.ResponseWriter, r *http.Request) {
	s.monitorOp(w, r, "remove monitor", func(m *monitor.Monitor, id string) error { return m.Remove(id) }, http.StatusNoContent)
}

func (s *Server) handleEnableMonitor(w http.ResponseWriter, r *http.Request) {
	s.monitorOp(w, r, "enable monitor", func(m *monitor.Monitor, id string) error { return m.Enable(id) }, http.StatusOK)
}

func (s *Server) handleDisableMonitor(w http.ResponseWriter, r *http.Request) {
	s.monitorOp(w, r, "disable monitor", func(m *monitor.Monitor, id string) error { return m.Disable(id) }, http.StatusOK)
}

func (s *Server) monitorOp(w http.ResponseWriter, r *http.Request, op string, fn func(*monitor.Monitor, string) error, okStatus int) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}
	id := chi.URLParam(r, "monitorID")
	if err := fn(s.deps.Monitor, id); err != nil {
		s.writeDomainError(w, err, op, "monitor_id", id)
		return
	}
	if okStatus == http.StatusNoContent {
		w.WriteHeader(okStatus)
		return
	}
	writeJSON(w, okStatus, map[string]string{"monitor_id": id})
}

func secondsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
