package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"gamepilot/internal/scheduler"
)

const maxPreviewRuns = 10

// previewRequest names either a raw expression or a stored schedule.
type previewRequest struct {
	Expr       string `json:"expr,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
	Now        string `json:"now,omitempty"`
	Count      int    `json:"count,omitempty"`
}

type previewResponse struct {
	Valid     bool     `json:"valid"`
	Expr      string   `json:"expr"`
	Timezone  string   `json:"timezone"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	expr := strings.TrimSpace(req.Expr)
	if req.ScheduleID != "" {
		sched, err := s.deps.Store.GetSchedule(r.Context(), req.ScheduleID)
		if err != nil {
			s.writeDomainError(w, err, "load schedule for preview", "schedule_id", req.ScheduleID)
			return
		}
		expr = sched.Cron
	}
	if expr == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "expr or schedule_id is required")
		return
	}

	resp := previewResponse{Expr: expr, Timezone: s.location.String()}
	schedule, err := scheduler.ParseCron(expr)
	if err != nil {
		resp.Message = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	from := time.Now()
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "now must be RFC3339")
			return
		}
		from = parsed
	}
	count := req.Count
	if count <= 0 {
		count = 5
	}
	count = min(count, maxPreviewRuns)

	resp.Valid = true
	for _, t := range scheduler.NextOccurrences(schedule, from.In(s.location), count) {
		resp.NextTimes = append(resp.NextTimes, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, resp)
}
