package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gamepilot/internal/core"
	"gamepilot/internal/scheduler"
)

type createScheduleRequest struct {
	Name       string          `json:"name"`
	Cron       string          `json:"cron"`
	TaskType   core.TaskType   `json:"task_type"`
	Priority   *core.Priority  `json:"priority"`
	Config     core.TaskConfig `json:"config"`
	MaxRetries int             `json:"max_retries"`
	Enabled    *bool           `json:"enabled"`
}

type updateScheduleRequest struct {
	Name       *string          `json:"name"`
	Cron       *string          `json:"cron"`
	TaskType   *core.TaskType   `json:"task_type"`
	Priority   *core.Priority   `json:"priority"`
	Config     *core.TaskConfig `json:"config"`
	MaxRetries *int             `json:"max_retries"`
	Enabled    *bool            `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	sched := &core.Schedule{
		ID:         core.NewID(),
		Name:       strings.TrimSpace(req.Name),
		Cron:       strings.TrimSpace(req.Cron),
		TaskType:   req.TaskType,
		Priority:   core.PriorityMedium,
		Config:     req.Config,
		MaxRetries: req.MaxRetries,
		Enabled:    true,
	}
	if req.Priority != nil {
		sched.Priority = *req.Priority
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if sched.TaskType == "" {
		sched.TaskType = core.TaskTypeCustom
	}
	if code, msg := validateSchedule(sched); code != "" {
		writeError(w, http.StatusBadRequest, code, msg)
		return
	}
	if err := s.deps.Store.InsertSchedule(r.Context(), sched); err != nil {
		s.writeDomainError(w, err, "insert schedule")
		return
	}
	if err := s.deps.Planner.AddOrUpdate(r.Context(), sched); err != nil {
		s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
	}
	s.writeSchedule(w, r, sched.ID, http.StatusCreated)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context())
	if err != nil {
		s.writeDomainError(w, err, "list schedules")
		return
	}
	if schedules == nil {
		schedules = []*core.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	s.writeSchedule(w, r, chi.URLParam(r, "scheduleID"), http.StatusOK)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	sched, err := s.deps.Store.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		s.writeDomainError(w, err, "get schedule for update", "schedule_id", scheduleID)
		return
	}
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Name != nil {
		sched.Name = strings.TrimSpace(*req.Name)
	}
	if req.Cron != nil {
		sched.Cron = strings.TrimSpace(*req.Cron)
	}
	if req.TaskType != nil {
		sched.TaskType = *req.TaskType
	}
	if req.Priority != nil {
		sched.Priority = *req.Priority
	}
	if req.Config != nil {
		sched.Config = *req.Config
	}
	if req.MaxRetries != nil {
		sched.MaxRetries = *req.MaxRetries
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if code, msg := validateSchedule(sched); code != "" {
		writeError(w, http.StatusBadRequest, code, msg)
		return
	}
	if err := s.deps.Store.UpdateSchedule(r.Context(), sched); err != nil {
		s.writeDomainError(w, err, "update schedule", "schedule_id", scheduleID)
		return
	}
	if err := s.deps.Planner.AddOrUpdate(r.Context(), sched); err != nil {
		s.logger.Error("reschedule", "schedule_id", scheduleID, "err", err)
	}
	s.writeSchedule(w, r, scheduleID, http.StatusOK)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	if err := s.deps.Store.DeleteSchedule(r.Context(), scheduleID); err != nil {
		s.writeDomainError(w, err, "delete schedule", "schedule_id", scheduleID)
		return
	}
	s.deps.Planner.Remove(scheduleID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	task, execID, err := s.deps.Planner.RunNow(r.Context(), scheduleID)
	if err != nil {
		s.writeDomainError(w, err, "run schedule", "schedule_id", scheduleID)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Task: task, ExecutionID: execID})
}

func (s *Server) writeSchedule(w http.ResponseWriter, r *http.Request, scheduleID string, status int) {
	sched, err := s.deps.Store.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		s.writeDomainError(w, err, "get schedule", "schedule_id", scheduleID)
		return
	}
	writeJSON(w, status, sched)
}

// validateSchedule returns an error code and message, or empty strings when sched is valid.
func validateSchedule(sched *core.Schedule) (string, string) {
	if sched.Name == "" {
		return "invalid_input", "name is required"
	}
	if sched.Cron == "" {
		return "invalid_input", "cron expression is required"
	}
	if _, err := scheduler.ParseCron(sched.Cron); err != nil {
		return "invalid_cron", err.Error()
	}
	if !sched.TaskType.Valid() {
		return "invalid_input", "unknown task type " + string(sched.TaskType)
	}
	if !sched.Priority.Valid() {
		return "invalid_input", "invalid priority"
	}
	if sched.MaxRetries < 0 {
		return "invalid_input", "max_retries must not be negative"
	}
	if _, err := sched.Config.DecodeActions(); err != nil {
		return "invalid_input", err.Error()
	}
	return "", ""
}
