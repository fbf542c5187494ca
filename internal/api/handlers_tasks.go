package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"gamepilot/internal/action"
	"gamepilot/internal/automation"
	"gamepilot/internal/core"
	"gamepilot/internal/monitor"
	"gamepilot/internal/scheduler"
)

type createTaskRequest struct {
	Name       string          `json:"name"`
	Type       core.TaskType   `json:"type"`
	Priority   *core.Priority  `json:"priority"`
	Config     core.TaskConfig `json:"config"`
	MaxRetries int             `json:"max_retries"`
}

type submitRequest struct {
	Priority *core.Priority `json:"priority"`
}

type submitResponse struct {
	Task        *core.Task `json:"task,omitempty"`
	ExecutionID string     `json:"execution_id"`
}

type taskResponse struct {
	*core.Task
	Execution *core.TaskExecution `json:"execution,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	priority := core.PriorityMedium
	if req.Priority != nil {
		priority = *req.Priority
	}
	task, execID, err := s.deps.Manager.SubmitTask(r.Context(), scheduler.NewTask{
		Name:       strings.TrimSpace(req.Name),
		Type:       req.Type,
		Config:     req.Config,
		MaxRetries: req.MaxRetries,
	}, priority)
	if err != nil {
		s.writeDomainError(w, err, "submit task")
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Task: task, ExecutionID: execID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter core.TaskFilter
	q := r.URL.Query()
	if status := strings.TrimSpace(q.Get("status")); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status "+status)
			return
		}
		filter.Status = &st
	}
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		tt := core.TaskType(typ)
		if !tt.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown type "+typ)
			return
		}
		filter.Type = &tt
	}
	filter.ScheduleID = q.Get("schedule_id")
	filter.Limit = parseIntDefault(q.Get("limit"), 0)

	tasks, err := s.deps.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err, "list tasks")
		return
	}
	if tasks == nil {
		tasks = []*core.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.deps.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err, "get task", "task_id", taskID)
		return
	}
	resp := taskResponse{Task: task}
	if exec, ok := s.deps.Manager.ActiveExecutionForTask(taskID); ok {
		resp.Execution = &exec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if s.deps.Manager.IsTaskActive(taskID) {
		writeError(w, http.StatusConflict, "conflict", "task has an active execution")
		return
	}
	if err := s.deps.Store.DeleteTask(r.Context(), taskID); err != nil {
		s.writeDomainError(w, err, "delete task", "task_id", taskID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmitTask queues another execution of an existing, non-terminal task.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req submitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}
	priority := core.PriorityMedium
	if req.Priority != nil {
		priority = *req.Priority
	} else if task, err := s.deps.Store.GetTask(r.Context(), taskID); err == nil {
		priority = task.Priority
	}
	execID, err := s.deps.Manager.Submit(r.Context(), taskID, priority)
	if err != nil {
		s.writeDomainError(w, err, "submit task", "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ExecutionID: execID})
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause", s.deps.Manager.Pause)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume", s.deps.Manager.Resume)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stop", s.deps.Manager.StopTask)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op string, fn func(taskID string) error) {
	taskID := chi.URLParam(r, "taskID")
	if err := fn(taskID); err != nil {
		s.writeDomainError(w, err, op+" task", "task_id", taskID)
		return
	}
	resp := map[string]any{"task_id": taskID, "requested": op}
	if exec, ok := s.deps.Manager.ActiveExecutionForTask(taskID); ok {
		resp["execution"] = exec
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.deps.Store.GetTask(r.Context(), taskID); err != nil {
		s.writeDomainError(w, err, "get task for logs", "task_id", taskID)
		return
	}
	logs, err := s.deps.Store.ListExecutionLogs(r.Context(), taskID, parseIntDefault(r.URL.Query().Get("limit"), 100))
	if err != nil {
		s.writeDomainError(w, err, "list logs", "task_id", taskID)
		return
	}
	if logs == nil {
		logs = []*core.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.deps.Store.GetTask(r.Context(), taskID); err != nil {
		s.writeDomainError(w, err, "get task for executions", "task_id", taskID)
		return
	}
	execs, err := s.deps.Store.ListExecutions(r.Context(), taskID, parseIntDefault(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.writeDomainError(w, err, "list executions", "task_id", taskID)
		return
	}
	out := make([]core.TaskExecution, 0, len(execs)+1)
	if exec, ok := s.deps.Manager.ActiveExecutionForTask(taskID); ok {
		out = append(out, exec)
	}
	for _, exec := range execs {
		out = append(out, *exec)
	}
	writeJSON(w, http.StatusOK, out)
}

// writeDomainError maps errors of the engine to HTTP statuses. Anything
// unrecognised is logged and reported as an internal error.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, op string, attrs ...any) {
	var (
		transition *core.TransitionError
		param      *action.ParamError
	)
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
	case errors.Is(err, core.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
	case errors.Is(err, monitor.ErrMonitorNotFound):
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
	case errors.Is(err, core.ErrTaskAlreadyActive),
		errors.Is(err, scheduler.ErrTriggerSkipped):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, scheduler.ErrStopping),
		errors.Is(err, automation.ErrInvalidState),
		errors.As(err, &transition):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, monitor.ErrInvalidMonitor),
		errors.As(err, &param):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		s.logger.Error(op, append(attrs, "err", err)...)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
