package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gamepilot/internal/core"
)

type executionsResponse struct {
	Active    []core.TaskExecution `json:"active"`
	Completed []core.TaskExecution `json:"completed"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.QueueStatus())
}

// handleListExecutions lists the executions the manager still holds in memory.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, executionsResponse{
		Active:    s.deps.Manager.ActiveExecutions(),
		Completed: s.deps.Manager.CompletedExecutions(),
	})
}

// handleGetExecution prefers the live view and falls back to the persisted record.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "executionID")
	if exec, ok := s.deps.Manager.Execution(execID); ok {
		writeJSON(w, http.StatusOK, exec)
		return
	}
	exec, err := s.deps.Store.GetExecution(r.Context(), execID)
	if err != nil {
		s.writeDomainError(w, err, "get execution", "execution_id", execID)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "executionID")
	if s.deps.Manager.Cancel(execID) {
		writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": execID, "cancelled": true})
		return
	}
	if _, ok := s.deps.Manager.Execution(execID); ok {
		writeError(w, http.StatusConflict, "invalid_state", "execution is finished or already stopping")
		return
	}
	_, err := s.deps.Store.GetExecution(r.Context(), execID)
	switch {
	case err == nil:
		writeError(w, http.StatusConflict, "invalid_state", "execution is finished")
	case errors.Is(err, core.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
	default:
		s.writeDomainError(w, err, "cancel execution", "execution_id", execID)
	}
}
