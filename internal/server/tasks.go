package server

import (
	"errors"
	"net/http"
	"strings"

	"cortex/internal/store"
	"cortex/internal/taskpod"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Task pods unavailable", nil)
		return
	}
	rows, err := s.tasks.List(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": rows})
}

func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Task pods unavailable", nil)
		return
	}
	var req taskpod.Request
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "goal is required", nil)
		return
	}
	row, err := s.tasks.Dispatch(r.Context(), req)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to dispatch task", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, row)
}

// handleTaskByID dispatches /tasks/:id; DELETE cancels a running pod.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Task pods unavailable", nil)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		row, err := s.tasks.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Task not found", nil)
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to load task", err)
			return
		}
		s.writeJSON(w, http.StatusOK, row)
	case http.MethodDelete:
		if err := s.tasks.Cancel(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeJSONError(w, http.StatusNotFound, "Task not found or already finished", nil)
				return
			}
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to cancel task", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	}
}
