package server

import (
	"errors"
	"net/http"
	"strings"

	"cortex/internal/schedule"
	"cortex/internal/store"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.schedules.List(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list schedules", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": rows})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var row store.ScheduleRow
	if !s.readJSON(w, r, &row) {
		return
	}
	created, err := s.schedules.Create(r.Context(), row)
	if err != nil {
		s.writeScheduleError(w, err, "Failed to create schedule")
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleScheduleByID dispatches /schedules/:id plus the enabled toggle and
// the manual trigger.
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/schedules/")

	if id, ok := strings.CutSuffix(path, "/trigger"); ok {
		annotateRoute(r, "/schedules/:id/trigger")
		if r.Method != http.MethodPost {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		jobID, err := s.schedules.Trigger(r.Context(), id)
		if err != nil {
			s.writeScheduleError(w, err, "Failed to trigger schedule")
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
		return
	}
	if id, ok := strings.CutSuffix(path, "/enabled"); ok {
		annotateRoute(r, "/schedules/:id/enabled")
		if r.Method != http.MethodPut {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !s.readJSON(w, r, &req) {
			return
		}
		row, err := s.schedules.SetEnabled(r.Context(), id, req.Enabled)
		if err != nil {
			s.writeScheduleError(w, err, "Failed to toggle schedule")
			return
		}
		s.writeJSON(w, http.StatusOK, row)
		return
	}
	if path == "" || strings.Contains(path, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}

	annotateRoute(r, "/schedules/:id")
	switch r.Method {
	case http.MethodGet:
		row, err := s.schedules.Get(r.Context(), path)
		if err != nil {
			s.writeScheduleError(w, err, "Failed to load schedule")
			return
		}
		s.writeJSON(w, http.StatusOK, row)
	case http.MethodPut:
		var row store.ScheduleRow
		if !s.readJSON(w, r, &row) {
			return
		}
		row.ID = path
		updated, err := s.schedules.Update(r.Context(), row)
		if err != nil {
			s.writeScheduleError(w, err, "Failed to update schedule")
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.schedules.Delete(r.Context(), path); err != nil {
			s.writeScheduleError(w, err, "Failed to delete schedule")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	}
}

func (s *Server) writeScheduleError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "Schedule not found", nil)
	case errors.Is(err, schedule.ErrInvalid):
		s.writeJSONError(w, http.StatusBadRequest, message, err)
	default:
		s.writeJSONError(w, http.StatusInternalServerError, message, err)
	}
}
