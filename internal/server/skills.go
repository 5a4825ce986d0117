package server

import (
	"errors"
	"net/http"
	"strings"

	"cortex/internal/skills"
	"cortex/internal/store"
)

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	rows, err := s.skills.List(r.Context(), enabledOnly)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list skills", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"skills": rows})
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var row store.SkillRow
	if !s.readJSON(w, r, &row) {
		return
	}
	created, err := s.skills.Create(r.Context(), skills.ActorSystem, row)
	if err != nil {
		s.writeSkillError(w, err, "Failed to create skill")
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleSkillByID dispatches /skills/:id plus the /skills/:id/enabled toggle.
func (s *Server) handleSkillByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/skills/")

	if id, ok := strings.CutSuffix(path, "/enabled"); ok {
		annotateRoute(r, "/skills/:id/enabled")
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
		row, err := s.skills.SetEnabled(r.Context(), skills.ActorSystem, id, req.Enabled)
		if err != nil {
			s.writeSkillError(w, err, "Failed to toggle skill")
			return
		}
		s.writeJSON(w, http.StatusOK, row)
		return
	}
	if path == "" || strings.Contains(path, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}

	annotateRoute(r, "/skills/:id")
	switch r.Method {
	case http.MethodGet:
		row, err := s.skills.Get(r.Context(), path)
		if err != nil {
			s.writeSkillError(w, err, "Failed to load skill")
			return
		}
		s.writeJSON(w, http.StatusOK, row)
	case http.MethodPut:
		var row store.SkillRow
		if !s.readJSON(w, r, &row) {
			return
		}
		row.ID = path
		updated, err := s.skills.Update(r.Context(), skills.ActorSystem, row)
		if err != nil {
			s.writeSkillError(w, err, "Failed to update skill")
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		deleted, err := s.skills.Delete(r.Context(), skills.ActorSystem, path)
		if err != nil {
			s.writeSkillError(w, err, "Failed to delete skill")
			return
		}
		if !deleted {
			s.writeJSONError(w, http.StatusNotFound, "Skill not found", nil)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	}
}

func (s *Server) writeSkillError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "Skill not found", nil)
	case errors.Is(err, skills.ErrForbidden):
		s.writeJSONError(w, http.StatusForbidden, "Operation not permitted", err)
	case errors.Is(err, skills.ErrInvalid):
		s.writeJSONError(w, http.StatusBadRequest, message, err)
	default:
		s.writeJSONError(w, http.StatusInternalServerError, message, err)
	}
}
