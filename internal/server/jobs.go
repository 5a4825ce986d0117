package server

import (
	"errors"
	"net/http"
	"strings"

	"cortex/internal/store"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListJobs(r.Context(), r.URL.Query().Get("status"), queryLimit(r, defaultListLimit))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list jobs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": rows})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	row, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to load job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}
