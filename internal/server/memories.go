package server

import (
	"errors"
	"net/http"
	"strings"

	"cortex/internal/store"
)

// handleListMemories serves both reads: ?q= runs a semantic search, no
// query lists newest first. ?category= narrows the plain listing.
func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	if query := strings.TrimSpace(r.URL.Query().Get("q")); query != "" {
		results, err := s.memory.Search(r.Context(), query, queryLimit(r, 10))
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Memory search failed", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	rows, err := s.memory.List(r.Context(), r.URL.Query().Get("category"), queryLimit(r, defaultListLimit))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list memories", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"memories": rows})
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		Category string `json:"category,omitempty"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "content is required", nil)
		return
	}
	mem, err := s.memory.Store(r.Context(), req.Content, req.Category)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to store memory", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mem)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/memories/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	if err := s.memory.Remove(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Memory not found", nil)
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to remove memory", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
