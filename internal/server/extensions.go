package server

import "net/http"

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	if s.extensions == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Extension registry unavailable", nil)
		return
	}
	if query := r.URL.Query().Get("q"); query != "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"extensions": s.extensions.Search(query)})
		return
	}
	if r.URL.Query().Get("online") == "true" {
		s.writeJSON(w, http.StatusOK, map[string]any{"extensions": s.extensions.Online()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"extensions": s.extensions.List()})
}
