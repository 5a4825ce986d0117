package server

import (
	"net/http"
	"strings"

	"cortex/internal/plugins"
)

// handlePluginHook forwards a webhook to the named plugin. The plugin
// decides what the event means; the server only checks it exists first so
// unknown names get a 404 instead of a trigger error.
func (s *Server) handlePluginHook(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/hooks/")
	if name == "" || strings.Contains(name, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	if s.plugins == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Plugins unavailable", nil)
		return
	}
	if _, ok := s.plugins.Get(name); !ok {
		s.writeJSONError(w, http.StatusNotFound, "Plugin not found", nil)
		return
	}

	var event plugins.TriggerEvent
	if !s.readJSON(w, r, &event) {
		return
	}
	if event.Event == "" {
		s.writeJSONError(w, http.StatusBadRequest, "event is required", nil)
		return
	}
	if err := s.plugins.Trigger(r.Context(), name, event); err != nil {
		s.writeJSONError(w, http.StatusBadGateway, "Plugin trigger failed", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
