package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"cortex/internal/bus"
	"cortex/internal/store"
)

// handleListSecrets returns keys with masked values. Secret.MarshalJSON
// does the masking, so raw values cannot leak through this route.
func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSecrets(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list secrets", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"secrets": rows})
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" || req.Value == "" {
		s.writeJSONError(w, http.StatusBadRequest, "key and value are required", nil)
		return
	}
	if err := s.store.PutSecret(r.Context(), req.Key, req.Value); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to store secret", err)
		return
	}
	s.logger.Info("Secret %s stored", req.Key)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "key": req.Key})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/secrets/")
	if key == "" || strings.Contains(key, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	if err := s.store.DeleteSecret(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Secret not found", nil)
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to delete secret", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleRestartSecrets broadcasts a rotation so workers pick up replaced
// values. Workers finish their current job, exit, and restart with a fresh
// environment; the supervisor brings them back.
func (s *Server) handleRestartSecrets(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Bus unavailable", nil)
		return
	}
	var req struct {
		Keys []string `json:"keys,omitempty"`
	}
	// An empty body means rotate everything.
	if r.ContentLength != 0 && !s.readJSON(w, r, &req) {
		return
	}

	payload, err := json.Marshal(bus.SecretsRotate{Keys: req.Keys, Timestamp: time.Now().UTC()})
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to encode rotation", err)
		return
	}
	if err := s.bus.Publish(r.Context(), bus.SubjectSecretsRotate, payload); err != nil {
		s.writeJSONError(w, http.StatusBadGateway, "Failed to publish rotation", err)
		return
	}
	s.logger.Info("Secret rotation broadcast (%d keys)", len(req.Keys))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}
