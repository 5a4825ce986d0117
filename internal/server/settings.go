package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cortex/internal/store"
)

// settingHandler serves one opaque JSON settings blob, such as the model
// routing table or the voice parameters. The value is stored and returned
// verbatim; a key never written reads back as an empty object.
func (s *Server) settingHandler(key string) http.Handler {
	return methods(map[string]http.HandlerFunc{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
			value, err := s.store.GetSetting(r.Context(), key)
			if errors.Is(err, store.ErrNotFound) {
				value = "{}"
			} else if err != nil {
				s.writeJSONError(w, http.StatusInternalServerError, "Failed to load setting", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if _, err := io.WriteString(w, value); err != nil {
				s.logger.Error("Failed to write setting response: %v", err)
			}
		},
		http.MethodPut: func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				s.writeJSONError(w, http.StatusBadRequest, "Failed to read body", err)
				return
			}
			if !json.Valid(body) {
				s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body", nil)
				return
			}
			if err := s.store.PutSetting(r.Context(), key, string(body)); err != nil {
				s.writeJSONError(w, http.StatusInternalServerError, "Failed to store setting", err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
		},
	})
}
