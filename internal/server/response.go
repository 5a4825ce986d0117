package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"cortex/internal/security/redaction"
)

type apiErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		s.logger.Error("HTTP %d - %s: %v", status, message, err)
	} else {
		s.logger.Warn("HTTP %d - %s", status, message)
	}

	resp := apiErrorResponse{Error: message}
	if err != nil {
		// Upstream errors can echo request payloads, so scrub them
		// before they leave the process.
		resp.Details = redaction.SanitizeText(err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		s.logger.Error("Failed to encode error response: %v", encodeErr)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response: %v", err)
	}
}

// readJSON decodes the request body into dst and writes the error response
// itself when the payload is unusable. Callers bail out on false.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return false
		}
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return false
	}
	return true
}
