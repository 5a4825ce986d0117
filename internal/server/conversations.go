package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"cortex/internal/store"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListConversations(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list conversations", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": rows})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id,omitempty"`
		Title string `json:"title,omitempty"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	conv, err := s.store.CreateConversation(r.Context(), req.ID, req.Title)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to create conversation", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conv)
}

// handleConversationByID dispatches /conversations/:id and its
// /conversations/:id/messages subroute.
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/conversations/")

	if id, ok := strings.CutSuffix(path, "/messages"); ok {
		annotateRoute(r, "/conversations/:id/messages")
		if r.Method != http.MethodGet {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		s.listMessages(w, r, id)
		return
	}
	if path == "" || strings.Contains(path, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found", nil)
		return
	}

	annotateRoute(r, "/conversations/:id")
	switch r.Method {
	case http.MethodGet:
		conv, err := s.store.GetConversation(r.Context(), path)
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Conversation not found", nil)
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to load conversation", err)
			return
		}
		s.writeJSON(w, http.StatusOK, conv)
	case http.MethodPut:
		var req struct {
			Title string `json:"title"`
		}
		if !s.readJSON(w, r, &req) {
			return
		}
		if err := s.store.UpdateConversationTitle(r.Context(), path, req.Title); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeJSONError(w, http.StatusNotFound, "Conversation not found", nil)
				return
			}
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to update conversation", err)
			return
		}
		conv, err := s.store.GetConversation(r.Context(), path)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to load conversation", err)
			return
		}
		s.writeJSON(w, http.StatusOK, conv)
	case http.MethodDelete:
		if err := s.store.DeleteConversation(r.Context(), path); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeJSONError(w, http.StatusNotFound, "Conversation not found", nil)
				return
			}
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to delete conversation", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Conversation not found", nil)
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to load conversation", err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), conversationID, queryLimit(r, 0))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list messages", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
