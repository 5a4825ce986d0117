package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cortex/internal/agent"
)

const heartbeatInterval = 30 * time.Second

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Channel        string `json:"channel,omitempty"`
}

type chatResponse struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversationId"`
	JobIDs         []string `json:"jobIds,omitempty"`
	ToolCallCount  int      `json:"toolCallCount"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = "api"
	}
	s.obs.Metrics().RecordChatStarted(r.Context(), channel)

	reply, err := s.brain.Respond(r.Context(), agent.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Channel:        channel,
	})
	if err != nil {
		s.writeJSONError(w, http.StatusBadGateway, "chat failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		Response:       reply.Text,
		ConversationID: reply.ConversationID,
		JobIDs:         reply.JobIDs,
		ToolCallCount:  reply.ToolCallCount,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	s.obs.Metrics().RecordChatStarted(ctx, "sse")
	s.obs.Metrics().IncrementActiveChats(ctx)
	defer s.obs.Metrics().DecrementActiveChats(ctx)

	events := s.brain.Stream(ctx, agent.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Channel:        "sse",
	})

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to serialize stream event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				s.logger.Warn("SSE write failed, client likely gone: %v", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth already ran; the bearer token is the access control.
		return true
	},
}

// handleChatWS streams responses over a WebSocket. Each received message
// starts one agent turn; the events of that turn are written back in order,
// ending with a done or error event carrying the conversation id.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	s.obs.Metrics().IncrementActiveChats(ctx)
	defer s.obs.Metrics().DecrementActiveChats(ctx)

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("WebSocket read failed: %v", err)
			}
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			if err := conn.WriteJSON(agent.Event{Type: agent.EventError, Message: "message is required"}); err != nil {
				return
			}
			continue
		}

		s.obs.Metrics().RecordChatStarted(ctx, "ws")
		for ev := range s.brain.Stream(ctx, agent.Request{
			ConversationID: req.ConversationID,
			Message:        req.Message,
			Channel:        "ws",
		}) {
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("WebSocket write failed: %v", err)
				return
			}
		}
	}
}
