package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cortex/internal/logging"
	"cortex/internal/tools/mcp/protocol"
)

func TestHTTPSessionLifecycle(t *testing.T) {
	var mu sync.Mutex
	var sessions []string
	var deletes []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodDelete {
			deletes = append(deletes, r.Header.Get(SessionHeader))
			return
		}
		sessions = append(sessions, r.Header.Get(SessionHeader))
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Method == protocol.MethodInitialize {
			w.Header().Set(SessionHeader, "sess-123")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, logging.Nop())
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := tr.Send(ctx, protocol.MethodInitialize, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tr.Send(ctx, protocol.MethodToolsList, nil); err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 || sessions[0] != "" || sessions[1] != "sess-123" {
		t.Fatalf("session headers = %q, want [\"\" \"sess-123\"]", sessions)
	}
	if len(deletes) != 1 || deletes[0] != "sess-123" {
		t.Fatalf("deletes = %q, want [\"sess-123\"]", deletes)
	}
}

func TestHTTPReadsSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\n", req.ID)
		fmt.Fprintf(w, "data: \"result\":{\"answer\":42}}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, logging.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	resp, err := tr.Send(context.Background(), protocol.MethodToolsCall, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp.Result) != `{"answer":42}` {
		t.Fatalf("result = %s", resp.Result)
	}
}

func TestHTTPSessionExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SessionHeader) != "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set(SessionHeader, "sess-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, logging.Nop())
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := tr.Send(ctx, protocol.MethodInitialize, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := tr.Send(ctx, protocol.MethodToolsList, nil)
	if err == nil || !strings.Contains(err.Error(), "session expired") {
		t.Fatalf("expected session expiry error, got %v", err)
	}

	// The stale session is dropped, so the next request starts fresh.
	if _, err := tr.Send(ctx, protocol.MethodPing, nil); err != nil {
		t.Fatalf("ping after expiry: %v", err)
	}
}

func TestHTTPNotifyAccepted(t *testing.T) {
	var mu sync.Mutex
	var methods []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var note protocol.Notification
		if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
			t.Errorf("decode notification: %v", err)
			return
		}
		mu.Lock()
		methods = append(methods, note.Method)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, logging.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Notify(context.Background(), protocol.MethodInitialized, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 1 || methods[0] != protocol.MethodInitialized {
		t.Fatalf("methods = %q", methods)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, logging.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := tr.Send(context.Background(), protocol.MethodPing, nil)
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") || !strings.Contains(err.Error(), "backend down") {
		t.Fatalf("expected HTTP 500 error with body, got %v", err)
	}
}

func TestHTTPRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, logging.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := tr.Send(context.Background(), "bogus/method", nil)
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("expected RPC error, got %v", err)
	}
}

func TestHTTPConnectRejectsBadURL(t *testing.T) {
	tr := NewHTTP(HTTPConfig{URL: "not-a-url"}, logging.Nop())
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected error for invalid endpoint")
	}
}
