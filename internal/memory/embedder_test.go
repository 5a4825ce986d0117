package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	cortexerrors "cortex/internal/errors"
	"cortex/internal/logging"
)

func fastEmbedderRetry() *cortexerrors.RetryConfig {
	return &cortexerrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

type embedItem struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

func TestEmbedderBatchKeepsInputOrder(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth = %q", got)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "text-embedding-3-small" {
			t.Errorf("model = %q", req.Model)
		}
		// Reply out of order; the client must sort by index.
		items := make([]embedItem, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			items = append(items, embedItem{Embedding: []float32{float32(i + 1), 0.5}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
	defer srv.Close()

	e, err := NewEmbedder(EmbedderConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Retry:   fastEmbedderRetry(),
	}, logging.Nop())
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Fatalf("index order lost: %v", vecs)
	}
	if e.Dimensions() != 2 {
		t.Fatalf("dimensions = %d", e.Dimensions())
	}

	// Cached texts do not hit the API again.
	if _, err := e.Embed(context.Background(), "alpha"); err != nil {
		t.Fatalf("embed cached: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("api calls = %d, want 1", got)
	}
}

func TestEmbedderRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []embedItem{{Embedding: []float32{0.1, 0.2, 0.3}, Index: 0}},
		})
	}))
	defer srv.Close()

	e, err := NewEmbedder(EmbedderConfig{BaseURL: srv.URL, Retry: fastEmbedderRetry()}, logging.Nop())
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	vec, err := e.Embed(context.Background(), "resilient text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("vector = %v", vec)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("api calls = %d, want 2", got)
	}
}

func TestEmbedderStopsOnAuthError(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	e, err := NewEmbedder(EmbedderConfig{BaseURL: srv.URL, Retry: fastEmbedderRetry()}, logging.Nop())
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	if _, err := e.Embed(context.Background(), "whatever"); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("auth errors must not be retried, got %d calls", got)
	}
}

func TestEmbedBatchRejectsOversizedInput(t *testing.T) {
	t.Parallel()
	e, err := NewEmbedder(EmbedderConfig{BaseURL: "http://127.0.0.1:0"}, logging.Nop())
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	texts := make([]string, embedBatchLimit+1)
	for i := range texts {
		texts[i] = "t"
	}
	_, err = e.EmbedBatch(context.Background(), texts)
	if err == nil || !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.EmbedBatch(context.Background(), nil); err == nil {
		t.Fatal("empty batch should error")
	}
}
