package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cortexerrors "cortex/internal/errors"
)

func TestOpenAIClientCompleteSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.URL.Path; got != "/chat/completions" {
			t.Errorf("unexpected path: %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected Authorization header, got %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["model"] != "test-model" {
			t.Errorf("unexpected model: %v", payload["model"])
		}
		if payload["stream"] != false {
			t.Errorf("expected stream=false, got %v", payload["stream"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{
				"message": {
					"content": "hello",
					"tool_calls": [{
						"id": "call-1",
						"type": "function",
						"function": {"name": "read_file", "arguments": "{\"path\":\"a.txt\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("test-model", Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "hello" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.StopReason != "tool_calls" {
		t.Fatalf("unexpected stop reason: %q", resp.StopReason)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "read_file" {
		t.Fatalf("unexpected tool name: %q", resp.ToolCalls[0].Name)
	}
	if resp.ToolCalls[0].Arguments["path"] != "a.txt" {
		t.Fatalf("unexpected arguments: %v", resp.ToolCalls[0].Arguments)
	}
}

func TestOpenAIClientCompleteRateLimited(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("test-model", Config{APIKey: "k", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !cortexerrors.IsTransient(err) {
		t.Fatalf("429 should classify transient, got %v", err)
	}
	var terr *cortexerrors.TransientError
	if !errors.As(err, &terr) || terr.RetryAfter != 7 {
		t.Fatalf("expected RetryAfter=7, got %+v", terr)
	}
}

func TestOpenAIClientCompleteBadRequestPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad tool schema"}}`)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("test-model", Config{BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !cortexerrors.IsPermanent(err) {
		t.Fatalf("400 should classify permanent, got %v", err)
	}
}

func TestOpenAIClientStreamComplete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["stream"] != true {
			t.Errorf("expected stream=true, got %v", payload["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-9","function":{"name":"send_message","arguments":"{\"to\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"amy\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := NewOpenAIClient("test-model", Config{APIKey: "k", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	var deltas []string
	sawFinal := false
	resp, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{
		OnContentDelta: func(d ContentDelta) {
			if d.Final {
				sawFinal = true
				return
			}
			deltas = append(deltas, d.Delta)
		},
	})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	if got := strings.Join(deltas, ""); got != "Hello" {
		t.Fatalf("unexpected deltas: %q", got)
	}
	if !sawFinal {
		t.Fatal("missing final delta marker")
	}
	if resp.Content != "Hello" {
		t.Fatalf("unexpected aggregated content: %q", resp.Content)
	}
	if resp.StopReason != "tool_calls" {
		t.Fatalf("unexpected stop reason: %q", resp.StopReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call-9" || resp.ToolCalls[0].Arguments["to"] != "amy" {
		t.Fatalf("tool call not accumulated: %+v", resp.ToolCalls[0])
	}
}

func TestOpenAIClientUsageCallback(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("test-model", Config{BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	var gotUsage TokenUsage
	var gotModel string
	client.(UsageTrackingClient).SetUsageCallback(func(usage TokenUsage, model, provider string) {
		gotUsage = usage
		gotModel = model
	})

	if _, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotUsage.TotalTokens != 3 || gotModel != "test-model" {
		t.Fatalf("usage callback not fired: %+v %q", gotUsage, gotModel)
	}
}
