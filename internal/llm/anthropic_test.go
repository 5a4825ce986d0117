package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicClientCompleteToolUse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/messages" {
			t.Errorf("unexpected path: %s", got)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("expected x-api-key header, got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}

		var payload struct {
			System   string `json:"system"`
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type      string `json:"type"`
					Text      string `json:"text"`
					ToolUseID string `json:"tool_use_id"`
				} `json:"content"`
			} `json:"messages"`
			Tools []struct {
				Name        string         `json:"name"`
				InputSchema map[string]any `json:"input_schema"`
			} `json:"tools"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload.System != "be helpful" {
			t.Errorf("system not extracted: %q", payload.System)
		}
		if len(payload.Messages) != 2 {
			t.Errorf("expected 2 messages, got %d", len(payload.Messages))
		} else {
			if payload.Messages[1].Role != "user" || payload.Messages[1].Content[0].Type != "tool_result" {
				t.Errorf("tool message not converted to tool_result: %+v", payload.Messages[1])
			}
			if payload.Messages[1].Content[0].ToolUseID != "call-3" {
				t.Errorf("tool_use_id lost: %+v", payload.Messages[1].Content[0])
			}
		}
		if len(payload.Tools) != 1 || payload.Tools[0].Name != "get_weather" {
			t.Errorf("tools not converted: %+v", payload.Tools)
		}

		fmt.Fprint(w, `{
			"id": "msg-1",
			"content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu-1", "name": "get_weather", "input": {"city": "Oslo"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 8}
		}`)
	}))
	defer server.Close()

	client, err := NewAnthropicClient("claude-test", Config{APIKey: "sk-ant-test", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "be helpful"},
			{Role: RoleUser, Content: "weather?"},
			{Role: RoleTool, ToolCallID: "call-3", Content: "sunny"},
		},
		Tools: []ToolDefinition{{
			Name:        "get_weather",
			Description: "look up weather",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "checking" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.StopReason != "tool_use" {
		t.Fatalf("unexpected stop reason: %q", resp.StopReason)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["city"] != "Oslo" {
		t.Fatalf("tool call not parsed: %+v", resp.ToolCalls)
	}
}

func TestAnthropicClientStreamComplete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":9}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hi "}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"there"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu-7","name":"list_files"}}`,
			`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"dir\":"}}`,
			`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"/tmp\"}"}}`,
			`{"type":"content_block_stop","index":2}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":6}}`,
			`{"type":"message_stop"}`,
		}
		for _, event := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", event)
		}
	}))
	defer server.Close()

	client, err := NewAnthropicClient("claude-test", Config{APIKey: "sk-ant-test", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	var content, thinking strings.Builder
	resp, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, StreamCallbacks{
		OnContentDelta:  func(d ContentDelta) { content.WriteString(d.Delta) },
		OnThinkingDelta: func(s string) { thinking.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	if content.String() != "Hi there" {
		t.Fatalf("unexpected content deltas: %q", content.String())
	}
	if thinking.String() != "hmm" {
		t.Fatalf("unexpected thinking deltas: %q", thinking.String())
	}
	if resp.StopReason != "tool_use" {
		t.Fatalf("unexpected stop reason: %q", resp.StopReason)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 6 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "list_files" || resp.ToolCalls[0].Arguments["dir"] != "/tmp" {
		t.Fatalf("tool input not accumulated: %+v", resp.ToolCalls[0])
	}
}

func TestAnthropicOAuthTokenUsesBearer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer oauth-token-xyz" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "" {
			t.Errorf("unexpected x-api-key: %q", got)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer server.Close()

	client, err := NewAnthropicClient("claude-test", Config{APIKey: "oauth-token-xyz", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}
	if _, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}
