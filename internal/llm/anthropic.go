package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	defaultAnthropicVersion   = "2023-06-01"
	anthropicVersionHeaderKey = "anthropic-version"
	anthropicAPIKeyHeaderKey  = "x-api-key"
	anthropicMessagesPath     = "/messages"
)

// anthropicClient speaks the Anthropic messages API.
type anthropicClient struct {
	baseClient
}

// NewAnthropicClient constructs a client for the Anthropic messages API.
func NewAnthropicClient(model string, config Config) (Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("model is required")
	}
	return &anthropicClient{
		baseClient: newBaseClient(model, config, baseClientOpts{
			defaultBaseURL: defaultAnthropicBaseURL,
			logComponent:   "llm-anthropic",
		}),
	}, nil
}

func (c *anthropicClient) buildPayload(req Request, stream bool) map[string]any {
	messages, system := convertAnthropicMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":       c.model,
		"max_tokens":  maxTokens,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if system != "" {
		payload["system"] = system
	}
	if len(req.StopSequences) > 0 {
		payload["stop_sequences"] = append([]string(nil), req.StopSequences...)
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertAnthropicTools(req.Tools)
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

func (c *anthropicClient) send(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	endpoint := c.baseURL + anthropicMessagesPath
	httpReq, err := c.newRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	// Bare keys use x-api-key; anything else is treated as an OAuth bearer.
	if c.apiKey != "" && httpReq.Header.Get("Authorization") == "" && httpReq.Header.Get(anthropicAPIKeyHeaderKey) == "" {
		if strings.HasPrefix(strings.ToLower(c.apiKey), "sk-") {
			httpReq.Header.Set(anthropicAPIKeyHeaderKey, c.apiKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}
	if httpReq.Header.Get(anthropicVersionHeaderKey) == "" {
		httpReq.Header.Set(anthropicVersionHeaderKey, defaultAnthropicVersion)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	return resp, nil
}

func (c *anthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	requestID, prefix := c.buildLogPrefix(req.Metadata)

	body, err := json.Marshal(c.buildPayload(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logRequestMeta(prefix, c.baseURL+anthropicMessagesPath, len(body))

	resp, err := c.send(ctx, body, false)
	if err != nil {
		c.logger.Debug("%srequest failed: %v", prefix, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	c.logResponseStatus(prefix, resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("%serror body: %s", prefix, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil && apiResp.Error.Message != "" {
		errMsg := apiResp.Error.Message
		if apiResp.Error.Type != "" {
			errMsg = fmt.Sprintf("%s: %s", apiResp.Error.Type, apiResp.Error.Message)
		}
		return nil, mapHTTPError(resp.StatusCode, []byte(errMsg), resp.Header)
	}

	content, thinking, toolCalls := parseAnthropicContent(apiResp.Content)
	result := &Response{
		Content:    content,
		Thinking:   thinking,
		ToolCalls:  toolCalls,
		StopReason: apiResp.StopReason,
		Usage: TokenUsage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Metadata: map[string]any{"request_id": requestID},
	}

	c.fireUsageCallback(result.Usage, "anthropic")
	c.logResponseSummary(prefix, result)
	return result, nil
}

// StreamComplete consumes the messages SSE stream: content_block_delta events
// carry text, thinking, and tool-input fragments; message_delta carries the
// stop reason and final usage.
func (c *anthropicClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	requestID, prefix := c.buildLogPrefix(req.Metadata)

	body, err := json.Marshal(c.buildPayload(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logRequestMeta(prefix, c.baseURL+anthropicMessagesPath, len(body))

	resp, err := c.send(ctx, body, true)
	if err != nil {
		c.logger.Debug("%srequest failed: %v", prefix, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	c.logResponseStatus(prefix, resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	type streamEvent struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Message struct {
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
		Usage anthropicUsage  `json:"usage"`
		Error *anthropicError `json:"error"`
	}

	type toolAccumulator struct {
		id        string
		name      string
		arguments strings.Builder
	}

	accumulators := make(map[int]*toolAccumulator)
	var toolOrder []int

	var contentBuilder, thinkingBuilder strings.Builder
	usage := TokenUsage{}
	stopReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Debug("%sbad stream event: %v", prefix, err)
			continue
		}

		switch event.Type {
		case "message_start":
			usage.PromptTokens = event.Message.Usage.InputTokens
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				accumulators[event.Index] = &toolAccumulator{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				toolOrder = append(toolOrder, event.Index)
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				contentBuilder.WriteString(event.Delta.Text)
				if callbacks.OnContentDelta != nil {
					callbacks.OnContentDelta(ContentDelta{Delta: event.Delta.Text})
				}
			case "thinking_delta":
				thinkingBuilder.WriteString(event.Delta.Thinking)
				if callbacks.OnThinkingDelta != nil {
					callbacks.OnThinkingDelta(event.Delta.Thinking)
				}
			case "input_json_delta":
				if acc, ok := accumulators[event.Index]; ok {
					acc.arguments.WriteString(event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage.OutputTokens > 0 {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
		case "error":
			if event.Error != nil {
				return nil, mapHTTPError(resp.StatusCode, []byte(event.Error.Message), resp.Header)
			}
		case "message_stop":
			// Terminal event; the scanner drains the remaining blank lines.
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("%sstream read error: %v", prefix, err)
		return nil, fmt.Errorf("read response stream: %w", err)
	}

	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	result := &Response{
		Content:    contentBuilder.String(),
		Thinking:   thinkingBuilder.String(),
		StopReason: stopReason,
		Usage:      usage,
		Metadata:   map[string]any{"request_id": requestID},
	}

	for _, idx := range toolOrder {
		acc := accumulators[idx]
		args := decodeToolArguments(acc.arguments.String(), acc.name, c.logger)
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}

	c.fireUsageCallback(result.Usage, "anthropic")
	c.logResponseSummary(prefix, result)
	return result, nil
}

// convertAnthropicMessages splits out system text and folds tool results
// into user-side tool_result blocks, as the messages API requires.
func convertAnthropicMessages(msgs []Message) ([]anthropicMessage, string) {
	messages := make([]anthropicMessage, 0, len(msgs))
	var systemParts []string

	for _, msg := range msgs {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "":
			continue
		case RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		case RoleTool:
			if strings.TrimSpace(msg.ToolCallID) == "" {
				continue
			}
			block := anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}
			// Consecutive tool results collapse into one user turn.
			if n := len(messages); n > 0 && messages[n-1].Role == RoleUser &&
				len(messages[n-1].Content) > 0 && messages[n-1].Content[0].Type == "tool_result" {
				messages[n-1].Content = append(messages[n-1].Content, block)
				continue
			}
			messages = append(messages, anthropicMessage{
				Role:    RoleUser,
				Content: []anthropicContentBlock{block},
			})
			continue
		}

		var blocks []anthropicContentBlock
		if strings.TrimSpace(msg.Content) != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			input := call.Arguments
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Name,
				Input: input,
			})
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: blocks})
	}

	return messages, strings.Join(systemParts, "\n\n")
}

func convertAnthropicTools(tools []ToolDefinition) []map[string]any {
	result := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		if !isValidToolName(tool.Name) {
			continue
		}
		result = append(result, map[string]any{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.Parameters,
		})
	}
	return result
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseAnthropicContent(blocks []anthropicContentBlock) (content, thinking string, toolCalls []ToolCall) {
	var contentBuilder, thinkingBuilder strings.Builder
	for _, block := range blocks {
		switch strings.ToLower(strings.TrimSpace(block.Type)) {
		case "text":
			contentBuilder.WriteString(block.Text)
		case "thinking":
			thinkingBuilder.WriteString(block.Thinking)
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: input})
		}
	}
	return contentBuilder.String(), thinkingBuilder.String(), toolCalls
}

