package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"cortex/internal/httpclient"
	"cortex/internal/logging"
)

// Config holds the provider-independent client settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    int // seconds, 0 means the provider default
	Headers    map[string]string
	MaxRetries int
}

// baseClient holds fields and helpers shared by the HTTP-based provider clients.
type baseClient struct {
	model         string
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	logger        logging.Logger
	headers       map[string]string
	usageCallback UsageFunc
}

type baseClientOpts struct {
	defaultBaseURL string
	defaultTimeout time.Duration
	logComponent   string
}

func newBaseClient(model string, config Config, opts baseClientOpts) baseClient {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = opts.defaultBaseURL
	}
	timeout := opts.defaultTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}
	logger := logging.NewComponentLogger(opts.logComponent)
	return baseClient{
		model:      model,
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		httpClient: httpclient.New(timeout, logger),
		logger:     logger,
		headers:    config.Headers,
	}
}

// Model returns the model name used by this client.
func (c *baseClient) Model() string {
	return c.model
}

// SetUsageCallback implements UsageTrackingClient.
func (c *baseClient) SetUsageCallback(callback UsageFunc) {
	c.usageCallback = callback
}

// buildLogPrefix extracts the request ID from metadata, minting one when
// absent, and builds the log prefix shared by request and response lines.
func (c *baseClient) buildLogPrefix(metadata map[string]any) (requestID, prefix string) {
	requestID = extractRequestID(metadata)
	if requestID == "" {
		requestID = "req-" + uuid.NewString()[:8]
	}
	return requestID, fmt.Sprintf("[req:%s] ", requestID)
}

func (c *baseClient) newRequest(ctx context.Context, endpoint string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *baseClient) logRequestMeta(prefix, url string, bodyLen int) {
	c.logger.Debug("%sPOST %s model=%s body=%dB", prefix, url, c.model, bodyLen)
}

func (c *baseClient) logResponseStatus(prefix string, resp *http.Response) {
	c.logger.Debug("%sstatus=%d %s", prefix, resp.StatusCode, resp.Status)
}

func (c *baseClient) logResponseSummary(prefix string, result *Response) {
	c.logger.Debug("%sstop=%s content=%dchars tool_calls=%d usage=%d+%d=%d",
		prefix,
		result.StopReason,
		len(result.Content),
		len(result.ToolCalls),
		result.Usage.PromptTokens,
		result.Usage.CompletionTokens,
		result.Usage.TotalTokens)
}

func (c *baseClient) fireUsageCallback(usage TokenUsage, provider string) {
	if c.usageCallback != nil {
		c.usageCallback(usage, c.model, provider)
	}
}

func extractRequestID(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata["request_id"]; ok {
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v)
		case fmt.Stringer:
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

var validToolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func isValidToolName(name string) bool {
	return validToolNamePattern.MatchString(strings.TrimSpace(name))
}

func buildToolCallHistory(calls []ToolCall) []map[string]any {
	result := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		if !isValidToolName(call.Name) {
			continue
		}
		args := "{}"
		if len(call.Arguments) > 0 {
			if data, err := json.Marshal(call.Arguments); err == nil {
				args = string(data)
			}
		}
		result = append(result, map[string]any{
			"id":   call.ID,
			"type": "function",
			"function": map[string]any{
				"name":      call.Name,
				"arguments": args,
			},
		})
	}
	return result
}
