package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	cortexerrors "cortex/internal/errors"
	"cortex/internal/logging"
)

// retryClient wraps a provider client with exponential-backoff retries.
type retryClient struct {
	underlying  Client
	retryConfig cortexerrors.RetryConfig
	logger      logging.Logger
}

// NewRetryClient wraps client so transient failures are retried on Complete.
// Streaming requests are never retried; a mid-stream failure would duplicate
// already-delivered deltas.
func NewRetryClient(client Client, retryConfig cortexerrors.RetryConfig) Client {
	return &retryClient{
		underlying:  client,
		retryConfig: retryConfig,
		logger:      logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	resp, err := cortexerrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*Response, error) {
		response, err := c.underlying.Complete(ctx, req)
		if err != nil {
			return nil, classifyLLMError(err)
		}
		return response, nil
	}, c.logger)

	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Completion failed after retries (took %v): %v", duration.Round(time.Millisecond), err)
		return nil, err
	}
	if duration > 5*time.Second {
		c.logger.Debug("Completion succeeded after %v", duration.Round(time.Millisecond))
	}
	return resp, nil
}

func (c *retryClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	resp, err := c.underlying.StreamComplete(ctx, req, callbacks)
	if err != nil {
		return nil, classifyLLMError(err)
	}
	return resp, nil
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

func (c *retryClient) SetUsageCallback(callback UsageFunc) {
	if tracking, ok := c.underlying.(UsageTrackingClient); ok {
		tracking.SetUsageCallback(callback)
	}
}

// classifyLLMError maps provider error text onto transient or permanent
// wrappers so retry decisions do not depend on each provider's formatting.
func classifyLLMError(err error) error {
	if err == nil {
		return nil
	}
	if cortexerrors.IsTransient(err) || cortexerrors.IsPermanent(err) {
		return err
	}

	lowerErr := strings.ToLower(err.Error())

	transient := []struct{ needle, message string }{
		{"429", "API rate limit reached, backing off"},
		{"rate limit", "API rate limit reached, backing off"},
		{"500", "server error (500), retrying"},
		{"502", "bad gateway (502), retrying"},
		{"503", "service unavailable (503), retrying"},
		{"504", "gateway timeout (504), retrying"},
		{"connection refused", "provider unreachable, retrying"},
		{"timeout", "request timed out, retrying"},
		{"deadline exceeded", "request timed out, retrying"},
		{"connection reset", "connection reset, retrying"},
		{"broken pipe", "connection reset, retrying"},
	}
	for _, t := range transient {
		if strings.Contains(lowerErr, t.needle) {
			return cortexerrors.NewTransientError(err, fmt.Sprintf("%s: %v", t.message, err))
		}
	}

	permanent := []struct{ needle, message string }{
		{"401", "authentication failed, check the API key"},
		{"unauthorized", "authentication failed, check the API key"},
		{"403", "permission denied for this model or resource"},
		{"404", "model or endpoint not found"},
		{"400", "invalid request parameters"},
	}
	for _, p := range permanent {
		if strings.Contains(lowerErr, p.needle) {
			return cortexerrors.NewPermanentError(err, fmt.Sprintf("%s: %v", p.message, err))
		}
	}

	return err
}
