package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters and histograms the Brain and workers record.
// Every recorder tolerates a nil receiver so call sites never need to guard.
type Metrics struct {
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	chatsStarted metric.Int64Counter
	chatsActive  metric.Int64UpDownCounter

	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram

	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	jobsDispatched metric.Int64Counter
	jobsFinished   metric.Int64Counter

	scheduleFires metric.Int64Counter
	memoryWrites  metric.Int64Counter

	taskPodsFinished metric.Int64Counter

	promptCacheMisses metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	httpRequests, err := meter.Int64Counter(
		"cortex.http.requests.total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: http_requests counter: %w", err)
	}

	httpLatency, err := meter.Float64Histogram(
		"cortex.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: http_latency histogram: %w", err)
	}

	chatsStarted, err := meter.Int64Counter(
		"cortex.chats.started.total",
		metric.WithDescription("Total number of chat turns started"),
		metric.WithUnit("{chat}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: chats_started counter: %w", err)
	}

	chatsActive, err := meter.Int64UpDownCounter(
		"cortex.chats.active",
		metric.WithDescription("Number of chat streams currently open"),
		metric.WithUnit("{chat}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: chats_active gauge: %w", err)
	}

	llmRequests, err := meter.Int64Counter(
		"cortex.llm.requests.total",
		metric.WithDescription("Total number of model requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: llm_requests counter: %w", err)
	}

	llmTokensInput, err := meter.Int64Counter(
		"cortex.llm.tokens.input",
		metric.WithDescription("Total input tokens sent to the model"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: llm_tokens_input counter: %w", err)
	}

	llmTokensOutput, err := meter.Int64Counter(
		"cortex.llm.tokens.output",
		metric.WithDescription("Total output tokens from the model"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: llm_tokens_output counter: %w", err)
	}

	llmLatency, err := meter.Float64Histogram(
		"cortex.llm.latency",
		metric.WithDescription("Model request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: llm_latency histogram: %w", err)
	}

	toolExecutions, err := meter.Int64Counter(
		"cortex.tool.executions.total",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: tool_executions counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"cortex.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: tool_duration histogram: %w", err)
	}

	jobsDispatched, err := meter.Int64Counter(
		"cortex.jobs.dispatched.total",
		metric.WithDescription("Total number of jobs published to the bus"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: jobs_dispatched counter: %w", err)
	}

	jobsFinished, err := meter.Int64Counter(
		"cortex.jobs.finished.total",
		metric.WithDescription("Total number of jobs reaching a terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: jobs_finished counter: %w", err)
	}

	scheduleFires, err := meter.Int64Counter(
		"cortex.schedule.fires.total",
		metric.WithDescription("Total number of schedule triggers"),
		metric.WithUnit("{fire}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: schedule_fires counter: %w", err)
	}

	memoryWrites, err := meter.Int64Counter(
		"cortex.memory.writes.total",
		metric.WithDescription("Total number of memory entries stored"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: memory_writes counter: %w", err)
	}

	taskPodsFinished, err := meter.Int64Counter(
		"cortex.taskpods.finished.total",
		metric.WithDescription("Total number of ephemeral task pods reaching a terminal status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: taskpods_finished counter: %w", err)
	}

	promptCacheMisses, err := meter.Int64Counter(
		"cortex.prompt.cache_misses.total",
		metric.WithDescription("Times a cached prompt layer had to be rebuilt"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: prompt_cache_misses counter: %w", err)
	}

	return &Metrics{
		httpRequests:      httpRequests,
		httpLatency:       httpLatency,
		chatsStarted:      chatsStarted,
		chatsActive:       chatsActive,
		llmRequests:       llmRequests,
		llmTokensInput:    llmTokensInput,
		llmTokensOutput:   llmTokensOutput,
		llmLatency:        llmLatency,
		toolExecutions:    toolExecutions,
		toolDuration:      toolDuration,
		jobsDispatched:    jobsDispatched,
		jobsFinished:      jobsFinished,
		scheduleFires:     scheduleFires,
		memoryWrites:      memoryWrites,
		taskPodsFinished:  taskPodsFinished,
		promptCacheMisses: promptCacheMisses,
	}, nil
}

// RecordHTTPRequest records one served request against its resolved route.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, latency time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// RecordChatStarted records a chat turn beginning on the given transport
// (sync, sse, ws, job).
func (m *Metrics) RecordChatStarted(ctx context.Context, transport string) {
	if m == nil || m.chatsStarted == nil {
		return
	}
	m.chatsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// IncrementActiveChats records a chat stream opening.
func (m *Metrics) IncrementActiveChats(ctx context.Context) {
	if m == nil || m.chatsActive == nil {
		return
	}
	m.chatsActive.Add(ctx, 1)
}

// DecrementActiveChats records a chat stream closing.
func (m *Metrics) DecrementActiveChats(ctx context.Context) {
	if m == nil || m.chatsActive == nil {
		return
	}
	m.chatsActive.Add(ctx, -1)
}

// RecordLLMRequest records one model round trip.
func (m *Metrics) RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}
	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordToolExecution records a tool execution and its duration.
func (m *Metrics) RecordToolExecution(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RecordJobDispatched records a job published to the bus.
func (m *Metrics) RecordJobDispatched(ctx context.Context, jobType string) {
	if m == nil || m.jobsDispatched == nil {
		return
	}
	m.jobsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("type", jobType)))
}

// RecordJobFinished records a job reaching a terminal status
// (completed, failed, timeout).
func (m *Metrics) RecordJobFinished(ctx context.Context, status string) {
	if m == nil || m.jobsFinished == nil {
		return
	}
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTaskPodFinished records an ephemeral task pod reaching a terminal
// status.
func (m *Metrics) RecordTaskPodFinished(ctx context.Context, status string) {
	if m == nil || m.taskPodsFinished == nil {
		return
	}
	m.taskPodsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordScheduleFire records a schedule trigger.
func (m *Metrics) RecordScheduleFire(ctx context.Context, scheduleType string) {
	if m == nil || m.scheduleFires == nil {
		return
	}
	m.scheduleFires.Add(ctx, 1, metric.WithAttributes(attribute.String("type", scheduleType)))
}

// RecordMemoryWrite records a memory entry stored.
func (m *Metrics) RecordMemoryWrite(ctx context.Context, category string) {
	if m == nil || m.memoryWrites == nil {
		return
	}
	m.memoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordPromptCacheMiss records a prompt layer rebuild by kind
// (static, tools, changelog).
func (m *Metrics) RecordPromptCacheMiss(ctx context.Context, kind string) {
	if m == nil || m.promptCacheMisses == nil {
		return
	}
	m.promptCacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
