package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// Common span names.
const (
	SpanChatTurn       = "cortex.agent.turn"
	SpanAgentIteration = "cortex.agent.iteration"
	SpanToolExecute    = "cortex.tool.execute"
	SpanLLMComplete    = "cortex.llm.complete"
	SpanJobDispatch    = "cortex.job.dispatch"
	SpanJobExecute     = "cortex.job.execute"
	SpanScheduleFire   = "cortex.schedule.fire"
	SpanTaskPodRun     = "cortex.taskpod.run"
	SpanHTTPRequest    = "cortex.http.request"
)

// Common attribute keys.
const (
	AttrConversationID = "cortex.conversation_id"
	AttrJobID          = "cortex.job_id"
	AttrJobType        = "cortex.job_type"
	AttrToolName       = "cortex.tool_name"
	AttrScheduleID     = "cortex.schedule_id"
	AttrTaskID         = "cortex.task_id"
	AttrModel          = "cortex.llm.model"
	AttrIteration      = "cortex.iteration"
	AttrStatus         = "cortex.status"
	AttrError          = "cortex.error"
)

// propagator is the W3C traceparent/tracestate codec used for bus envelopes.
// It is deliberately not the global propagator so inject and extract behave
// the same whether or not New has run.
var propagator = propagation.TraceContext{}

// InjectTraceContext captures the current span context as a carrier map
// suitable for a bus envelope. The map is empty when no span is recording.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	return carrier
}

// ExtractTraceContext resumes the trace carried by a bus envelope, so spans
// opened on the returned context join the originating trace.
func ExtractTraceContext(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// ConversationAttrs creates conversation attributes.
func ConversationAttrs(conversationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConversationID, conversationID),
	}
}

// ToolAttrs creates tool attributes.
func ToolAttrs(toolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, toolName),
	}
}

// JobAttrs creates job attributes.
func JobAttrs(jobID, jobType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrJobID, jobID),
		attribute.String(AttrJobType, jobType),
	}
}

// ScheduleAttrs creates schedule attributes.
func ScheduleAttrs(scheduleID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrScheduleID, scheduleID),
	}
}

// TaskAttrs creates task pod attributes.
func TaskAttrs(taskID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
	}
}

// StatusAttrs creates status attributes.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs creates error attributes.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
