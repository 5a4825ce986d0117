package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRouteSubjects(t *testing.T) {
	cases := []struct {
		subject string
		stream  string
		event   string
	}{
		{SubjectJobsDispatch, "jobs", "dispatch"},
		{JobStatusSubject("j-123"), "jobs.status", "j-123"},
		{"jobs.status.*", "jobs.status", "*"},
		{SubjectTransferReady, "transfer", "ready"},
		{SubjectTransferAbort, "transfer", "abort"},
		{"transfer.*", "transfer", "*"},
		{SubjectExtensionAnnounce, "extensions", "announce"},
		{HeartbeatSubject("cam-1"), "extensions", "heartbeat.cam-1"},
		{"extensions.*", "extensions", "*"},
		{TaskResultSubject("t-9"), "tasks.result", "t-9"},
		{"tasks.result.*", "tasks.result", "*"},
	}
	for _, tc := range cases {
		stream, event := route(tc.subject)
		if stream != tc.stream || event != tc.event {
			t.Errorf("route(%q) = (%q, %q), want (%q, %q)",
				tc.subject, stream, event, tc.stream, tc.event)
		}
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	subjects := []string{
		SubjectJobsDispatch,
		JobStatusSubject("j-1"),
		SubjectTransferClear,
		SubjectExtensionAnnounce,
		HeartbeatSubject("ext-7"),
		TaskResultSubject("t-2"),
	}
	for _, subject := range subjects {
		stream, event := route(subject)
		if got := subjectFor(stream, event); got != subject {
			t.Errorf("subjectFor(route(%q)) = %q", subject, got)
		}
	}
}

func TestJobDispatchWireFields(t *testing.T) {
	env := JobDispatch{
		JobID:        "j-1",
		Type:         "command",
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Command:      "uptime",
		Source:       "schedule",
		TraceContext: map[string]string{"traceparent": "00-abc-def-01"},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"jobId", "type", "createdAt", "command", "source", "traceContext"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing wire field %q in %s", field, data)
		}
	}
	if _, ok := raw["url"]; ok {
		t.Error("empty optional field url should be omitted")
	}
}

func TestJobStatusWireFields(t *testing.T) {
	data, err := json.Marshal(JobStatus{
		JobID:      "j-1",
		WorkerID:   "w-1",
		Status:     StatusCompleted,
		Result:     "ok",
		DurationMs: 42,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"jobId", "workerId", "status", "result", "durationMs"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing wire field %q in %s", field, data)
		}
	}
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusTimeout} {
		if !IsTerminalStatus(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []string{StatusDispatched, StatusReceived, StatusRunning, ""} {
		if IsTerminalStatus(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
