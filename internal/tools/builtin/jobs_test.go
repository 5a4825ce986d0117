package builtin

import (
	"errors"
	"strings"
	"testing"
	"time"

	"cortex/internal/bus"
	"cortex/internal/dispatch"
	"cortex/internal/store"
)

func TestDispatchJobReturnsImmediately(t *testing.T) {
	fd := &fakeDispatcher{}
	tool := NewDispatchJob(fd, &fakeWaiter{})

	res := execute(t, tool, map[string]any{
		"type":    "command",
		"command": "uptime",
	})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.JobID != "job-1" {
		t.Fatalf("JobID = %q, want job-1", res.JobID)
	}
	if !strings.Contains(res.Content, "Dispatched command job job-1") {
		t.Fatalf("content = %q", res.Content)
	}
	req := fd.last(t)
	if req.Type != store.JobTypeCommand || req.Command != "uptime" {
		t.Fatalf("request = %+v", req)
	}
	if req.Source != dispatch.SourceAgent {
		t.Fatalf("source = %q, want %q", req.Source, dispatch.SourceAgent)
	}
}

func TestDispatchJobWaitsWhenAsked(t *testing.T) {
	fd := &fakeDispatcher{}
	fw := &fakeWaiter{row: &store.JobRow{Type: store.JobTypeCommand, Status: bus.StatusCompleted, Result: "ok", DurationMs: 40}}
	tool := NewDispatchJob(fd, fw)

	res := execute(t, tool, map[string]any{
		"type":    "command",
		"command": "uptime",
		"wait":    true,
	})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "Job job-1 (command) is completed") {
		t.Fatalf("content = %q", res.Content)
	}
	if !strings.Contains(res.Content, "Result: ok") {
		t.Fatalf("content = %q", res.Content)
	}
	if fw.gotTimeout != 0 {
		t.Fatalf("timeout = %v, want 0 so the tracker applies its default", fw.gotTimeout)
	}
}

func TestDispatchJobValidation(t *testing.T) {
	tool := NewDispatchJob(&fakeDispatcher{}, &fakeWaiter{})

	res := execute(t, tool, map[string]any{"type": "teleport"})
	if !res.IsError || !strings.HasPrefix(res.Content, "Error: ") {
		t.Fatalf("result = %+v", res)
	}

	res = execute(t, tool, map[string]any{"type": "command"})
	if !res.IsError || !strings.Contains(res.Content, "command") {
		t.Fatalf("result = %+v", res)
	}

	res = execute(t, tool, map[string]any{"type": "http", "url": "https://example.com", "headers": map[string]any{"X-Key": "v"}})
	if res.IsError {
		t.Fatalf("http dispatch failed: %s", res.Content)
	}
}

func TestDispatchJobSurfacesDispatcherError(t *testing.T) {
	fd := &fakeDispatcher{err: errors.New("queue unavailable")}
	tool := NewDispatchJob(fd, &fakeWaiter{})

	res := execute(t, tool, map[string]any{"type": "command", "command": "uptime"})
	if !res.IsError || !strings.Contains(res.Content, "queue unavailable") {
		t.Fatalf("result = %+v", res)
	}
}

func TestGetJobStatus(t *testing.T) {
	fs := &fakeJobStore{rows: []store.JobRow{
		{JobID: "job-9", Type: store.JobTypeHTTP, Status: bus.StatusRunning, Source: "api"},
	}}
	tool := NewGetJobStatus(fs, &fakeWaiter{})

	res := execute(t, tool, map[string]any{"job_id": "job-9"})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "Job job-9 (http) is running") {
		t.Fatalf("content = %q", res.Content)
	}

	res = execute(t, tool, map[string]any{})
	if !res.IsError || !strings.Contains(res.Content, "job_id") {
		t.Fatalf("result = %+v", res)
	}

	res = execute(t, tool, map[string]any{"job_id": "job-404"})
	if !res.IsError || !strings.Contains(res.Content, "job-404") {
		t.Fatalf("result = %+v", res)
	}
}

func TestGetJobStatusWaitsWithTimeout(t *testing.T) {
	fw := &fakeWaiter{row: &store.JobRow{Type: store.JobTypeAgent, Status: bus.StatusCompleted, Result: "report ready"}}
	tool := NewGetJobStatus(&fakeJobStore{}, fw)

	res := execute(t, tool, map[string]any{"job_id": "job-3", "wait": true, "timeout_seconds": 5})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "report ready") {
		t.Fatalf("content = %q", res.Content)
	}
	if fw.gotTimeout != 5*time.Second {
		t.Fatalf("timeout = %v, want 5s", fw.gotTimeout)
	}
}

func TestListJobs(t *testing.T) {
	fs := &fakeJobStore{rows: []store.JobRow{
		{JobID: "job-1", Type: store.JobTypeCommand, Status: bus.StatusCompleted, Source: "agent"},
		{JobID: "job-2", Type: store.JobTypeAgent, Status: bus.StatusRunning, Source: "schedule"},
	}}
	tool := NewListJobs(fs)

	res := execute(t, tool, map[string]any{})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "2 job(s)") || !strings.Contains(res.Content, "job-2  agent  running  (from schedule)") {
		t.Fatalf("content = %q", res.Content)
	}

	res = execute(t, tool, map[string]any{"status": bus.StatusRunning})
	if strings.Contains(res.Content, "job-1") || !strings.Contains(res.Content, "job-2") {
		t.Fatalf("content = %q", res.Content)
	}

	res = execute(t, NewListJobs(&fakeJobStore{}), map[string]any{})
	if res.Content != "No jobs found." {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestDispatchCompanionWaitsByDefault(t *testing.T) {
	fd := &fakeDispatcher{}
	fw := &fakeWaiter{row: &store.JobRow{Type: store.JobTypeAgent, Status: bus.StatusCompleted, Result: "summarised"}}
	tool := NewDispatchCompanion(fd, fw)

	res := execute(t, tool, map[string]any{"goal": "summarise the inbox"})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "summarised") {
		t.Fatalf("content = %q", res.Content)
	}
	req := fd.last(t)
	if req.Type != store.JobTypeAgent || req.Job != "summarise the inbox" {
		t.Fatalf("request = %+v", req)
	}

	res = execute(t, tool, map[string]any{"goal": "summarise the inbox", "wait": false})
	if !strings.Contains(res.Content, "Companion dispatched as job") {
		t.Fatalf("content = %q", res.Content)
	}
	if res.JobID == "" {
		t.Fatal("expected a job id on the fire-and-forget path")
	}

	res = execute(t, tool, map[string]any{})
	if !res.IsError || !strings.Contains(res.Content, "goal") {
		t.Fatalf("result = %+v", res)
	}
}
