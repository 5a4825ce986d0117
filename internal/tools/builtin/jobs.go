package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cortex/internal/dispatch"
	"cortex/internal/store"
	"cortex/internal/tools"
)

// Dispatcher is the slice of the job dispatcher the tools need.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (string, error)
}

// Waiter blocks until a job settles or the wait times out.
type Waiter interface {
	WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*store.JobRow, error)
}

// JobReader reads persisted job rows.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*store.JobRow, error)
	ListJobs(ctx context.Context, status string, limit int) ([]store.JobRow, error)
}

type dispatchJob struct {
	dispatcher Dispatcher
	waiter     Waiter
}

// NewDispatchJob constructs the tool that hands work to the worker pool.
func NewDispatchJob(dispatcher Dispatcher, waiter Waiter) tools.Tool {
	return &dispatchJob{dispatcher: dispatcher, waiter: waiter}
}

func (t *dispatchJob) Definition() tools.Definition {
	return tools.Definition{
		Name:        "dispatch_job",
		Description: "Dispatch a job to the worker pool. Returns the job id immediately unless wait is set.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"type": {
				Type:        "string",
				Description: "Kind of job to run.",
				Enum:        []string{store.JobTypeCommand, store.JobTypeHTTP, store.JobTypeAgent},
			},
			"command": {Type: "string", Description: "Shell command for command jobs."},
			"url":     {Type: "string", Description: "Target URL for http jobs."},
			"method":  {Type: "string", Description: "HTTP method for http jobs, default GET."},
			"headers": {Type: "object", Description: "HTTP headers for http jobs."},
			"job":     {Type: "string", Description: "Goal text for agent jobs."},
			"vars":    {Type: "object", Description: "Key/value variables passed to the job."},
			"wait": {
				Type:        "boolean",
				Description: "Wait for the job to finish and return its result instead of just the id.",
			},
		}, "type"),
	}
}

func (t *dispatchJob) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.dispatcher == nil {
		return tools.Fail(call, "job dispatcher not configured"), nil
	}
	req := dispatch.Request{
		Type:    stringArg(call.Arguments, "type"),
		Job:     stringArg(call.Arguments, "job"),
		Command: stringArg(call.Arguments, "command"),
		URL:     stringArg(call.Arguments, "url"),
		Method:  stringArg(call.Arguments, "method"),
		Headers: mapArg(call.Arguments, "headers"),
		Vars:    mapArg(call.Arguments, "vars"),
		Source:  dispatch.SourceAgent,
	}
	if err := req.Validate(); err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	jobID, err := t.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	if !boolArg(call.Arguments, "wait", false) {
		res := tools.Text(call, "Dispatched %s job %s", req.Type, jobID)
		res.JobID = jobID
		return res, nil
	}
	row, err := t.waiter.WaitForCompletion(ctx, jobID, 0)
	if err != nil {
		return tools.Fail(call, "job %s dispatched but wait failed: %v", jobID, err), nil
	}
	res := tools.Text(call, "%s", renderJobRow(row))
	res.JobID = jobID
	return res, nil
}

type getJobStatus struct {
	reader JobReader
	waiter Waiter
}

// NewGetJobStatus constructs the tool that reports on a dispatched job.
func NewGetJobStatus(reader JobReader, waiter Waiter) tools.Tool {
	return &getJobStatus{reader: reader, waiter: waiter}
}

func (t *getJobStatus) Definition() tools.Definition {
	return tools.Definition{
		Name:        "get_job_status",
		Description: "Look up the status and result of a dispatched job.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"job_id": {Type: "string", Description: "Id returned by dispatch_job."},
			"wait": {
				Type:        "boolean",
				Description: "Block until the job reaches a terminal status.",
			},
			"timeout_seconds": {
				Type:        "number",
				Description: "How long to wait when wait is set, default 120.",
			},
		}, "job_id"),
	}
}

func (t *getJobStatus) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.reader == nil {
		return tools.Fail(call, "job store not configured"), nil
	}
	jobID := stringArg(call.Arguments, "job_id")
	if jobID == "" {
		return tools.Fail(call, "job_id is required"), nil
	}
	if boolArg(call.Arguments, "wait", false) {
		timeout := time.Duration(intArg(call.Arguments, "timeout_seconds", 0)) * time.Second
		row, err := t.waiter.WaitForCompletion(ctx, jobID, timeout)
		if err != nil {
			return tools.Fail(call, "%v", err), nil
		}
		return tools.Text(call, "%s", renderJobRow(row)), nil
	}
	row, err := t.reader.GetJob(ctx, jobID)
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	return tools.Text(call, "%s", renderJobRow(row)), nil
}

type listJobs struct {
	reader JobReader
}

// NewListJobs constructs the tool that lists recent jobs.
func NewListJobs(reader JobReader) tools.Tool {
	return &listJobs{reader: reader}
}

func (t *listJobs) Definition() tools.Definition {
	return tools.Definition{
		Name:        "list_jobs",
		Description: "List recent jobs, newest first, optionally filtered by status.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"status": {
				Type:        "string",
				Description: "Only show jobs with this status.",
				Enum:        []string{"dispatched", "received", "running", "completed", "failed", "timeout"},
			},
			"limit": {Type: "number", Description: "Maximum rows to return, default 10."},
		}),
	}
}

func (t *listJobs) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.reader == nil {
		return tools.Fail(call, "job store not configured"), nil
	}
	rows, err := t.reader.ListJobs(ctx, stringArg(call.Arguments, "status"), intArg(call.Arguments, "limit", 10))
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	if len(rows) == 0 {
		return tools.Text(call, "No jobs found."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d job(s):\n", len(rows))
	for _, row := range rows {
		fmt.Fprintf(&b, "- %s  %s  %s", row.JobID, row.Type, row.Status)
		if row.Source != "" {
			fmt.Fprintf(&b, "  (from %s)", row.Source)
		}
		b.WriteString("\n")
	}
	return tools.Text(call, "%s", strings.TrimRight(b.String(), "\n")), nil
}

type dispatchCompanion struct {
	dispatcher Dispatcher
	waiter     Waiter
}

// NewDispatchCompanion constructs the tool that delegates a goal to a
// companion agent running on the worker pool.
func NewDispatchCompanion(dispatcher Dispatcher, waiter Waiter) tools.Tool {
	return &dispatchCompanion{dispatcher: dispatcher, waiter: waiter}
}

func (t *dispatchCompanion) Definition() tools.Definition {
	return tools.Definition{
		Name:        "dispatch_companion",
		Description: "Delegate a goal to a companion agent and wait for its answer. Use for work that benefits from a separate focused agent.",
		Parameters: tools.ObjectSchema(map[string]tools.Property{
			"goal": {Type: "string", Description: "What the companion should accomplish."},
			"vars": {Type: "object", Description: "Key/value context passed to the companion."},
			"wait": {
				Type:        "boolean",
				Description: "Wait for the companion to finish, default true.",
			},
		}, "goal"),
	}
}

func (t *dispatchCompanion) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if t.dispatcher == nil {
		return tools.Fail(call, "job dispatcher not configured"), nil
	}
	goal := stringArg(call.Arguments, "goal")
	if goal == "" {
		return tools.Fail(call, "goal is required"), nil
	}
	jobID, err := t.dispatcher.Dispatch(ctx, dispatch.Request{
		Type:   store.JobTypeAgent,
		Job:    goal,
		Vars:   mapArg(call.Arguments, "vars"),
		Source: dispatch.SourceAgent,
	})
	if err != nil {
		return tools.Fail(call, "%v", err), nil
	}
	if !boolArg(call.Arguments, "wait", true) {
		res := tools.Text(call, "Companion dispatched as job %s", jobID)
		res.JobID = jobID
		return res, nil
	}
	row, err := t.waiter.WaitForCompletion(ctx, jobID, 0)
	if err != nil {
		return tools.Fail(call, "companion dispatched as job %s but wait failed: %v", jobID, err), nil
	}
	res := tools.Text(call, "%s", renderJobRow(row))
	res.JobID = jobID
	return res, nil
}

func renderJobRow(row *store.JobRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s) is %s", row.JobID, row.Type, row.Status)
	if row.DurationMs > 0 {
		fmt.Fprintf(&b, " after %dms", row.DurationMs)
	}
	if row.Result != "" {
		fmt.Fprintf(&b, "\nResult: %s", row.Result)
	}
	if row.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", row.Error)
	}
	return b.String()
}
