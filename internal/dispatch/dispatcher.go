// Package dispatch hands jobs to the worker pool over the durable bus and
// tracks their status until a terminal transition. The dispatcher returns as
// soon as the envelope is on the stream; callers that need the outcome block
// on the tracker's WaitForCompletion.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cortex/internal/bus"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/store"
)

// Recognised Request.Source values, recorded on the job row so listings show
// where a job came from.
const (
	SourceAPI      = "api"
	SourceAgent    = "agent"
	SourceSchedule = "schedule"
)

// Publisher is the slice of the bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Request describes one job to run on the worker pool.
type Request struct {
	Type    string            `json:"type"`
	Job     string            `json:"job,omitempty"`
	Command string            `json:"command,omitempty"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
	Source  string            `json:"source,omitempty"`
}

// Validate rejects requests the worker could never run.
func (r Request) Validate() error {
	if !store.ValidJobType(r.Type) {
		return fmt.Errorf("dispatch: unknown job type %q", r.Type)
	}
	switch r.Type {
	case store.JobTypeAgent:
		if r.Job == "" {
			return fmt.Errorf("dispatch: agent job requires a goal")
		}
	case store.JobTypeCommand:
		if r.Command == "" {
			return fmt.Errorf("dispatch: command job requires a command")
		}
	case store.JobTypeHTTP:
		if r.URL == "" {
			return fmt.Errorf("dispatch: http job requires a url")
		}
	}
	return nil
}

// Dispatcher assigns job ids, persists the dispatched row, and publishes the
// envelope with the caller's trace context attached.
type Dispatcher struct {
	publisher Publisher
	store     *store.Store
	obs       *observability.Observability
	logger    logging.Logger
}

func NewDispatcher(publisher Publisher, st *store.Store, obs *observability.Observability, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		store:     st,
		obs:       obs,
		logger:    logging.OrNop(logger),
	}
}

// Dispatch persists a fresh job row and publishes its envelope, returning the
// job id immediately. A publish failure settles the row as failed so no row
// is left waiting for a worker that was never asked.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	ctx, span := d.obs.StartSpan(ctx, observability.SpanJobDispatch,
		observability.JobAttrs(jobID, req.Type)...)
	defer span.End()

	if _, err := d.store.CreateJob(ctx, jobID, req.Type, bus.StatusDispatched, req.Source); err != nil {
		return "", err
	}

	env := bus.JobDispatch{
		JobID:        jobID,
		Type:         req.Type,
		CreatedAt:    time.Now().UTC(),
		Job:          req.Job,
		Command:      req.Command,
		URL:          req.URL,
		Method:       req.Method,
		Headers:      req.Headers,
		Vars:         req.Vars,
		Source:       req.Source,
		TraceContext: observability.InjectTraceContext(ctx),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("dispatch: marshal envelope: %w", err)
	}

	if err := d.publisher.Publish(ctx, bus.SubjectJobsDispatch, payload); err != nil {
		if _, failErr := d.store.ApplyJobUpdate(ctx, jobID, store.JobUpdate{
			Status: bus.StatusFailed,
			Error:  fmt.Sprintf("publish failed: %v", err),
		}); failErr != nil {
			d.logger.Warn("Dispatch: could not settle job %s after publish failure: %v", jobID, failErr)
		}
		return "", fmt.Errorf("dispatch: publish job %s: %w", jobID, err)
	}

	d.obs.Metrics().RecordJobDispatched(ctx, req.Type)
	d.logger.Info("Dispatched %s job %s (source=%s)", req.Type, jobID, req.Source)
	return jobID, nil
}
