// Package worker is the execution side of the jobs stream. The brain
// publishes JobDispatch envelopes; exactly one worker in the queue group
// runs each job and reports received, running, and a terminal status on the
// job's own subject. Workers share nothing with the brain but the bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"cortex/internal/bus"
	"cortex/internal/httpclient"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/security/redaction"
)

const (
	// queueGroup is shared by every worker process so the stream
	// load-balances dispatches across them.
	queueGroup = "cortex_jobs"

	defaultCommandTimeout = 5 * time.Minute
	defaultHTTPTimeout    = 60 * time.Second
	defaultAgentTimeout   = 5 * time.Minute

	// maxLogOutput bounds how much of a job result or error is echoed to
	// the log. The full text still travels in the status envelope.
	maxLogOutput = 500
)

var errDraining = errors.New("worker draining, leaving dispatch for the group")

// Broker is the slice of the bus the worker needs.
type Broker interface {
	QueueSubscribe(ctx context.Context, subject, group string, handler bus.Handler) (*bus.Subscription, error)
	Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, msg bus.Message)) (*bus.Subscription, error)
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Config tunes one worker process.
type Config struct {
	// BrainURL is the base URL of the brain's HTTP surface. Agent jobs are
	// POSTed to its /chat endpoint.
	BrainURL string
	// AuthToken authenticates agent jobs against the brain.
	AuthToken string
	// CommandTimeout bounds each command job. Zero means five minutes.
	CommandTimeout time.Duration
	// HTTPTimeout bounds each http job. Zero means one minute.
	HTTPTimeout time.Duration
	// AgentTimeout bounds each agent job, which may spend several model
	// round-trips inside the brain. Zero means five minutes.
	AgentTimeout time.Duration
}

// Worker consumes the dispatch queue group and runs jobs one at a time.
type Worker struct {
	id     string
	cfg    Config
	broker Broker
	obs    *observability.Observability
	logger logging.Logger

	client *http.Client

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func New(cfg Config, broker Broker, obs *observability.Observability, logger logging.Logger) *Worker {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = defaultAgentTimeout
	}
	logger = logging.OrNop(logger)
	return &Worker{
		id:     uuid.NewString(),
		cfg:    cfg,
		broker: broker,
		obs:    obs,
		logger: logger,
		// Per-job deadlines come from the runner contexts, not the client.
		client: httpclient.New(0, logger),
	}
}

// ID returns the identity this worker stamps on status updates.
func (w *Worker) ID() string { return w.id }

// Run consumes dispatches until ctx is cancelled or a secret rotation
// arrives, then drains: the in-flight job finishes and publishes its
// terminal status before Run returns. A rotation exits the process path on
// purpose; the supervisor restarts the worker with a fresh environment.
func (w *Worker) Run(ctx context.Context) error {
	// Subscriptions hang off their own context so cancelling the run
	// context drains instead of killing a command mid-flight.
	subCtx, cancelSubs := context.WithCancel(context.Background())
	defer cancelSubs()

	dispatchSub, err := w.broker.QueueSubscribe(subCtx, bus.SubjectJobsDispatch, queueGroup, w.HandleDispatch)
	if err != nil {
		return fmt.Errorf("worker: subscribe dispatches: %w", err)
	}
	defer dispatchSub.Close()

	rotate := make(chan struct{})
	var rotateOnce sync.Once
	rotateSub, err := w.broker.Subscribe(subCtx, bus.SubjectSecretsRotate, func(_ context.Context, msg bus.Message) {
		var req bus.SecretsRotate
		if jsonErr := json.Unmarshal(msg.Data, &req); jsonErr == nil && len(req.Keys) > 0 {
			w.logger.Info("Worker %s: rotation requested for %s", w.id, strings.Join(req.Keys, ", "))
		} else {
			w.logger.Info("Worker %s: rotation requested", w.id)
		}
		rotateOnce.Do(func() { close(rotate) })
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe rotation: %w", err)
	}
	defer rotateSub.Close()

	w.logger.Info("Worker %s consuming %s as group %s", w.id, bus.SubjectJobsDispatch, queueGroup)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker %s draining on shutdown signal", w.id)
	case <-rotate:
		w.logger.Info("Worker %s draining to restart with rotated secrets", w.id)
	}

	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.inflight.Wait()
	return nil
}

// HandleDispatch runs one job envelope. It is the queue-group handler: a
// non-nil return leaves the event unacked so another group member picks it
// up, which is how a draining worker hands work back.
func (w *Worker) HandleDispatch(ctx context.Context, msg bus.Message) error {
	if !w.begin() {
		return errDraining
	}
	defer w.inflight.Done()

	var env bus.JobDispatch
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		w.logger.Warn("Worker: undecodable dispatch on %s: %v", msg.Subject, err)
		return nil
	}
	if env.JobID == "" {
		w.logger.Warn("Worker: dispatch without job id on %s", msg.Subject)
		return nil
	}

	ctx = observability.ExtractTraceContext(ctx, env.TraceContext)
	ctx, span := w.obs.StartSpan(ctx, observability.SpanJobExecute,
		observability.JobAttrs(env.JobID, env.Type)...)
	defer span.End()

	w.publishStatus(ctx, env.JobID, bus.JobStatus{Status: bus.StatusReceived})
	w.publishStatus(ctx, env.JobID, bus.JobStatus{Status: bus.StatusRunning})
	w.logger.Info("Job %s (%s) started", env.JobID, env.Type)

	start := time.Now()
	result, err := w.execute(ctx, env)
	elapsed := time.Since(start)

	// Results and errors can carry anything a command printed or a page
	// served, so both are scrubbed before leaving the process.
	update := bus.JobStatus{
		Status:     bus.StatusCompleted,
		Result:     redaction.SanitizeText(result),
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		update.Status = bus.StatusFailed
		update.Result = ""
		update.Error = redaction.SanitizeText(err.Error())
		w.logger.Warn("Job %s (%s) failed after %s: %s",
			env.JobID, env.Type, elapsed.Round(time.Millisecond), logClip(update.Error))
	} else {
		w.logger.Info("Job %s (%s) completed in %s: %s",
			env.JobID, env.Type, elapsed.Round(time.Millisecond), logClip(result))
	}

	// The job already ran; a redelivery here would run it twice. Ack even
	// if the terminal publish fails and let the brain's reaper settle it.
	w.publishStatus(ctx, env.JobID, update)
	return nil
}

func (w *Worker) execute(ctx context.Context, env bus.JobDispatch) (string, error) {
	switch env.Type {
	case bus.JobTypeCommand:
		return w.runCommand(ctx, env)
	case bus.JobTypeHTTP:
		return w.runHTTP(ctx, env)
	case bus.JobTypeAgent:
		return w.runAgent(ctx, env)
	default:
		return "", fmt.Errorf("unknown job type %q", env.Type)
	}
}

func (w *Worker) publishStatus(ctx context.Context, jobID string, update bus.JobStatus) {
	update.JobID = jobID
	update.WorkerID = w.id
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		update.TraceID = sc.TraceID().String()
	}
	payload, err := json.Marshal(update)
	if err != nil {
		w.logger.Error("Worker: marshal %s for job %s: %v", update.Status, jobID, err)
		return
	}
	if err := w.broker.Publish(ctx, bus.JobStatusSubject(jobID), payload); err != nil {
		w.logger.Error("Worker: publish %s for job %s: %v", update.Status, jobID, err)
	}
}

func (w *Worker) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining {
		return false
	}
	w.inflight.Add(1)
	return true
}

func logClip(s string) string {
	runes := []rune(s)
	if len(runes) <= maxLogOutput {
		return s
	}
	return string(runes[:maxLogOutput]) + "..."
}
