package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cortex/internal/bus"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/store"
)

const (
	// DefaultWaitTimeout bounds WaitForCompletion when the caller does not
	// choose a deadline.
	DefaultWaitTimeout = 120 * time.Second

	// trackerGroup is the durable consumer group for status updates. Sharing
	// the group name across brain generations lets a successor resume from
	// the last acked update after a handoff.
	trackerGroup = "cortex-brain"

	reapInterval = 60 * time.Second
	staleAfter   = 2 * time.Minute
)

// Subscriber is the slice of the bus the tracker needs.
type Subscriber interface {
	QueueSubscribe(ctx context.Context, subject, group string, handler bus.Handler) (*bus.Subscription, error)
}

// Tracker consumes jobs.status.* updates, persists every transition, and
// wakes local waiters when a job settles. It also runs the zombie reaper
// that force-fails jobs whose worker stopped reporting.
type Tracker struct {
	subscriber Subscriber
	store      *store.Store
	obs        *observability.Observability
	logger     logging.Logger

	mu      sync.Mutex
	waiters map[string][]chan store.JobRow

	sub    *bus.Subscription
	cancel context.CancelFunc
}

func NewTracker(subscriber Subscriber, st *store.Store, obs *observability.Observability, logger logging.Logger) *Tracker {
	return &Tracker{
		subscriber: subscriber,
		store:      st,
		obs:        obs,
		logger:     logging.OrNop(logger),
		waiters:    make(map[string][]chan store.JobRow),
	}
}

// Start subscribes to the status stream and launches the reaper loop.
func (t *Tracker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	sub, err := t.subscriber.QueueSubscribe(runCtx, bus.JobStatusSubject("*"), trackerGroup, t.HandleStatus)
	if err != nil {
		cancel()
		return fmt.Errorf("dispatch: subscribe job status: %w", err)
	}
	t.sub = sub
	t.cancel = cancel
	go t.reapLoop(runCtx)
	t.logger.Info("Status tracker started (reap every %s, stale after %s)", reapInterval, staleAfter)
	return nil
}

// Close stops the subscription and the reaper.
func (t *Tracker) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.sub != nil {
		t.sub.Close()
	}
}

// HandleStatus persists one status update. Updates arriving after the row
// settled are dropped; terminal transitions wake waiters. A store error is
// returned so the bus redelivers the update.
func (t *Tracker) HandleStatus(ctx context.Context, msg bus.Message) error {
	var update bus.JobStatus
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.logger.Warn("Tracker: undecodable status on %s: %v", msg.Subject, err)
		return nil
	}
	if update.JobID == "" {
		t.logger.Warn("Tracker: status without job id on %s", msg.Subject)
		return nil
	}

	applied, err := t.store.ApplyJobUpdate(ctx, update.JobID, store.JobUpdate{
		Status:     update.Status,
		WorkerID:   update.WorkerID,
		Result:     update.Result,
		Error:      update.Error,
		DurationMs: update.DurationMs,
	})
	if err != nil {
		return err
	}
	if !applied {
		t.logger.Debug("Tracker: dropped %s update for settled or unknown job %s", update.Status, update.JobID)
		return nil
	}
	if !bus.IsTerminalStatus(update.Status) {
		return nil
	}

	t.obs.Metrics().RecordJobFinished(ctx, update.Status)
	row, err := t.store.GetJob(ctx, update.JobID)
	if err != nil {
		return err
	}
	t.signalWaiters(update.JobID, *row)
	return nil
}

// WaitForCompletion blocks until the job settles or the timeout elapses. On
// timeout the row is force-failed and the returned copy reports status
// "timeout" so callers can tell a local deadline from a worker failure. If
// the worker settles the job right at the deadline, the real outcome wins.
func (t *Tracker) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*store.JobRow, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	row, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if row.Terminal() {
		return row, nil
	}

	ch, unregister := t.register(jobID)
	defer unregister()

	// Re-check after registering: the terminal update may have landed
	// between the first read and the listener registration.
	row, err = t.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if row.Terminal() {
		return row, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case settled := <-ch:
		return &settled, nil
	case <-timer.C:
		reason := fmt.Sprintf("did not complete within %ds", int(timeout/time.Second))
		applied, err := t.store.ApplyJobUpdate(ctx, jobID, store.JobUpdate{
			Status: bus.StatusFailed,
			Error:  reason,
		})
		if err != nil {
			return nil, err
		}
		row, err := t.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !applied {
			return row, nil
		}
		t.logger.Warn("Job %s force-failed: %s", jobID, reason)
		t.obs.Metrics().RecordJobFinished(ctx, bus.StatusTimeout)
		t.signalWaiters(jobID, *row)
		resolved := *row
		resolved.Status = bus.StatusTimeout
		return &resolved, nil
	}
}

func (t *Tracker) register(jobID string) (<-chan store.JobRow, func()) {
	ch := make(chan store.JobRow, 1)
	t.mu.Lock()
	t.waiters[jobID] = append(t.waiters[jobID], ch)
	t.mu.Unlock()

	unregister := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.waiters[jobID]
		for i, c := range list {
			if c == ch {
				t.waiters[jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(t.waiters[jobID]) == 0 {
			delete(t.waiters, jobID)
		}
	}
	return ch, unregister
}

// signalWaiters delivers the settled row to every registered waiter. Waiter
// channels are buffered and removed from the registry before the send, so a
// given channel is signalled at most once.
func (t *Tracker) signalWaiters(jobID string, row store.JobRow) {
	t.mu.Lock()
	list := t.waiters[jobID]
	delete(t.waiters, jobID)
	t.mu.Unlock()
	for _, ch := range list {
		ch <- row
	}
}

func (t *Tracker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reapStale(ctx, time.Now())
		}
	}
}

// reapStale force-fails jobs stuck in a non-terminal status with no update
// for longer than staleAfter. This bounds the case where a worker takes a
// job and vanishes without a terminal report.
func (t *Tracker) reapStale(ctx context.Context, now time.Time) {
	stale, err := t.store.ListStaleJobs(ctx, now.Add(-staleAfter))
	if err != nil {
		t.logger.Warn("Reaper: list stale jobs: %v", err)
		return
	}
	for _, job := range stale {
		reason := fmt.Sprintf("stuck in %s with no update for %s; worker presumed gone", job.Status, staleAfter)
		applied, err := t.store.ApplyJobUpdate(ctx, job.JobID, store.JobUpdate{
			Status: bus.StatusFailed,
			Error:  reason,
		})
		if err != nil {
			t.logger.Warn("Reaper: force-fail %s: %v", job.JobID, err)
			continue
		}
		if !applied {
			continue
		}
		t.logger.Warn("Reaped zombie job %s (stuck in %s since %s)",
			job.JobID, job.Status, job.UpdatedAt.Format(time.RFC3339))
		t.obs.Metrics().RecordJobFinished(ctx, bus.StatusFailed)
		row, err := t.store.GetJob(ctx, job.JobID)
		if err != nil {
			continue
		}
		t.signalWaiters(job.JobID, *row)
	}
}
