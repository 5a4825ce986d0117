// Package schedule drives recurring jobs from cron expressions stored in the
// schedules table. The table is the single source of truth: timers are
// re-derived from rows on startup and on every mutation, and fires missed
// while the process was down are not back-filled.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"cortex/internal/bus"
	"cortex/internal/dispatch"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/store"
)

const (
	// outcomeWait bounds how long a fire waits for its job's terminal
	// status before giving up on recording the outcome.
	outcomeWait = dispatch.DefaultWaitTimeout

	// maxOutput caps the stored last_output column.
	maxOutput = 2000
)

// ErrInvalid marks rows that fail validation, notably bad cron expressions.
var ErrInvalid = errors.New("invalid schedule")

// Dispatcher is the subset of the job dispatcher the manager needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (string, error)
}

// Waiter blocks until a dispatched job reaches a terminal status.
type Waiter interface {
	WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*store.JobRow, error)
}

// Schedule is a stored row decorated with the engine's next fire time.
type Schedule struct {
	store.ScheduleRow
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// Manager owns the cron engine and the mapping from schedule rows to cron
// entries. All mutations re-register timers under the same lock, so the
// engine never fires a stale expression.
type Manager struct {
	store      *store.Store
	dispatcher Dispatcher
	waiter     Waiter
	obs        *observability.Observability
	logger     logging.Logger

	cron   *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]cron.EntryID

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewManager creates a Manager. The waiter may be nil, in which case fires
// record last_status=dispatched and never the terminal outcome.
func NewManager(st *store.Store, dispatcher Dispatcher, waiter Waiter, obs *observability.Observability, logger logging.Logger) *Manager {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Manager{
		store:      st,
		dispatcher: dispatcher,
		waiter:     waiter,
		obs:        obs,
		logger:     logging.OrNop(logger),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		parser:    parser,
		entries:   make(map[string]cron.EntryID),
		runCtx:    runCtx,
		runCancel: runCancel,
		stopped:   make(chan struct{}),
	}
}

// Start registers a timer for every enabled row and starts the cron engine.
func (m *Manager) Start(ctx context.Context) error {
	rows, err := m.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("schedule: load enabled rows: %w", err)
	}

	m.mu.Lock()
	for _, row := range rows {
		if err := m.registerLocked(row); err != nil {
			m.logger.Warn("Schedule %q (%s) not registered: %v", row.Name, row.ID, err)
		}
	}
	count := len(m.entries)
	m.mu.Unlock()

	m.cron.Start()
	m.logger.Info("Schedule manager started with %d enabled schedules", count)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the cron engine, waits for in-flight fires and outcome waits,
// and is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.runCancel()
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
		m.wg.Wait()
		close(m.stopped)
		m.logger.Info("Schedule manager stopped")
	})
}

// Done is closed once Stop has fully drained.
func (m *Manager) Done() <-chan struct{} {
	return m.stopped
}

// Count reports how many schedules currently hold a registered timer.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Create validates, persists, and (when enabled) registers a new schedule.
// A missing id is assigned.
func (m *Manager) Create(ctx context.Context, row store.ScheduleRow) (*store.ScheduleRow, error) {
	if err := m.validate(row); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}

	// Persist first: a crash between persist and register costs a timer
	// until the next start, not a row.
	created, err := m.store.CreateSchedule(ctx, row)
	if err != nil {
		return nil, err
	}

	if created.Enabled {
		m.mu.Lock()
		err = m.registerLocked(*created)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	m.logger.Info("Created schedule %q (%s, cron %q, enabled=%t)", created.Name, created.ID, created.CronExpr, created.Enabled)
	return created, nil
}

// Update rewrites the row and swaps its timer to the new expression under
// one lock hold. Disabling drops the timer; the row stays.
func (m *Manager) Update(ctx context.Context, row store.ScheduleRow) (*store.ScheduleRow, error) {
	if err := m.validate(row); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	updated, err := m.store.UpdateSchedule(ctx, row)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked(updated.ID)
	if updated.Enabled {
		if err := m.registerLocked(*updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// SetEnabled flips the enabled flag, preserving the rest of the row.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (*store.ScheduleRow, error) {
	row, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	row.Enabled = enabled
	return m.Update(ctx, *row)
}

// Delete cancels the timer before removing the row, so a timer cannot fire
// for a schedule that is already gone.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	m.unregisterLocked(id)
	m.mu.Unlock()

	if err := m.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Deleted schedule %s", id)
	return nil
}

// List returns every row, decorated with next fire times where a timer is
// registered.
func (m *Manager) List(ctx context.Context) ([]Schedule, error) {
	rows, err := m.store.ListSchedules(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, m.decorate(row))
	}
	return out, nil
}

// Get returns one schedule by id.
func (m *Manager) Get(ctx context.Context, id string) (*Schedule, error) {
	row, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	s := m.decorate(*row)
	return &s, nil
}

// Trigger fires a schedule now. It serves both the cron callback and the
// manual trigger endpoint: the row is re-read on every call, so a disable
// or delete wins over a timer already in flight, while a manual trigger on
// an enabled row is always honoured whatever the timer state.
func (m *Manager) Trigger(ctx context.Context, id string) (string, error) {
	row, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return "", err
	}
	if !row.Enabled {
		return "", fmt.Errorf("schedule: %q (%s) is disabled", row.Name, row.ID)
	}

	ctx, span := m.obs.StartSpan(ctx, observability.SpanScheduleFire, observability.ScheduleAttrs(row.ID)...)
	defer span.End()

	req, err := requestFromRow(*row)
	if err != nil {
		return "", err
	}

	jobID, err := m.dispatcher.Dispatch(ctx, req)
	if err != nil {
		if recErr := m.store.RecordScheduleRun(ctx, row.ID, bus.StatusFailed, clip(err.Error(), maxOutput)); recErr != nil {
			m.logger.Warn("Schedule %s: record failed run: %v", row.ID, recErr)
		}
		return "", fmt.Errorf("schedule: dispatch %q: %w", row.Name, err)
	}

	m.obs.Metrics().RecordScheduleFire(ctx, row.Type)
	m.logger.Info("Schedule %q (%s) fired job %s", row.Name, row.ID, jobID)

	if err := m.store.RecordScheduleRun(ctx, row.ID, bus.StatusDispatched, ""); err != nil {
		m.logger.Warn("Schedule %s: record run: %v", row.ID, err)
	}

	if m.waiter != nil {
		m.wg.Add(1)
		go m.recordOutcome(row.ID, jobID)
	}
	return jobID, nil
}

func (m *Manager) validate(row store.ScheduleRow) error {
	if !store.ValidJobType(row.Type) {
		return fmt.Errorf("schedule: unknown type %q", row.Type)
	}
	if _, err := m.parser.Parse(row.CronExpr); err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", row.CronExpr, err)
	}
	return nil
}

// registerLocked adds a cron entry for the row. Must be called with m.mu held.
func (m *Manager) registerLocked(row store.ScheduleRow) error {
	if _, exists := m.entries[row.ID]; exists {
		return nil
	}
	scheduleID := row.ID
	entryID, err := m.cron.AddFunc(row.CronExpr, func() {
		m.fire(scheduleID)
	})
	if err != nil {
		return fmt.Errorf("schedule: register %q: %w", row.Name, err)
	}
	m.entries[row.ID] = entryID
	return nil
}

// unregisterLocked drops the row's cron entry if one exists. Must be called
// with m.mu held.
func (m *Manager) unregisterLocked(id string) {
	if entryID, ok := m.entries[id]; ok {
		m.cron.Remove(entryID)
		delete(m.entries, id)
	}
}

// fire is the cron callback.
func (m *Manager) fire(scheduleID string) {
	if _, err := m.Trigger(m.runCtx, scheduleID); err != nil {
		m.logger.Warn("Schedule %s fire failed: %v", scheduleID, err)
	}
}

// recordOutcome waits (bounded) for the job's terminal status and stamps it
// on the schedule row, so listings show how the last fire went.
func (m *Manager) recordOutcome(scheduleID, jobID string) {
	defer m.wg.Done()

	row, err := m.waiter.WaitForCompletion(m.runCtx, jobID, outcomeWait)
	if err != nil {
		m.logger.Warn("Schedule %s: waiting on job %s: %v", scheduleID, jobID, err)
		return
	}

	output := row.Result
	if row.Error != "" {
		output = row.Error
	}
	if err := m.store.RecordScheduleRun(context.Background(), scheduleID, row.Status, clip(output, maxOutput)); err != nil {
		m.logger.Warn("Schedule %s: record outcome: %v", scheduleID, err)
	}
}

func (m *Manager) decorate(row store.ScheduleRow) Schedule {
	s := Schedule{ScheduleRow: row}
	m.mu.Lock()
	entryID, ok := m.entries[row.ID]
	m.mu.Unlock()
	if !ok {
		return s
	}
	if next := m.cron.Entry(entryID).Next; !next.IsZero() {
		s.NextRunAt = &next
	}
	return s
}

// requestFromRow translates the stored config blob into a dispatch request.
// Unknown keys are ignored; missing required keys surface through
// Request.Validate before anything is persisted or published.
func requestFromRow(row store.ScheduleRow) (dispatch.Request, error) {
	req := dispatch.Request{
		Type:   row.Type,
		Source: dispatch.SourceSchedule,
		Vars:   stringMap(row.Config["vars"]),
	}
	switch row.Type {
	case store.JobTypeAgent:
		req.Job = stringValue(row.Config, "job")
	case store.JobTypeCommand:
		req.Command = stringValue(row.Config, "command")
	case store.JobTypeHTTP:
		req.URL = stringValue(row.Config, "url")
		req.Method = stringValue(row.Config, "method")
		req.Headers = stringMap(row.Config["headers"])
	}
	if err := req.Validate(); err != nil {
		return dispatch.Request{}, fmt.Errorf("schedule %s: %w", row.ID, err)
	}
	return req, nil
}

func stringValue(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// stringMap coerces a decoded JSON object into string pairs, dropping
// non-string values.
func stringMap(v any) map[string]string {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, val := range obj {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
