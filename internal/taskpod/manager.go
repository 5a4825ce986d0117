// Package taskpod runs goal-scoped workloads in throwaway containers.
// Every pod gets the same hardened spec: read-only root filesystem, all
// capabilities dropped, a non-root user, pinned cpu and memory, and a hard
// deadline after which the container is killed. Pods report back over the
// bus on their per-task result subject.
package taskpod

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/google/uuid"

	"cortex/internal/bus"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/store"
)

const (
	// DefaultTimeout bounds a pod run when the request does not choose one.
	DefaultTimeout = 30 * time.Minute

	// DefaultResultTTL keeps a finished container around for inspection
	// before it is removed.
	DefaultResultTTL = 5 * time.Minute

	containerPrefix = "cortex-task-"

	defaultImage    = "cortex-task:latest"
	defaultCPUs     = 1.0
	defaultMemoryMB = 1024
)

// Mount grants a pod access to one host path. Access lists the operations
// the pod may perform; anything short of write or delete mounts read-only.
type Mount struct {
	Path   string   `json:"path"`
	Access []string `json:"access,omitempty"`
}

func (m Mount) writable() bool {
	for _, op := range m.Access {
		switch strings.ToLower(op) {
		case "write", "delete":
			return true
		}
	}
	return false
}

// Request describes one ephemeral task pod.
type Request struct {
	Recipe         string   `json:"recipe,omitempty"`
	Toolbox        string   `json:"toolbox"`
	Mode           string   `json:"mode,omitempty"`
	Goal           string   `json:"goal"`
	Mounts         []Mount  `json:"mounts,omitempty"`
	Secrets        []string `json:"secrets,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`

	// Timeout wins over TimeoutSeconds when both are set.
	Timeout time.Duration `json:"-"`
}

// Config tunes the manager.
type Config struct {
	// Image runs toolboxes that have no dedicated image of their own.
	Image string
	// Toolboxes maps toolbox names to container images. A toolbox absent
	// from the map is treated as an image reference itself.
	Toolboxes map[string]string
	// MountAllowlist lists the host path prefixes pods may mount. An
	// empty list denies every mount.
	MountAllowlist []string
	// RedisURL is handed to pods so they can publish results on the bus.
	RedisURL string

	CPUs     float64
	MemoryMB int64

	DefaultTimeout time.Duration
	ResultTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.CPUs <= 0 {
		c.CPUs = defaultCPUs
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	return c
}

// Subscriber is the slice of the bus the manager needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, msg bus.Message)) (*bus.Subscription, error)
}

// Manager provisions task pods, tracks their result subjects, and enforces
// their deadlines. Pods are ephemeral per brain generation: Stop kills
// whatever is still running, and a successor brain starts fresh.
type Manager struct {
	cfg    Config
	rt     Runtime
	bus    Subscriber
	store  *store.Store
	obs    *observability.Observability
	logger logging.Logger

	mu    sync.Mutex
	tasks map[string]*task

	runCtx    context.Context
	runCancel context.CancelFunc
	stopOnce  sync.Once
}

// task fields other than done, deadline, and removal are immutable once the
// task is published into the map.
type task struct {
	id          string
	containerID string
	sub         *bus.Subscription
	started     time.Time

	done     bool
	deadline *time.Timer
	removal  *time.Timer
}

func NewManager(cfg Config, rt Runtime, subscriber Subscriber, st *store.Store, obs *observability.Observability, logger logging.Logger) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg.withDefaults(),
		rt:        rt,
		bus:       subscriber,
		store:     st,
		obs:       obs,
		logger:    logging.OrNop(logger),
		tasks:     make(map[string]*task),
		runCtx:    runCtx,
		runCancel: cancel,
	}
}

// Dispatch validates req, provisions a hardened container for it, and starts
// tracking its result subject. It returns the persisted row as soon as the
// container is running; the result arrives asynchronously over the bus.
func (m *Manager) Dispatch(ctx context.Context, req Request) (*store.TaskPodRow, error) {
	req, err := m.normalize(req)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	ctx, span := m.obs.StartSpan(ctx, observability.SpanTaskPodRun,
		observability.TaskAttrs(taskID)...)
	defer span.End()

	env, err := m.podEnv(ctx, taskID, req)
	if err != nil {
		return nil, err
	}
	cfg, host := m.buildSpec(taskID, req, env)

	if err := m.rt.EnsureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	name := containerPrefix + taskID
	row, err := m.store.CreateTaskPod(ctx, store.TaskPodRow{
		TaskID:  taskID,
		Recipe:  req.Recipe,
		Toolbox: req.Toolbox,
		Mode:    req.Mode,
		Goal:    req.Goal,
		Mounts:  renderMounts(req.Mounts),
		JobName: name,
		Status:  bus.StatusRunning,
	})
	if err != nil {
		return nil, err
	}

	containerID, err := m.rt.Create(ctx, name, cfg, host)
	if err != nil {
		m.failEarly(taskID, err)
		return nil, err
	}

	t := &task{id: taskID, containerID: containerID, started: time.Now()}

	// Subscribe before the container starts so a fast pod cannot publish
	// its result into a gap.
	sub, err := m.bus.Subscribe(m.runCtx, bus.TaskResultSubject(taskID), func(ctx context.Context, msg bus.Message) {
		m.handleResult(msg)
	})
	if err != nil {
		if rmErr := m.rt.Remove(context.Background(), containerID); rmErr != nil {
			m.logger.Warn("Task pod %s: remove after subscribe failure: %v", taskID, rmErr)
		}
		m.failEarly(taskID, err)
		return nil, err
	}
	t.sub = sub

	m.mu.Lock()
	m.tasks[taskID] = t
	m.mu.Unlock()

	if err := m.rt.Start(ctx, containerID); err != nil {
		m.settle(taskID, bus.TaskResult{TaskID: taskID, Status: bus.StatusFailed, Error: err.Error()}, true)
		return nil, err
	}

	timeout := req.Timeout
	m.mu.Lock()
	if !t.done {
		t.deadline = time.AfterFunc(timeout, func() { m.expire(taskID, timeout) })
	}
	m.mu.Unlock()

	m.logger.Info("Task pod %s started (toolbox=%s mode=%s timeout=%s)", taskID, req.Toolbox, req.Mode, timeout)
	return row, nil
}

// Cancel kills a running pod and removes its container immediately.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.done {
		m.mu.Unlock()
		return fmt.Errorf("taskpod: task %s: %w", taskID, store.ErrNotFound)
	}
	containerID := t.containerID
	m.mu.Unlock()

	if err := m.rt.Kill(ctx, containerID); err != nil {
		m.logger.Warn("Task pod %s: kill on cancel: %v", taskID, err)
	}
	m.settle(taskID, bus.TaskResult{
		TaskID: taskID,
		Status: bus.StatusFailed,
		Error:  "cancelled",
	}, true)
	return nil
}

// Get returns the stored row for a task.
func (m *Manager) Get(ctx context.Context, taskID string) (*store.TaskPodRow, error) {
	return m.store.GetTaskPod(ctx, taskID)
}

// List returns recent task rows, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]store.TaskPodRow, error) {
	return m.store.ListTaskPods(ctx, limit)
}

// Active returns the number of pods still running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.done {
			n++
		}
	}
	return n
}

// Stop kills every running pod, fails their rows, and removes the
// containers, including those waiting out their result TTL.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.runCancel()

		m.mu.Lock()
		pending := make([]*task, 0, len(m.tasks))
		for _, t := range m.tasks {
			pending = append(pending, t)
		}
		m.mu.Unlock()

		for _, t := range pending {
			m.mu.Lock()
			done := t.done
			removal := t.removal
			m.mu.Unlock()

			if done {
				if removal != nil && removal.Stop() {
					m.remove(t.id, t.containerID)
				}
				continue
			}

			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.rt.Kill(killCtx, t.containerID); err != nil {
				m.logger.Warn("Task pod %s: kill on shutdown: %v", t.id, err)
			}
			cancel()
			m.settle(t.id, bus.TaskResult{
				TaskID: t.id,
				Status: bus.StatusFailed,
				Error:  "brain shut down before the task finished",
			}, true)
		}
	})
}

func (m *Manager) normalize(req Request) (Request, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return req, fmt.Errorf("taskpod: goal is required")
	}
	if req.Mode == "" {
		req.Mode = store.TaskModeAgent
	}
	if req.Mode != store.TaskModeAgent && req.Mode != store.TaskModeScript {
		return req, fmt.Errorf("taskpod: unknown mode %q", req.Mode)
	}
	if req.Timeout <= 0 && req.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if req.Timeout <= 0 {
		req.Timeout = m.cfg.DefaultTimeout
	}
	mounts, err := m.validateMounts(req.Mounts)
	if err != nil {
		return req, err
	}
	req.Mounts = mounts
	return req, nil
}

// validateMounts cleans each requested path and checks it against the
// allowlist, so relative segments cannot escape an allowed prefix.
func (m *Manager) validateMounts(mounts []Mount) ([]Mount, error) {
	if len(mounts) == 0 {
		return nil, nil
	}
	out := make([]Mount, 0, len(mounts))
	for _, mnt := range mounts {
		p := filepath.Clean(strings.TrimSpace(mnt.Path))
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("taskpod: mount %q must be absolute", mnt.Path)
		}
		if !m.mountAllowed(p) {
			return nil, fmt.Errorf("taskpod: mount %q is not allowed", mnt.Path)
		}
		mnt.Path = p
		out = append(out, mnt)
	}
	return out, nil
}

func (m *Manager) mountAllowed(p string) bool {
	for _, prefix := range m.cfg.MountAllowlist {
		prefix = filepath.Clean(prefix)
		if p == prefix || strings.HasPrefix(p, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (m *Manager) podEnv(ctx context.Context, taskID string, req Request) ([]string, error) {
	env := []string{
		"CORTEX_TASK_ID=" + taskID,
		"CORTEX_MODE=" + req.Mode,
		"CORTEX_GOAL=" + req.Goal,
	}
	if req.Recipe != "" {
		env = append(env, "CORTEX_RECIPE="+req.Recipe)
	}
	if m.cfg.RedisURL != "" {
		env = append(env, "CORTEX_REDIS_URL="+m.cfg.RedisURL)
	}
	for _, key := range req.Secrets {
		secret, err := m.store.GetSecret(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("taskpod: secret %q: %w", key, err)
		}
		env = append(env, secret.Key+"="+secret.Value)
	}
	return env, nil
}

func (m *Manager) buildSpec(taskID string, req Request, env []string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: m.resolveImage(req.Toolbox),
		Env:   env,
		User:  "1000:1000",
		Labels: map[string]string{
			"cortex.task.id":      taskID,
			"cortex.task.managed": "true",
		},
	}
	host := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			NanoCPUs: int64(m.cfg.CPUs * 1e9),
			Memory:   m.cfg.MemoryMB << 20,
		},
	}
	for _, mnt := range req.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   mnt.Path,
			Target:   mnt.Path,
			ReadOnly: !mnt.writable(),
		})
	}
	return cfg, host
}

func (m *Manager) resolveImage(toolbox string) string {
	if img, ok := m.cfg.Toolboxes[toolbox]; ok {
		return img
	}
	if toolbox != "" {
		return toolbox
	}
	return m.cfg.Image
}

func (m *Manager) handleResult(msg bus.Message) {
	var res bus.TaskResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		m.logger.Warn("Task result on %s: bad payload: %v", msg.Subject, err)
		return
	}
	if res.TaskID == "" {
		m.logger.Warn("Task result on %s: missing task id", msg.Subject)
		return
	}
	if res.Status == "" {
		res.Status = bus.StatusCompleted
	}
	m.settle(res.TaskID, res, false)
}

// expire kills an overrunning pod and records a synthesised timeout result.
func (m *Manager) expire(taskID string, timeout time.Duration) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.done {
		m.mu.Unlock()
		return
	}
	containerID := t.containerID
	m.mu.Unlock()

	killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.rt.Kill(killCtx, containerID); err != nil {
		m.logger.Warn("Task pod %s: kill on deadline: %v", taskID, err)
	}
	m.settle(taskID, bus.TaskResult{
		TaskID: taskID,
		Status: bus.StatusTimeout,
		Error:  fmt.Sprintf("did not complete within %s", timeout),
	}, false)
}

// settle is the single completion path for a task. The first caller wins;
// later results, deadline fires, and cancels for the same task are no-ops.
func (m *Manager) settle(taskID string, res bus.TaskResult, removeNow bool) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.done {
		m.mu.Unlock()
		return
	}
	t.done = true
	if t.deadline != nil {
		t.deadline.Stop()
	}
	if res.DurationMs <= 0 && !t.started.IsZero() {
		res.DurationMs = time.Since(t.started).Milliseconds()
	}
	containerID := t.containerID
	sub := t.sub
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}

	ctx := context.Background()
	if err := m.store.FinishTaskPod(ctx, taskID, res.Status, res.Result, res.Error, res.DurationMs, res.FilesChanged, res.TraceID); err != nil {
		m.logger.Warn("Task pod %s: persist result: %v", taskID, err)
	}
	m.obs.Metrics().RecordTaskPodFinished(ctx, res.Status)
	m.logger.Info("Task pod %s finished: %s", taskID, res.Status)

	if removeNow {
		m.remove(taskID, containerID)
		return
	}
	m.mu.Lock()
	t.removal = time.AfterFunc(m.cfg.ResultTTL, func() { m.remove(taskID, containerID) })
	m.mu.Unlock()
}

// failEarly marks a row failed when provisioning broke before the pod ran.
func (m *Manager) failEarly(taskID string, cause error) {
	ctx := context.Background()
	if err := m.store.FinishTaskPod(ctx, taskID, bus.StatusFailed, "", cause.Error(), 0, nil, ""); err != nil {
		m.logger.Warn("Task pod %s: record failure: %v", taskID, err)
	}
	m.obs.Metrics().RecordTaskPodFinished(ctx, bus.StatusFailed)
}

func (m *Manager) remove(taskID, containerID string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.rt.Remove(rmCtx, containerID); err != nil {
		m.logger.Warn("Task pod %s: remove container: %v", taskID, err)
	}
	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
}

func renderMounts(mounts []Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, mnt := range mounts {
		suffix := ":ro"
		if mnt.writable() {
			suffix = ":rw"
		}
		out = append(out, mnt.Path+suffix)
	}
	return out
}
