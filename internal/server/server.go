// Package server exposes the brain over HTTP: the chat surface as sync,
// SSE and WebSocket, CRUD for the stored resources, plugin hooks and the
// operational endpoints. Routing is a plain ServeMux with explicit method
// switches; cross-cutting concerns live in the middleware chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cortex/internal/agent"
	"cortex/internal/extensions"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/observability"
	"cortex/internal/plugins"
	"cortex/internal/schedule"
	"cortex/internal/skills"
	"cortex/internal/store"
	"cortex/internal/taskpod"
	"cortex/internal/transfer"
)

const (
	defaultListLimit   = 50
	maxRequestBodySize = 1 << 20

	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 10 * time.Second
)

// Config tunes the listener and the cross-cutting middleware.
type Config struct {
	Host           string
	Port           int
	AuthToken      string
	Environment    string
	AllowedOrigins []string
	Version        string
}

// ChatService is the slice of the agent loop the chat routes drive.
type ChatService interface {
	Respond(ctx context.Context, req agent.Request) (*agent.Reply, error)
	Stream(ctx context.Context, req agent.Request) <-chan agent.Event
}

// Publisher is the slice of the bus the server needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Deps wires the server's collaborators. Optional members may be nil; their
// routes answer 503.
type Deps struct {
	Brain      ChatService
	Store      *store.Store
	Memory     *memory.Service
	Skills     *skills.Service
	Schedules  *schedule.Manager
	Tasks      *taskpod.Manager
	Plugins    *plugins.Set
	Extensions *extensions.Registry
	Gate       *transfer.Machine
	Bus        Publisher
	Obs        *observability.Observability
}

type Server struct {
	cfg        Config
	brain      ChatService
	store      *store.Store
	memory     *memory.Service
	skills     *skills.Service
	schedules  *schedule.Manager
	tasks      *taskpod.Manager
	plugins    *plugins.Set
	extensions *extensions.Registry
	gate       *transfer.Machine
	bus        Publisher
	obs        *observability.Observability
	logger     logging.Logger
	started    time.Time
}

func New(cfg Config, deps Deps, logger logging.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8787
	}
	return &Server{
		cfg:        cfg,
		brain:      deps.Brain,
		store:      deps.Store,
		memory:     deps.Memory,
		skills:     deps.Skills,
		schedules:  deps.Schedules,
		tasks:      deps.Tasks,
		plugins:    deps.Plugins,
		extensions: deps.Extensions,
		gate:       deps.Gate,
		bus:        deps.Bus,
		obs:        deps.Obs,
		logger:     logging.OrNop(logger),
		started:    time.Now().UTC(),
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ping", route("/ping", http.HandlerFunc(s.handlePing)))
	mux.Handle("/health", route("/health", s.auth(http.HandlerFunc(s.handleHealth))))
	if s.obs != nil {
		mux.Handle("/metrics", route("/metrics", s.auth(s.obs.MetricsHandler())))
	}

	// Everything below refuses requests while the instance is pending or
	// draining.
	gated := func(name string, h http.Handler) http.Handler {
		if s.gate != nil {
			h = s.gate.Gate(h)
		}
		return route(name, s.auth(h))
	}

	mux.Handle("/chat", gated("/chat", methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handleChat,
	})))
	mux.Handle("/chat/stream", gated("/chat/stream", methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handleChatStream,
	})))
	mux.Handle("/chat/ws", gated("/chat/ws", http.HandlerFunc(s.handleChatWS)))

	mux.Handle("/conversations", gated("/conversations", methods(map[string]http.HandlerFunc{
		http.MethodGet:  s.handleListConversations,
		http.MethodPost: s.handleCreateConversation,
	})))
	mux.Handle("/conversations/", gated("/conversations/:id", http.HandlerFunc(s.handleConversationByID)))

	mux.Handle("/memories", gated("/memories", methods(map[string]http.HandlerFunc{
		http.MethodGet:  s.handleListMemories,
		http.MethodPost: s.handleStoreMemory,
	})))
	mux.Handle("/memories/", gated("/memories/:id", methods(map[string]http.HandlerFunc{
		http.MethodDelete: s.handleDeleteMemory,
	})))

	mux.Handle("/skills", gated("/skills", methods(map[string]http.HandlerFunc{
		http.MethodGet:  s.handleListSkills,
		http.MethodPost: s.handleCreateSkill,
	})))
	mux.Handle("/skills/", gated("/skills/:id", http.HandlerFunc(s.handleSkillByID)))

	mux.Handle("/schedules", gated("/schedules", methods(map[string]http.HandlerFunc{
		http.MethodGet:  s.handleListSchedules,
		http.MethodPost: s.handleCreateSchedule,
	})))
	mux.Handle("/schedules/", gated("/schedules/:id", http.HandlerFunc(s.handleScheduleByID)))

	mux.Handle("/jobs", gated("/jobs", methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleListJobs,
	})))
	mux.Handle("/jobs/", gated("/jobs/:id", methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleGetJob,
	})))

	mux.Handle("/tasks", gated("/tasks", methods(map[string]http.HandlerFunc{
		http.MethodGet:  s.handleListTasks,
		http.MethodPost: s.handleDispatchTask,
	})))
	mux.Handle("/tasks/", gated("/tasks/:id", http.HandlerFunc(s.handleTaskByID)))

	mux.Handle("/secrets", gated("/secrets", methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleListSecrets,
		http.MethodPut: s.handlePutSecret,
	})))
	mux.Handle("/secrets/restart", gated("/secrets/restart", methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handleRestartSecrets,
	})))
	mux.Handle("/secrets/", gated("/secrets/:key", methods(map[string]http.HandlerFunc{
		http.MethodDelete: s.handleDeleteSecret,
	})))

	mux.Handle("/models/config", gated("/models/config", s.settingHandler(store.SettingModelsConfig)))
	mux.Handle("/voice-config", gated("/voice-config", s.settingHandler(store.SettingVoiceConfig)))

	mux.Handle("/extensions", gated("/extensions", methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handleListExtensions,
	})))

	mux.Handle("/hooks/", gated("/hooks/:plugin", methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handlePluginHook,
	})))

	var handler http.Handler = mux
	handler = s.observe(handler)
	handler = s.logRequests(handler)
	handler = s.cors(handler)
	return handler
}

// Run serves until ctx is cancelled, then drains connections for a grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP surface listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}

	storeStatus := "ok"
	if s.store == nil {
		storeStatus = "absent"
	} else if err := s.store.DB().PingContext(ctx); err != nil {
		storeStatus = "error: " + err.Error()
	}
	components["store"] = storeStatus

	state := StateUnknown
	if s.gate != nil {
		state = s.gate.State()
	}

	payload := map[string]any{
		"status":         "ok",
		"state":          state,
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"components":     components,
	}
	if s.extensions != nil {
		payload["extensions_online"] = len(s.extensions.Online())
	}
	if s.tasks != nil {
		payload["active_tasks"] = s.tasks.Active()
	}
	if storeStatus != "ok" && storeStatus != "absent" {
		payload["status"] = "degraded"
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// StateUnknown is reported by /health when no lifecycle machine is wired,
// which only happens in tests.
const StateUnknown = "unknown"

// methods dispatches by HTTP method and answers 405 otherwise.
func methods(table map[string]http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := table[r.Method]; ok {
			h(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
