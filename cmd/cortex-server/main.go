// Command cortex-server runs the Brain: the agent loop, the tool surface,
// the job dispatcher, schedules, memory, and the HTTP front door. Exactly
// one instance should be active per bus; a second instance started against
// the same Redis takes over through the transfer handshake.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cortex/internal/agent"
	"cortex/internal/bus"
	"cortex/internal/config"
	"cortex/internal/dispatch"
	"cortex/internal/extensions"
	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/observability"
	"cortex/internal/plugins"
	"cortex/internal/schedule"
	"cortex/internal/server"
	"cortex/internal/skills"
	"cortex/internal/store"
	"cortex/internal/taskpod"
	"cortex/internal/toolregistry"
	"cortex/internal/tools/builtin"
	"cortex/internal/transfer"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cortex-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, meta, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	defer logging.Close()
	logger := logging.NewComponentLogger("main")

	if path := meta.FilePath(); path != "" {
		logger.Info("Cortex %s starting (env=%s, config=%s)", version, cfg.Environment, path)
	} else {
		logger.Info("Cortex %s starting (env=%s, config from env)", version, cfg.Environment)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(observability.Config{
		ServiceName:    "cortex-brain",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(flushCtx); err != nil {
			logger.Warn("Observability shutdown: %v", err)
		}
	}()

	st, err := store.Open(cfg.StorePath(), logging.NewComponentLogger("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	conn, err := bus.Connect(ctx, cfg.RedisURL, logging.NewComponentLogger("bus"))
	if err != nil {
		return err
	}
	defer conn.Close()

	models := llm.NewRouter(llm.WithUsageCallback(func(usage llm.TokenUsage, model, provider string) {
		logger.Debug("Model usage %s/%s: prompt=%d completion=%d", provider, model, usage.PromptTokens, usage.CompletionTokens)
	}))
	models.Register(llm.RoleAgent, llm.Profile{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	})
	models.Register(llm.RoleObserver, llm.Profile{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMSmallModel,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	})
	models.Register(llm.RoleEmbedder, llm.Profile{
		Provider: cfg.LLMProvider,
		Model:    cfg.EmbeddingModel,
		APIKey:   cfg.EmbeddingAPIKey,
		BaseURL:  cfg.EmbeddingBaseURL,
	})
	applyModelOverrides(ctx, st, models, cfg, logger)

	embedder, err := memory.NewEmbedder(memory.EmbedderConfig{
		Model:   cfg.EmbeddingModel,
		APIKey:  cfg.EmbeddingAPIKey,
		BaseURL: cfg.EmbeddingBaseURL,
	}, logging.NewComponentLogger("embedder"))
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	vectors, err := memory.NewVectorStore(cfg.MemoryPath(), "", embedder)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}

	var observer llm.Client
	if client, err := models.ClientFor(llm.RoleObserver); err != nil {
		logger.Warn("Observer model unavailable, memory extraction disabled: %v", err)
	} else {
		observer = client
	}

	mem, err := memory.NewService(memory.ServiceConfig{
		Store:              st,
		Vectors:            vectors,
		Embedder:           embedder,
		Observer:           observer,
		ObserverThreshold:  cfg.ObserverThreshold,
		ReflectorThreshold: cfg.ReflectorThreshold,
		Obs:                obs,
	}, logging.NewComponentLogger("memory"))
	if err != nil {
		return fmt.Errorf("memory service: %w", err)
	}
	defer mem.Close()

	skillSvc := skills.NewService(st, logging.NewComponentLogger("skills"))
	if cfg.OSDir != "" {
		dir := filepath.Join(cfg.OSDir, "skills")
		if n, err := skillSvc.ImportDir(ctx, dir); err != nil {
			logger.Warn("Skill import from %s: %v", dir, err)
		} else if n > 0 {
			logger.Info("Imported %d skill(s) from %s", n, dir)
		}
	}

	dispatcher := dispatch.NewDispatcher(conn, st, obs, logging.NewComponentLogger("dispatch"))
	tracker := dispatch.NewTracker(conn, st, obs, logging.NewComponentLogger("tracker"))
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	defer tracker.Close()

	schedules := schedule.NewManager(st, dispatcher, tracker, obs, logging.NewComponentLogger("schedule"))
	if err := schedules.Start(ctx); err != nil {
		return err
	}
	defer schedules.Stop()

	registry := extensions.NewRegistry(conn, logging.NewComponentLogger("extensions"))
	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Close()

	var taskManager *taskpod.Manager
	if runtime, err := taskpod.NewDockerRuntime(ctx, cfg.DockerHost); err != nil {
		logger.Warn("Docker unavailable, task pods disabled: %v", err)
	} else {
		defer runtime.Close()
		taskManager = taskpod.NewManager(taskpod.Config{
			Image:          cfg.TaskPodImage,
			MountAllowlist: cfg.TaskMountAllowlist,
			RedisURL:       cfg.RedisURL,
		}, runtime, conn, st, obs, logging.NewComponentLogger("taskpod"))
		defer taskManager.Stop()
	}

	pluginSet := plugins.NewSet(logging.NewComponentLogger("plugins"))
	if err := pluginSet.Add(plugins.NewWeb(plugins.WebConfig{}, logging.NewComponentLogger("plugin-web"))); err != nil {
		return fmt.Errorf("web plugin: %w", err)
	}
	if cfg.NotifyWebhook != "" {
		notify, err := plugins.NewNotify(plugins.NotifyConfig{
			URL:   cfg.NotifyWebhook,
			Token: cfg.NotifyToken,
		}, logging.NewComponentLogger("plugin-notify"))
		if err != nil {
			return fmt.Errorf("notify plugin: %w", err)
		}
		if err := pluginSet.Add(notify); err != nil {
			return fmt.Errorf("notify plugin: %w", err)
		}
	}

	services := builtin.Services{
		Dispatcher: dispatcher,
		Waiter:     tracker,
		Store:      st,
		Memory:     mem,
		Skills:     skillSvc,
		Extensions: registry,
		Info: builtin.SystemInfo{
			Name:      cfg.AgentName,
			Version:   version,
			StartedAt: time.Now().UTC(),
		},
	}
	if taskManager != nil {
		// A nil *Manager stored in the interface would slip past the
		// tool's nil check.
		services.TaskPods = taskManager
	}

	toolReg := toolregistry.New(toolregistry.Config{}, toolregistry.Deps{
		SelfManagement: builtin.SelfManagement(services),
		Builtins:       builtin.Core(services),
		Skills:         skillSvc,
		Plugins:        pluginSet.All(),
	}, logging.NewComponentLogger("tools"))

	prompts := agent.NewPromptBuilder(agent.PromptConfig{
		OSDir:     cfg.OSDir,
		AgentName: cfg.AgentName,
		Version:   version,
	}, skillSvc, st, obs, logging.NewComponentLogger("prompt"))

	skillSvc.OnMutate(func() {
		toolReg.Invalidate()
		prompts.Invalidate()
	})

	brain := agent.New(agent.Config{MaxIterations: cfg.MaxIterations}, agent.Deps{
		Models:  models,
		Tools:   toolReg,
		Store:   st,
		Memory:  mem,
		Prompts: prompts,
		Obs:     obs,
	}, logging.NewComponentLogger("brain"))

	machine := transfer.NewMachine(logging.NewComponentLogger("transfer"))
	coordinator := transfer.NewCoordinator(transfer.Config{Version: version},
		machine, conn, st, obs, logging.NewComponentLogger("transfer"))

	srv := server.New(server.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		AuthToken:      cfg.AuthToken,
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	}, server.Deps{
		Brain:      brain,
		Store:      st,
		Memory:     mem,
		Skills:     skillSvc,
		Schedules:  schedules,
		Tasks:      taskManager,
		Plugins:    pluginSet,
		Extensions: registry,
		Gate:       machine,
		Bus:        conn,
		Obs:        obs,
	}, logging.NewComponentLogger("server"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		if _, err := coordinator.Join(gctx); err != nil {
			return fmt.Errorf("transfer join: %w", err)
		}
		if err := coordinator.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("transfer watch: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-machine.Done():
			// A successor holds the state now; release the port for it.
			logger.Info("Handed off to a successor, shutting down")
			stop()
		}
		return nil
	})

	logger.Info("%s ready as instance %s", cfg.AgentName, coordinator.InstanceID())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Cortex stopped")
	return nil
}

// applyModelOverrides layers the operator's stored model routing, if present,
// over the configured defaults. The stored blob carries providers, models and
// base URLs only; credentials always come from the configuration.
func applyModelOverrides(ctx context.Context, st *store.Store, models *llm.Router, cfg config.Config, logger logging.Logger) {
	raw, err := st.GetSetting(ctx, store.SettingModelsConfig)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Read models config: %v", err)
		}
		return
	}
	if strings.TrimSpace(raw) == "" {
		return
	}

	var chains map[llm.Role][]llm.Profile
	if err := json.Unmarshal([]byte(raw), &chains); err != nil {
		logger.Warn("Stored models config unreadable, keeping defaults: %v", err)
		return
	}
	for role, chain := range chains {
		if len(chain) == 0 {
			continue
		}
		for i := range chain {
			chain[i].APIKey = cfg.APIKey
			if role == llm.RoleEmbedder {
				chain[i].APIKey = cfg.EmbeddingAPIKey
			}
			if chain[i].BaseURL == "" {
				chain[i].BaseURL = cfg.BaseURL
			}
		}
		models.Register(role, chain...)
		logger.Info("Model routing for %s taken from settings (%d profile(s))", role, len(chain))
	}
}
