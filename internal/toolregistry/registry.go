// Package toolregistry is the unified tool surface: it resolves a tool name
// to whichever provider owns it and executes the call. Four sources feed the
// registry, in precedence order: the skill self-management built-ins, skill
// MCP servers and unified plugins, the legacy plugin map, and the remaining
// built-ins. The resolved tool list is cached and invalidated on skill
// mutation.
package toolregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/plugins"
	"cortex/internal/tools"
)

const syncTimeout = 10 * time.Second

// Deps wires the registry's tool sources. Builtins and SelfManagement are
// always present; Skills and the plugin lists may be empty.
type Deps struct {
	SelfManagement []tools.Tool
	Builtins       []tools.Tool
	Skills         SkillSource
	Plugins        []plugins.Plugin
	LegacyPlugins  []plugins.Plugin
}

// Config tunes the registry.
type Config struct {
	Cache CacheConfig
}

type pluginEntry struct {
	plugin plugins.Plugin
	def    tools.Definition
}

// Registry resolves and executes tools.
type Registry struct {
	logger logging.Logger

	selfOrder     []tools.Tool
	builtinOrder  []tools.Tool
	selfByName    map[string]tools.Tool
	builtinByName map[string]tools.Tool

	unified      map[string]pluginEntry
	legacy       map[string]pluginEntry
	unifiedOrder []string
	legacyOrder  []string

	skills *skillSet
	cache  *resultCache

	mu       sync.RWMutex
	resolved []llm.ToolDefinition
}

// New builds a registry over the given sources. Plugin tools whose names
// collide with an already-registered plugin tool are skipped with a warning.
func New(cfg Config, deps Deps, logger logging.Logger) *Registry {
	logger = logging.OrNop(logger)
	r := &Registry{
		logger:        logger,
		selfByName:    make(map[string]tools.Tool),
		builtinByName: make(map[string]tools.Tool),
		unified:       make(map[string]pluginEntry),
		legacy:        make(map[string]pluginEntry),
		skills:        newSkillSet(deps.Skills, nil, logger),
		cache:         newResultCache(cfg.Cache),
	}
	for _, t := range deps.SelfManagement {
		r.selfOrder = append(r.selfOrder, t)
		r.selfByName[t.Definition().Name] = t
	}
	for _, t := range deps.Builtins {
		r.builtinOrder = append(r.builtinOrder, t)
		r.builtinByName[t.Definition().Name] = t
	}
	for _, p := range deps.Plugins {
		r.addPlugin(p, r.unified, &r.unifiedOrder)
	}
	for _, p := range deps.LegacyPlugins {
		r.addPlugin(p, r.legacy, &r.legacyOrder)
	}
	return r
}

func (r *Registry) addPlugin(p plugins.Plugin, into map[string]pluginEntry, order *[]string) {
	for _, def := range p.Tools() {
		if def.Name == "" {
			r.logger.Warn("Plugin %s lists a tool with no name, skipped", p.Name())
			continue
		}
		if prior, exists := into[def.Name]; exists {
			r.logger.Warn("Plugin %s tool %s conflicts with plugin %s, skipped", p.Name(), def.Name, prior.plugin.Name())
			continue
		}
		into[def.Name] = pluginEntry{plugin: p, def: def}
		*order = append(*order, def.Name)
	}
}

// Execute runs the named tool. Failures the model should react to come back
// in content; the error return is reserved for context cancellation. An
// unknown name is reported as content so the loop keeps going.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (content string, jobID string, err error) {
	name = strings.TrimSpace(name)
	if tool, ok := r.selfByName[name]; ok {
		content, jobID, _, err = r.runTool(ctx, tool, name, args)
		return content, jobID, err
	}
	if cached, ok := r.cache.get(name, args); ok {
		return cached, "", nil
	}
	content, jobID, cacheable, err := r.dispatch(ctx, name, args)
	if err != nil {
		return "", "", err
	}
	if cacheable && jobID == "" {
		r.cache.put(name, args, content)
	}
	return content, jobID, nil
}

func (r *Registry) dispatch(ctx context.Context, name string, args map[string]any) (string, string, bool, error) {
	if skillID, toolName, namespaced := strings.Cut(name, "__"); namespaced && r.skills.has(ctx, skillID) {
		out, err := r.skills.call(ctx, skillID, toolName, args)
		if err != nil {
			if ctx.Err() != nil {
				return "", "", false, ctx.Err()
			}
			return "Error: " + err.Error(), "", false, nil
		}
		return out, "", r.cache.cacheable(name), nil
	}

	if entry, ok := r.pluginFor(name); ok {
		out, err := entry.plugin.Execute(ctx, name, args)
		if err != nil {
			if ctx.Err() != nil {
				return "", "", false, ctx.Err()
			}
			return "Error: " + err.Error(), "", false, nil
		}
		return out, "", r.cache.cacheable(name), nil
	}

	if tool, ok := r.builtinByName[name]; ok {
		return r.runTool(ctx, tool, name, args)
	}

	return fmt.Sprintf("Unknown tool: %s", name), "", false, nil
}

func (r *Registry) pluginFor(name string) (pluginEntry, bool) {
	if entry, ok := r.unified[name]; ok {
		return entry, true
	}
	entry, ok := r.legacy[name]
	return entry, ok
}

func (r *Registry) runTool(ctx context.Context, tool tools.Tool, name string, args map[string]any) (string, string, bool, error) {
	res, err := tool.Execute(ctx, tools.Call{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return "", "", false, ctx.Err()
		}
		return "Error: " + err.Error(), "", false, nil
	}
	if res == nil {
		return "", "", false, nil
	}
	cacheable := !res.IsError && res.JobID == "" && r.cache.cacheable(name)
	return res.Content, res.JobID, cacheable, nil
}

// Definitions returns the resolved tool list in precedence order, building
// and caching it on first use. Shadowed names keep only their
// highest-precedence definition.
func (r *Registry) Definitions(ctx context.Context) []llm.ToolDefinition {
	r.mu.RLock()
	cached := r.resolved
	r.mu.RUnlock()
	if cached != nil {
		return cached
	}
	defs := r.buildDefinitions(ctx)
	r.mu.Lock()
	r.resolved = defs
	r.mu.Unlock()
	return defs
}

func (r *Registry) buildDefinitions(ctx context.Context) []llm.ToolDefinition {
	seen := make(map[string]bool)
	defs := make([]llm.ToolDefinition, 0, len(r.selfOrder)+len(r.builtinOrder)+len(r.unifiedOrder)+len(r.legacyOrder))
	add := func(def llm.ToolDefinition) {
		if seen[def.Name] {
			r.logger.Warn("Tool %s is shadowed by a higher-precedence source", def.Name)
			return
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}

	for _, t := range r.selfOrder {
		add(toLLM(t.Definition()))
	}
	for _, def := range r.skills.definitions(ctx) {
		add(def)
	}
	for _, name := range r.unifiedOrder {
		add(toLLM(r.unified[name].def))
	}
	for _, name := range r.legacyOrder {
		add(toLLM(r.legacy[name].def))
	}
	for _, t := range r.builtinOrder {
		add(toLLM(t.Definition()))
	}
	return defs
}

func toLLM(def tools.Definition) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  def.Parameters.Map(),
	}
}

// Invalidate drops the resolved tool list and the result cache and re-syncs
// skill connections. Wire it to the skill service's mutation hook.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.resolved = nil
	r.mu.Unlock()
	r.cache.purge()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	r.skills.sync(ctx)
}

// SkillNames returns the configured MCP skill names, for capability
// summaries in the system prompt.
func (r *Registry) SkillNames(ctx context.Context) []string {
	return r.skills.names(ctx)
}

// Close shuts down every skill MCP connection.
func (r *Registry) Close() {
	r.skills.close()
}
