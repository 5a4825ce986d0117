package toolregistry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cortex/internal/logging"
	"cortex/internal/plugins"
	"cortex/internal/store"
	"cortex/internal/tools"
	"cortex/internal/tools/mcp"
	"cortex/internal/tools/mcp/protocol"
)

type fakeTool struct {
	name  string
	reply string
	runs  int
	fn    func(call tools.Call) *tools.Result
}

func (f *fakeTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        f.name,
		Description: "fake " + f.name,
		Parameters:  tools.ObjectSchema(nil),
	}
}

func (f *fakeTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	f.runs++
	if f.fn != nil {
		return f.fn(call), nil
	}
	return tools.Text(call, "%s", f.reply), nil
}

type fakePlugin struct {
	name     string
	toolset  []string
	reply    string
	executed []string
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Tools() []tools.Definition {
	defs := make([]tools.Definition, 0, len(p.toolset))
	for _, name := range p.toolset {
		defs = append(defs, tools.Definition{Name: name, Parameters: tools.ObjectSchema(nil)})
	}
	return defs
}

func (p *fakePlugin) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	p.executed = append(p.executed, name)
	return p.reply + ":" + name, nil
}

type fakeSkillSource struct {
	mu   sync.Mutex
	rows []store.SkillRow
}

func (f *fakeSkillSource) List(ctx context.Context, enabledOnly bool) ([]store.SkillRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SkillRow(nil), f.rows...), nil
}

func (f *fakeSkillSource) set(rows ...store.SkillRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

type fakeMCPClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	callErr    error
	callReply  string
	tools      []protocol.Tool
	toolsCalls int
	calls      []string
	closed     int
}

func (f *fakeMCPClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeMCPClient) Tools(ctx context.Context) ([]protocol.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolsCalls++
	return f.tools, nil
}

func (f *fakeMCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.callErr != nil {
		return "", f.callErr
	}
	return f.callReply, nil
}

func (f *fakeMCPClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMCPClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed++
	return nil
}

func (f *fakeMCPClient) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func thermoRow() store.SkillRow {
	return store.SkillRow{
		ID:           "sk1",
		Name:         "thermo",
		Tier:         store.TierStdio,
		Enabled:      true,
		StdioCommand: "thermo-mcp",
		StdioArgs:    []string{"--serve"},
	}
}

func mustExecute(t *testing.T, r *Registry, name string, args map[string]any) (string, string) {
	t.Helper()
	content, jobID, err := r.Execute(context.Background(), name, args)
	if err != nil {
		t.Fatalf("execute %s: %v", name, err)
	}
	return content, jobID
}

func TestExecutePrecedence(t *testing.T) {
	webPlugin := &fakePlugin{name: "web", toolset: []string{"dispatch_job", "fetch_page"}, reply: "unified"}
	legacyPlugin := &fakePlugin{name: "old", toolset: []string{"dispatch_job", "legacy_ping"}, reply: "legacy"}
	r := New(Config{}, Deps{
		SelfManagement: []tools.Tool{&fakeTool{name: "manage_skill", reply: "self"}},
		Builtins: []tools.Tool{
			&fakeTool{name: "dispatch_job", reply: "builtin"},
			&fakeTool{name: "get_system_info", reply: "builtin-info"},
		},
		Plugins:       []plugins.Plugin{webPlugin},
		LegacyPlugins: []plugins.Plugin{legacyPlugin},
	}, logging.Nop())

	if content, _ := mustExecute(t, r, "manage_skill", nil); content != "self" {
		t.Fatalf("content = %q", content)
	}
	if content, _ := mustExecute(t, r, "dispatch_job", nil); content != "unified:dispatch_job" {
		t.Fatalf("content = %q, unified plugins should shadow legacy and builtins", content)
	}
	if content, _ := mustExecute(t, r, "legacy_ping", nil); content != "legacy:legacy_ping" {
		t.Fatalf("content = %q", content)
	}
	if content, _ := mustExecute(t, r, "get_system_info", nil); content != "builtin-info" {
		t.Fatalf("content = %q", content)
	}

	content, jobID := mustExecute(t, r, "time_travel", nil)
	if content != "Unknown tool: time_travel" || jobID != "" {
		t.Fatalf("content = %q, jobID = %q", content, jobID)
	}

	defs := r.Definitions(context.Background())
	counts := map[string]int{}
	for _, def := range defs {
		counts[def.Name]++
	}
	if counts["dispatch_job"] != 1 {
		t.Fatalf("dispatch_job listed %d times: %+v", counts["dispatch_job"], defs)
	}
	if defs[0].Name != "manage_skill" {
		t.Fatalf("self-management should list first, got %s", defs[0].Name)
	}
	if len(defs) != 5 {
		t.Fatalf("got %d definitions, want 5: %+v", len(defs), defs)
	}
}

func TestSkillToolsRoundTrip(t *testing.T) {
	src := &fakeSkillSource{}
	src.set(
		store.SkillRow{ID: "sk0", Name: "notes", Tier: store.TierInstruction, Enabled: true, InstructionContent: "x"},
		thermoRow(),
	)
	client := &fakeMCPClient{
		callReply: "temp is 21C",
		tools: []protocol.Tool{{
			Name:        "get_temp",
			Description: "Read the thermostat.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"unit": map[string]any{"type": "string"}}},
		}},
	}
	r := New(Config{}, Deps{}, logging.Nop())
	r.skills = newSkillSet(src, func(cfg mcp.Config) (skillClient, error) {
		if cfg.Command != "thermo-mcp" || len(cfg.Args) != 1 {
			t.Fatalf("dial config = %+v", cfg)
		}
		return client, nil
	}, logging.Nop())

	defs := r.Definitions(context.Background())
	if len(defs) != 1 || defs[0].Name != "sk1__get_temp" {
		t.Fatalf("definitions = %+v", defs)
	}
	if defs[0].Description != "Read the thermostat." {
		t.Fatalf("description = %q", defs[0].Description)
	}

	// The resolved list is cached until something invalidates it.
	r.Definitions(context.Background())
	if client.toolsCalls != 1 {
		t.Fatalf("tools fetched %d times, want 1", client.toolsCalls)
	}

	content, jobID := mustExecute(t, r, "sk1__get_temp", map[string]any{"unit": "c"})
	if content != "temp is 21C" || jobID != "" {
		t.Fatalf("content = %q, jobID = %q", content, jobID)
	}
	if len(client.calls) != 1 || client.calls[0] != "get_temp" {
		t.Fatalf("server saw calls %v, want the bare tool name", client.calls)
	}
}

func TestSkillToolFailureKeepsConnection(t *testing.T) {
	src := &fakeSkillSource{}
	src.set(thermoRow())
	client := &fakeMCPClient{}
	r := New(Config{}, Deps{}, logging.Nop())
	r.skills = newSkillSet(src, func(mcp.Config) (skillClient, error) { return client, nil }, logging.Nop())

	client.callErr = &mcp.ToolError{Tool: "get_temp", Text: "sensor offline"}
	content, _ := mustExecute(t, r, "sk1__get_temp", nil)
	if !strings.Contains(content, "Error: tool get_temp failed: sensor offline") {
		t.Fatalf("content = %q", content)
	}
	if client.closedCount() != 0 {
		t.Fatal("a tool-level failure must not drop the session")
	}

	client.callErr = errors.New("pipe broken")
	content, _ = mustExecute(t, r, "sk1__get_temp", nil)
	if !strings.Contains(content, "pipe broken") {
		t.Fatalf("content = %q", content)
	}
	if client.closedCount() != 1 {
		t.Fatal("a transport failure should drop the session for redial")
	}
}

func TestSkillReconnectBackoff(t *testing.T) {
	src := &fakeSkillSource{}
	src.set(thermoRow())
	client := &fakeMCPClient{connectErr: errors.New("dial refused")}
	r := New(Config{}, Deps{}, logging.Nop())
	r.skills = newSkillSet(src, func(mcp.Config) (skillClient, error) { return client, nil }, logging.Nop())

	content, _ := mustExecute(t, r, "sk1__get_temp", nil)
	if !strings.Contains(content, "dial refused") {
		t.Fatalf("content = %q", content)
	}
	content, _ = mustExecute(t, r, "sk1__get_temp", nil)
	if !strings.Contains(content, "retrying in") {
		t.Fatalf("content = %q, second attempt should be held back by backoff", content)
	}

	client.mu.Lock()
	client.connectErr = nil
	client.callReply = "temp is 19C"
	client.mu.Unlock()
	conn := r.skills.conns["sk1"]
	conn.mu.Lock()
	conn.nextAttempt = time.Now().Add(-time.Millisecond)
	conn.mu.Unlock()

	content, _ = mustExecute(t, r, "sk1__get_temp", nil)
	if content != "temp is 19C" {
		t.Fatalf("content = %q", content)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.backoff != 0 {
		t.Fatalf("backoff = %v, want reset after success", conn.backoff)
	}
}

func TestInvalidateResyncsSkills(t *testing.T) {
	src := &fakeSkillSource{}
	src.set(thermoRow())
	client := &fakeMCPClient{tools: []protocol.Tool{{Name: "get_temp"}}, callReply: "ok"}
	r := New(Config{}, Deps{}, logging.Nop())
	r.skills = newSkillSet(src, func(mcp.Config) (skillClient, error) { return client, nil }, logging.Nop())

	if defs := r.Definitions(context.Background()); len(defs) != 1 {
		t.Fatalf("definitions = %+v", defs)
	}

	src.set()
	r.Invalidate()

	if defs := r.Definitions(context.Background()); len(defs) != 0 {
		t.Fatalf("definitions after removal = %+v", defs)
	}
	content, _ := mustExecute(t, r, "sk1__get_temp", nil)
	if content != "Unknown tool: sk1__get_temp" {
		t.Fatalf("content = %q", content)
	}
	if client.closedCount() == 0 {
		t.Fatal("removing the skill should close its client")
	}
}

func TestResultCache(t *testing.T) {
	n := 0
	listSkills := &fakeTool{name: "list_skills", fn: func(call tools.Call) *tools.Result {
		n++
		return tools.Text(call, "call %d", n)
	}}
	memoryStore := &fakeTool{name: "memory_store", reply: "stored"}
	failing := &fakeTool{name: "search_registry", fn: func(call tools.Call) *tools.Result {
		return tools.Fail(call, "registry down")
	}}
	r := New(Config{}, Deps{Builtins: []tools.Tool{listSkills, memoryStore, failing}}, logging.Nop())

	if content, _ := mustExecute(t, r, "list_skills", nil); content != "call 1" {
		t.Fatalf("content = %q", content)
	}
	if content, _ := mustExecute(t, r, "list_skills", nil); content != "call 1" {
		t.Fatalf("content = %q, second identical call should come from cache", content)
	}
	if listSkills.runs != 1 {
		t.Fatalf("tool ran %d times, want 1", listSkills.runs)
	}
	if content, _ := mustExecute(t, r, "list_skills", map[string]any{"enabled_only": true}); content != "call 2" {
		t.Fatalf("content = %q, different arguments must miss the cache", content)
	}

	r.Invalidate()
	if content, _ := mustExecute(t, r, "list_skills", nil); content != "call 3" {
		t.Fatalf("content = %q, invalidation should purge the cache", content)
	}

	mustExecute(t, r, "memory_store", map[string]any{"content": "x"})
	mustExecute(t, r, "memory_store", map[string]any{"content": "x"})
	if memoryStore.runs != 2 {
		t.Fatalf("mutating tool ran %d times, want 2", memoryStore.runs)
	}

	mustExecute(t, r, "search_registry", nil)
	mustExecute(t, r, "search_registry", nil)
	if failing.runs != 2 {
		t.Fatalf("failed results must not be cached, ran %d times", failing.runs)
	}
}
