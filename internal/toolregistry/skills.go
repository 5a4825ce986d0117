package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/store"
	"cortex/internal/tools/mcp"
	"cortex/internal/tools/mcp/protocol"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// SkillSource lists the installed skills, typically the skill service.
type SkillSource interface {
	List(ctx context.Context, enabledOnly bool) ([]store.SkillRow, error)
}

// skillClient is the slice of the MCP client the registry drives.
type skillClient interface {
	Connect(ctx context.Context) error
	Tools(ctx context.Context) ([]protocol.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Connected() bool
	Close() error
}

type dialFunc func(cfg mcp.Config) (skillClient, error)

// skillConn is one skill's MCP connection. Connect attempts are serialised
// per skill through mu and rate-limited by exponential backoff, so a dead
// server cannot stall calls to the others.
type skillConn struct {
	id     string
	cfg    mcp.Config
	client skillClient

	mu          sync.Mutex
	backoff     time.Duration
	nextAttempt time.Time
}

// skillSet holds one MCP client per enabled non-instruction skill and keeps
// the roster aligned with the skill table on sync.
type skillSet struct {
	source SkillSource
	dial   dialFunc
	logger logging.Logger

	mu     sync.RWMutex
	synced bool
	conns  map[string]*skillConn
}

func newSkillSet(source SkillSource, dial dialFunc, logger logging.Logger) *skillSet {
	logger = logging.OrNop(logger)
	if dial == nil {
		dial = func(cfg mcp.Config) (skillClient, error) {
			return mcp.NewClient(cfg, logger)
		}
	}
	return &skillSet{
		source: source,
		dial:   dial,
		logger: logger,
		synced: source == nil,
		conns:  make(map[string]*skillConn),
	}
}

// sync aligns connections with the current skill rows: new skills get a
// client, changed configs get a fresh one, vanished or disabled skills are
// closed. Unchanged connections are kept as they are, cache and all.
func (s *skillSet) sync(ctx context.Context) {
	if s.source == nil {
		return
	}
	rows, err := s.source.List(ctx, true)
	if err != nil {
		s.logger.Warn("Skill sync failed: %v", err)
		return
	}

	next := make(map[string]*skillConn)
	var closing []*skillConn

	s.mu.Lock()
	for _, row := range rows {
		if row.Tier == store.TierInstruction {
			continue
		}
		cfg, err := clientConfig(row)
		if err != nil {
			s.logger.Warn("Skill %s: %v", row.Name, err)
			continue
		}
		if old, ok := s.conns[row.ID]; ok && reflect.DeepEqual(old.cfg, cfg) {
			next[row.ID] = old
			continue
		}
		client, err := s.dial(cfg)
		if err != nil {
			s.logger.Warn("Skill %s: MCP client: %v", cfg.Name, err)
			continue
		}
		next[row.ID] = &skillConn{id: row.ID, cfg: cfg, client: client}
	}
	for id, conn := range s.conns {
		if next[id] != conn {
			closing = append(closing, conn)
		}
	}
	s.conns = next
	s.synced = true
	s.mu.Unlock()

	for _, conn := range closing {
		conn.client.Close()
		s.logger.Info("Skill %s: MCP connection closed", conn.cfg.Name)
	}
}

// clientConfig derives the MCP client config from a skill row. A stdio
// command wins over an HTTP URL when both are present.
func clientConfig(row store.SkillRow) (mcp.Config, error) {
	cfg := mcp.Config{
		Name:    row.Name,
		Env:     stringValueMap(row.Config["env"]),
		Headers: stringValueMap(row.Config["headers"]),
	}
	if cfg.Name == "" {
		cfg.Name = row.ID
	}
	switch {
	case row.StdioCommand != "":
		cfg.Command = row.StdioCommand
		cfg.Args = append([]string(nil), row.StdioArgs...)
	case row.HTTPURL != "":
		cfg.URL = row.HTTPURL
	default:
		return mcp.Config{}, fmt.Errorf("no stdio command or http url configured")
	}
	return cfg, nil
}

func stringValueMap(raw any) map[string]string {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (s *skillSet) ensureSynced(ctx context.Context) {
	s.mu.RLock()
	done := s.synced
	s.mu.RUnlock()
	if !done {
		s.sync(ctx)
	}
}

func (s *skillSet) has(ctx context.Context, skillID string) bool {
	s.ensureSynced(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[skillID]
	return ok
}

func (s *skillSet) call(ctx context.Context, skillID, toolName string, args map[string]any) (string, error) {
	s.ensureSynced(ctx)
	s.mu.RLock()
	conn := s.conns[skillID]
	s.mu.RUnlock()
	if conn == nil {
		return "", fmt.Errorf("no skill %s", skillID)
	}
	if err := s.ensureConnected(ctx, conn); err != nil {
		return "", err
	}
	out, err := conn.client.CallTool(ctx, toolName, args)
	if err != nil {
		var toolErr *mcp.ToolError
		if !errors.As(err, &toolErr) {
			// Transport fault: drop the session so the next call redials
			// under backoff.
			conn.client.Close()
		}
		return "", err
	}
	return out, nil
}

func (s *skillSet) ensureConnected(ctx context.Context, conn *skillConn) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.client.Connected() {
		return nil
	}
	if wait := time.Until(conn.nextAttempt); wait > 0 {
		return fmt.Errorf("skill %s unavailable, retrying in %s", conn.cfg.Name, wait.Round(time.Second))
	}
	if err := conn.client.Connect(ctx); err != nil {
		if conn.backoff <= 0 {
			conn.backoff = initialBackoff
		} else if conn.backoff < maxBackoff {
			conn.backoff *= 2
			if conn.backoff > maxBackoff {
				conn.backoff = maxBackoff
			}
		}
		conn.nextAttempt = time.Now().Add(conn.backoff)
		s.logger.Warn("Skill %s: connect failed: %v (next attempt in %s)", conn.cfg.Name, err, conn.backoff)
		return err
	}
	conn.backoff = 0
	conn.nextAttempt = time.Time{}
	return nil
}

// definitions lists every reachable skill's tools under the
// <skillID>__<tool> namespace. Skills that are down are skipped; their tools
// reappear once a connect succeeds and the resolved list is rebuilt.
func (s *skillSet) definitions(ctx context.Context) []llm.ToolDefinition {
	s.ensureSynced(ctx)
	s.mu.RLock()
	conns := make([]*skillConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].cfg.Name != conns[j].cfg.Name {
			return conns[i].cfg.Name < conns[j].cfg.Name
		}
		return conns[i].id < conns[j].id
	})

	var defs []llm.ToolDefinition
	for _, conn := range conns {
		if err := s.ensureConnected(ctx, conn); err != nil {
			s.logger.Debug("Skill %s: tools unavailable: %v", conn.cfg.Name, err)
			continue
		}
		list, err := conn.client.Tools(ctx)
		if err != nil {
			s.logger.Warn("Skill %s: list tools: %v", conn.cfg.Name, err)
			conn.client.Close()
			continue
		}
		for _, t := range list {
			params := t.InputSchema
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			desc := t.Description
			if desc == "" {
				desc = fmt.Sprintf("Tool %s from skill %s.", t.Name, conn.cfg.Name)
			}
			defs = append(defs, llm.ToolDefinition{
				Name:        conn.id + "__" + t.Name,
				Description: desc,
				Parameters:  params,
			})
		}
	}
	return defs
}

// names returns the configured skill names, for capability summaries.
func (s *skillSet) names(ctx context.Context) []string {
	s.ensureSynced(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn.cfg.Name)
	}
	sort.Strings(out)
	return out
}

func (s *skillSet) close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*skillConn)
	s.mu.Unlock()
	for _, conn := range conns {
		conn.client.Close()
	}
}
