// Package mcp implements a Model Context Protocol client. A Client owns one
// connection to one server, performs the initialize handshake, and exposes
// the server's tools. Transports cover stdio child processes and streamable
// HTTP endpoints.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cortex/internal/logging"
	"cortex/internal/tools/mcp/protocol"
	"cortex/internal/tools/mcp/transport"
)

const clientVersion = "1.0.0"

// Transport moves JSON-RPC messages to and from a server.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, method string, params any) (*protocol.Response, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// Config selects and configures a transport. Command takes precedence over
// URL when both are set.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// Client is a connected MCP server. Tool lists are fetched lazily and cached
// until Invalidate or Reconnect.
type Client struct {
	name      string
	transport Transport
	logger    logging.Logger

	mu         sync.RWMutex
	connected  bool
	tools      []protocol.Tool
	serverInfo protocol.ServerInfo
}

// NewClient builds a client from config. It does not connect.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp client requires a name")
	}
	logger = logging.OrNop(logger)

	var tr Transport
	switch {
	case cfg.Command != "":
		tr = transport.NewStdio(transport.StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     envList(cfg.Env),
		}, logger)
	case cfg.URL != "":
		tr = transport.NewHTTP(transport.HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
		}, logger)
	default:
		return nil, fmt.Errorf("mcp client %s: config needs a command or a url", cfg.Name)
	}

	return &Client{name: cfg.Name, transport: tr, logger: logger}, nil
}

// NewClientWithTransport wires a prebuilt transport, mainly for tests.
func NewClientWithTransport(name string, tr Transport, logger logging.Logger) *Client {
	return &Client{name: name, transport: tr, logger: logging.OrNop(logger)}
}

// Connect dials the transport and runs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.name, err)
	}

	resp, err := c.transport.Send(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    protocol.ClientCapabilities{},
		ClientInfo:      protocol.ClientInfo{Name: "cortex", Version: clientVersion},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize %s: decode result: %w", c.name, err)
	}

	// Some servers work without this; failure is not fatal.
	if err := c.transport.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		c.logger.Debug("MCP %s: initialized notification failed: %v", c.name, err)
	}

	c.mu.Lock()
	c.connected = true
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("MCP client %s connected to %s %s", c.name, result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// Tools returns the server's tool list, fetching it on first use.
func (c *Client) Tools(ctx context.Context) ([]protocol.Tool, error) {
	c.mu.RLock()
	cached := c.tools
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	return c.fetchTools(ctx)
}

func (c *Client) fetchTools(ctx context.Context) ([]protocol.Tool, error) {
	tools := []protocol.Tool{}
	cursor := ""
	for {
		resp, err := c.transport.Send(ctx, protocol.MethodToolsList, protocol.ToolsListParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list tools %s: %w", c.name, err)
		}
		var page protocol.ToolsListResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("list tools %s: decode result: %w", c.name, err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// Invalidate drops the cached tool list; the next Tools call re-fetches.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
}

// ToolError is a failure the server reported as a tool result rather than a
// protocol fault. The connection is still healthy.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Text)
}

// CallTool invokes a tool and flattens its content blocks into one string.
// A result marked isError comes back as a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := c.transport.Send(ctx, protocol.MethodToolsCall, protocol.ToolsCallParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", name, c.name, err)
	}

	var result protocol.ToolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("call %s on %s: decode result: %w", name, c.name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", &ToolError{Tool: name, Text: text}
	}
	return text, nil
}

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Send(ctx, protocol.MethodPing, nil)
	return err
}

// Reconnect tears the connection down and redials. The cached tool list is
// dropped so callers see the server's current tools.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.tools = nil
	c.serverInfo = protocol.ServerInfo{}
	c.mu.Unlock()

	c.transport.Close()
	return c.Connect(ctx)
}

// Close disconnects. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.tools = nil
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}
	return c.transport.Close()
}

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Name returns the client's configured name.
func (c *Client) Name() string { return c.name }

// ServerInfo returns the identity the server reported during the handshake.
func (c *Client) ServerInfo() protocol.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func flattenContent(blocks []protocol.Content) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[image %s]", b.MimeType))
		default:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
