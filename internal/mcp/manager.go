// Package mcp bridges external Model Context Protocol servers into the
// agent's tool surface. Each configured server is spawned as a stdio
// subprocess, its tools discovered at connect time, and calls routed
// through a single mcp_call tool.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/clawlite/clawlite/internal/config"
	"github.com/clawlite/clawlite/internal/errs"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10

	defaultCallTimeout = 60 * time.Second
)

// ToolInfo describes one tool a connected server advertises.
type ToolInfo struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServerStatus reports one server's connection state, for /v1/status.
type ServerStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single server connection.
type serverState struct {
	name      string
	client    *mcpclient.Client
	connected atomic.Bool
	tools     []mcpgo.Tool
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager owns the configured MCP server connections.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverState
	configs map[string]config.MCPServerConfig
}

func NewManager(configs map[string]config.MCPServerConfig) *Manager {
	return &Manager{
		servers: make(map[string]*serverState),
		configs: configs,
	}
}

// Start connects every enabled server. A server that fails to connect
// is logged and skipped; the rest of the runtime boots without it.
func (m *Manager) Start(ctx context.Context) {
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			slog.Info("mcp.server.disabled", "server", name)
			continue
		}
		if err := m.connect(ctx, name, cfg); err != nil {
			slog.Warn("mcp.server.connect_failed", "server", name, "error", err)
		}
	}
}

// connect spawns the server, runs the MCP handshake, and discovers its
// tools.
func (m *Manager) connect(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", cfg.Command, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "clawlite",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{
		name:   name,
		client: client,
		tools:  toolsResult.Tools,
	}
	ss.connected.Store(true)

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	slog.Info("mcp.server.connected", "server", name, "tools", len(ss.tools))
	return nil
}

// Tools lists every advertised tool across connected servers, sorted by
// server then tool name.
func (m *Manager) Tools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []ToolInfo
	for _, ss := range m.servers {
		for _, t := range ss.tools {
			infos = append(infos, ToolInfo{
				Server:      ss.name,
				Name:        t.Name,
				Description: t.Description,
			})
		}
	}
	sortToolInfos(infos)
	return infos
}

// Call invokes a tool on a server and flattens the text content of the
// result. A result the server marks as an error comes back as one.
func (m *Manager) Call(ctx context.Context, server, tool string, args map[string]interface{}) (string, error) {
	m.mu.RLock()
	ss, ok := m.servers[server]
	m.mu.RUnlock()
	if !ok {
		return "", errs.New(errs.ToolNotFound, "mcp server %q not connected", server)
	}
	if !ss.connected.Load() {
		return "", errs.New(errs.ChannelUnavailable, "mcp server %q unavailable", server)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := ss.client.CallTool(callCtx, req)
	if err != nil {
		return "", errs.Wrap(errs.ToolFailed, err, "mcp call %s/%s", server, tool)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", errs.New(errs.ToolFailed, "mcp tool %s/%s failed: %s", server, tool, text)
	}
	return text, nil
}

// Status reports the connection state of every server.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.tools),
			Error:     lastErr,
		})
	}
	return statuses
}

// Close shuts down every server connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if err := ss.client.Close(); err != nil {
			slog.Debug("mcp.server.close_error", "server", name, "error", err)
		}
	}
	m.servers = make(map[string]*serverState)
}

// healthLoop pings the server periodically and reconnects on failure.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil || isMethodNotFound(err) {
				// Servers without "ping" are still alive.
				ss.connected.Store(true)
				ss.mu.Lock()
				ss.reconnAttempts = 0
				ss.lastErr = ""
				ss.mu.Unlock()
				continue
			}

			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()
			slog.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

// tryReconnect probes again with exponential backoff.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	slog.Info("mcp.server.reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	// The stdio transport may have recovered on its own.
	if err := ss.client.Ping(ctx); err == nil {
		ss.connected.Store(true)
		ss.mu.Lock()
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		slog.Info("mcp.server.reconnected", "server", ss.name)
	}
}
