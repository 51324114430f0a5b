// Package mcp sources tool registry entries from external MCP servers.
// Each configured server is connected once at startup; its tools are
// registered under namespaced names (mcp_<server>_<tool>) and proxied
// through the client. A server that fails to connect stays disabled
// for the rest of the session.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
)

// Per-call ceiling for proxied tools.
const defaultToolTimeoutSec = 60

// ServerStatus reports one server's connection state for status and
// doctor output.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string

	mu      sync.Mutex
	lastErr string
}

func (ss *serverState) setErr(msg string) {
	ss.mu.Lock()
	ss.lastErr = msg
	ss.mu.Unlock()
}

// Manager connects configured MCP servers and owns their registry entries.
type Manager struct {
	registry *tools.Registry
	configs  []config.MCPServer

	mu      sync.RWMutex
	servers map[string]*serverState
}

// NewManager builds a manager over the settings server list.
func NewManager(registry *tools.Registry, configs []config.MCPServer) *Manager {
	return &Manager{
		registry: registry,
		configs:  configs,
		servers:  make(map[string]*serverState),
	}
}

// Start connects every configured server and registers its tools.
// Connection failures are logged and recorded; the server stays
// disabled for the session. The returned error summarizes failures
// for callers that want to surface them, and is safe to ignore.
func (m *Manager) Start(ctx context.Context) error {
	var failed []string
	for _, cfg := range m.configs {
		if cfg.Name == "" {
			slog.Warn("mcp server entry without a name skipped")
			continue
		}
		if err := m.connectServer(ctx, cfg); err != nil {
			slog.Warn("mcp server disabled for this session", "server", cfg.Name, "error", err)
			m.recordFailure(cfg, err)
			failed = append(failed, fmt.Sprintf("%s: %v", cfg.Name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("mcp servers failed to connect: %s", joinSemicolon(failed))
	}
	return nil
}

// recordFailure keeps a disabled entry so status output names it.
func (m *Manager) recordFailure(cfg config.MCPServer, err error) {
	ss := &serverState{name: cfg.Name, transport: transportFor(cfg)}
	ss.lastErr = err.Error()
	m.mu.Lock()
	m.servers[cfg.Name] = ss
	m.mu.Unlock()
}

// Stop closes every connection and removes the proxied tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ss := range m.servers {
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp server close failed", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
	}
	m.servers = make(map[string]*serverState)
}

// ToolNames returns every registered MCP tool name.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	return names
}

// Status reports all servers, connected or disabled.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		out = append(out, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return out
}

func joinSemicolon(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}
