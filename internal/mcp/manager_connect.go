package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
)

// connectServer creates a client, runs the MCP handshake, discovers
// tools, and registers them under namespaced names.
func (m *Manager) connectServer(ctx context.Context, cfg config.MCPServer) error {
	transportType := transportFor(cfg)
	client, err := createClient(transportType, cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// stdio starts with the process; HTTP transports need an explicit start.
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "ouroboros",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{name: cfg.Name, transport: transportType, client: client}
	ss.connected.Store(true)

	var registered []string
	for _, tool := range listed.Tools {
		entry := m.bridgeEntry(ss, tool)
		if m.registry.Get(entry.Name) != nil {
			slog.Warn("mcp tool name collision, skipped", "server", cfg.Name, "tool", entry.Name)
			continue
		}
		m.registry.Register(entry)
		registered = append(registered, entry.Name)
	}
	ss.toolNames = registered

	m.mu.Lock()
	m.servers[cfg.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp server connected",
		"server", cfg.Name, "transport", transportType, "tools", len(registered))
	return nil
}

// transportFor picks the transport from the entry shape: a URL means
// HTTP, otherwise a stdio command.
func transportFor(cfg config.MCPServer) string {
	if cfg.URL != "" {
		return "http"
	}
	return "stdio"
}

func createClient(transportType string, cfg config.MCPServer) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %q: stdio transport needs a command", cfg.Name)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Env) > 0 {
			// For HTTP servers the env map carries request headers.
			opts = append(opts, transport.WithHTTPHeaders(cfg.Env))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

// bridgeEntry wraps one remote tool as a registry entry. Calls proxy
// through the client; transport errors flip the server's status.
func (m *Manager) bridgeEntry(ss *serverState, tool mcpgo.Tool) *tools.Entry {
	name := toolName(ss.name, tool.Name)
	remote := tool.Name
	return &tools.Entry{
		Name:        name,
		Description: describeTool(ss.name, tool.Description),
		Schema:      schemaMap(tool.InputSchema),
		TimeoutSec:  defaultToolTimeoutSec,
		Handler: func(ctx context.Context, tc *tools.TaskContext, args map[string]any) *tools.Result {
			req := mcpgo.CallToolRequest{}
			req.Params.Name = remote
			req.Params.Arguments = args
			res, err := ss.client.CallTool(ctx, req)
			if err != nil {
				ss.connected.Store(false)
				ss.setErr(err.Error())
				return tools.ErrorResult(fmt.Sprintf("mcp call %s failed: %v", name, err)).WithError(err)
			}
			return callResult(res)
		},
	}
}

// toolName namespaces a remote tool: mcp_<server>_<tool>.
func toolName(server, tool string) string {
	return "mcp_" + server + "_" + tool
}

func describeTool(server, desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		desc = "Remote tool."
	}
	return fmt.Sprintf("[MCP %s] %s", server, desc)
}

// schemaMap converts the wire schema into the registry's JSON-Schema
// parameters object.
func schemaMap(in mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(in)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	if t, _ := out["type"].(string); t == "" {
		out["type"] = "object"
	}
	return out
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

// callResult flattens an MCP result into tool output: text parts are
// joined, anything else is carried as JSON.
func callResult(res *mcpgo.CallToolResult) *tools.Result {
	var b strings.Builder
	for _, part := range res.Content {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if text, ok := part.(mcpgo.TextContent); ok {
			b.WriteString(text.Text)
			continue
		}
		if data, err := json.Marshal(part); err == nil {
			b.Write(data)
		}
	}
	out := b.String()
	if res.IsError {
		if out == "" {
			out = "tool reported an error"
		}
		return tools.ErrorResult(out)
	}
	if out == "" {
		out = "(empty result)"
	}
	return tools.SilentResult(out)
}
