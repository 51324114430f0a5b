package mcp

import (
	"context"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
)

func TestTransportFor(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MCPServer
		want string
	}{
		{"url means http", config.MCPServer{Name: "web", URL: "http://127.0.0.1:9/mcp"}, "http"},
		{"command means stdio", config.MCPServer{Name: "fs", Command: "mcp-fs"}, "stdio"},
		{"url wins over command", config.MCPServer{Name: "both", Command: "x", URL: "http://h/mcp"}, "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transportFor(tt.cfg); got != tt.want {
				t.Errorf("transportFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolNameNamespacing(t *testing.T) {
	if got := toolName("github", "create_issue"); got != "mcp_github_create_issue" {
		t.Errorf("toolName() = %q, want mcp_github_create_issue", got)
	}
}

func TestSchemaMapRoundTrip(t *testing.T) {
	in := mcpgo.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{"type": "string"},
		},
		Required: []string{"query"},
	}
	out := schemaMap(in)
	if out["type"] != "object" {
		t.Errorf("type = %v, want object", out["type"])
	}
	props, ok := out["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", out)
	}
	q, ok := props["query"].(map[string]any)
	if !ok || q["type"] != "string" {
		t.Errorf("query schema = %v, want string type", props["query"])
	}
}

func TestSchemaMapEmptyDefaultsToObject(t *testing.T) {
	out := schemaMap(mcpgo.ToolInputSchema{})
	if out["type"] != "object" {
		t.Errorf("type = %v, want object fallback", out["type"])
	}
}

func TestCallResult(t *testing.T) {
	t.Run("joins text parts", func(t *testing.T) {
		res := callResult(&mcpgo.CallToolResult{Content: []mcpgo.Content{
			mcpgo.TextContent{Type: "text", Text: "first"},
			mcpgo.TextContent{Type: "text", Text: "second"},
		}})
		if res.IsError {
			t.Fatal("unexpected error result")
		}
		if res.ForLLM != "first\nsecond" {
			t.Errorf("ForLLM = %q, want joined text", res.ForLLM)
		}
		if !res.Silent {
			t.Error("tool output should not auto-forward to the owner")
		}
	})

	t.Run("error flag propagates", func(t *testing.T) {
		res := callResult(&mcpgo.CallToolResult{
			IsError: true,
			Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "boom"}},
		})
		if !res.IsError || res.ForLLM != "boom" {
			t.Errorf("got IsError=%v ForLLM=%q, want error boom", res.IsError, res.ForLLM)
		}
	})

	t.Run("empty error gets a message", func(t *testing.T) {
		res := callResult(&mcpgo.CallToolResult{IsError: true})
		if !res.IsError || res.ForLLM == "" {
			t.Errorf("got IsError=%v ForLLM=%q, want non-empty error text", res.IsError, res.ForLLM)
		}
	})

	t.Run("empty success gets a placeholder", func(t *testing.T) {
		res := callResult(&mcpgo.CallToolResult{})
		if res.IsError || res.ForLLM == "" {
			t.Errorf("got IsError=%v ForLLM=%q, want placeholder text", res.IsError, res.ForLLM)
		}
	})
}

func TestStartRecordsFailedServer(t *testing.T) {
	reg := tools.NewRegistry(nil)
	m := NewManager(reg, []config.MCPServer{
		{Name: "ghost", Command: "/nonexistent/mcp-server-binary"},
	})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Start() = nil error, want connect failure summary")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error does not name the server: %v", err)
	}

	status := m.Status()
	if len(status) != 1 {
		t.Fatalf("Status() = %d entries, want 1", len(status))
	}
	if status[0].Connected || status[0].Error == "" || status[0].ToolCount != 0 {
		t.Errorf("status = %+v, want disconnected with an error", status[0])
	}
	if names := reg.Names(); len(names) != 0 {
		t.Errorf("registry gained tools from a failed server: %v", names)
	}
}

func TestStartSkipsUnnamedEntries(t *testing.T) {
	reg := tools.NewRegistry(nil)
	m := NewManager(reg, []config.MCPServer{{Command: "whatever"}})
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start() with only unnamed entries = %v, want nil", err)
	}
	if len(m.Status()) != 0 {
		t.Errorf("unnamed entry was recorded: %v", m.Status())
	}
}

func TestEnvSlice(t *testing.T) {
	if got := envSlice(nil); got != nil {
		t.Errorf("envSlice(nil) = %v, want nil", got)
	}
	got := envSlice(map[string]string{"API_KEY": "secret"})
	if len(got) != 1 || got[0] != "API_KEY=secret" {
		t.Errorf("envSlice() = %v, want [API_KEY=secret]", got)
	}
}
