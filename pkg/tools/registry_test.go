package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/NERVsystems/quickosm/pkg/monitoring"
	"github.com/NERVsystems/quickosm/pkg/overpass"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_GetToolNames(t *testing.T) {
	r := NewRegistry(testLogger(), Config{})
	names := r.GetToolNames()

	expected := []string{
		"get_version",
		"build_overpass_query",
		"check_overpass_query",
		"prepare_overpass_query",
		"list_overpass_endpoints",
		"fetch_overpass_query",
	}
	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i, name := range expected {
		if names[i] != name {
			t.Errorf("tool %d: expected %s, got %s", i, name, names[i])
		}
	}
}

func TestRegistry_ToolDefinitionsMatch(t *testing.T) {
	r := NewRegistry(testLogger(), Config{})
	for _, def := range r.GetToolDefinitions() {
		if def.Tool.Name != def.Name {
			t.Errorf("definition %s wraps tool %s", def.Name, def.Tool.Name)
		}
		if def.Handler == nil {
			t.Errorf("definition %s has no handler", def.Name)
		}
		if def.Description == "" {
			t.Errorf("definition %s has no description", def.Name)
		}
	}
}

func TestRegistry_DefaultEndpoints(t *testing.T) {
	r := NewRegistry(nil, Config{})
	if got, want := r.cfg.Endpoints.Default(), overpass.DefaultEndpoints().Default(); got != want {
		t.Errorf("default endpoint = %s, want %s", got, want)
	}
}

func TestRegistry_RegisterTools(t *testing.T) {
	r := NewRegistry(testLogger(), Config{})
	srv := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(false))
	r.RegisterTools(srv)

	tools := srv.ListTools()
	for _, name := range r.GetToolNames() {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s was not registered", name)
		}
	}
}

func TestWrapWithTracing_RecordsMetrics(t *testing.T) {
	monitoring.MCPRequestsTotal.Reset()
	r := NewRegistry(testLogger(), Config{})

	ok := r.wrapWithTracing("ok_tool", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("{}"), nil
	})
	failed := r.wrapWithTracing("failed_tool", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return ErrorResponse("bad input"), nil
	})
	broken := r.wrapWithTracing("broken_tool", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("boom")
	})

	if _, err := ok(context.Background(), mcp.CallToolRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := failed(context.Background(), mcp.CallToolRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := broken(context.Background(), mcp.CallToolRequest{}); err == nil {
		t.Fatal("expected the handler error to be returned")
	}

	if got := testutil.ToFloat64(monitoring.MCPRequestsTotal.WithLabelValues("ok_tool", "success")); got != 1 {
		t.Errorf("expected 1 successful request, got %v", got)
	}
	if got := testutil.ToFloat64(monitoring.MCPRequestsTotal.WithLabelValues("failed_tool", "error")); got != 1 {
		t.Errorf("expected 1 failed request, got %v", got)
	}
	if got := testutil.ToFloat64(monitoring.MCPRequestsTotal.WithLabelValues("broken_tool", "error")); got != 1 {
		t.Errorf("expected 1 broken request, got %v", got)
	}
}
