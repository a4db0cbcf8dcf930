package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/quickosm/pkg/monitoring"
	"github.com/NERVsystems/quickosm/pkg/osm"
	"github.com/NERVsystems/quickosm/pkg/overpass"
	"github.com/NERVsystems/quickosm/pkg/tracing"
)

// Config holds the collaborators the tools use.
type Config struct {
	// Endpoints are the selectable interpreters. Empty selects
	// overpass.DefaultEndpoints().
	Endpoints overpass.Endpoints
	// Geocoder resolves geocode markers. Nil disables geocoding.
	Geocoder overpass.Geocoder
	// Downloader fetches results. Nil disables fetch_overpass_query.
	Downloader *osm.Downloader
}

// Registry contains all tool definitions and handlers
type Registry struct {
	logger *slog.Logger
	cfg    Config
}

// NewRegistry creates a new tool registry
func NewRegistry(logger *slog.Logger, cfg Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = overpass.DefaultEndpoints()
	}
	return &Registry{
		logger: logger,
		cfg:    cfg,
	}
}

// ToolDefinition represents a quickosm MCP tool definition.
type ToolDefinition struct {
	Name        string
	Description string
	Tool        mcp.Tool
	Handler     func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// GetToolDefinitions returns the list of all available tools.
func (r *Registry) GetToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		// Version and capability tools
		{
			Name:        "get_version",
			Description: "Get the version information for this quickosm server",
			Tool:        GetVersionTool(),
			Handler:     HandleGetVersion,
		},

		// Query construction tools
		{
			Name:        "build_overpass_query",
			Description: "Build an Overpass query for one tag. Parameters: key (string), value (string), osm_types (array), extent_template (boolean), place (string), around (boolean), distance (number), dialect (string: xml, oql)",
			Tool:        BuildOverpassQueryTool(),
			Handler:     HandleBuildOverpassQuery,
		},
		{
			Name:        "check_overpass_query",
			Description: "Check a query for unsupported Overpass Turbo shortcuts. Parameters: query (string)",
			Tool:        CheckOverpassQueryTool(),
			Handler:     HandleCheckOverpassQuery,
		},
		{
			Name:        "prepare_overpass_query",
			Description: "Fill in query markers and build the request URL. Parameters: query (string), extent (object with west/south/east/north), place (string), endpoint (string), output_format (string), geocode (boolean)",
			Tool:        PrepareOverpassQueryTool(),
			Handler:     r.HandlePrepareOverpassQuery,
		},

		// Interpreter tools
		{
			Name:        "list_overpass_endpoints",
			Description: "List the configured Overpass endpoints. Parameters: check (boolean)",
			Tool:        ListOverpassEndpointsTool(),
			Handler:     r.HandleListOverpassEndpoints,
		},
		{
			Name:        "fetch_overpass_query",
			Description: "Prepare a query and download the result. Parameters: as prepare_overpass_query plus max_bytes (number)",
			Tool:        FetchOverpassQueryTool(),
			Handler:     r.HandleFetchOverpassQuery,
		},
	}
}

// RegisterTools registers all tools with the MCP server.
func (r *Registry) RegisterTools(mcpServer *server.MCPServer) {
	for _, def := range r.GetToolDefinitions() {
		r.logger.Info("registering tool", "name", def.Name)
		// Wrap handler with tracing
		tracedHandler := r.wrapWithTracing(def.Name, def.Handler)
		mcpServer.AddTool(def.Tool, tracedHandler)
	}
}

// wrapWithTracing wraps a tool handler with OpenTelemetry tracing and request metrics
func (r *Registry) wrapWithTracing(toolName string, handler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Start span
		spanName := fmt.Sprintf("mcp.tool.%s", toolName)
		ctx, span := tracing.StartSpan(ctx, spanName,
			trace.WithAttributes(
				attribute.String(tracing.AttrMCPToolName, toolName),
			),
		)
		defer span.End()

		startTime := time.Now()
		result, err := handler(ctx, req)
		duration := time.Since(startTime)
		durationMs := duration.Milliseconds()

		// Tool failures are reported in the result, not as Go errors
		status := tracing.StatusSuccess
		if err != nil {
			status = tracing.StatusError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if IsErrorResult(result) {
			status = tracing.StatusError
			span.SetStatus(codes.Error, "tool returned an error result")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		monitoring.RecordMCPRequest(toolName, duration, status == tracing.StatusSuccess)

		// Calculate result size
		resultSize := 0
		if result != nil && result.Content != nil {
			if data, marshalErr := json.Marshal(result.Content); marshalErr == nil {
				resultSize = len(data)
			}
		}

		span.SetAttributes(tracing.MCPToolAttributes(toolName, status, durationMs, resultSize)...)

		r.logger.Debug("tool execution traced",
			"tool", toolName,
			"duration_ms", durationMs,
			"status", status,
			"result_size", resultSize,
		)

		return result, err
	}
}

// GetToolNames returns a list of all tool names.
func (r *Registry) GetToolNames() []string {
	defs := r.GetToolDefinitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}
