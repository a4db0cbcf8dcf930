package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/quickosm/pkg/osm"
	"github.com/NERVsystems/quickosm/pkg/overpass"
)

// InputParser is a generic function to parse request arguments into a strongly typed struct
func InputParser[T any](req mcp.CallToolRequest) (T, *mcp.CallToolResult, error) {
	var input T

	// Convert the arguments to JSON
	inputJSON, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return input, ErrorResponse(fmt.Sprintf("Invalid input format: %v", err)), err
	}

	// Parse into the specified type
	if err := json.Unmarshal(inputJSON, &input); err != nil {
		return input, ErrorResponse(fmt.Sprintf("Failed to parse input: %v", err)), err
	}

	return input, nil, nil
}

// WithParsedInput is a higher-order function that handles request parsing and error handling
func WithParsedInput[T any](
	handlerName string,
	handler func(ctx context.Context, input T, logger *slog.Logger) (interface{}, error),
) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		logger := slog.Default().With("tool", handlerName)

		// Parse the input
		input, errResult, err := InputParser[T](req)
		if err != nil {
			logger.Error("failed to parse input", "error", err)
			return errResult, nil
		}

		// Call the handler with the parsed input
		result, err := handler(ctx, input, logger)
		if err != nil {
			logger.Error("handler error", "error", err)
			return errorResult(err), nil
		}

		return jsonResult(logger, result), nil
	}
}

// jsonResult marshals result into a text result.
func jsonResult(logger *slog.Logger, result interface{}) *mcp.CallToolResult {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		logger.Error("failed to marshal result", "error", err)
		return ErrorResponse("Failed to generate result")
	}
	return mcp.NewToolResultText(string(resultBytes))
}

// ValidateExtent checks an extent given as tool input.
func ValidateExtent(extent *overpass.Extent) error {
	if extent == nil {
		return nil
	}
	if err := osm.ValidateExtent(extent.West, extent.South, extent.East, extent.North); err != nil {
		return overpass.NewConstructionError(overpass.ErrInvalidInput, err.Error()).
			WithGuidance("Give the extent as {west, south, east, north} in degrees")
	}
	return nil
}

// parseOutputFormat accepts "", "xml" and "json".
func parseOutputFormat(s string) (overpass.OutputFormat, error) {
	switch format := overpass.OutputFormat(strings.ToLower(strings.TrimSpace(s))); format {
	case "", overpass.FormatXML, overpass.FormatJSON:
		return format, nil
	}
	return "", overpass.NewConstructionError(overpass.ErrInvalidInput, fmt.Sprintf("unknown output format %q", s)).
		WithGuidance("Use xml or json")
}

// parsePrintMode accepts "" and the known print modes.
func parsePrintMode(s string) (overpass.PrintMode, error) {
	mode := overpass.PrintMode(strings.ToLower(strings.TrimSpace(s)))
	switch mode {
	case "", overpass.PrintIDsOnly, overpass.PrintSkeleton, overpass.PrintBody, overpass.PrintTags, overpass.PrintMeta:
		return mode, nil
	}
	return "", overpass.NewConstructionError(overpass.ErrInvalidInput, fmt.Sprintf("unknown print mode %q", s)).
		WithGuidance("Use one of ids_only, skeleton, body, tags or meta")
}

// IsErrorResult reports whether a tool returned an error result.
func IsErrorResult(result *mcp.CallToolResult) bool {
	return result != nil && result.IsError
}

// ResultText returns the first text content of a tool result.
func ResultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, c := range result.Content {
		if text, ok := c.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}
