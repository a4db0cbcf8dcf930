// Package tools provides the Overpass query MCP tools implementations.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/quickosm/pkg/nominatim"
	"github.com/NERVsystems/quickosm/pkg/osm"
	"github.com/NERVsystems/quickosm/pkg/overpass"
)

// APIError represents an error that occurred while communicating with
// an external API service, with information to help users recover.
type APIError struct {
	Service     string // The API service name (e.g., "Nominatim", "Overpass")
	StatusCode  int    // HTTP status code
	Message     string // Error message
	Recoverable bool   // Whether the error can be recovered from
	Guidance    string // Guidance for users on how to recover
}

// Error implements the error interface and provides a formatted error message.
func (e *APIError) Error() string {
	if e.Guidance != "" {
		return fmt.Sprintf("%s API error (%d): %s. %s", e.Service, e.StatusCode, e.Message, e.Guidance)
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Service, e.StatusCode, e.Message)
}

// Common error guidance messages
const (
	// Nominatim guidance
	GuidanceNominatimAddressFormat = "Try using a more standard place name or add the region and country."
	GuidanceNominatimRateLimit     = "Please try again in a few seconds."
	GuidanceNominatimGeneral       = "Check the place name and try again."

	// Overpass guidance
	GuidanceOverpassTimeout   = "Consider raising the query timeout, shrinking the extent or adding more specific filters."
	GuidanceOverpassRateLimit = "The Overpass API is currently experiencing high load. Please try again in a minute or pick another endpoint."
	GuidanceOverpassSyntax    = "The interpreter rejected the query. Check it with check_overpass_query and try again."
	GuidanceOverpassMemory    = "The query requires too much memory. Try reducing the extent or adding more specific filters."

	// Query construction guidance
	GuidanceQueryGeneral      = "Correct the query parameters and try again."
	GuidanceUnsupportedMarker = "Remove the Overpass Turbo shortcut from the query or replace it with a literal value."

	// Generic guidance
	GuidanceGeneral      = "Please try again later or modify your request parameters."
	GuidanceNetworkError = "Check your internet connection and try again."
)

// ErrorResponse returns a tool error result carrying message.
func ErrorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// NewAPIError creates a new APIError with appropriate guidance based on status code.
func NewAPIError(service string, statusCode int, message, guidance string) *APIError {
	// Use provided guidance if available, otherwise infer based on status code
	if guidance == "" {
		switch statusCode {
		case http.StatusTooManyRequests:
			guidance = "Rate limit exceeded. Please try again in a few moments."
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			guidance = "The request timed out. Try reducing the search area or simplifying the query."
		case http.StatusBadRequest:
			guidance = "The request was invalid. Check your parameters and try again."
		case http.StatusInternalServerError:
			guidance = "The server encountered an error. This is likely temporary, please try again later."
		case http.StatusServiceUnavailable:
			guidance = "The service is temporarily unavailable. Please try again later."
		default:
			guidance = GuidanceGeneral
		}
	}

	return &APIError{
		Service:     service,
		StatusCode:  statusCode,
		Message:     message,
		Recoverable: statusCode != http.StatusBadRequest, // Most errors except bad requests are recoverable
		Guidance:    guidance,
	}
}

// ErrorWithGuidance returns a properly formatted error response with user guidance.
func ErrorWithGuidance(err *APIError) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s\n\nGuidance: %s", err.Message, err.Guidance)
	return mcp.NewToolResultError(errorText)
}

// AsAPIError classifies err into an APIError with guidance. It returns nil
// for errors it does not recognise.
func AsAPIError(err error) *APIError {
	var (
		constructionErr *overpass.ConstructionError
		unsupportedErr  *overpass.UnsupportedQueryError
		downloadErr     *osm.DownloadError
		nominatimErr    *nominatim.APIError
	)

	switch {
	case errors.As(err, &constructionErr):
		guidance := constructionErr.Guidance
		if guidance == "" {
			guidance = GuidanceQueryGeneral
		}
		return &APIError{
			Service:     "QueryBuilder",
			StatusCode:  http.StatusBadRequest,
			Message:     fmt.Sprintf("%s: %s", constructionErr.Code, constructionErr.Message),
			Recoverable: true,
			Guidance:    guidance,
		}
	case errors.As(err, &unsupportedErr):
		return &APIError{
			Service:     "QueryBuilder",
			StatusCode:  http.StatusBadRequest,
			Message:     unsupportedErr.Error(),
			Recoverable: true,
			Guidance:    GuidanceUnsupportedMarker,
		}
	case errors.As(err, &downloadErr):
		return NewAPIError("Overpass", downloadErr.StatusCode, downloadErr.Error(), overpassGuidance(downloadErr))
	case errors.As(err, &nominatimErr):
		guidance := ""
		if nominatimErr.StatusCode == http.StatusTooManyRequests {
			guidance = GuidanceNominatimRateLimit
		}
		return NewAPIError("Nominatim", nominatimErr.StatusCode, err.Error(), guidance)
	case errors.Is(err, nominatim.ErrNoResults):
		return NewAPIError("Nominatim", http.StatusNotFound, err.Error(), GuidanceNominatimAddressFormat)
	case errors.Is(err, context.DeadlineExceeded):
		return NewAPIError("Overpass", http.StatusGatewayTimeout, err.Error(), GuidanceOverpassTimeout)
	}

	var netErr *url.Error
	if errors.As(err, &netErr) {
		return NewAPIError("Network", http.StatusBadGateway, err.Error(), GuidanceNetworkError)
	}
	return nil
}

// overpassGuidance picks guidance from the status and the error text the
// interpreter sent back.
func overpassGuidance(err *osm.DownloadError) string {
	body := strings.ToLower(err.Body)
	switch {
	case strings.Contains(body, "out of memory"):
		return GuidanceOverpassMemory
	case err.StatusCode == http.StatusTooManyRequests:
		return GuidanceOverpassRateLimit
	case err.StatusCode == http.StatusGatewayTimeout || strings.Contains(body, "timeout"):
		return GuidanceOverpassTimeout
	case err.StatusCode == http.StatusBadRequest:
		return GuidanceOverpassSyntax
	}
	return ""
}

// errorResult converts err into a tool error result, with guidance when the
// error kind is known.
func errorResult(err error) *mcp.CallToolResult {
	if apiErr := AsAPIError(err); apiErr != nil {
		return ErrorWithGuidance(apiErr)
	}
	return ErrorResponse(fmt.Sprintf("Failed to process request: %v", err))
}

// GetToolUsageExample returns an example JSON snippet for using a specific tool
// This is helpful for providing guidance when parameter validation fails
func GetToolUsageExample(toolName string) string {
	examples := map[string]string{
		"build_overpass_query": `{
  "key": "amenity",
  "value": "restaurant",
  "osm_types": ["node", "way"],
  "place": "Paris",
  "dialect": "oql"
}`,
		"check_overpass_query": `{
  "query": "[out:json];node[amenity=cafe]({{bbox}});out;"
}`,
		"prepare_overpass_query": `{
  "query": "[out:json];node[amenity=cafe]({{bbox}});out;",
  "extent": {"west": 2.25, "south": 48.81, "east": 2.42, "north": 48.90}
}`,
		"fetch_overpass_query": `{
  "query": "[out:json];node[amenity=cafe]({{bbox}});out;",
  "extent": {"west": 2.34, "south": 48.85, "east": 2.35, "north": 48.86},
  "max_bytes": 65536
}`,
		"list_overpass_endpoints": `{
  "check": true
}`,
	}

	if example, exists := examples[toolName]; exists {
		return example
	}

	return `{}`
}

// missingParameter reports a missing required parameter with an example.
func missingParameter(toolName, name string) *mcp.CallToolResult {
	return ErrorWithGuidance(&APIError{
		Service:     "Validation",
		StatusCode:  http.StatusBadRequest,
		Message:     fmt.Sprintf("Missing required parameter: %s", name),
		Recoverable: true,
		Guidance:    fmt.Sprintf("Example: %s", GetToolUsageExample(toolName)),
	})
}
