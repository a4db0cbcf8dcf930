package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/quickosm/pkg/monitoring"
	"github.com/NERVsystems/quickosm/pkg/osm"
	"github.com/NERVsystems/quickosm/pkg/overpass"
	"github.com/NERVsystems/quickosm/pkg/tracing"
)

const (
	// defaultMaxBytes bounds how much of a fetched result is returned to the client.
	defaultMaxBytes = 1 << 20

	maxTagKeyLength   = 100 // Maximum length of tag keys
	maxTagValueLength = 200 // Maximum length of tag values
	maxPlaceLength    = 500 // Maximum length of the place list
)

// validateTag checks the tag key and value for length and control characters.
func validateTag(key, value string) error {
	if len(key) > maxTagKeyLength {
		return fmt.Errorf("tag key too long: %d characters (maximum: %d)", len(key), maxTagKeyLength)
	}
	if len(value) > maxTagValueLength {
		return fmt.Errorf("tag value too long: %d characters (maximum: %d)", len(value), maxTagValueLength)
	}
	if strings.ContainsAny(key, "\x00\r\n\t") {
		return fmt.Errorf("tag key contains invalid characters")
	}
	if strings.ContainsAny(value, "\x00\r\n\t") {
		return fmt.Errorf("tag value contains invalid characters")
	}
	return nil
}

// BuildQueryInput defines the input parameters for building a query
type BuildQueryInput struct {
	Key            string   `json:"key"`
	Value          string   `json:"value,omitempty"`
	OSMTypes       []string `json:"osm_types,omitempty"`
	ExtentTemplate bool     `json:"extent_template,omitempty"`
	Place          string   `json:"place,omitempty"`
	Around         bool     `json:"around,omitempty"`
	Distance       int      `json:"distance,omitempty"`
	Timeout        int      `json:"timeout,omitempty"`
	Output         string   `json:"output,omitempty"`
	PrintMode      string   `json:"print_mode,omitempty"`
	Dialect        string   `json:"dialect,omitempty"`
}

// FilterSpec converts the input into a filter spec, applying the builder
// defaults for omitted fields.
func (in BuildQueryInput) FilterSpec() (overpass.FilterSpec, error) {
	spec := overpass.NewFilterSpec(strings.TrimSpace(in.Key))
	if err := validateTag(spec.Key, in.Value); err != nil {
		return spec, overpass.NewConstructionError(overpass.ErrInvalidInput, err.Error())
	}
	if len(in.Place) > maxPlaceLength {
		return spec, overpass.NewConstructionError(overpass.ErrInvalidInput,
			fmt.Sprintf("place too long: %d characters (maximum: %d)", len(in.Place), maxPlaceLength))
	}
	spec.Value = in.Value
	spec.ExtentTemplate = in.ExtentTemplate
	spec.Place = in.Place
	spec.Around = in.Around
	spec.Distance = in.Distance
	if in.Timeout > 0 {
		spec.Timeout = in.Timeout
	}

	if len(in.OSMTypes) > 0 {
		spec.OSMTypes = make([]overpass.OSMType, 0, len(in.OSMTypes))
		for _, t := range in.OSMTypes {
			spec.OSMTypes = append(spec.OSMTypes, overpass.OSMType(strings.ToLower(strings.TrimSpace(t))))
		}
	}

	dialect, ok := overpass.ParseDialect(strings.ToLower(strings.TrimSpace(in.Dialect)))
	if !ok {
		return spec, overpass.NewConstructionError(overpass.ErrInvalidInput, fmt.Sprintf("unknown dialect %q", in.Dialect)).
			WithGuidance("Use xml or oql")
	}
	spec.Dialect = dialect

	output, err := parseOutputFormat(in.Output)
	if err != nil {
		return spec, err
	}
	if output != "" {
		spec.Output = output
	}

	mode, err := parsePrintMode(in.PrintMode)
	if err != nil {
		return spec, err
	}
	if mode != "" {
		spec.PrintMode = mode
	}

	return spec, nil
}

// BuildQueryOutput defines the output of a built query
type BuildQueryOutput struct {
	Query   string `json:"query"`
	Dialect string `json:"dialect"`
}

// BuildQuery generates the query for spec and records the outcome.
func BuildQuery(spec overpass.FilterSpec) (string, error) {
	query, err := overpass.NewQueryFactory(spec).Make()
	monitoring.RecordQueryBuilt(spec.Dialect.String(), err == nil)
	if err != nil {
		monitoring.RecordError("query_builder", "construction")
		return "", err
	}
	return query, nil
}

// PrepareQuery substitutes the markers of query and renders the request.
// Geocode markers are resolved only when g is not nil.
func PrepareQuery(ctx context.Context, query string, opts overpass.PrepareOptions, g overpass.Geocoder) (overpass.PreparedRequest, error) {
	p := overpass.NewPreparation(query, opts)
	dialect := p.Dialect().String()

	ctx, span := tracing.StartSpan(ctx, "overpass.prepare",
		trace.WithAttributes(tracing.QueryAttributes(dialect, opts.Endpoint, len(query))...),
	)
	req, err := prepare(ctx, p, g)
	monitoring.RecordQueryPrepared(dialect, err == nil)
	if err != nil {
		var unsupported *overpass.UnsupportedQueryError
		if errors.As(err, &unsupported) {
			monitoring.RecordQueryRejected(unsupported.Token)
			span.SetAttributes(attribute.String(tracing.AttrQueryRejected, unsupported.Token))
		}
		tracing.Finish(span, err)
		return overpass.PreparedRequest{}, err
	}
	tracing.Finish(span, nil)
	return req, nil
}

func prepare(ctx context.Context, p *overpass.Preparation, g overpass.Geocoder) (overpass.PreparedRequest, error) {
	if _, err := p.Prepare(); err != nil {
		return overpass.PreparedRequest{}, err
	}
	if g != nil {
		if _, err := p.ResolveGeocodes(ctx, g); err != nil {
			return overpass.PreparedRequest{}, err
		}
	}
	return p.Request()
}

// BuildOverpassQueryTool returns a tool definition for building queries
func BuildOverpassQueryTool() mcp.Tool {
	return mcp.NewTool("build_overpass_query",
		mcp.WithDescription("Build an Overpass query (XML or Overpass QL) matching one OSM tag, optionally restricted to an extent template or to named places"),
		mcp.WithString("key",
			mcp.Required(),
			mcp.Description("The OSM tag key to match, e.g. amenity"),
		),
		mcp.WithString("value",
			mcp.Description("The tag value to match. Omit to match any value"),
		),
		mcp.WithArray("osm_types",
			mcp.Description("Element kinds to query: node, way, relation. Defaults to all three"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithBoolean("extent_template",
			mcp.Description("Restrict the query with a {{bbox}} marker filled in at preparation time"),
		),
		mcp.WithString("place",
			mcp.Description("A place name, or several separated by semicolons"),
		),
		mcp.WithBoolean("around",
			mcp.Description("Search within distance meters of the place instead of inside it"),
		),
		mcp.WithNumber("distance",
			mcp.Description("The around radius in meters"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Server-side timeout in seconds (default: 25)"),
		),
		mcp.WithString("output",
			mcp.Description("Result format: xml or json (default: xml)"),
		),
		mcp.WithString("print_mode",
			mcp.Description("Print mode: ids_only, skeleton, body, tags or meta (default: body)"),
		),
		mcp.WithString("dialect",
			mcp.Description("Query dialect: xml or oql (default: xml)"),
		),
	)
}

// HandleBuildOverpassQuery implements query building
func HandleBuildOverpassQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := slog.Default().With("tool", "build_overpass_query")

	input, errResult, err := InputParser[BuildQueryInput](req)
	if err != nil {
		logger.Error("failed to parse input", "error", err)
		return errResult, nil
	}
	if strings.TrimSpace(input.Key) == "" {
		return missingParameter("build_overpass_query", "key"), nil
	}

	spec, err := input.FilterSpec()
	if err != nil {
		logger.Error("invalid input", "error", err)
		return errorResult(err), nil
	}

	query, err := BuildQuery(spec)
	if err != nil {
		logger.Error("failed to build query", "error", err)
		return errorResult(err), nil
	}

	logger.Debug("built query", "dialect", spec.Dialect, "size", len(query))
	return jsonResult(logger, BuildQueryOutput{
		Query:   query,
		Dialect: spec.Dialect.String(),
	}), nil
}

// CheckQueryInput defines the input parameters for the compatibility check
type CheckQueryInput struct {
	Query string `json:"query"`
}

// CheckQueryOutput reports whether a query can be prepared
type CheckQueryOutput struct {
	Compatible bool   `json:"compatible"`
	Token      string `json:"token,omitempty"`
	Dialect    string `json:"dialect"`
}

// CheckOverpassQueryTool returns a tool definition for the compatibility check
func CheckOverpassQueryTool() mcp.Tool {
	return mcp.NewTool("check_overpass_query",
		mcp.WithDescription("Check whether a query uses Overpass Turbo shortcuts that cannot be prepared, and detect its dialect"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The query text"),
		),
	)
}

// HandleCheckOverpassQuery implements the compatibility check
func HandleCheckOverpassQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput("check_overpass_query", func(ctx context.Context, input CheckQueryInput, logger *slog.Logger) (interface{}, error) {
		if strings.TrimSpace(input.Query) == "" {
			return nil, overpass.NewConstructionError(overpass.ErrInvalidInput, "query is empty").
				WithGuidance(fmt.Sprintf("Example: %s", GetToolUsageExample("check_overpass_query")))
		}

		compatible, token := overpass.IsCompatible(input.Query)
		if !compatible {
			monitoring.RecordQueryRejected(token)
		}
		return CheckQueryOutput{
			Compatible: compatible,
			Token:      token,
			Dialect:    overpass.DetectDialect(input.Query).String(),
		}, nil
	})(ctx, req)
}

// PrepareQueryInput defines the input parameters for preparing a query
type PrepareQueryInput struct {
	Query        string           `json:"query"`
	Extent       *overpass.Extent `json:"extent,omitempty"`
	Place        string           `json:"place,omitempty"`
	Endpoint     string           `json:"endpoint,omitempty"`
	OutputFormat string           `json:"output_format,omitempty"`
	Geocode      bool             `json:"geocode,omitempty"`
}

// prepareOptions validates the input and converts it into preparation options.
func (r *Registry) prepareOptions(in PrepareQueryInput) (overpass.PrepareOptions, error) {
	if err := ValidateExtent(in.Extent); err != nil {
		return overpass.PrepareOptions{}, err
	}

	endpoint := r.cfg.Endpoints.Resolve(strings.TrimSpace(in.Endpoint))
	if endpoint == "" {
		return overpass.PrepareOptions{}, overpass.NewConstructionError(overpass.ErrInvalidInput, fmt.Sprintf("unknown endpoint %q", in.Endpoint)).
			WithGuidance("Use list_overpass_endpoints to see the configured endpoints")
	}

	format, err := parseOutputFormat(in.OutputFormat)
	if err != nil {
		return overpass.PrepareOptions{}, err
	}

	return overpass.PrepareOptions{
		Extent:       in.Extent,
		Place:        in.Place,
		Endpoint:     endpoint,
		OutputFormat: format,
	}, nil
}

// prepareInput runs the preparation shared by the prepare and fetch tools.
func (r *Registry) prepareInput(ctx context.Context, in PrepareQueryInput) (overpass.PreparedRequest, error) {
	opts, err := r.prepareOptions(in)
	if err != nil {
		return overpass.PreparedRequest{}, err
	}

	var geocoder overpass.Geocoder
	if in.Geocode {
		if r.cfg.Geocoder == nil {
			return overpass.PreparedRequest{}, overpass.NewConstructionError(overpass.ErrInvalidInput, "geocoding is not configured")
		}
		geocoder = r.cfg.Geocoder
	}
	return PrepareQuery(ctx, in.Query, opts, geocoder)
}

// PrepareOverpassQueryTool returns a tool definition for preparing queries
func PrepareOverpassQueryTool() mcp.Tool {
	return mcp.NewTool("prepare_overpass_query",
		mcp.WithDescription("Substitute {{bbox}}, {{center}} and optionally geocode markers in a query and build the interpreter request URL"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The query text in XML or Overpass QL"),
		),
		mcp.WithObject("extent",
			mcp.Description("The extent as {west, south, east, north} in degrees. Required when the query uses {{bbox}} or {{center}}"),
		),
		mcp.WithString("place",
			mcp.Description("Look up this name for every geocode marker instead of the marker's own name"),
		),
		mcp.WithString("endpoint",
			mcp.Description("Interpreter URL or index into list_overpass_endpoints. Defaults to the first endpoint"),
		),
		mcp.WithString("output_format",
			mcp.Description("Override the output format declared in the query: xml or json"),
		),
		mcp.WithBoolean("geocode",
			mcp.Description("Resolve {{geocodeArea:name}} and {{geocodeCoords:name}} markers with Nominatim"),
		),
	)
}

// HandlePrepareOverpassQuery implements query preparation
func (r *Registry) HandlePrepareOverpassQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := r.logger.With("tool", "prepare_overpass_query")

	input, errResult, err := InputParser[PrepareQueryInput](req)
	if err != nil {
		logger.Error("failed to parse input", "error", err)
		return errResult, nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return missingParameter("prepare_overpass_query", "query"), nil
	}

	prepared, err := r.prepareInput(ctx, input)
	if err != nil {
		logger.Error("failed to prepare query", "error", err)
		return errorResult(err), nil
	}

	return jsonResult(logger, prepared), nil
}

// EndpointInfo describes one configured interpreter
type EndpointInfo struct {
	Index   int                 `json:"index"`
	URL     string              `json:"url"`
	Default bool                `json:"default"`
	Status  *osm.EndpointStatus `json:"status,omitempty"`
}

// ListEndpointsInput defines the input parameters for listing endpoints
type ListEndpointsInput struct {
	Check bool `json:"check,omitempty"`
}

// ListEndpointsOutput lists the configured endpoints
type ListEndpointsOutput struct {
	Endpoints []EndpointInfo `json:"endpoints"`
}

// ListOverpassEndpointsTool returns a tool definition for listing endpoints
func ListOverpassEndpointsTool() mcp.Tool {
	return mcp.NewTool("list_overpass_endpoints",
		mcp.WithDescription("List the configured Overpass interpreter endpoints, optionally probing each one"),
		mcp.WithBoolean("check",
			mcp.Description("Send a trivial query to every endpoint and report health and latency"),
		),
	)
}

// HandleListOverpassEndpoints implements endpoint listing
func (r *Registry) HandleListOverpassEndpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput("list_overpass_endpoints", func(ctx context.Context, input ListEndpointsInput, logger *slog.Logger) (interface{}, error) {
		endpoints := r.cfg.Endpoints
		out := ListEndpointsOutput{Endpoints: make([]EndpointInfo, len(endpoints))}
		for i, endpoint := range endpoints {
			out.Endpoints[i] = EndpointInfo{
				Index:   i,
				URL:     endpoint,
				Default: i == 0,
			}
		}

		if input.Check {
			statuses := osm.CheckEndpoints(ctx, endpoints)
			for i := range statuses {
				out.Endpoints[i].Status = &statuses[i]
				if !statuses[i].Healthy {
					logger.Warn("endpoint unhealthy", "endpoint", statuses[i].Endpoint, "error", statuses[i].Error)
				}
			}
		}
		return out, nil
	})(ctx, req)
}

// FetchQueryInput defines the input parameters for fetching query results
type FetchQueryInput struct {
	PrepareQueryInput
	MaxBytes int `json:"max_bytes,omitempty"`
}

// FetchQueryOutput carries the downloaded result
type FetchQueryOutput struct {
	URL       string `json:"url"`
	Endpoint  string `json:"endpoint"`
	Bytes     int64  `json:"bytes"`
	Truncated bool   `json:"truncated"`
	Data      string `json:"data"`

	// Layers are the feature layers a reader of the document should expect.
	Layers []overpass.LayerType `json:"layers"`
}

// FetchOverpassQueryTool returns a tool definition for fetching query results
func FetchOverpassQueryTool() mcp.Tool {
	return mcp.NewTool("fetch_overpass_query",
		mcp.WithDescription("Prepare a query and download its result from the Overpass interpreter"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The query text in XML or Overpass QL"),
		),
		mcp.WithObject("extent",
			mcp.Description("The extent as {west, south, east, north} in degrees. Required when the query uses {{bbox}} or {{center}}"),
		),
		mcp.WithString("place",
			mcp.Description("Look up this name for every geocode marker instead of the marker's own name"),
		),
		mcp.WithString("endpoint",
			mcp.Description("Interpreter URL or index into list_overpass_endpoints. Defaults to the first endpoint"),
		),
		mcp.WithString("output_format",
			mcp.Description("Override the output format declared in the query: xml or json"),
		),
		mcp.WithBoolean("geocode",
			mcp.Description("Resolve {{geocodeArea:name}} and {{geocodeCoords:name}} markers with Nominatim"),
		),
		mcp.WithNumber("max_bytes",
			mcp.Description("Maximum number of result bytes to return (default: 1048576)"),
		),
	)
}

// HandleFetchOverpassQuery implements query download
func (r *Registry) HandleFetchOverpassQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := r.logger.With("tool", "fetch_overpass_query")

	input, errResult, err := InputParser[FetchQueryInput](req)
	if err != nil {
		logger.Error("failed to parse input", "error", err)
		return errResult, nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return missingParameter("fetch_overpass_query", "query"), nil
	}
	if r.cfg.Downloader == nil {
		return ErrorResponse("Downloads are not configured"), nil
	}

	prepared, err := r.prepareInput(ctx, input.PrepareQueryInput)
	if err != nil {
		logger.Error("failed to prepare query", "error", err)
		return errorResult(err), nil
	}

	maxBytes := input.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	buf := &cappedBuffer{limit: maxBytes}

	ctx, cancel := osm.TimeoutContext(ctx, overpass.Timeout(prepared.Query))
	defer cancel()

	if err := r.cfg.Downloader.Download(ctx, prepared.URL, buf); err != nil {
		monitoring.RecordError("download", "request")
		return errorResult(err), nil
	}
	monitoring.RecordDownload(prepared.Endpoint, buf.total)

	return jsonResult(logger, FetchQueryOutput{
		URL:       prepared.URL,
		Endpoint:  prepared.Endpoint,
		Bytes:     buf.total,
		Truncated: buf.total > int64(len(buf.data)),
		Data:      string(buf.data),
		Layers:    overpass.AllLayerTypes(),
	}), nil
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
type cappedBuffer struct {
	data  []byte
	limit int
	total int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	if room := b.limit - len(b.data); room > 0 {
		if len(p) > room {
			b.data = append(b.data, p[:room]...)
		} else {
			b.data = append(b.data, p...)
		}
	}
	return len(p), nil
}
