package overpass

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	// ClientInfo is sent as the info parameter of every request URL.
	ClientInfo = "QuickOSMGo"

	bboxMarker   = "{{bbox}}"
	centerMarker = "{{center}}"
)

var (
	outputAttr = regexp.MustCompile(`output="[a-z]*"`)
	outSetting = regexp.MustCompile(`\[out:[a-z]*`)

	timeoutSetting = regexp.MustCompile(`(?:\[timeout:|timeout=")(\d+)`)
)

// PrepareOptions configures a Preparation.
type PrepareOptions struct {
	// Extent resolves {{bbox}} and {{center}}. May be nil when the query
	// uses neither marker.
	Extent *Extent
	// Place, when set, replaces the name of every geocode marker during
	// ResolveGeocodes.
	Place string
	// Endpoint is the interpreter URL. Empty selects DefaultEndpoints().Default().
	Endpoint string
	// OutputFormat, when set, overrides the output format declared in the query.
	OutputFormat OutputFormat
}

// PreparedRequest is a query ready to be handed to a transport.
type PreparedRequest struct {
	Query        string       `json:"query"`
	Endpoint     string       `json:"endpoint"`
	OutputFormat OutputFormat `json:"output_format,omitempty"`
	URL          string       `json:"url"`
}

// Preparation turns a query document into its final form. A Preparation is
// owned by a single request and is not safe for concurrent use.
type Preparation struct {
	query    string
	prepared string
	opts     PrepareOptions
	ready    bool
}

// NewPreparation creates a preparation for query.
func NewPreparation(query string, opts PrepareOptions) *Preparation {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoints().Default()
	}
	return &Preparation{
		query: query,
		opts:  opts,
	}
}

// Query returns the original query text.
func (p *Preparation) Query() string {
	return p.query
}

// Endpoint returns the interpreter URL the request targets.
func (p *Preparation) Endpoint() string {
	return p.opts.Endpoint
}

// IsReady reports whether Prepare has succeeded.
func (p *Preparation) IsReady() bool {
	return p.ready
}

// FinalQuery returns the prepared query. The boolean is false until Prepare
// has succeeded.
func (p *Preparation) FinalQuery() (string, bool) {
	if !p.ready {
		return "", false
	}
	return p.prepared, true
}

// Dialect returns the dialect of the query.
func (p *Preparation) Dialect() Dialect {
	if p.ready {
		return DetectDialect(p.prepared)
	}
	return DetectDialect(cleanQuery(p.query))
}

// DetectDialect reports DialectOQL when the trimmed query ends with a
// statement terminator and DialectXML otherwise.
func DetectDialect(query string) Dialect {
	if strings.HasSuffix(strings.TrimSpace(query), ";") {
		return DialectOQL
	}
	return DialectXML
}

// Timeout returns the server-side timeout declared by query in seconds, or
// DefaultTimeout when it declares none.
func Timeout(query string) int {
	m := timeoutSetting.FindStringSubmatch(query)
	if m == nil {
		return DefaultTimeout
	}
	seconds, err := strconv.Atoi(m[1])
	if err != nil || seconds <= 0 {
		return DefaultTimeout
	}
	return seconds
}

// cleanQuery trims the query and collapses a doubled final terminator.
func cleanQuery(query string) string {
	query = strings.TrimSpace(query)
	if strings.HasSuffix(query, ";;") {
		query = query[:len(query)-1]
	}
	return query
}

// Prepare checks the query, substitutes {{bbox}} and {{center}} and marks the
// preparation ready. Geocode markers are left in place. On error the
// preparation is not ready and no query is returned.
func (p *Preparation) Prepare() (string, error) {
	p.ready = false
	p.prepared = ""

	if err := CheckCompatibility(p.query); err != nil {
		return "", err
	}

	query := cleanQuery(p.query)
	if query == "" {
		return "", NewConstructionError(ErrInvalidInput, "the query is empty")
	}
	dialect := DetectDialect(query)

	query, err := replaceBBox(query, dialect, p.opts.Extent)
	if err != nil {
		return "", err
	}
	query, err = replaceCenter(query, dialect, p.opts.Extent)
	if err != nil {
		return "", err
	}

	p.prepared = query
	p.ready = true
	return query, nil
}

// ResolveGeocodes resolves the geocode markers of a prepared query with g.
func (p *Preparation) ResolveGeocodes(ctx context.Context, g Geocoder) (string, error) {
	if !p.ready {
		return "", ErrNotReady
	}
	query, err := ResolveGeocodes(ctx, p.prepared, DetectDialect(p.prepared), g, p.opts.Place)
	if err != nil {
		return "", err
	}
	p.prepared = query
	return query, nil
}

func missingExtent(marker string) error {
	return NewConstructionError(ErrMissingExtent, fmt.Sprintf("the query uses %s but no extent was given", marker)).
		WithGuidance("Provide an extent or remove the marker")
}

func replaceBBox(query string, dialect Dialect, extent *Extent) (string, error) {
	if !strings.Contains(query, bboxMarker) {
		return query, nil
	}
	if extent == nil {
		return "", missingExtent(bboxMarker)
	}

	var bbox string
	if dialect == DialectOQL {
		bbox = fmt.Sprintf("%s,%s,%s,%s",
			formatFloat(extent.South), formatFloat(extent.West),
			formatFloat(extent.North), formatFloat(extent.East))
	} else {
		bbox = fmt.Sprintf(`e="%s" n="%s" s="%s" w="%s"`,
			formatFloat(extent.East), formatFloat(extent.North),
			formatFloat(extent.South), formatFloat(extent.West))
	}
	return strings.ReplaceAll(query, bboxMarker, bbox), nil
}

func replaceCenter(query string, dialect Dialect, extent *Extent) (string, error) {
	if !strings.Contains(query, centerMarker) {
		return query, nil
	}
	if extent == nil {
		return "", missingExtent(centerMarker)
	}

	x, y := extent.Center()
	return strings.ReplaceAll(query, centerMarker, formatPoint(dialect, y, x)), nil
}

func formatPoint(dialect Dialect, lat, lon float64) string {
	if dialect == DialectOQL {
		return fmt.Sprintf("%s,%s", formatFloat(lat), formatFloat(lon))
	}
	return fmt.Sprintf(`lat="%s" lon="%s"`, formatFloat(lat), formatFloat(lon))
}

// Request renders the prepared query as a request. It returns ErrNotReady
// before Prepare has succeeded.
func (p *Preparation) Request() (PreparedRequest, error) {
	if !p.ready {
		return PreparedRequest{}, ErrNotReady
	}

	query := p.prepared
	if format := p.opts.OutputFormat; format != "" {
		query = outputAttr.ReplaceAllString(query, fmt.Sprintf(`output="%s"`, format))
		query = outSetting.ReplaceAllString(query, "[out:"+string(format))
	}

	u, err := url.Parse(p.opts.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return PreparedRequest{}, NewConstructionError(ErrInvalidInput, fmt.Sprintf("invalid endpoint %q", p.opts.Endpoint))
	}
	values := url.Values{}
	values.Set("data", query)
	values.Set("info", ClientInfo)
	u.RawQuery = values.Encode()

	return PreparedRequest{
		Query:        query,
		Endpoint:     p.opts.Endpoint,
		OutputFormat: p.opts.OutputFormat,
		URL:          u.String(),
	}, nil
}

// PrepareURL returns the request URL, or "" when the query is not prepared.
func (p *Preparation) PrepareURL() string {
	req, err := p.Request()
	if err != nil {
		return ""
	}
	return req.URL
}
