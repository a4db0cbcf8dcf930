package overpass

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const (
	// DefaultTimeout is the server-side timeout in seconds written into built queries.
	DefaultTimeout = 25

	// bboxSentinel marks a bbox-query whose coordinates are filled in later.
	bboxSentinel = "custom"
)

var (
	areaCoordsAttr = regexp.MustCompile(` area_coords="(.*?)"`)
	areaAttr       = regexp.MustCompile(` area="(.*?)"`)
)

// FilterSpec holds the structured parameters of a query.
type FilterSpec struct {
	// Key is the OSM tag key to match. Required.
	Key string `json:"key"`
	// Value is the tag value. Empty means any value.
	Value string `json:"value,omitempty"`
	// OSMTypes lists the element kinds to query.
	OSMTypes []OSMType `json:"osm_types"`
	// ExtentTemplate adds a {{bbox}} constraint resolved at preparation time.
	ExtentTemplate bool `json:"extent_template,omitempty"`
	// Place is a place name or a semicolon separated list of names.
	Place string `json:"place,omitempty"`
	// Around turns the place constraint into a radius search.
	Around bool `json:"around,omitempty"`
	// Distance is the around radius in meters.
	Distance int `json:"distance,omitempty"`
	// Timeout is the server-side timeout in seconds.
	Timeout   int          `json:"timeout,omitempty"`
	Output    OutputFormat `json:"output,omitempty"`
	PrintMode PrintMode    `json:"print_mode,omitempty"`
	Dialect   Dialect      `json:"dialect,omitempty"`
}

// NewFilterSpec returns a spec for key with the defaults of the query
// builder: every element kind, XML output, 25 second timeout and body print mode.
func NewFilterSpec(key string) FilterSpec {
	return FilterSpec{
		Key:       key,
		OSMTypes:  AllOSMTypes(),
		Timeout:   DefaultTimeout,
		Output:    FormatXML,
		PrintMode: PrintBody,
		Dialect:   DialectXML,
	}
}

// Places splits Place on semicolons and trims every name.
func (s FilterSpec) Places() []string {
	if strings.TrimSpace(s.Place) == "" {
		return nil
	}
	var places []string
	for _, name := range strings.Split(s.Place, ";") {
		if name = strings.TrimSpace(name); name != "" {
			places = append(places, name)
		}
	}
	return places
}

// QueryFactory turns a FilterSpec into a templated query document.
type QueryFactory struct {
	spec FilterSpec
}

// NewQueryFactory creates a factory for spec.
func NewQueryFactory(spec FilterSpec) *QueryFactory {
	return &QueryFactory{spec: spec}
}

// Validate checks the filter parameters and returns the first violation.
func (f *QueryFactory) Validate() error {
	s := f.spec
	hasPlace := len(s.Places()) > 0

	if hasPlace && s.ExtentTemplate {
		return NewConstructionError(ErrExtentAndPlace, "an extent and a place cannot be used together").
			WithGuidance("Use either the extent or a place name")
	}
	if s.Key == "" {
		return NewConstructionError(ErrMissingKey, "a tag key is required")
	}
	if len(s.OSMTypes) == 0 {
		return NewConstructionError(ErrMissingOSMType, "at least one OSM type is required").
			WithGuidance("Choose from node, way and relation")
	}
	for _, t := range s.OSMTypes {
		if !t.Valid() {
			return NewConstructionError(ErrInvalidOSMType, fmt.Sprintf("unknown OSM type %q", t)).
				WithGuidance("Choose from node, way and relation")
		}
	}
	for _, name := range s.Places() {
		if strings.ContainsAny(name, "{}") {
			return NewConstructionError(ErrInvalidInput, fmt.Sprintf("place name %q contains a brace", name)).
				WithGuidance("Remove { and } from the place name")
		}
	}
	if s.Around && s.Distance <= 0 {
		return NewConstructionError(ErrMissingDistance, "an around query needs a distance")
	}
	if s.Around && !hasPlace {
		return NewConstructionError(ErrMissingPlace, "an around query needs a place name")
	}
	return nil
}

// Make validates the filter and renders the query in its dialect.
func (f *QueryFactory) Make() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if f.spec.Dialect == DialectOQL {
		return f.generateOQL(), nil
	}
	return f.generateXML()
}

func (f *QueryFactory) output() OutputFormat {
	if f.spec.Output == "" {
		return FormatXML
	}
	return f.spec.Output
}

func (f *QueryFactory) timeout() int {
	if f.spec.Timeout <= 0 {
		return DefaultTimeout
	}
	return f.spec.Timeout
}

func (f *QueryFactory) printMode() PrintMode {
	if f.spec.PrintMode == "" {
		return PrintBody
	}
	return f.spec.PrintMode
}

// iterations is the number of filter statements per element kind.
func iterations(places []string) int {
	if len(places) == 0 {
		return 1
	}
	return len(places)
}

func areaSet(i int) string {
	return "area_" + strconv.Itoa(i)
}

// generateXML renders the document in the XML dialect. The place names and
// the bbox are written as sentinel attributes first and rewritten into
// placeholder markers once the tree has been serialised, because markers are
// not valid XML.
func (f *QueryFactory) generateXML() (string, error) {
	s := f.spec
	places := s.Places()

	doc := etree.NewDocument()
	script := doc.CreateElement("osm-script")
	script.CreateAttr("output", string(f.output()))
	script.CreateAttr("timeout", strconv.Itoa(f.timeout()))

	if len(places) > 0 && !s.Around {
		for i, name := range places {
			idQuery := script.CreateElement("id-query")
			idQuery.CreateAttr("area", name)
			idQuery.CreateAttr("into", areaSet(i))
		}
	}

	union := script.CreateElement("union")
	for _, osmType := range s.OSMTypes {
		for i := 0; i < iterations(places); i++ {
			query := union.CreateElement("query")
			query.CreateAttr("type", string(osmType))

			kv := query.CreateElement("has-kv")
			kv.CreateAttr("k", s.Key)
			if s.Value != "" {
				kv.CreateAttr("v", s.Value)
			}

			switch {
			case len(places) > 0 && s.Around:
				around := query.CreateElement("around")
				around.CreateAttr("area_coords", places[i])
				around.CreateAttr("radius", strconv.Itoa(s.Distance))
			case len(places) > 0:
				query.CreateElement("area-query").CreateAttr("from", areaSet(i))
			case s.ExtentTemplate:
				query.CreateElement("bbox-query").CreateAttr("bbox", bboxSentinel)
			}
		}
	}

	recurse := script.CreateElement("union")
	recurse.CreateElement("item")
	recurse.CreateElement("recurse").CreateAttr("type", "down")
	script.CreateElement("print").CreateAttr("mode", string(f.printMode()))

	doc.IndentTabs()
	query, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("rendering query: %w", err)
	}

	query = replaceTemplates(query)
	return strings.ReplaceAll(query, "\t", "    "), nil
}

// replaceTemplates rewrites the sentinel attributes into placeholder markers.
func replaceTemplates(query string) string {
	query = replaceAttr(query, areaCoordsAttr, "geocodeCoords")
	query = replaceAttr(query, areaAttr, "geocodeArea")
	return strings.ReplaceAll(query, ` bbox="`+bboxSentinel+`"`, " {{bbox}}")
}

func replaceAttr(query string, re *regexp.Regexp, marker string) string {
	return re.ReplaceAllStringFunc(query, func(match string) string {
		name := html.UnescapeString(re.FindStringSubmatch(match)[1])
		return " {{" + marker + ":" + name + "}}"
	})
}

// generateOQL renders the document in the QL dialect.
func (f *QueryFactory) generateOQL() string {
	s := f.spec
	places := s.Places()

	var query strings.Builder
	query.WriteString(fmt.Sprintf("[out:%s][timeout:%d];\n", f.output(), f.timeout()))

	if len(places) > 0 && !s.Around {
		for i, name := range places {
			query.WriteString(fmt.Sprintf("{{geocodeArea:%s}}->.%s;\n", name, areaSet(i)))
		}
	}

	query.WriteString("(\n")
	for _, osmType := range s.OSMTypes {
		for i := 0; i < iterations(places); i++ {
			query.WriteString("    ")
			query.WriteString(string(osmType))
			query.WriteString(buildTagFilter(s.Key, s.Value))

			switch {
			case len(places) > 0 && s.Around:
				query.WriteString(fmt.Sprintf("(around:%d,{{geocodeCoords:%s}})", s.Distance, places[i]))
			case len(places) > 0:
				query.WriteString(fmt.Sprintf("(area.%s)", areaSet(i)))
			case s.ExtentTemplate:
				query.WriteString("({{bbox}})")
			}
			query.WriteString(";\n")
		}
	}
	query.WriteString(");\n")
	query.WriteString("(._;>;);\n")
	query.WriteString(fmt.Sprintf("out %s;\n", f.printMode().oql()))

	return query.String()
}

// buildTagFilter generates the QL tag filter for key and an optional value
func buildTagFilter(key, value string) string {
	if value == "" {
		return fmt.Sprintf("[%s]", quoteOQL(key))
	}
	return fmt.Sprintf("[%s=%s]", quoteOQL(key), quoteOQL(value))
}

func quoteOQL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
