// Package overpass builds and prepares Overpass API queries.
//
// A query is either generated from a FilterSpec by a QueryFactory or supplied
// as raw text. A Preparation then checks that the text only uses supported
// Overpass Turbo shortcuts, substitutes the {{bbox}} and {{center}} markers
// against an Extent and renders the final request URL. Nothing in this package
// performs I/O.
package overpass

import (
	"strconv"
)

// OSMType is one of the three OpenStreetMap element kinds.
type OSMType string

const (
	OSMNode     OSMType = "node"
	OSMWay      OSMType = "way"
	OSMRelation OSMType = "relation"
)

// AllOSMTypes returns every OSM element kind in canonical order.
func AllOSMTypes() []OSMType {
	return []OSMType{OSMNode, OSMWay, OSMRelation}
}

// Valid reports whether t is a known element kind.
func (t OSMType) Valid() bool {
	switch t {
	case OSMNode, OSMWay, OSMRelation:
		return true
	}
	return false
}

// LayerType names the feature layers expected in a downloaded result.
type LayerType string

const (
	LayerPoints           LayerType = "points"
	LayerLines            LayerType = "lines"
	LayerMultiLineStrings LayerType = "multilinestrings"
	LayerMultiPolygons    LayerType = "multipolygons"
)

// AllLayerTypes returns the result layers in the order they are read.
func AllLayerTypes() []LayerType {
	return []LayerType{LayerPoints, LayerLines, LayerMultiLineStrings, LayerMultiPolygons}
}

// Dialect is the concrete query language of a query document.
type Dialect int

const (
	// DialectXML is the tag/attribute based Overpass XML dialect.
	DialectXML Dialect = iota
	// DialectOQL is the terse statement based Overpass QL dialect.
	DialectOQL
)

func (d Dialect) String() string {
	switch d {
	case DialectXML:
		return "xml"
	case DialectOQL:
		return "oql"
	default:
		return "unknown"
	}
}

// ParseDialect maps "xml" and "oql" (or "ql") to a Dialect.
func ParseDialect(s string) (Dialect, bool) {
	switch s {
	case "xml", "":
		return DialectXML, true
	case "oql", "ql":
		return DialectOQL, true
	}
	return DialectXML, false
}

// OutputFormat is the result format requested from the Overpass server.
type OutputFormat string

const (
	FormatXML  OutputFormat = "xml"
	FormatJSON OutputFormat = "json"
)

// PrintMode controls how much of each element the print statement emits.
type PrintMode string

const (
	PrintIDsOnly  PrintMode = "ids_only"
	PrintSkeleton PrintMode = "skeleton"
	PrintBody     PrintMode = "body"
	PrintTags     PrintMode = "tags"
	PrintMeta     PrintMode = "meta"
)

// oql returns the QL spelling of the print mode.
func (m PrintMode) oql() string {
	switch m {
	case PrintIDsOnly:
		return "ids"
	case PrintSkeleton:
		return "skel"
	case "":
		return "body"
	default:
		return string(m)
	}
}

// Extent is a WGS84 rectangle given by its four ordinates.
type Extent struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// NewExtent returns the extent spanning the two corners.
func NewExtent(west, south, east, north float64) *Extent {
	return &Extent{West: west, South: south, East: east, North: north}
}

// Center returns the geometric center of the extent as (x, y).
func (e Extent) Center() (x, y float64) {
	return (e.West + e.East) / 2, (e.South + e.North) / 2
}

// Endpoints is an ordered list of Overpass interpreter mirrors.
// The first entry is the default target.
type Endpoints []string

// DefaultEndpoints returns the known public mirrors.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		"https://overpass-api.de/api/interpreter",
		"https://overpass.kumi.systems/api/interpreter",
		"https://overpass.osm.ch/api/interpreter",
	}
}

// Default returns the first endpoint, or "" for an empty list.
func (e Endpoints) Default() string {
	if len(e) == 0 {
		return ""
	}
	return e[0]
}

// Resolve picks an endpoint by list index ("0", "1", ...) or returns the
// argument unchanged when it is already a URL. An empty argument selects the
// default endpoint.
func (e Endpoints) Resolve(s string) string {
	if s == "" {
		return e.Default()
	}
	if i, err := strconv.Atoi(s); err == nil {
		if i >= 0 && i < len(e) {
			return e[i]
		}
		return ""
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
