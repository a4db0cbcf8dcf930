package overpass

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Offsets added to OSM ids to form Overpass area ids.
const (
	relationAreaOffset = 3600000000
	wayAreaOffset      = 2400000000
)

var (
	geocodeAreaMarker   = regexp.MustCompile(`\{\{(?:geocodeArea|nominatimArea):([^}]*)\}\}`)
	geocodeCoordsMarker = regexp.MustCompile(`\{\{geocodeCoords:([^}]*)\}\}`)
)

// Place is a geocoding result.
type Place struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	OSMType OSMType `json:"osm_type"`
	OSMID   int64   `json:"osm_id"`
}

// AreaID returns the Overpass area id of the place. Only ways and relations
// have one.
func (p Place) AreaID() (int64, bool) {
	switch p.OSMType {
	case OSMRelation:
		return p.OSMID + relationAreaOffset, true
	case OSMWay:
		return p.OSMID + wayAreaOffset, true
	}
	return 0, false
}

// Geocoder resolves a place name.
type Geocoder interface {
	Geocode(ctx context.Context, name string) (Place, error)
}

// ResolveGeocodes replaces {{geocodeArea:name}} and {{geocodeCoords:name}}
// markers in query using g. A non-empty override is looked up instead of the
// marker's own name. Numeric area names are taken as relation ids. The query
// is returned unchanged on error.
func ResolveGeocodes(ctx context.Context, query string, dialect Dialect, g Geocoder, override string) (string, error) {
	areas := geocodeAreaMarker.FindAllStringSubmatch(query, -1)
	coords := geocodeCoordsMarker.FindAllStringSubmatch(query, -1)
	if len(areas) == 0 && len(coords) == 0 {
		return query, checkUnresolved(query)
	}
	if g == nil {
		return "", NewConstructionError(ErrInvalidInput, "the query uses geocode markers but no geocoder is configured")
	}

	replacements := make(map[string]string)
	for _, m := range areas {
		if _, ok := replacements[m[0]]; ok {
			continue
		}
		id, err := resolveArea(ctx, g, lookupName(m[1], override))
		if err != nil {
			return "", err
		}
		if dialect == DialectOQL {
			replacements[m[0]] = fmt.Sprintf("area(%d)", id)
		} else {
			replacements[m[0]] = fmt.Sprintf(`ref="%d" type="area"`, id)
		}
	}
	for _, m := range coords {
		if _, ok := replacements[m[0]]; ok {
			continue
		}
		name := lookupName(m[1], override)
		place, err := g.Geocode(ctx, name)
		if err != nil {
			return "", fmt.Errorf("geocoding %q: %w", name, err)
		}
		replacements[m[0]] = formatPoint(dialect, place.Lat, place.Lon)
	}

	for marker, value := range replacements {
		query = strings.ReplaceAll(query, marker, value)
	}
	if err := checkUnresolved(query); err != nil {
		return "", err
	}
	return query, nil
}

// checkUnresolved reports geocode markers the marker grammar could not
// parse, such as a name containing a closing brace.
func checkUnresolved(query string) error {
	for _, prefix := range []string{"{{geocodeArea:", "{{geocodeCoords:"} {
		if i := strings.Index(query, prefix); i >= 0 {
			end := min(len(query), i+len(prefix)+40)
			return NewConstructionError(ErrInvalidInput, fmt.Sprintf("malformed geocode marker near %q", query[i:end])).
				WithGuidance("Place names cannot contain braces")
		}
	}
	return nil
}

func lookupName(name, override string) string {
	if override != "" {
		return override
	}
	return strings.TrimSpace(name)
}

func resolveArea(ctx context.Context, g Geocoder, name string) (int64, error) {
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		return id + relationAreaOffset, nil
	}

	place, err := g.Geocode(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("geocoding %q: %w", name, err)
	}
	id, ok := place.AreaID()
	if !ok {
		return 0, NewConstructionError(ErrInvalidInput, fmt.Sprintf("place %q is a %s and has no area", name, place.OSMType)).
			WithGuidance("Use the name of a boundary or a closed way")
	}
	return id, nil
}
