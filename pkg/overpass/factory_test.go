package overpass

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryFactory_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FilterSpec)
		code   ErrorCode
	}{
		{
			name:   "missing key",
			mutate: func(s *FilterSpec) { s.Key = "" },
			code:   ErrMissingKey,
		},
		{
			name:   "empty object set",
			mutate: func(s *FilterSpec) { s.OSMTypes = nil },
			code:   ErrMissingOSMType,
		},
		{
			name:   "unknown object kind",
			mutate: func(s *FilterSpec) { s.OSMTypes = []OSMType{OSMNode, "area"} },
			code:   ErrInvalidOSMType,
		},
		{
			name: "around without distance",
			mutate: func(s *FilterSpec) {
				s.Around = true
				s.Place = "Paris"
			},
			code: ErrMissingDistance,
		},
		{
			name: "around without place",
			mutate: func(s *FilterSpec) {
				s.Around = true
				s.Distance = 500
			},
			code: ErrMissingPlace,
		},
		{
			name: "extent and place",
			mutate: func(s *FilterSpec) {
				s.ExtentTemplate = true
				s.Place = "Paris"
			},
			code: ErrExtentAndPlace,
		},
		{
			name: "extent and place without key",
			mutate: func(s *FilterSpec) {
				s.Key = ""
				s.ExtentTemplate = true
				s.Place = "Paris"
			},
			code: ErrExtentAndPlace,
		},
		{
			name:   "brace in place name",
			mutate: func(s *FilterSpec) { s.Place = "Paris;a}b" },
			code:   ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := NewFilterSpec("amenity")
			tt.mutate(&spec)

			query, err := NewQueryFactory(spec).Make()
			require.Error(t, err)
			assert.Empty(t, query)
			assert.True(t, IsConstructionError(err, tt.code), "expected %s, got %v", tt.code, err)
		})
	}
}

func TestQueryFactory_MakeXMLExtent(t *testing.T) {
	spec := NewFilterSpec("amenity")
	spec.Value = "restaurant"
	spec.OSMTypes = []OSMType{OSMNode}
	spec.ExtentTemplate = true
	spec.Timeout = 25

	query, err := NewQueryFactory(spec).Make()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(query, `<osm-script output="xml" timeout="25">`), "unexpected header: %q", query)
	assert.NotContains(t, query, "<?xml")
	assert.NotContains(t, query, "\t")
	assert.Equal(t, 1, strings.Count(query, "{{bbox}}"))
	assert.Equal(t, 1, strings.Count(query, `<has-kv k="amenity" v="restaurant"/>`))
	assert.Contains(t, query, "\n            <has-kv k=\"amenity\" v=\"restaurant\"/>")

	open := strings.Index(query, `<query type="node">`)
	kv := strings.Index(query, "<has-kv")
	bbox := strings.Index(query, "<bbox-query {{bbox}}/>")
	closeTag := strings.Index(query, "</query>")
	require.True(t, open >= 0 && kv >= 0 && bbox >= 0 && closeTag >= 0, query)
	assert.True(t, open < kv && kv < bbox && bbox < closeTag, "bbox-query must sit inside the query block")

	assert.Contains(t, query, "<item/>")
	assert.Contains(t, query, `<recurse type="down"/>`)
	assert.Equal(t, 1, strings.Count(query, "<print "))
	assert.Equal(t, 2, strings.Count(query, "<union>"))
}

func TestQueryFactory_MakeXMLPlaces(t *testing.T) {
	spec := NewFilterSpec("tourism")
	spec.OSMTypes = []OSMType{OSMNode, OSMWay}
	spec.Place = " Paris ;Lyon"

	query, err := NewQueryFactory(spec).Make()
	require.NoError(t, err)

	assert.Contains(t, query, `<id-query {{geocodeArea:Paris}} into="area_0"/>`)
	assert.Contains(t, query, `<id-query {{geocodeArea:Lyon}} into="area_1"/>`)
	assert.Less(t, strings.Index(query, "{{geocodeArea:Paris}}"), strings.Index(query, "{{geocodeArea:Lyon}}"))
	assert.Less(t, strings.Index(query, "area_1"), strings.Index(query, "<union>"))

	// one filter per element kind and area
	assert.Equal(t, 4, strings.Count(query, `<has-kv k="tourism"/>`))
	assert.Equal(t, 2, strings.Count(query, `<area-query from="area_0"/>`))
	assert.Equal(t, 2, strings.Count(query, `<area-query from="area_1"/>`))
	assert.NotContains(t, query, "{{bbox}}")
}

func TestQueryFactory_MakeXMLAround(t *testing.T) {
	spec := NewFilterSpec("amenity")
	spec.Value = "cafe"
	spec.OSMTypes = []OSMType{OSMNode}
	spec.Place = "Paris"
	spec.Around = true
	spec.Distance = 500

	query, err := NewQueryFactory(spec).Make()
	require.NoError(t, err)

	assert.Contains(t, query, `<around {{geocodeCoords:Paris}} radius="500"/>`)
	assert.NotContains(t, query, "id-query")
	assert.NotContains(t, query, "geocodeArea")
}

func TestQueryFactory_MakeXMLEscapedPlace(t *testing.T) {
	spec := NewFilterSpec("shop")
	spec.Place = "Marks & Spencer"

	query, err := NewQueryFactory(spec).Make()
	require.NoError(t, err)
	assert.Contains(t, query, "{{geocodeArea:Marks & Spencer}}")
}

func TestQueryFactory_Deterministic(t *testing.T) {
	spec := NewFilterSpec("highway")
	spec.Place = "Berlin;Hamburg"

	first, err := NewQueryFactory(spec).Make()
	require.NoError(t, err)
	second, err := NewQueryFactory(spec).Make()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestQueryFactory_ValidSpecsAlwaysBuild(t *testing.T) {
	for _, dialect := range []Dialect{DialectXML, DialectOQL} {
		for _, types := range [][]OSMType{{OSMNode}, {OSMWay, OSMRelation}, AllOSMTypes()} {
			for _, variant := range []func(*FilterSpec){
				func(s *FilterSpec) {},
				func(s *FilterSpec) { s.ExtentTemplate = true },
				func(s *FilterSpec) { s.Place = "Rome" },
				func(s *FilterSpec) { s.Place = "Rome;Milan"; s.Around = true; s.Distance = 100 },
			} {
				spec := NewFilterSpec("amenity")
				spec.Dialect = dialect
				spec.OSMTypes = types
				variant(&spec)

				query, err := NewQueryFactory(spec).Make()
				require.NoError(t, err)

				if dialect == DialectOQL {
					assert.Equal(t, 1, strings.Count(query, "out body;"))
					assert.Equal(t, DialectOQL, DetectDialect(query))
				} else {
					assert.Equal(t, 1, strings.Count(query, "<print "))
					assert.Equal(t, DialectXML, DetectDialect(query))
				}
			}
		}
	}
}

func TestQueryFactory_MakeOQL(t *testing.T) {
	tests := []struct {
		name string
		spec func() FilterSpec
	}{
		{
			name: "oql_bbox",
			spec: func() FilterSpec {
				s := NewFilterSpec("amenity")
				s.Value = "restaurant"
				s.OSMTypes = []OSMType{OSMNode, OSMWay}
				s.ExtentTemplate = true
				s.Output = FormatJSON
				s.Dialect = DialectOQL
				return s
			},
		},
		{
			name: "oql_areas",
			spec: func() FilterSpec {
				s := NewFilterSpec("tourism")
				s.OSMTypes = []OSMType{OSMNode}
				s.Place = "Paris; Lyon"
				s.PrintMode = PrintMeta
				s.Dialect = DialectOQL
				return s
			},
		},
		{
			name: "oql_around",
			spec: func() FilterSpec {
				s := NewFilterSpec("amenity")
				s.Value = "cafe"
				s.OSMTypes = []OSMType{OSMNode}
				s.Place = "Paris"
				s.Around = true
				s.Distance = 500
				s.Timeout = 60
				s.PrintMode = PrintSkeleton
				s.Dialect = DialectOQL
				return s
			},
		},
	}

	g := goldie.New(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, err := NewQueryFactory(tt.spec()).Make()
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(query))
		})
	}
}

func TestBuildTagFilter(t *testing.T) {
	assert.Equal(t, `["amenity"]`, buildTagFilter("amenity", ""))
	assert.Equal(t, `["name"="Joe's \"Bar\""]`, buildTagFilter("name", `Joe's "Bar"`))
}
