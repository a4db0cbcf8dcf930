package overpass

import "strings"

// unsupportedMarkers lists, in priority order, the Overpass Turbo shortcuts
// that cannot be prepared and the token reported for each.
var unsupportedMarkers = []struct {
	pattern string
	token   string
}{
	{`geometry="center"`, "center"},
	{`out center;`, "center"},
	{`{{style`, "{{style}}"},
	{`{{data`, "{{data}}"},
	{`{{date`, "{{date}}"},
	{`{{geocodeId:`, "{{geocodeId:}}"},
	{`{{geocodeBbox:`, "{{geocodeBbox:}}"},
}

// CheckCompatibility returns an *UnsupportedQueryError naming the first
// unsupported marker found in query, or nil.
func CheckCompatibility(query string) error {
	for _, m := range unsupportedMarkers {
		if strings.Contains(query, m.pattern) {
			return &UnsupportedQueryError{Token: m.token}
		}
	}
	return nil
}

// IsCompatible is CheckCompatibility in (ok, reason) form.
func IsCompatible(query string) (bool, string) {
	if err := CheckCompatibility(query); err != nil {
		return false, err.(*UnsupportedQueryError).Token
	}
	return true, ""
}
