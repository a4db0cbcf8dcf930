package osm

import (
	"fmt"
)

const (
	// NominatimBaseURL is the public geocoding service.
	NominatimBaseURL = "https://nominatim.openstreetmap.org"

	// UserAgent is the product token sent with every request. Nominatim's
	// usage policy requires an identifying User-Agent.
	UserAgent = "QuickOSMGo"
)

// ValidateCoords validates latitude and longitude values
// Returns an error if the coordinates are invalid
func ValidateCoords(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("invalid latitude: %f (must be between -90 and 90)", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("invalid longitude: %f (must be between -180 and 180)", lon)
	}
	return nil
}

// ValidateExtent checks both corners of an extent and their ordering.
func ValidateExtent(west, south, east, north float64) error {
	if err := ValidateCoords(south, west); err != nil {
		return err
	}
	if err := ValidateCoords(north, east); err != nil {
		return err
	}
	if south > north {
		return fmt.Errorf("invalid extent: south %f is above north %f", south, north)
	}
	if west > east {
		return fmt.Errorf("invalid extent: west %f is east of %f", west, east)
	}
	return nil
}
