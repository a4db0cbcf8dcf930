package osm

import (
	"testing"
)

func TestValidateCoords(t *testing.T) {
	tests := []struct {
		name    string
		lat     float64
		lon     float64
		wantErr bool
	}{
		{"origin", 0, 0, false},
		{"paris", 48.8566, 2.3522, false},
		{"corner", -90, 180, false},
		{"latitude too high", 90.1, 0, true},
		{"longitude too low", 0, -180.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoords(tt.lat, tt.lon)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCoords(%v, %v) error = %v, wantErr %v", tt.lat, tt.lon, err, tt.wantErr)
			}
		})
	}
}

func TestValidateExtent(t *testing.T) {
	if err := ValidateExtent(2.25, 48.8, 2.5, 48.95); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateExtent(2.5, 48.8, 2.25, 48.95); err == nil {
		t.Error("expected error for swapped west/east")
	}
	if err := ValidateExtent(0, 10, 1, 5); err == nil {
		t.Error("expected error for swapped south/north")
	}
	if err := ValidateExtent(0, 0, 200, 1); err == nil {
		t.Error("expected error for out of range longitude")
	}
}

func TestUpdateOverpassRateLimits(t *testing.T) {
	defer initRateLimiters()

	UpdateOverpassRateLimits([]string{"https://overpass.example.org/api/interpreter"}, 5, 2)

	service, limiter := serviceForHost("overpass.example.org")
	if service != "overpass" || limiter == nil {
		t.Fatalf("expected overpass limiter, got %q %v", service, limiter)
	}
	if limiter.Burst() != 2 {
		t.Errorf("expected burst 2, got %d", limiter.Burst())
	}

	if _, limiter := serviceForHost("example.com"); limiter != nil {
		t.Error("unknown hosts must not be rate limited")
	}
}
