package osm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthQuery is a minimal query every interpreter can answer.
const healthQuery = "[out:json][timeout:5];out count;"

// EndpointStatus is the result of probing one Overpass endpoint.
type EndpointStatus struct {
	Endpoint string        `json:"endpoint"`
	Healthy  bool          `json:"healthy"`
	Latency  time.Duration `json:"latency_ns"`
	Error    string        `json:"error,omitempty"`
}

// CheckOverpassHealth checks that the interpreter at endpoint answers a
// trivial query.
func CheckOverpassHealth(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	u.RawQuery = url.Values{"data": {healthQuery}}.Encode()

	req, err := NewRequestWithUserAgent(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create overpass health check request: %w", err)
	}

	resp, err := MonitoredDoRequest(ctx, req, "health")
	if err != nil {
		return fmt.Errorf("overpass health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("overpass health check returned status %d", resp.StatusCode)
	}

	return nil
}

// CheckNominatimHealth checks if the Nominatim instance at baseURL is available
func CheckNominatimHealth(ctx context.Context, baseURL string) error {
	req, err := NewRequestWithUserAgent(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create nominatim health check request: %w", err)
	}

	resp, err := MonitoredDoRequest(ctx, req, "health")
	if err != nil {
		return fmt.Errorf("nominatim health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim health check returned status %d", resp.StatusCode)
	}

	return nil
}

// CheckEndpoints probes all endpoints in parallel. The result keeps the
// order of endpoints.
func CheckEndpoints(ctx context.Context, endpoints []string) []EndpointStatus {
	statuses := make([]EndpointStatus, len(endpoints))

	var g errgroup.Group
	g.SetLimit(4)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			start := time.Now()
			err := CheckOverpassHealth(ctx, endpoint)
			status := EndpointStatus{
				Endpoint: endpoint,
				Healthy:  err == nil,
				Latency:  time.Since(start),
			}
			if err != nil {
				status.Error = err.Error()
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()

	return statuses
}
