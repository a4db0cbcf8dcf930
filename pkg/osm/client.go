// Package osm provides the HTTP transport used to talk to OpenStreetMap services.
package osm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/quickosm/pkg/overpass"
	"github.com/NERVsystems/quickosm/pkg/tracing"
	"github.com/NERVsystems/quickosm/pkg/version"
)

var (
	// Global HTTP client with connection pooling
	httpClient *http.Client

	// Rate limiters keyed by host
	limiters     map[string]*rate.Limiter
	services     map[string]string
	limitersLock sync.RWMutex

	// User agent string
	userAgent     string
	userAgentLock sync.RWMutex
)

// init initializes the global HTTP client and rate limiters
func init() {
	// No client timeout: downloads are bounded by their context.
	httpClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	initRateLimiters()

	SetUserAgent(UserAgent + "/" + version.BuildVersion)
}

// initRateLimiters installs the default limits: one request per second for
// Nominatim and for every known Overpass mirror.
func initRateLimiters() {
	limitersLock.Lock()
	limiters = make(map[string]*rate.Limiter)
	services = make(map[string]string)
	limitersLock.Unlock()

	UpdateNominatimRateLimits(NominatimBaseURL, 1, 1)
	UpdateOverpassRateLimits(overpass.DefaultEndpoints(), 1, 1)
}

func setLimiter(rawURL, service string, rps float64, burst int) {
	host := hostFromURL(rawURL)
	if host == "" {
		return
	}
	limitersLock.Lock()
	defer limitersLock.Unlock()
	limiters[host] = rate.NewLimiter(rate.Limit(rps), burst)
	services[host] = service
}

// UpdateNominatimRateLimits sets the rate limit for the Nominatim instance at baseURL
func UpdateNominatimRateLimits(baseURL string, rps float64, burst int) {
	setLimiter(baseURL, tracing.ServiceNominatim, rps, burst)
}

// UpdateOverpassRateLimits sets the rate limit of every given Overpass endpoint.
// Each mirror gets its own limiter.
func UpdateOverpassRateLimits(endpoints []string, rps float64, burst int) {
	for _, endpoint := range endpoints {
		setLimiter(endpoint, tracing.ServiceOverpass, rps, burst)
	}
}

// SetUserAgent sets the User-Agent string
func SetUserAgent(ua string) {
	userAgentLock.Lock()
	defer userAgentLock.Unlock()
	userAgent = ua
}

// GetUserAgent returns the current User-Agent string
func GetUserAgent() string {
	userAgentLock.RLock()
	defer userAgentLock.RUnlock()
	return userAgent
}

// hostFromURL extracts the host from a URL string
func hostFromURL(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return u.Host
}

// serviceForHost returns the service name and limiter registered for host.
// Unknown hosts are not rate limited.
func serviceForHost(host string) (string, *rate.Limiter) {
	limitersLock.RLock()
	defer limitersLock.RUnlock()
	service, ok := services[host]
	if !ok {
		return tracing.ServiceUnknown, nil
	}
	return service, limiters[host]
}

// waitForRateLimit waits for the appropriate rate limiter based on the request URL
func waitForRateLimit(ctx context.Context, req *http.Request) error {
	service, limiter := serviceForHost(req.URL.Host)
	if limiter == nil {
		return nil
	}

	if !limiter.Allow() {
		startWait := time.Now()

		tracing.AddEvent(ctx, "rate_limit_wait",
			trace.WithAttributes(
				attribute.String(tracing.AttrRateLimitService, service),
			),
		)

		err := limiter.Wait(ctx)

		waitDuration := time.Since(startWait)
		tracing.SetAttributes(ctx,
			attribute.String(tracing.AttrRateLimitService, service),
			attribute.Int64(tracing.AttrRateLimitWaitMs, waitDuration.Milliseconds()),
		)

		if err != nil {
			return err
		}
	}

	return nil
}

// NewRequestWithUserAgent creates a new HTTP request with proper User-Agent header
func NewRequestWithUserAgent(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	// Required by Nominatim's usage policy
	req.Header.Set("User-Agent", GetUserAgent())

	return req, nil
}
