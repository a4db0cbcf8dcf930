package osm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/NERVsystems/quickosm/pkg/tracing"
)

// Error types passed to MonitoringHooks.OnError.
const (
	ErrorTypeRateLimitWait = "rate_limit_wait_error"
	ErrorTypeRequest       = "request_error"
	ErrorTypeTimeout       = "timeout"
	ErrorTypeRateLimited   = "rate_limited"
	ErrorTypeServerTimeout = "server_timeout"
	ErrorTypeServer        = "server_error"
	ErrorTypeClient        = "client_error"
)

// significantWait is the shortest rate limiter wait reported to OnRateLimit.
const significantWait = 100 * time.Millisecond

// MonitoringHooks receives the lifecycle of every request sent through
// MonitoredDoRequest. Every callback is optional.
type MonitoringHooks struct {
	OnRequest   func(service, operation string)
	OnResponse  func(service, operation string, duration time.Duration, success bool)
	OnRateLimit func(service string, waitTime time.Duration)
	OnError     func(service, errorType string)
}

var (
	globalHooks *MonitoringHooks
	hooksMutex  sync.RWMutex
)

// SetMonitoringHooks installs hooks for all later requests. nil removes them.
func SetMonitoringHooks(hooks *MonitoringHooks) {
	hooksMutex.Lock()
	defer hooksMutex.Unlock()
	globalHooks = hooks
}

func getMonitoringHooks() *MonitoringHooks {
	hooksMutex.RLock()
	defer hooksMutex.RUnlock()
	if globalHooks == nil {
		return &MonitoringHooks{}
	}
	return globalHooks
}

// classifyStatus maps an HTTP status to an error type, or "" for success.
// Overpass answers 429 when the slot quota is used up and 504 when the
// server is too busy to start the query.
func classifyStatus(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimited
	case code == http.StatusGatewayTimeout:
		return ErrorTypeServerTimeout
	case code >= 500:
		return ErrorTypeServer
	case code >= 400:
		return ErrorTypeClient
	}
	return ""
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ErrorTypeRequest
}

// MonitoredDoRequest sends req after waiting for the rate limiter of its
// host. The response status is classified and reported to the hooks, but a
// non-2xx response is still returned without error.
func MonitoredDoRequest(ctx context.Context, req *http.Request, operation string) (*http.Response, error) {
	service := getServiceFromRequest(req)
	req.Header.Set("User-Agent", GetUserAgent())

	hooks := getMonitoringHooks()
	if hooks.OnRequest != nil {
		hooks.OnRequest(service, operation)
	}

	start := time.Now()
	if err := waitForRateLimit(ctx, req); err != nil {
		if hooks.OnError != nil {
			hooks.OnError(service, ErrorTypeRateLimitWait)
		}
		return nil, err
	}
	if waitTime := time.Since(start); waitTime > significantWait && hooks.OnRateLimit != nil {
		hooks.OnRateLimit(service, waitTime)
	}

	requestStart := time.Now()
	resp, err := httpClient.Do(req)
	duration := time.Since(requestStart)

	errorType := ""
	status := 0
	if err != nil {
		errorType = classifyError(err)
	} else {
		status = resp.StatusCode
		errorType = classifyStatus(status)
	}

	tracing.SetAttributes(ctx, tracing.ServiceAttributes(service, operation, req.URL.Host, status)...)

	if hooks.OnResponse != nil {
		hooks.OnResponse(service, operation, duration, errorType == "")
	}
	if errorType != "" && hooks.OnError != nil {
		hooks.OnError(service, errorType)
	}

	return resp, err
}

func getServiceFromRequest(req *http.Request) string {
	service, _ := serviceForHost(req.URL.Host)
	return service
}
