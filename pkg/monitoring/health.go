package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/NERVsystems/quickosm/pkg/version"
)

// Overall service states reported by GetHealth.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Upstream states reported by a ConnectionMonitor.
const (
	ConnConnected = "connected"
	ConnDegraded  = "degraded"
	ConnError     = "error"
)

// HealthChecker aggregates the probe results of the upstream services the
// query tools depend on. Building and checking queries needs no upstream, so
// the service is only unhealthy when every upstream fails.
type HealthChecker struct {
	serviceName string
	version     string
	startTime   time.Time

	mu        sync.RWMutex
	upstreams map[string]*ConnStatus

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHealthChecker creates a health checker and starts publishing runtime
// gauges until Shutdown.
func NewHealthChecker(serviceName, version string) *HealthChecker {
	ctx, cancel := context.WithCancel(context.Background())

	hc := &HealthChecker{
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		upstreams:   make(map[string]*ConnStatus),
		ctx:         ctx,
		cancel:      cancel,
	}
	go hc.collectSystemMetrics()

	return hc
}

// UpdateConnection records a probe result for upstream name.
func (h *HealthChecker) UpdateConnection(name, status string, latencyMs int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.upstreams[name]
	cs := &ConnStatus{
		Status:    status,
		Latency:   latencyMs,
		LastCheck: time.Now(),
	}
	if err != nil {
		cs.LastError = err.Error()
	}
	if status == ConnError {
		cs.ConsecutiveFailures = 1
		if prev != nil {
			cs.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		}
	}
	h.upstreams[name] = cs
}

// RemoveConnection stops reporting upstream name.
func (h *HealthChecker) RemoveConnection(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.upstreams, name)
}

// overallStatus derives the service state from the upstream states.
func overallStatus(upstreams map[string]*ConnStatus) (status string, failing, degraded int) {
	for _, cs := range upstreams {
		switch cs.Status {
		case ConnError:
			failing++
		case ConnDegraded:
			degraded++
		}
	}

	switch {
	case len(upstreams) > 0 && failing == len(upstreams):
		return StatusUnhealthy, failing, degraded
	case failing > 0 || degraded > 0:
		return StatusDegraded, failing, degraded
	}
	return StatusHealthy, failing, degraded
}

// GetHealth returns a snapshot of the service health.
func (h *HealthChecker) GetHealth() ServiceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, failing, degraded := overallStatus(h.upstreams)

	connections := make(map[string]ConnStatus, len(h.upstreams))
	names := make([]string, 0, len(h.upstreams))
	for name, cs := range h.upstreams {
		connections[name] = *cs
		names = append(names, name)
	}
	sort.Strings(names)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(h.startTime)
	return ServiceHealth{
		Service:       h.serviceName,
		Version:       h.version,
		Status:        status,
		Uptime:        uptime,
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		Connections:   connections,
		Metrics: map[string]interface{}{
			"goroutines":         runtime.NumGoroutine(),
			"memory_alloc_mb":    m.Alloc / 1024 / 1024,
			"gc_runs":            m.NumGC,
			"version_info":       version.Info(),
			"upstreams":          names,
			"failing_upstreams":  failing,
			"degraded_upstreams": degraded,
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler serves the full health snapshot. Unhealthy answers 503.
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadinessHandler reports whether downloads can currently be served.
func (h *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.GetHealth()
		ready := health.Status != StatusUnhealthy
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"ready":  ready,
			"status": health.Status,
		})
	}
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"alive":  true,
			"uptime": time.Since(h.startTime).String(),
		})
	}
}

func (h *HealthChecker) collectSystemMetrics() {
	h.updateSystemMetrics()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.updateSystemMetrics()
		}
	}
}

func (h *HealthChecker) updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	GoRoutines.Set(float64(runtime.NumGoroutine()))
	MemoryUsage.Set(float64(m.Alloc))
	GCRuns.Set(float64(m.NumGC))

	info := version.Info()
	SystemInfo.WithLabelValues(
		info["version"],
		info["go_version"],
		info["commit"],
		info["build_date"],
	).Set(1)
}

// Shutdown stops the runtime gauge collection.
func (h *HealthChecker) Shutdown() {
	h.cancel()
}

// CheckFunc probes one upstream service.
type CheckFunc func(ctx context.Context) error

// ConnectionMonitor periodically probes an upstream, such as an Overpass
// mirror, and reports it to a HealthChecker. A probe slower than the slow
// threshold marks the upstream degraded.
type ConnectionMonitor struct {
	name          string
	healthChecker *HealthChecker
	checkFunc     CheckFunc
	interval      time.Duration
	timeout       time.Duration
	slow          time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// MonitorOption configures a ConnectionMonitor.
type MonitorOption func(*ConnectionMonitor)

// WithProbeTimeout bounds each probe. The default is 10s.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(cm *ConnectionMonitor) { cm.timeout = d }
}

// WithSlowThreshold sets the latency above which a successful probe counts
// as degraded. The default is 5s.
func WithSlowThreshold(d time.Duration) MonitorOption {
	return func(cm *ConnectionMonitor) { cm.slow = d }
}

// NewConnectionMonitor creates a monitor for upstream name.
func NewConnectionMonitor(name string, hc *HealthChecker, checkFunc CheckFunc, interval time.Duration, opts ...MonitorOption) *ConnectionMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	cm := &ConnectionMonitor{
		name:          name,
		healthChecker: hc,
		checkFunc:     checkFunc,
		interval:      interval,
		timeout:       10 * time.Second,
		slow:          5 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Start probes once immediately and then every interval.
func (cm *ConnectionMonitor) Start() {
	go cm.monitor()
}

// Stop ends the probing loop.
func (cm *ConnectionMonitor) Stop() {
	cm.cancel()
}

func (cm *ConnectionMonitor) monitor() {
	cm.performCheck()

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.performCheck()
		}
	}
}

func (cm *ConnectionMonitor) performCheck() {
	ctx, cancel := context.WithTimeout(cm.ctx, cm.timeout)
	defer cancel()

	start := time.Now()
	err := cm.checkFunc(ctx)
	latency := time.Since(start)

	status := ConnConnected
	switch {
	case err != nil:
		status = ConnError
	case cm.slow > 0 && latency > cm.slow:
		status = ConnDegraded
	}

	RecordUpstreamProbe(cm.name, latency, err == nil)
	cm.healthChecker.UpdateConnection(cm.name, status, latency.Milliseconds(), err)
}
