package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChecker(t *testing.T) *HealthChecker {
	t.Helper()
	hc := NewHealthChecker("quickosm-test", "1.0.0")
	t.Cleanup(hc.Shutdown)
	return hc
}

func TestHealthChecker_Status(t *testing.T) {
	tests := []struct {
		name      string
		upstreams map[string]string
		want      string
	}{
		{"no upstreams", nil, StatusHealthy},
		{"all connected", map[string]string{"nominatim": ConnConnected, "overpass:a": ConnConnected}, StatusHealthy},
		{"slow mirror", map[string]string{"nominatim": ConnConnected, "overpass:a": ConnDegraded}, StatusDegraded},
		{"geocoder down", map[string]string{"nominatim": ConnError, "overpass:a": ConnConnected, "overpass:b": ConnConnected}, StatusDegraded},
		{"most down", map[string]string{"nominatim": ConnError, "overpass:a": ConnError, "overpass:b": ConnConnected}, StatusDegraded},
		{"all down", map[string]string{"nominatim": ConnError, "overpass:a": ConnError}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := newChecker(t)
			for name, status := range tt.upstreams {
				hc.UpdateConnection(name, status, 10, nil)
			}
			assert.Equal(t, tt.want, hc.GetHealth().Status)
		})
	}
}

func TestHealthChecker_ConsecutiveFailures(t *testing.T) {
	hc := newChecker(t)

	hc.UpdateConnection("overpass:a", ConnError, 100, errors.New("timeout"))
	hc.UpdateConnection("overpass:a", ConnError, 100, errors.New("timeout"))

	cs := hc.GetHealth().Connections["overpass:a"]
	assert.Equal(t, 2, cs.ConsecutiveFailures)
	assert.Equal(t, "timeout", cs.LastError)
	assert.False(t, cs.LastCheck.IsZero())

	hc.UpdateConnection("overpass:a", ConnConnected, 50, nil)
	cs = hc.GetHealth().Connections["overpass:a"]
	assert.Zero(t, cs.ConsecutiveFailures)
	assert.Empty(t, cs.LastError)
}

func TestHealthChecker_RemoveConnection(t *testing.T) {
	hc := newChecker(t)
	hc.UpdateConnection("overpass:a", ConnError, 100, errors.New("down"))
	hc.RemoveConnection("overpass:a")

	health := hc.GetHealth()
	assert.Empty(t, health.Connections)
	assert.Equal(t, StatusHealthy, health.Status)
}

func TestHealthChecker_Snapshot(t *testing.T) {
	hc := newChecker(t)
	hc.UpdateConnection("overpass:b", ConnConnected, 10, nil)
	hc.UpdateConnection("nominatim", ConnDegraded, 6000, nil)

	health := hc.GetHealth()
	assert.Equal(t, "quickosm-test", health.Service)
	assert.Equal(t, "1.0.0", health.Version)
	assert.False(t, health.StartTime.IsZero())
	assert.Equal(t, []string{"nominatim", "overpass:b"}, health.Metrics["upstreams"])
	assert.Equal(t, 1, health.Metrics["degraded_upstreams"])
	assert.Equal(t, 0, health.Metrics["failing_upstreams"])
}

func TestHealthHandler(t *testing.T) {
	hc := newChecker(t)

	w := httptest.NewRecorder()
	hc.HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var health ServiceHealth
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, StatusHealthy, health.Status)

	hc.UpdateConnection("overpass:a", ConnError, 0, errors.New("refused"))
	w = httptest.NewRecorder()
	hc.HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessHandler(t *testing.T) {
	hc := newChecker(t)
	hc.UpdateConnection("overpass:a", ConnDegraded, 9000, nil)

	w := httptest.NewRecorder()
	hc.ReadinessHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["ready"])
	assert.Equal(t, StatusDegraded, resp["status"])

	hc.UpdateConnection("overpass:a", ConnError, 0, errors.New("refused"))
	w = httptest.NewRecorder()
	hc.ReadinessHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLivenessHandler(t *testing.T) {
	hc := newChecker(t)
	hc.UpdateConnection("overpass:a", ConnError, 0, errors.New("refused"))

	w := httptest.NewRecorder()
	hc.LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["alive"])
	assert.Contains(t, resp, "uptime")
}

func waitForStatus(t *testing.T, hc *HealthChecker, name, want string) ConnStatus {
	t.Helper()
	var cs ConnStatus
	require.Eventually(t, func() bool {
		var ok bool
		cs, ok = hc.GetHealth().Connections[name]
		return ok && cs.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return cs
}

func TestConnectionMonitor_Connected(t *testing.T) {
	hc := newChecker(t)
	cm := NewConnectionMonitor("overpass:ok", hc, func(context.Context) error { return nil }, time.Hour)
	cm.Start()
	defer cm.Stop()

	waitForStatus(t, hc, "overpass:ok", ConnConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(UpstreamUp.WithLabelValues("overpass:ok")))
}

func TestConnectionMonitor_Error(t *testing.T) {
	hc := newChecker(t)
	cm := NewConnectionMonitor("overpass:down", hc, func(context.Context) error {
		return errors.New("connection refused")
	}, 20*time.Millisecond)
	cm.Start()
	defer cm.Stop()

	cs := waitForStatus(t, hc, "overpass:down", ConnError)
	assert.Equal(t, "connection refused", cs.LastError)
	assert.Equal(t, 0.0, testutil.ToFloat64(UpstreamUp.WithLabelValues("overpass:down")))
}

func TestConnectionMonitor_Slow(t *testing.T) {
	hc := newChecker(t)
	cm := NewConnectionMonitor("overpass:slow", hc, func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}, time.Hour, WithSlowThreshold(time.Millisecond))
	cm.Start()
	defer cm.Stop()

	waitForStatus(t, hc, "overpass:slow", ConnDegraded)
}

func TestConnectionMonitor_ProbeTimeout(t *testing.T) {
	hc := newChecker(t)
	cm := NewConnectionMonitor("overpass:hang", hc, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Hour, WithProbeTimeout(10*time.Millisecond))
	cm.Start()
	defer cm.Stop()

	cs := waitForStatus(t, hc, "overpass:hang", ConnError)
	assert.Contains(t, cs.LastError, "deadline exceeded")
}

func BenchmarkGetHealth(b *testing.B) {
	hc := NewHealthChecker("quickosm-test", "1.0.0")
	defer hc.Shutdown()

	hc.UpdateConnection("nominatim", ConnConnected, 100, nil)
	hc.UpdateConnection("overpass:a", ConnConnected, 200, nil)
	hc.UpdateConnection("overpass:b", ConnError, 300, errors.New("down"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hc.GetHealth()
	}
}
