package registration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu            sync.Mutex
	announcements []Announcement
	deleted       []string
	status        int
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var a Announcement
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.announcements = append(f.announcements, a)
		_ = json.NewEncoder(w).Encode(Response{Status: "ok", TTLSeconds: 90})
	case http.MethodDelete:
		f.deleted = append(f.deleted, r.URL.Path+"#"+r.Header.Get("X-Instance-ID"))
	}
}

func (f *fakeRegistry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announcements)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_RegisterAndDeregister(t *testing.T) {
	registry := &fakeRegistry{}
	ts := httptest.NewServer(registry)
	defer ts.Close()

	c := NewClient(Config{
		Enabled:           true,
		RegistryURL:       ts.URL + "/",
		ServiceURL:        "http://quickosm:9090",
		Version:           "1.2.3",
		Tools:             []string{"build_overpass_query"},
		Endpoints:         []string{"https://overpass.example/api/interpreter"},
		HeartbeatInterval: 20 * time.Millisecond,
	}, testLogger())

	c.Start(context.Background())
	require.Eventually(t, func() bool { return registry.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsRegistered())
	c.Stop()

	registry.mu.Lock()
	defer registry.mu.Unlock()

	a := registry.announcements[0]
	assert.Equal(t, "quickosm", a.Name)
	assert.Equal(t, c.InstanceID(), a.InstanceID)
	assert.Equal(t, "mcp", a.Type)
	assert.Equal(t, "http://quickosm:9090/health", a.HealthURL)
	assert.Equal(t, "1.2.3", a.Version)
	assert.Equal(t, []string{"build_overpass_query"}, a.Tools)
	assert.Equal(t, "https://overpass.example/api/interpreter", a.Metadata["overpass_endpoint"])

	require.Len(t, registry.deleted, 1)
	assert.Equal(t, "/api/register/quickosm#"+c.InstanceID(), registry.deleted[0])
	assert.False(t, c.IsRegistered())
}

func TestClient_RegistryError(t *testing.T) {
	registry := &fakeRegistry{status: http.StatusServiceUnavailable}
	ts := httptest.NewServer(registry)
	defer ts.Close()

	c := NewClient(Config{Enabled: true, RegistryURL: ts.URL, HeartbeatInterval: time.Hour}, testLogger())
	c.register(context.Background())
	assert.False(t, c.IsRegistered())

	// Nothing to deregister
	c.deregister(context.Background())
	assert.Empty(t, registry.deleted)
}

func TestClient_Disabled(t *testing.T) {
	c := NewClient(Config{RegistryURL: "http://unused.example"}, nil)
	c.Start(context.Background())
	c.Stop()
	assert.False(t, c.IsRegistered())
}

func TestClient_NoRegistryURL(t *testing.T) {
	c := NewClient(Config{Enabled: true}, testLogger())
	c.Start(context.Background())
	c.Stop()
	assert.False(t, c.IsRegistered())
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{}, nil)
	assert.Equal(t, DefaultHeartbeatInterval, c.cfg.HeartbeatInterval)
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, "quickosm", c.cfg.ServiceName)
	assert.NotEmpty(t, c.InstanceID())
}
