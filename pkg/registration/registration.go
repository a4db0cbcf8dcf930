// Package registration announces the server to a service registry.
// Registration is optional and failures are only logged; the server works
// the same whether or not the registry is reachable.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NERVsystems/quickosm/pkg/monitoring"
)

const (
	// DefaultHeartbeatInterval is the default interval between heartbeats.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultTimeout bounds each registry request.
	DefaultTimeout = 5 * time.Second
)

// Config holds the registration settings.
type Config struct {
	Enabled     bool
	RegistryURL string
	ServiceName string
	// ServiceURL is where the monitoring endpoints are reachable.
	ServiceURL string
	Version    string
	Tools      []string
	// Endpoints are the Overpass interpreters the server targets.
	Endpoints         []string
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

// Announcement is the body posted to the registry.
type Announcement struct {
	Name       string            `json:"name"`
	InstanceID string            `json:"instance_id"`
	Type       string            `json:"type"`
	URL        string            `json:"url,omitempty"`
	HealthURL  string            `json:"health_url,omitempty"`
	Version    string            `json:"version"`
	Tools      []string          `json:"tools,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Response is the registry's answer to an announcement.
type Response struct {
	Status          string    `json:"status"`
	TTLSeconds      int       `json:"ttl_seconds"`
	NextHeartbeatBy time.Time `json:"next_heartbeat_by"`
}

// Client keeps the server registered until stopped.
type Client struct {
	cfg        Config
	instanceID string
	logger     *slog.Logger
	httpClient *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	registered bool
}

// NewClient creates a registration client. A disabled config yields a client
// whose Start and Stop do nothing.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = monitoring.ServiceName
	}
	cfg.RegistryURL = strings.TrimRight(cfg.RegistryURL, "/")
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		logger:     logger.With("component", "registration"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// InstanceID identifies this process to the registry.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Start registers in the background and keeps sending heartbeats until ctx
// is done or Stop is called.
func (c *Client) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		c.logger.Debug("service registration disabled")
		return
	}
	if c.cfg.RegistryURL == "" {
		c.logger.Warn("service registration enabled but no registry URL configured")
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.heartbeatLoop(ctx)
}

// Stop deregisters and waits for the heartbeat loop to end.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	c.deregister(ctx)
}

// IsRegistered reports whether the last heartbeat was accepted.
func (c *Client) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	c.register(ctx)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.register(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) announcement() Announcement {
	a := Announcement{
		Name:       c.cfg.ServiceName,
		InstanceID: c.instanceID,
		Type:       "mcp",
		Version:    c.cfg.Version,
		Tools:      c.cfg.Tools,
	}
	if c.cfg.ServiceURL != "" {
		a.URL = strings.TrimRight(c.cfg.ServiceURL, "/")
		a.HealthURL = a.URL + "/health"
	}
	if len(c.cfg.Endpoints) > 0 {
		a.Metadata = map[string]string{
			"overpass_endpoint": c.cfg.Endpoints[0],
			"overpass_mirrors":  strings.Join(c.cfg.Endpoints, ","),
		}
	}
	return a
}

func (c *Client) register(ctx context.Context) {
	body, err := json.Marshal(c.announcement())
	if err != nil {
		c.logger.Error("failed to marshal announcement", "error", err)
		c.setRegistered(false)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RegistryURL+"/api/register", bytes.NewReader(body))
	if err != nil {
		c.logger.Error("failed to create registration request", "error", err)
		c.setRegistered(false)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	var regResp Response
	if err := c.do(req, &regResp); err != nil {
		if ctx.Err() != nil {
			// Stopping; keep the state so Stop can deregister.
			return
		}
		c.logger.Debug("registration failed", "error", err)
		monitoring.RecordError("registration", "heartbeat")
		c.setRegistered(false)
		return
	}

	if !c.IsRegistered() {
		c.logger.Info("registered with service registry",
			"name", c.cfg.ServiceName,
			"instance", c.instanceID,
			"ttl_seconds", regResp.TTLSeconds)
	}
	c.setRegistered(true)
}

func (c *Client) deregister(ctx context.Context) {
	if !c.IsRegistered() {
		return
	}

	u := fmt.Sprintf("%s/api/register/%s", c.cfg.RegistryURL, c.cfg.ServiceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		c.logger.Debug("failed to create deregistration request", "error", err)
		return
	}
	req.Header.Set("X-Instance-ID", c.instanceID)

	if err := c.do(req, nil); err != nil {
		c.logger.Debug("deregistration failed", "error", err)
		return
	}
	c.logger.Info("deregistered from service registry", "name", c.cfg.ServiceName)
	c.setRegistered(false)
}

// do sends req and decodes a JSON body into out when out is not nil.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("registry returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding registry response: %w", err)
	}
	return nil
}

func (c *Client) setRegistered(registered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = registered
}
