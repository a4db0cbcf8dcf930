package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/NERVsystems/quickosm/pkg/osm"
	"github.com/NERVsystems/quickosm/pkg/overpass"
)

// Config is the service configuration. It is read from an optional YAML
// file, then overridden by QUICKOSM_* environment variables and finally by
// command line flags.
type Config struct {
	Endpoints    []string           `yaml:"endpoints"`
	UserAgent    string             `yaml:"user_agent"`
	Nominatim    NominatimConfig    `yaml:"nominatim"`
	Overpass     RateLimitConfig    `yaml:"overpass"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Registration RegistrationConfig `yaml:"registration"`
}

// NominatimConfig configures the geocoder.
type NominatimConfig struct {
	URL       string        `yaml:"url"`
	RPS       float64       `yaml:"rps"`
	Burst     int           `yaml:"burst"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig is a per-service request budget.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MonitoringConfig configures the Prometheus and health endpoints.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RegistrationConfig configures the service registry heartbeat.
type RegistrationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	RegistryURL string `yaml:"registry_url"`
	// ServiceURL is the externally reachable monitoring address.
	ServiceURL        string        `yaml:"service_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func defaultConfig() Config {
	return Config{
		Endpoints: overpass.DefaultEndpoints(),
		UserAgent: osm.GetUserAgent(),
		Nominatim: NominatimConfig{
			URL:       osm.NominatimBaseURL,
			RPS:       1.0,
			Burst:     1,
			CacheSize: 256,
			CacheTTL:  24 * time.Hour,
		},
		Overpass: RateLimitConfig{
			RPS:   1.0,
			Burst: 1,
		},
		Monitoring: MonitoringConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Registration: RegistrationConfig{
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// loadConfigFile overlays the YAML file at path onto cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies QUICKOSM_* environment variables to cfg.
// Unparseable numbers are ignored.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("QUICKOSM_ENDPOINTS"); val != "" {
		cfg.Endpoints = splitList(val)
	}
	if val := os.Getenv("QUICKOSM_USER_AGENT"); val != "" {
		cfg.UserAgent = val
	}
	if val := os.Getenv("QUICKOSM_NOMINATIM_URL"); val != "" {
		cfg.Nominatim.URL = val
	}
	if val := os.Getenv("QUICKOSM_NOMINATIM_RPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Nominatim.RPS = f
		}
	}
	if val := os.Getenv("QUICKOSM_NOMINATIM_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Nominatim.CacheTTL = d
		}
	}
	if val := os.Getenv("QUICKOSM_OVERPASS_RPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Overpass.RPS = f
		}
	}
	if val := os.Getenv("QUICKOSM_MONITORING_ADDR"); val != "" {
		cfg.Monitoring.Addr = val
	}
	if val := os.Getenv("QUICKOSM_MONITORING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Monitoring.Enabled = b
		}
	}
	if val := os.Getenv("QUICKOSM_REGISTRY_URL"); val != "" {
		cfg.Registration.RegistryURL = val
		cfg.Registration.Enabled = true
	}
	if val := os.Getenv("QUICKOSM_SERVICE_URL"); val != "" {
		cfg.Registration.ServiceURL = val
	}
}

// bindConfigFlags registers the flags that override configuration values.
func bindConfigFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringSliceVar(&cfg.Endpoints, "endpoints", cfg.Endpoints, "Overpass interpreter URLs, the first is the default")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent string for OSM API requests")
	fs.StringVar(&cfg.Nominatim.URL, "nominatim-url", cfg.Nominatim.URL, "Nominatim base URL")
	fs.Float64Var(&cfg.Nominatim.RPS, "nominatim-rps", cfg.Nominatim.RPS, "Nominatim rate limit in requests per second")
	fs.IntVar(&cfg.Nominatim.Burst, "nominatim-burst", cfg.Nominatim.Burst, "Nominatim rate limit burst size")
	fs.DurationVar(&cfg.Nominatim.CacheTTL, "geocode-cache-ttl", cfg.Nominatim.CacheTTL, "How long geocoding results are cached")
	fs.Float64Var(&cfg.Overpass.RPS, "overpass-rps", cfg.Overpass.RPS, "Overpass rate limit in requests per second, per endpoint")
	fs.IntVar(&cfg.Overpass.Burst, "overpass-burst", cfg.Overpass.Burst, "Overpass rate limit burst size")
	fs.BoolVar(&cfg.Monitoring.Enabled, "enable-monitoring", cfg.Monitoring.Enabled, "Enable Prometheus metrics and health endpoints")
	fs.StringVar(&cfg.Monitoring.Addr, "monitoring-addr", cfg.Monitoring.Addr, "Monitoring server address")
	fs.BoolVar(&cfg.Registration.Enabled, "enable-registration", cfg.Registration.Enabled, "Announce the server to a service registry")
	fs.StringVar(&cfg.Registration.RegistryURL, "registry-url", cfg.Registration.RegistryURL, "Service registry URL (e.g., http://registry:7083)")
	fs.StringVar(&cfg.Registration.ServiceURL, "service-url", cfg.Registration.ServiceURL, "Externally reachable URL of the monitoring server")
}

// applyFlagOverrides copies the flags the user set from flagCfg into cfg.
func applyFlagOverrides(fs *flag.FlagSet, flagCfg Config, cfg *Config) {
	changed := fs.Changed
	if changed("endpoints") {
		cfg.Endpoints = flagCfg.Endpoints
	}
	if changed("user-agent") {
		cfg.UserAgent = flagCfg.UserAgent
	}
	if changed("nominatim-url") {
		cfg.Nominatim.URL = flagCfg.Nominatim.URL
	}
	if changed("nominatim-rps") {
		cfg.Nominatim.RPS = flagCfg.Nominatim.RPS
	}
	if changed("nominatim-burst") {
		cfg.Nominatim.Burst = flagCfg.Nominatim.Burst
	}
	if changed("geocode-cache-ttl") {
		cfg.Nominatim.CacheTTL = flagCfg.Nominatim.CacheTTL
	}
	if changed("overpass-rps") {
		cfg.Overpass.RPS = flagCfg.Overpass.RPS
	}
	if changed("overpass-burst") {
		cfg.Overpass.Burst = flagCfg.Overpass.Burst
	}
	if changed("enable-monitoring") {
		cfg.Monitoring.Enabled = flagCfg.Monitoring.Enabled
	}
	if changed("monitoring-addr") {
		cfg.Monitoring.Addr = flagCfg.Monitoring.Addr
	}
	if changed("enable-registration") {
		cfg.Registration.Enabled = flagCfg.Registration.Enabled
	}
	if changed("registry-url") {
		cfg.Registration.RegistryURL = flagCfg.Registration.RegistryURL
	}
	if changed("service-url") {
		cfg.Registration.ServiceURL = flagCfg.Registration.ServiceURL
	}
}

// loadConfig resolves the configuration from defaults, the optional file at
// path, the environment and the flags set on fs.
func loadConfig(path string, fs *flag.FlagSet, flagCfg Config) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)
	applyFlagOverrides(fs, flagCfg, &cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("at least one Overpass endpoint is required"))
	}
	for _, endpoint := range c.Endpoints {
		if err := validateURL(endpoint); err != nil {
			errs = append(errs, fmt.Errorf("endpoint: %w", err))
		}
	}
	if err := validateURL(c.Nominatim.URL); err != nil {
		errs = append(errs, fmt.Errorf("nominatim url: %w", err))
	}
	if c.Nominatim.RPS <= 0 || c.Overpass.RPS <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.Nominatim.Burst < 1 || c.Overpass.Burst < 1 {
		errs = append(errs, errors.New("burst sizes must be at least 1"))
	}
	if c.Registration.Enabled {
		if err := validateURL(c.Registration.RegistryURL); err != nil {
			errs = append(errs, fmt.Errorf("registry url: %w", err))
		}
	}
	if c.UserAgent == "" {
		errs = append(errs, errors.New("user agent must not be empty"))
	}
	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// parseExtent parses "west,south,east,north" in degrees.
func parseExtent(s string) (*overpass.Extent, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("extent %q must have the form west,south,east,north", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("extent %q: %w", s, err)
		}
		v[i] = f
	}
	if err := osm.ValidateExtent(v[0], v[1], v[2], v[3]); err != nil {
		return nil, err
	}
	return overpass.NewExtent(v[0], v[1], v[2], v[3]), nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
