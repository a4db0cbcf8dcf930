package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/NERVsystems/quickosm/pkg/monitoring"
	"github.com/NERVsystems/quickosm/pkg/nominatim"
	"github.com/NERVsystems/quickosm/pkg/osm"
	"github.com/NERVsystems/quickosm/pkg/overpass"
	"github.com/NERVsystems/quickosm/pkg/registration"
	"github.com/NERVsystems/quickosm/pkg/server"
	"github.com/NERVsystems/quickosm/pkg/tools"
	"github.com/NERVsystems/quickosm/pkg/tracing"
	ver "github.com/NERVsystems/quickosm/pkg/version"
)

// options holds the command line flags that are not configuration values.
type options struct {
	configFile     string
	showVersion    bool
	debug          bool
	generateConfig string
	mergeOnly      bool

	// One-shot query flags
	query      tools.BuildQueryInput
	queryFile  string
	bbox       string
	area       string
	endpoint   string
	format     string
	printURL   bool
	outputPath string
	geocode    bool
}

// oneShot reports whether the flags ask for a single query instead of the
// MCP server.
func (o *options) oneShot() bool {
	return o.query.Key != "" || o.queryFile != ""
}

func newFlagSet(o *options, flagCfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("quickosm", flag.ContinueOnError)
	fs.Usage = func() {
		w := fs.Output()
		_, _ = fmt.Fprintln(w, "quickosm: build, prepare and fetch Overpass queries, or serve them over MCP")
		_, _ = fmt.Fprintln(w, "\nWith --key or --query-file a single query is processed, otherwise the MCP server runs on stdio.")
		fs.PrintDefaults()
	}

	fs.StringVarP(&o.configFile, "config", "c", os.Getenv("QUICKOSM_CONFIG"), "YAML configuration file")
	fs.BoolVar(&o.showVersion, "version", false, "Display version information")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.StringVar(&o.generateConfig, "generate-config", "", "Generate an MCP client config file at the specified path")
	fs.BoolVar(&o.mergeOnly, "merge-only", false, "Only merge new config, don't overwrite existing")

	fs.StringVarP(&o.query.Key, "key", "k", "", "Tag key to query")
	fs.StringVarP(&o.query.Value, "value", "v", "", "Tag value to query, empty matches any value")
	fs.StringSliceVar(&o.query.OSMTypes, "types", nil, "Element kinds: node, way, relation (default all)")
	fs.StringVarP(&o.query.Place, "place", "p", "", "Place name, or several separated by semicolons")
	fs.BoolVar(&o.query.Around, "around", false, "Search around the place instead of inside it")
	fs.IntVar(&o.query.Distance, "distance", 0, "Around radius in meters")
	fs.IntVar(&o.query.Timeout, "timeout", overpass.DefaultTimeout, "Server-side timeout in seconds")
	fs.StringVar(&o.query.Output, "output-format", "xml", "Result format declared by built queries: xml or json")
	fs.StringVar(&o.query.PrintMode, "print-mode", "body", "Print mode: ids_only, skeleton, body, tags or meta")
	fs.StringVar(&o.query.Dialect, "dialect", "xml", "Dialect of built queries: xml or oql")

	fs.StringVarP(&o.queryFile, "query-file", "f", "", "Read the query from a file instead of building it (- for stdin)")
	fs.StringVarP(&o.bbox, "bbox", "b", "", "Extent as west,south,east,north")
	fs.StringVar(&o.area, "area", "", "Geocode this name for every geocode marker")
	fs.StringVarP(&o.endpoint, "endpoint", "e", "", "Interpreter URL or endpoint index")
	fs.StringVar(&o.format, "format", "", "Override the output format of the prepared query: xml or json")
	fs.BoolVar(&o.printURL, "url", false, "Print the request URL instead of the query")
	fs.StringVarP(&o.outputPath, "output", "o", "", "Download the result into this file")
	fs.BoolVarP(&o.geocode, "geocode", "g", false, "Resolve geocode markers with Nominatim")

	bindConfigFlags(fs, flagCfg)
	return fs
}

func main() {
	// Missing .env files are not an error
	for _, name := range []string{".env", ".env.local"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", name, err)
		}
	}

	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("quickosm failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var o options
	flagCfg := defaultConfig()
	fs := newFlagSet(&o, &flagCfg)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Configure logging
	logLevel := slog.LevelInfo
	if o.debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Show version and exit if requested
	if o.showVersion {
		_, _ = fmt.Fprintln(stdout, ver.String())
		return nil
	}

	// Generate MCP client config if requested
	if o.generateConfig != "" {
		if err := generateClientConfig(o.generateConfig, o.mergeOnly); err != nil {
			return fmt.Errorf("failed to generate config: %w", err)
		}
		logger.Info("successfully generated MCP client config", "path", o.generateConfig)
		return nil
	}

	cfg, err := loadConfig(o.configFile, fs, flagCfg)
	if err != nil {
		return err
	}

	// Initialize OpenTelemetry tracing
	ctx := context.Background()
	shutdownTracing, err := tracing.InitTracing(ctx, ver.BuildVersion)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		// Continue without tracing - it's not critical
	} else {
		defer func() {
			if err := shutdownTracing(ctx); err != nil {
				logger.Error("error shutting down tracing", "error", err)
			}
		}()

		if endpoint := os.Getenv("OTLP_ENDPOINT"); endpoint != "" {
			logger.Info("OpenTelemetry tracing enabled", "endpoint", endpoint)
		}
	}

	osm.SetUserAgent(cfg.UserAgent)
	osm.UpdateNominatimRateLimits(cfg.Nominatim.URL, cfg.Nominatim.RPS, cfg.Nominatim.Burst)
	osm.UpdateOverpassRateLimits(cfg.Endpoints, cfg.Overpass.RPS, cfg.Overpass.Burst)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	geocoder := nominatim.NewClient(nominatim.Config{
		BaseURL:   cfg.Nominatim.URL,
		CacheSize: cfg.Nominatim.CacheSize,
		CacheTTL:  cfg.Nominatim.CacheTTL,
		Logger:    logger,
	})
	downloader := osm.NewDownloader(logger, downloadEvents(logger))

	if o.oneShot() {
		return runQuery(ctx, &o, cfg, geocoder, downloader, stdout)
	}
	return serve(ctx, cfg, logger, tools.Config{
		Endpoints:  overpass.Endpoints(cfg.Endpoints),
		Geocoder:   geocoder,
		Downloader: downloader,
	})
}

func downloadEvents(logger *slog.Logger) osm.DownloadEvents {
	return osm.DownloadEvents{
		OnStart: func(sessionID string) {
			logger.Debug("download started", "session", sessionID)
		},
		OnProgress: func(received, total int64) {
			logger.Debug("download progress", "received", received, "total", total)
		},
		OnError: func(errs []string) {
			monitoring.RecordError("download", "request")
		},
	}
}

// runQuery builds or reads a single query, prepares it and prints the
// result, the request URL or downloads it.
func runQuery(ctx context.Context, o *options, cfg *Config, geocoder overpass.Geocoder, downloader *osm.Downloader, stdout io.Writer) error {
	var extent *overpass.Extent
	if o.bbox != "" {
		var err error
		if extent, err = parseExtent(o.bbox); err != nil {
			return err
		}
	}

	query, err := readOrBuildQuery(o, extent != nil)
	if err != nil {
		return err
	}

	endpoints := overpass.Endpoints(cfg.Endpoints)
	endpoint := endpoints.Resolve(o.endpoint)
	if endpoint == "" {
		return fmt.Errorf("unknown endpoint %q", o.endpoint)
	}

	format := overpass.OutputFormat(strings.ToLower(o.format))
	if format != "" && format != overpass.FormatXML && format != overpass.FormatJSON {
		return fmt.Errorf("unknown output format %q", o.format)
	}

	var g overpass.Geocoder
	if o.geocode {
		g = geocoder
	}
	req, err := tools.PrepareQuery(ctx, query, overpass.PrepareOptions{
		Extent:       extent,
		Place:        o.area,
		Endpoint:     endpoint,
		OutputFormat: format,
	}, g)
	if err != nil {
		return err
	}

	switch {
	case o.outputPath != "":
		dctx, cancel := osm.TimeoutContext(ctx, overpass.Timeout(req.Query))
		defer cancel()
		if err := downloader.DownloadToFile(dctx, req.URL, o.outputPath); err != nil {
			return err
		}
		if info, err := os.Stat(o.outputPath); err == nil {
			monitoring.RecordDownload(req.Endpoint, info.Size())
		}
		slog.Info("saved query result", "path", o.outputPath, "endpoint", req.Endpoint)
	case o.printURL:
		_, err = fmt.Fprintln(stdout, req.URL)
	default:
		_, err = fmt.Fprintln(stdout, strings.TrimRight(req.Query, "\n"))
	}
	return err
}

// readOrBuildQuery reads --query-file, or builds a query from the query
// flags. A built query without a place is restricted to the extent when one
// is given.
func readOrBuildQuery(o *options, haveExtent bool) (string, error) {
	if o.queryFile != "" {
		var (
			data []byte
			err  error
		)
		if o.queryFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(o.queryFile)
		}
		if err != nil {
			return "", fmt.Errorf("reading query: %w", err)
		}
		return string(data), nil
	}

	input := o.query
	input.ExtentTemplate = haveExtent && strings.TrimSpace(input.Place) == ""
	spec, err := input.FilterSpec()
	if err != nil {
		return "", err
	}
	return tools.BuildQuery(spec)
}

// serve runs the MCP server on stdio until ctx is cancelled or the client
// disconnects.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger, toolCfg tools.Config) error {
	logger.Info("starting quickosm MCP server",
		"version", ver.BuildVersion,
		"user_agent", cfg.UserAgent,
		"endpoints", cfg.Endpoints,
		"nominatim_url", cfg.Nominatim.URL,
		"nominatim_rps", cfg.Nominatim.RPS,
		"overpass_rps", cfg.Overpass.RPS,
		"monitoring_enabled", cfg.Monitoring.Enabled,
		"monitoring_addr", cfg.Monitoring.Addr,
		"registration_enabled", cfg.Registration.Enabled)

	s, err := server.NewServer(logger, toolCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.Monitoring.Enabled {
		healthChecker := monitoring.NewHealthChecker(monitoring.ServiceName, ver.BuildVersion)
		defer healthChecker.Shutdown()

		setMonitoringHooks()
		monitors := startExternalServiceMonitoring(healthChecker, cfg, logger)
		defer func() {
			for _, m := range monitors {
				m.Stop()
			}
		}()

		startMonitoringServer(ctx, cfg.Monitoring.Addr, healthChecker, logger)
	}

	regClient := registration.NewClient(registration.Config{
		Enabled:           cfg.Registration.Enabled,
		RegistryURL:       cfg.Registration.RegistryURL,
		ServiceURL:        cfg.Registration.ServiceURL,
		Version:           ver.BuildVersion,
		Tools:             s.ToolNames(),
		Endpoints:         cfg.Endpoints,
		HeartbeatInterval: cfg.Registration.HeartbeatInterval,
	}, logger)
	regClient.Start(ctx)
	defer regClient.Stop()

	logger.Info("transport_enabled", "type", "stdio", "mode", "blocking", "tools", len(s.ToolNames()))
	if err := s.RunWithContext(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// setMonitoringHooks routes the OSM client's request events to Prometheus.
func setMonitoringHooks() {
	osm.SetMonitoringHooks(&osm.MonitoringHooks{
		OnResponse: func(service, operation string, duration time.Duration, success bool) {
			monitoring.RecordExternalServiceRequest(service, operation, duration, success)
		},
		OnRateLimit: func(service string, waitTime time.Duration) {
			monitoring.RecordRateLimitWait(service, waitTime)
		},
		OnError: func(service, errorType string) {
			monitoring.RecordError(service, errorType)
		},
	})
}

// startMonitoringServer serves /metrics and /health until ctx is done.
func startMonitoringServer(ctx context.Context, addr string, healthChecker *monitoring.HealthChecker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", healthChecker.HealthHandler())
	mux.Handle("/ready", healthChecker.ReadinessHandler())
	mux.Handle("/live", healthChecker.LivenessHandler())

	monitoringServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		logger.Info("starting monitoring server", "addr", addr)
		if err := monitoringServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("monitoring server error", "error", err)
		}
	}()

	// Setup graceful shutdown for monitoring server
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := monitoringServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown monitoring server", "error", err)
		}
	}()
}

// startExternalServiceMonitoring probes the geocoder and every configured
// Overpass mirror.
func startExternalServiceMonitoring(healthChecker *monitoring.HealthChecker, cfg *Config, logger *slog.Logger) []*monitoring.ConnectionMonitor {
	nominatimURL := strings.TrimRight(cfg.Nominatim.URL, "/")

	monitors := []*monitoring.ConnectionMonitor{
		monitoring.NewConnectionMonitor(
			"nominatim",
			healthChecker,
			func(ctx context.Context) error {
				return osm.CheckNominatimHealth(ctx, nominatimURL)
			},
			30*time.Second,
		),
	}

	names := []string{"nominatim"}
	for _, endpoint := range cfg.Endpoints {
		name := "overpass:" + hostOf(endpoint)
		names = append(names, name)
		monitors = append(monitors, monitoring.NewConnectionMonitor(
			name,
			healthChecker,
			func(ctx context.Context) error {
				return osm.CheckOverpassHealth(ctx, endpoint)
			},
			time.Minute,
			monitoring.WithProbeTimeout(20*time.Second),
			monitoring.WithSlowThreshold(10*time.Second),
		))
	}

	for _, m := range monitors {
		m.Start()
	}

	logger.Info("started external service monitoring", "upstreams", names)
	return monitors
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}
