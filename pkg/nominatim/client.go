// Package nominatim resolves place names with a Nominatim geocoding service.
package nominatim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/NERVsystems/quickosm/pkg/monitoring"
	"github.com/NERVsystems/quickosm/pkg/osm"
	"github.com/NERVsystems/quickosm/pkg/overpass"
	"github.com/NERVsystems/quickosm/pkg/tracing"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 24 * time.Hour

	// lookupTimeout bounds a shared search, retries included.
	lookupTimeout = 30 * time.Second
)

// ErrNoResults is returned when a search matches nothing.
var ErrNoResults = errors.New("no results")

// APIError is returned when Nominatim answers with a non-200 status.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nominatim returned %s: %s", e.Status, e.Body)
}

// Config configures a Client. Zero values select the defaults.
type Config struct {
	BaseURL   string
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
	// Retry overrides osm.DefaultRetryOptions when MaxAttempts is set.
	Retry     osm.RetryOptions
}

// Client geocodes place names. It is safe for concurrent use.
type Client struct {
	baseURL string
	cache   *expirable.LRU[string, overpass.Place]
	group   singleflight.Group
	logger  *slog.Logger
	retry   osm.RetryOptions
}

var _ overpass.Geocoder = (*Client)(nil)

// NewClient creates a client for the Nominatim instance in cfg.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = osm.NominatimBaseURL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = osm.DefaultRetryOptions
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cache:   expirable.NewLRU[string, overpass.Place](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:  cfg.Logger.With("service", tracing.ServiceNominatim),
		retry:   cfg.Retry,
	}
}

// searchResult is one entry of a jsonv2 search response.
type searchResult struct {
	OSMType     string `json:"osm_type"`
	OSMID       int64  `json:"osm_id"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Geocode returns the best match for name. Results are cached and
// concurrent lookups of the same name share one request.
func (c *Client) Geocode(ctx context.Context, name string) (overpass.Place, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return overpass.Place{}, errors.New("empty place name")
	}

	ctx, span := tracing.StartSpan(ctx, "nominatim.geocode",
		trace.WithAttributes(attribute.String(tracing.AttrGeocodeName, name)),
	)
	defer span.End()

	if place, ok := c.cache.Get(key); ok {
		monitoring.RecordCacheHit(tracing.CacheTypeGeocode)
		span.SetAttributes(tracing.CacheAttributes(tracing.CacheTypeGeocode, true, key)...)
		c.logger.Debug("geocode cache hit", "name", name)
		return place, nil
	}
	monitoring.RecordCacheMiss(tracing.CacheTypeGeocode)
	span.SetAttributes(tracing.CacheAttributes(tracing.CacheTypeGeocode, false, key)...)

	// The lookup runs detached from the caller that started it. Every
	// caller waits on its own context.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		place, err := c.search(lookupCtx, name)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, place)
		monitoring.UpdateCacheSize(tracing.CacheTypeGeocode, c.cache.Len())
		return place, nil
	})

	var v interface{}
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return overpass.Place{}, err
	}

	place := v.(overpass.Place)
	span.SetAttributes(attribute.Int64(tracing.AttrGeocodeResult, place.OSMID))
	return place, nil
}

func (c *Client) search(ctx context.Context, name string) (overpass.Place, error) {
	params := url.Values{}
	params.Set("q", name)
	params.Set("format", "jsonv2")
	params.Set("limit", "1")

	searchURL := c.baseURL + "/search?" + params.Encode()

	start := time.Now()
	resp, err := osm.WithRetryFactory(ctx, func(ctx context.Context) (*http.Request, error) {
		return osm.NewRequestWithUserAgent(ctx, http.MethodGet, searchURL, nil)
	}, "geocode", c.retry)
	if err != nil {
		return overpass.Place{}, fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return overpass.Place{}, &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return overpass.Place{}, fmt.Errorf("decoding nominatim response: %w", err)
	}
	if len(results) == 0 {
		return overpass.Place{}, ErrNoResults
	}

	place, err := results[0].place(name)
	if err != nil {
		return overpass.Place{}, err
	}

	c.logger.Debug("geocoded place",
		"name", name,
		"osm_type", place.OSMType,
		"osm_id", place.OSMID,
		"duration", time.Since(start))
	return place, nil
}

func (r searchResult) place(query string) (overpass.Place, error) {
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return overpass.Place{}, fmt.Errorf("invalid latitude %q: %w", r.Lat, err)
	}
	lon, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return overpass.Place{}, fmt.Errorf("invalid longitude %q: %w", r.Lon, err)
	}
	if err := osm.ValidateCoords(lat, lon); err != nil {
		return overpass.Place{}, err
	}

	name := r.Name
	if name == "" {
		name = query
	}
	return overpass.Place{
		Name:    name,
		Lat:     lat,
		Lon:     lon,
		OSMType: osmType(r.OSMType),
		OSMID:   r.OSMID,
	}, nil
}

// osmType accepts both the long and the single letter spellings.
func osmType(s string) overpass.OSMType {
	switch strings.ToLower(s) {
	case "n", "node":
		return overpass.OSMNode
	case "w", "way":
		return overpass.OSMWay
	case "r", "relation":
		return overpass.OSMRelation
	}
	return overpass.OSMType(s)
}
