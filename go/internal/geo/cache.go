package geo

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/metrics"
)

// Geocoder resolves coordinates to an address.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (*Address, error)
}

// Location is a resolved, display-ready place.
type Location struct {
	City    string
	Country string
}

// String formats the location for display.
func (l Location) String() string {
	return FormatLocation(l.City, l.Country)
}

// FormatLocation joins city and country, omitting an empty country.
func FormatLocation(city, country string) string {
	if country == "" {
		return city
	}
	return city + ", " + country
}

// CacheConfig holds cache and rate limit settings
type CacheConfig struct {
	TTL         time.Duration // how long a resolved entry stays fresh
	MaxEntries  int           // entry bound; the oldest half is evicted when exceeded
	MinInterval time.Duration // minimum spacing between outbound lookups
	Timeout     time.Duration // per-lookup timeout
}

// DefaultCacheConfig returns settings that respect Nominatim's usage policy.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:         time.Hour,
		MaxEntries:  1000,
		MinInterval: 1100 * time.Millisecond,
		Timeout:     5 * time.Second,
	}
}

type cacheEntry struct {
	location Location
	cachedAt time.Time
}

// Cache is a TTL-bounded reverse geocoding cache. All outbound lookups go
// through a single gate that allows one call at a time, spaced by at least
// MinInterval.
type Cache struct {
	geocoder Geocoder
	config   CacheConfig
	clock    clockwork.Clock
	metrics  metrics.Collector

	mu      sync.Mutex
	entries map[string]cacheEntry

	// gateMu is held for the whole spacing wait and lookup
	gateMu   sync.Mutex
	lastCall time.Time
}

// NewCache creates a cache in front of geocoder. A nil clock means the real
// clock, a nil collector means no metrics.
func NewCache(geocoder Geocoder, config CacheConfig, clock clockwork.Clock, collector metrics.Collector) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Cache{
		geocoder: geocoder,
		config:   config,
		clock:    clock,
		metrics:  collector,
		entries:  make(map[string]cacheEntry),
	}
}

// Resolve returns the location for a coordinate, from cache when fresh.
// Failures are reported as false and never cached.
func (c *Cache) Resolve(ctx context.Context, lat, lon float64) (Location, bool) {
	lat, lon = quantize(lat), quantize(lon)
	key := cacheKey(lat, lon)

	if loc, ok := c.lookup(key); ok {
		log.Debug().Str("key", key).Msg("geocode cache hit")
		c.metrics.RecordGeocode(metrics.GeocodeHit)
		return loc, true
	}

	c.gateMu.Lock()
	defer c.gateMu.Unlock()

	// another caller may have resolved the key while we waited for the gate
	if loc, ok := c.lookup(key); ok {
		c.metrics.RecordGeocode(metrics.GeocodeHit)
		return loc, true
	}

	if err := c.waitTurn(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("geocode cancelled while rate limited")
		c.metrics.RecordGeocode(metrics.GeocodeError)
		return Location{}, false
	}
	c.lastCall = c.clock.Now()

	lookupCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	addr, err := c.geocoder.Reverse(lookupCtx, lat, lon)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("geocoding failed")
		c.metrics.RecordGeocode(metrics.GeocodeError)
		return Location{}, false
	}

	loc := Location{City: addr.Place(), Country: addr.Country}
	c.store(key, loc)
	c.metrics.RecordGeocode(metrics.GeocodeMiss)

	log.Info().Str("key", key).Str("city", loc.City).Str("country", loc.Country).Msg("geocoded location")
	return loc, true
}

// Len returns the number of cached entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Location{}, false
	}
	if c.clock.Since(entry.cachedAt) >= c.config.TTL {
		delete(c.entries, key)
		return Location{}, false
	}
	return entry.location, true
}

func (c *Cache) store(key string, loc Location) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{location: loc, cachedAt: c.clock.Now()}
	if len(c.entries) > c.config.MaxEntries {
		c.evictOldest(max(c.config.MaxEntries/2, 1))
	}
}

// evictOldest drops up to n entries with the oldest insertion time and
// returns how many were dropped. Caller must hold c.mu.
func (c *Cache) evictOldest(n int) int {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return c.entries[a].cachedAt.Compare(c.entries[b].cachedAt)
	})

	evicted := min(n, len(keys))
	for _, k := range keys[:evicted] {
		delete(c.entries, k)
	}
	log.Debug().Int("evicted", evicted).Int("remaining", len(c.entries)).Msg("geocode cache evicted oldest entries")
	return evicted
}

// waitTurn sleeps until MinInterval has passed since the last outbound call.
// Caller must hold c.gateMu.
func (c *Cache) waitTurn(ctx context.Context) error {
	if c.lastCall.IsZero() {
		return nil
	}
	wait := c.config.MinInterval - c.clock.Since(c.lastCall)
	if wait <= 0 {
		return nil
	}

	select {
	case <-c.clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// quantize rounds a coordinate to two decimals (roughly 1km).
func quantize(v float64) float64 {
	q := math.Round(v*100) / 100
	if q == 0 {
		return 0 // normalize -0
	}
	return q
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.2f,%.2f", lat, lon)
}
