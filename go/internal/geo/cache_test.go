package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	lat, lon float64
	at       time.Time
}

type fakeGeocoder struct {
	clock clockwork.Clock

	mu    sync.Mutex
	calls []call
	err   error
	addr  Address
}

func (f *fakeGeocoder) Reverse(ctx context.Context, lat, lon float64) (*Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{lat: lat, lon: lon, at: f.clock.Now()})
	if f.err != nil {
		return nil, f.err
	}
	addr := f.addr
	if addr == (Address{}) {
		addr = Address{City: fmt.Sprintf("City %.2f/%.2f", lat, lon), Country: "Testland"}
	}
	return &addr, nil
}

func (f *fakeGeocoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGeocoder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestCache(cfg CacheConfig) (*Cache, *fakeGeocoder, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	geocoder := &fakeGeocoder{clock: clock}
	return NewCache(geocoder, cfg, clock, nil), geocoder, clock
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		expected string
	}{
		{name: "rounds down", lat: 52.5201, lon: 13.4049, expected: "52.52,13.40"},
		{name: "rounds up", lat: 52.5199, lon: 13.4051, expected: "52.52,13.41"},
		{name: "negative", lat: -33.8688, lon: 151.2093, expected: "-33.87,151.21"},
		{name: "negative zero normalized", lat: -0.001, lon: 0.001, expected: "0.00,0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, cacheKey(quantize(tt.lat), quantize(tt.lon)))
		})
	}
}

func TestFormatLocation(t *testing.T) {
	require.Equal(t, "Berlin, Germany", FormatLocation("Berlin", "Germany"))
	require.Equal(t, "Berlin", FormatLocation("Berlin", ""))
	require.Equal(t, "Sydney, Australia", Location{City: "Sydney", Country: "Australia"}.String())
}

func TestAddressPlaceFallback(t *testing.T) {
	tests := []struct {
		name     string
		addr     Address
		expected string
	}{
		{name: "city wins", addr: Address{City: "Berlin", Town: "Mitte", State: "Berlin"}, expected: "Berlin"},
		{name: "town", addr: Address{Town: "Hallstatt", State: "Upper Austria"}, expected: "Hallstatt"},
		{name: "village", addr: Address{Village: "Giethoorn"}, expected: "Giethoorn"},
		{name: "municipality", addr: Address{Municipality: "Longyearbyen"}, expected: "Longyearbyen"},
		{name: "state", addr: Address{State: "Tasmania"}, expected: "Tasmania"},
		{name: "nothing", addr: Address{Country: "Antarctica"}, expected: "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.addr.Place())
		})
	}
}

func TestCache_HitWithinTTLThenRefetchAfterExpiry(t *testing.T) {
	cfg := DefaultCacheConfig()
	cache, geocoder, clock := newTestCache(cfg)
	ctx := context.Background()

	first, ok := cache.Resolve(ctx, 52.5201, 13.4049)
	require.True(t, ok)
	require.Equal(t, 1, geocoder.callCount())

	second, ok := cache.Resolve(ctx, 52.5204, 13.4046)
	require.True(t, ok)
	require.Equal(t, first, second)
	require.Equal(t, 1, geocoder.callCount())

	clock.Advance(cfg.TTL)

	_, ok = cache.Resolve(ctx, 52.52, 13.40)
	require.True(t, ok)
	require.Equal(t, 2, geocoder.callCount())
}

func TestCache_LookupUsesQuantizedCoordinates(t *testing.T) {
	cache, geocoder, _ := newTestCache(DefaultCacheConfig())

	_, ok := cache.Resolve(context.Background(), 48.85661, 2.35222)
	require.True(t, ok)
	require.Equal(t, 48.86, geocoder.calls[0].lat)
	require.Equal(t, 2.35, geocoder.calls[0].lon)
}

func TestCache_FailureIsNotCached(t *testing.T) {
	cfg := DefaultCacheConfig()
	cache, geocoder, clock := newTestCache(cfg)
	ctx := context.Background()

	geocoder.setErr(errors.New("503 service unavailable"))
	_, ok := cache.Resolve(ctx, 1, 1)
	require.False(t, ok)
	require.Zero(t, cache.Len())

	geocoder.setErr(nil)
	clock.Advance(cfg.MinInterval)

	loc, ok := cache.Resolve(ctx, 1, 1)
	require.True(t, ok)
	require.Equal(t, "Testland", loc.Country)
	require.Equal(t, 2, geocoder.callCount())
}

func TestCache_EvictsOldestHalf(t *testing.T) {
	cfg := CacheConfig{TTL: time.Hour, MaxEntries: 4, MinInterval: 0, Timeout: time.Second}
	cache, geocoder, clock := newTestCache(cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, ok := cache.Resolve(ctx, float64(i), 0)
		require.True(t, ok)
		clock.Advance(time.Second)
	}
	require.Equal(t, 3, cache.Len())
	require.Equal(t, 5, geocoder.callCount())

	// the three newest are still cached
	for i := 2; i < 5; i++ {
		_, ok := cache.Resolve(ctx, float64(i), 0)
		require.True(t, ok)
	}
	require.Equal(t, 5, geocoder.callCount())

	// the two oldest were evicted
	_, ok := cache.Resolve(ctx, 0, 0)
	require.True(t, ok)
	require.Equal(t, 6, geocoder.callCount())
}

func TestCache_EvictReportsEntriesActuallyDropped(t *testing.T) {
	cache, _, clock := newTestCache(CacheConfig{TTL: time.Hour, MaxEntries: 10, Timeout: time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, ok := cache.Resolve(ctx, float64(i), 0)
		require.True(t, ok)
		clock.Advance(time.Second)
	}

	cache.mu.Lock()
	evicted := cache.evictOldest(5)
	cache.mu.Unlock()

	require.Equal(t, 3, evicted)
	require.Zero(t, cache.Len())

	cache.mu.Lock()
	evicted = cache.evictOldest(1)
	cache.mu.Unlock()
	require.Zero(t, evicted)
}

func TestCache_RateGateSpacesCalls(t *testing.T) {
	cfg := DefaultCacheConfig()
	cache, geocoder, clock := newTestCache(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, ok := cache.Resolve(ctx, 10, 10)
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		_, ok := cache.Resolve(ctx, 20, 20)
		done <- ok
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Equal(t, 1, geocoder.callCount())

	clock.Advance(cfg.MinInterval)
	require.True(t, <-done)
	require.Equal(t, 2, geocoder.callCount())
	require.GreaterOrEqual(t, geocoder.calls[1].at.Sub(geocoder.calls[0].at), cfg.MinInterval)
}

func TestCache_CancelledWhileRateLimited(t *testing.T) {
	cache, geocoder, clock := newTestCache(DefaultCacheConfig())

	_, ok := cache.Resolve(context.Background(), 10, 10)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := cache.Resolve(ctx, 20, 20)
		done <- ok
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()
	require.False(t, <-done)
	require.Equal(t, 1, geocoder.callCount())
}

func TestCache_ConcurrentMissesForSameKeyCostOneCall(t *testing.T) {
	cache, geocoder, _ := newTestCache(DefaultCacheConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := cache.Resolve(context.Background(), 35.6762, 139.6503)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, geocoder.callCount())
}
