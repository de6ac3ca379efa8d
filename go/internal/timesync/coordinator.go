package timesync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/metrics"
)

// Source is an external time source that can report the local clock's offset.
type Source interface {
	Name() string
	Query(ctx context.Context) (offset, delay time.Duration, err error)
}

// Sample is the outcome of querying a single Source.
type Sample struct {
	Source string
	Offset time.Duration
	Delay  time.Duration
	OK     bool
	Err    error
}

// Config holds timing settings for the coordinator
type Config struct {
	Interval time.Duration // time between background sync cycles
	Timeout  time.Duration // per-source query timeout
}

// DefaultConfig returns the default sync settings
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Coordinator maintains an offset between the local clock and the consensus
// of several external time sources.
type Coordinator struct {
	sources []Source
	config  Config
	clock   clockwork.Clock
	metrics metrics.Collector

	// syncMu serializes sync cycles; readers never take it
	syncMu sync.Mutex

	offset   atomic.Int64 // nanoseconds
	synced   atomic.Bool
	lastSync atomic.Int64 // unix nanoseconds of the last successful cycle
}

// NewCoordinator creates a coordinator over the given sources. A nil clock
// means the real clock, a nil collector means no metrics.
func NewCoordinator(config Config, sources []Source, clock clockwork.Clock, collector metrics.Collector) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Coordinator{
		sources: sources,
		config:  config,
		clock:   clock,
		metrics: collector,
	}
}

// Offset is the correction currently applied to the local clock.
func (c *Coordinator) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// IsSynced reports whether at least one sync cycle has ever succeeded.
func (c *Coordinator) IsSynced() bool {
	return c.synced.Load()
}

// LastSync returns the time of the last successful cycle, zero if none.
func (c *Coordinator) LastSync() time.Time {
	ns := c.lastSync.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Now returns the local time corrected by the current offset.
func (c *Coordinator) Now() time.Time {
	return c.clock.Now().Add(c.Offset())
}

// NowMillis returns Now as Unix milliseconds.
func (c *Coordinator) NowMillis() int64 {
	return c.Now().UnixMilli()
}

// Sync queries all sources concurrently and replaces the offset with the
// median of the successful samples. If no source answers the previous offset
// and synced flag are kept. Returns whether the cycle succeeded.
func (c *Coordinator) Sync(ctx context.Context) bool {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	log.Info().Int("sources", len(c.sources)).Msg("starting NTP sync")

	samples := c.collect(ctx)

	offsets := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if !s.OK {
			log.Warn().Err(s.Err).Str("source", s.Source).Msg("NTP source failed")
			continue
		}
		log.Debug().
			Str("source", s.Source).
			Dur("offset", s.Offset).
			Dur("delay", s.Delay).
			Msg("NTP sample")
		offsets = append(offsets, s.Offset)
	}

	if len(offsets) == 0 {
		log.Error().Int("sources", len(c.sources)).Msg("all NTP sources failed, keeping previous offset")
		c.metrics.RecordTimeSync(false, 0, len(c.sources), c.Offset())
		return false
	}

	offset := median(offsets)
	c.offset.Store(int64(offset))
	c.lastSync.Store(c.clock.Now().UnixNano())
	c.synced.Store(true)

	c.metrics.RecordTimeSync(true, len(offsets), len(c.sources), offset)
	log.Info().
		Dur("offset", offset).
		Int("ok", len(offsets)).
		Int("sources", len(c.sources)).
		Msg("NTP sync complete")
	return true
}

// Run performs an initial sync and then resyncs every interval until ctx is
// cancelled. A failing cycle is logged and never stops the loop.
func (c *Coordinator) Run(ctx context.Context) {
	log.Info().Dur("interval", c.config.Interval).Msg("time sync loop started")

	c.safeSync(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("time sync loop shutting down")
			return
		case <-c.clock.After(c.config.Interval):
			c.safeSync(ctx)
		}
	}
}

func (c *Coordinator) safeSync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("background time sync failed")
		}
	}()
	c.Sync(ctx)
}

// collect queries every source in its own goroutine so that one slow source
// cannot delay the others.
func (c *Coordinator) collect(ctx context.Context) []Sample {
	samples := make([]Sample, len(c.sources))

	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			samples[i] = c.query(ctx, src)
		}(i, src)
	}
	wg.Wait()

	return samples
}

// query runs one source with the per-source timeout. A source that does not
// return in time is abandoned and counted as failed.
func (c *Coordinator) query(ctx context.Context, src Source) Sample {
	qctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	type result struct {
		offset, delay time.Duration
		err           error
	}
	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("source panicked: %v", r)}
			}
		}()
		offset, delay, err := src.Query(qctx)
		resultCh <- result{offset: offset, delay: delay, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return Sample{Source: src.Name(), Err: r.err}
		}
		return Sample{Source: src.Name(), Offset: r.offset, Delay: r.delay, OK: true}
	case <-qctx.Done():
		return Sample{Source: src.Name(), Err: fmt.Errorf("query %s: %w", src.Name(), qctx.Err())}
	}
}

// median returns the middle value of offsets, averaging the two middle values
// for an even count. offsets must not be empty.
func median(offsets []time.Duration) time.Duration {
	sorted := slices.Clone(offsets)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1] + (sorted[mid]-sorted[mid-1])/2
}
