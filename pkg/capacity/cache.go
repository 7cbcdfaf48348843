package capacity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/telemetry"
)

// DefaultTTL is how long a loaded set of region records is served from memory.
const DefaultTTL = 60 * time.Second

// Cache request results, used as metric labels.
const (
	cacheHit      = "hit"
	cacheMiss     = "miss"
	cacheFallback = "fallback"
)

// RecordStore persists region/capacity records. It is written by the
// inventory refresher and read by the cache.
type RecordStore interface {
	ListRegionRecords(ctx context.Context) ([]RegionRecord, error)
	PutRegionRecords(ctx context.Context, records []RegionRecord) error
}

// Config configures a Cache.
type Config struct {
	// TTL bounds how long loaded records are served without re-reading.
	TTL time.Duration `yaml:"ttl"`

	// AccountCeiling is the per-account capacity ceiling.
	AccountCeiling int `yaml:"account_ceiling"`

	// Concurrency bounds parallel per-account work in CombinedCapacity.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:            DefaultTTL,
		AccountCeiling: DefaultAccountCeiling,
		Concurrency:    8,
	}
}

type snapshot struct {
	records  []RegionRecord
	loadedAt time.Time
}

// Cache is a short-TTL, in-process view of the region/capacity records.
//
// A miss reads the record store once no matter how many callers miss at the
// same time. When the store errors or holds no records, ActiveRegions answers
// with the static region list and nothing is cached, so the next call tries
// the store again.
type Cache struct {
	store   RecordStore
	clock   engine.Clock
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	group singleflight.Group

	mu         sync.RWMutex
	current    *snapshot
	generation uint64
}

// NewCache creates a region/capacity cache.
func NewCache(store RecordStore, cfg Config, clock engine.Clock, logger zerolog.Logger, metrics *telemetry.Metrics) *Cache {
	defaults := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.AccountCeiling <= 0 {
		cfg.AccountCeiling = defaults.AccountCeiling
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Cache{
		store:   store,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With().Str("component", "region_cache").Logger(),
		metrics: metrics,
	}
}

// ActiveRegions returns the sorted regions that hold tracked resources in any
// account. It never returns an empty list: when records are unavailable or
// none is active, it returns StaticRegions.
func (c *Cache) ActiveRegions(ctx context.Context) []string {
	records, err := c.Records(ctx)
	if err != nil {
		c.metrics.RecordCacheRequest(cacheFallback)
		c.logger.Warn().Err(err).Msg("region records unavailable, falling back to static region list")
		return StaticRegions()
	}

	seen := make(map[string]struct{})
	regions := make([]string, 0)
	for _, r := range records {
		if !r.IsActive() {
			continue
		}
		if _, ok := seen[r.Region]; ok {
			continue
		}
		seen[r.Region] = struct{}{}
		regions = append(regions, r.Region)
	}

	if len(regions) == 0 {
		c.metrics.RecordCacheRequest(cacheFallback)
		c.logger.Warn().Int("records", len(records)).Msg("no active regions in inventory, falling back to static region list")
		return StaticRegions()
	}

	sort.Strings(regions)
	return regions
}

// Records returns the cached region records, loading them on a miss. An empty
// store is reported as an error and is not cached. The returned slice is shared
// and must not be modified.
func (c *Cache) Records(ctx context.Context) ([]RegionRecord, error) {
	c.mu.RLock()
	snap := c.current
	gen := c.generation
	c.mu.RUnlock()

	if snap != nil && c.clock.Now().Sub(snap.loadedAt) < c.cfg.TTL {
		c.metrics.RecordCacheRequest(cacheHit)
		return snap.records, nil
	}
	c.metrics.RecordCacheRequest(cacheMiss)

	// Keyed by generation so a load started before Invalidate is never
	// shared with callers that arrive after it. The load outlives the caller
	// that started it; each caller only stops waiting on its own context.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("records/%d", gen), func() (interface{}, error) {
		records, err := c.store.ListRegionRecords(loadCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to read region records: %w", err)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("region record store is empty")
		}

		c.mu.Lock()
		if c.generation == gen {
			c.current = &snapshot{records: records, loadedAt: c.clock.Now()}
		}
		c.mu.Unlock()

		c.logger.Debug().Int("records", len(records)).Msg("region records loaded")
		return records, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]RegionRecord), nil
	}
}

// Invalidate drops the cached records. The next read goes to the store.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.generation++
	c.mu.Unlock()

	c.logger.Debug().Msg("region cache invalidated")
}
