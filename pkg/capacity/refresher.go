package capacity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drwave/drwave/pkg/engine"
)

// RefreshResult summarizes one inventory refresh.
type RefreshResult struct {
	Records       []RegionRecord `json:"records"`
	Active        int            `json:"active"`
	Failed        int            `json:"failed"`
	Uninitialized int            `json:"uninitialized"`
}

// Refresher rebuilds the region/capacity records from the recovery service and
// invalidates the cache once they are written.
type Refresher struct {
	recovery    engine.RecoveryAPI
	store       RecordStore
	cache       *Cache
	regions     []string
	clock       engine.Clock
	concurrency int
	logger      zerolog.Logger
}

// NewRefresher creates an inventory refresher. regions defaults to
// StaticRegions; cache may be nil.
func NewRefresher(recovery engine.RecoveryAPI, store RecordStore, cache *Cache, regions []string, clock engine.Clock, logger zerolog.Logger) *Refresher {
	if len(regions) == 0 {
		regions = StaticRegions()
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Refresher{
		recovery:    recovery,
		store:       store,
		cache:       cache,
		regions:     regions,
		clock:       clock,
		concurrency: 8,
		logger:      logger.With().Str("component", "inventory_refresher").Logger(),
	}
}

// Refresh queries every account in every region, writes one record per pair
// and invalidates the cache. A failed query is recorded as an ERROR record
// rather than failing the refresh; a region where the recovery service was
// never initialized is recorded as UNINITIALIZED. Only a store write failure
// or a cancelled context is returned as an error, and in that case the cache
// is left alone.
func (r *Refresher) Refresh(ctx context.Context, accountIDs []string) (*RefreshResult, error) {
	var mu sync.Mutex
	records := make([]RegionRecord, 0, len(accountIDs)*len(r.regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, account := range accountIDs {
		for _, region := range r.regions {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rec := r.inventory(gctx, account, region)
				mu.Lock()
				records = append(records, rec)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].AccountID != records[j].AccountID {
			return records[i].AccountID < records[j].AccountID
		}
		return records[i].Region < records[j].Region
	})

	if err := r.store.PutRegionRecords(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to write region records: %w", err)
	}
	if r.cache != nil {
		r.cache.Invalidate()
	}

	result := &RefreshResult{Records: records}
	for _, rec := range records {
		switch rec.Status {
		case RegionStatusActive:
			result.Active++
		case RegionStatusError:
			result.Failed++
		case RegionStatusUninitialized:
			result.Uninitialized++
		}
	}

	r.logger.Info().
		Int("accounts", len(accountIDs)).
		Int("records", len(records)).
		Int("active", result.Active).
		Int("failed", result.Failed).
		Int("uninitialized", result.Uninitialized).
		Msg("inventory refreshed")

	return result, nil
}

func (r *Refresher) inventory(ctx context.Context, account, region string) RegionRecord {
	rec := RegionRecord{
		AccountID:   account,
		Region:      region,
		LastChecked: r.clock.Now(),
	}

	resources, err := r.recovery.DescribeResources(ctx, engine.ResourceFilter{
		AccountID: account,
		Region:    region,
	})
	switch {
	case engine.IsCode(err, engine.ErrCodeNotInitialized):
		rec.Status = RegionStatusUninitialized
		return rec
	case err != nil:
		r.logger.Warn().Err(err).
			Str("account_id", account).
			Str("region", region).
			Msg("inventory query failed")
		rec.Status = RegionStatusError
		rec.ErrorMessage = err.Error()
		return rec
	}

	rec.Status = RegionStatusActive
	rec.ResourceCount = len(resources)
	for _, res := range resources {
		if res.Replicating {
			rec.ReplicatingCount++
		}
	}
	return rec
}
