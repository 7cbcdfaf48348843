package capacity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drwave/drwave/pkg/engine"
)

type memRecords struct {
	mu      sync.Mutex
	records []RegionRecord
	err     error
	reads   int
	writes  int
}

func (m *memRecords) ListRegionRecords(_ context.Context) ([]RegionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	return append([]RegionRecord(nil), m.records...), nil
}

func (m *memRecords) PutRegionRecords(_ context.Context, records []RegionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes++
	m.records = append([]RegionRecord(nil), records...)
	return nil
}

func (m *memRecords) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(store RecordStore) (*Cache, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return NewCache(store, Config{}, clock, zerolog.Nop(), nil), clock
}

func active(account, region string, resources, replicating int) RegionRecord {
	return RegionRecord{
		AccountID:        account,
		Region:           region,
		Status:           RegionStatusActive,
		ResourceCount:    resources,
		ReplicatingCount: replicating,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		percent float64
		want    Level
	}{
		{0, LevelOK},
		{40, LevelOK},
		{66, LevelOK},
		{66.99, LevelOK},
		{67, LevelInfo},
		{70, LevelInfo},
		{74, LevelInfo},
		{75, LevelWarning},
		{80, LevelWarning},
		{82, LevelWarning},
		{83, LevelCritical},
		{90, LevelCritical},
		{92, LevelCritical},
		{93, LevelHyperCritical},
		{95, LevelHyperCritical},
		{100, LevelHyperCritical},
		{120, LevelHyperCritical},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.percent), "Classify(%v)", tt.percent)
	}
}

func TestUtilization(t *testing.T) {
	assert.InDelta(t, 70.0, Utilization(210, 300), 0.001)
	assert.InDelta(t, 100.0, Utilization(5, 0), 0.001)
	assert.Equal(t, LevelInfo, Classify(Utilization(201, 300)))
	assert.Equal(t, LevelOK, Classify(Utilization(200, 300)))
}

func TestLevelSeverity(t *testing.T) {
	assert.Less(t, LevelUnknown.Severity(), LevelOK.Severity())
	assert.Less(t, LevelWarning.Severity(), LevelCritical.Severity())
	assert.Less(t, LevelCritical.Severity(), LevelHyperCritical.Severity())
}

func TestStaticRegions(t *testing.T) {
	regions := StaticRegions()
	require.NotEmpty(t, regions)
	assert.IsNonDecreasing(t, regions)
	assert.True(t, IsSupportedRegion("us-east-1"))
	assert.False(t, IsSupportedRegion("mars-north-1"))

	// Callers get a copy.
	regions[0] = "changed"
	assert.NotEqual(t, "changed", StaticRegions()[0])
}

func TestCache_ActiveRegionsFallback(t *testing.T) {
	tests := []struct {
		name      string
		store     *memRecords
		wantReads int
	}{
		// Unusable stores are not cached, so each call reads again.
		{"empty store", &memRecords{}, 2},
		{"store error", &memRecords{err: errors.New("table not found")}, 2},
		// Readable records are cached even when none is active.
		{"no active records", &memRecords{records: []RegionRecord{
			active("111122223333", "us-east-1", 0, 0),
			{AccountID: "111122223333", Region: "us-west-2", Status: RegionStatusError, ResourceCount: 4},
		}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, _ := newTestCache(tt.store)
			assert.Equal(t, StaticRegions(), cache.ActiveRegions(context.Background()))
			assert.Equal(t, StaticRegions(), cache.ActiveRegions(context.Background()))
			assert.Equal(t, tt.wantReads, tt.store.readCount())
		})
	}
}

func TestCache_ActiveRegionsWithinTTL(t *testing.T) {
	store := &memRecords{records: []RegionRecord{
		active("111122223333", "us-west-2", 3, 3),
		active("111122223333", "us-east-1", 10, 8),
		active("444455556666", "us-east-1", 2, 2),
		active("444455556666", "eu-west-1", 1, 0),
		active("444455556666", "ap-south-1", 0, 0),
	}}
	cache, clock := newTestCache(store)
	ctx := context.Background()

	want := []string{"eu-west-1", "us-east-1", "us-west-2"}
	assert.Equal(t, want, cache.ActiveRegions(ctx))

	clock.Advance(30 * time.Second)
	assert.Equal(t, want, cache.ActiveRegions(ctx))
	clock.Advance(29 * time.Second)
	assert.Equal(t, want, cache.ActiveRegions(ctx))
	assert.Equal(t, 1, store.readCount(), "reads within the TTL are served from memory")

	clock.Advance(time.Second)
	cache.ActiveRegions(ctx)
	assert.Equal(t, 2, store.readCount(), "the TTL expired")
}

func TestCache_Invalidate(t *testing.T) {
	store := &memRecords{records: []RegionRecord{active("111122223333", "us-east-1", 1, 1)}}
	cache, _ := newTestCache(store)
	ctx := context.Background()

	assert.Equal(t, []string{"us-east-1"}, cache.ActiveRegions(ctx))

	require.NoError(t, store.PutRegionRecords(ctx, []RegionRecord{
		active("111122223333", "us-east-1", 1, 1),
		active("111122223333", "eu-central-1", 2, 2),
	}))
	assert.Equal(t, []string{"us-east-1"}, cache.ActiveRegions(ctx), "stale until invalidated")

	cache.Invalidate()
	assert.Equal(t, []string{"eu-central-1", "us-east-1"}, cache.ActiveRegions(ctx))
}

func TestCache_ConcurrentReads(t *testing.T) {
	store := &memRecords{records: []RegionRecord{active("111122223333", "us-east-1", 1, 1)}}
	cache, _ := newTestCache(store)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, []string{"us-east-1"}, cache.ActiveRegions(context.Background()))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, store.readCount(), 32)
	assert.GreaterOrEqual(t, store.readCount(), 1)
}

// gatedRecords blocks reads until release is closed.
type gatedRecords struct {
	memRecords
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedRecords) ListRegionRecords(ctx context.Context) ([]RegionRecord, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
	}
	return g.memRecords.ListRegionRecords(ctx)
}

func TestCache_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	store := &gatedRecords{
		memRecords: memRecords{records: []RegionRecord{active("111122223333", "us-east-1", 1, 1)}},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	cache, _ := newTestCache(store)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Records(ctx)
		firstErr <- err
	}()
	<-store.started

	type result struct {
		records []RegionRecord
		err     error
	}
	second := make(chan result, 1)
	go func() {
		records, err := cache.Records(context.Background())
		second <- result{records, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(store.release)
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.records, 1)
	assert.Equal(t, "us-east-1", got.records[0].Region)
	assert.Equal(t, []string{"us-east-1"}, cache.ActiveRegions(context.Background()))
}

func TestCache_Capacity(t *testing.T) {
	store := &memRecords{records: []RegionRecord{
		active("111122223333", "us-east-1", 150, 140),
		active("111122223333", "us-west-2", 100, 100),
		{AccountID: "111122223333", Region: "eu-west-1", Status: RegionStatusError, ErrorMessage: "access denied"},
		{AccountID: "111122223333", Region: "ap-south-1", Status: RegionStatusUninitialized},
		{AccountID: "999988887777", Region: "us-east-1", Status: RegionStatusError, ErrorMessage: "assume role failed"},
	}}
	cache, _ := newTestCache(store)
	ctx := context.Background()

	acct, err := cache.Capacity(ctx, "111122223333")
	require.NoError(t, err)
	assert.True(t, acct.Known)
	assert.Equal(t, 240, acct.Used)
	assert.Equal(t, DefaultAccountCeiling, acct.Max)
	assert.Equal(t, 60, acct.Available)
	assert.InDelta(t, 80.0, acct.Utilization, 0.001)
	assert.Equal(t, LevelWarning, acct.Level)
	assert.Equal(t, map[string]int{"us-east-1": 140, "us-west-2": 100}, acct.PerRegion)
	assert.Equal(t, []string{"eu-west-1"}, acct.FailedRegions)

	broken, err := cache.Capacity(ctx, "999988887777")
	require.NoError(t, err)
	assert.False(t, broken.Known)
	assert.Equal(t, LevelUnknown, broken.Level)
	assert.Contains(t, broken.Error, "assume role failed")

	missing, err := cache.Capacity(ctx, "000000000000")
	require.NoError(t, err)
	assert.False(t, missing.Known)
}

func TestCache_CapacityStoreError(t *testing.T) {
	cache, _ := newTestCache(&memRecords{err: errors.New("throttled")})
	_, err := cache.Capacity(context.Background(), "111122223333")
	require.Error(t, err)
}

func TestCache_CombinedCapacity(t *testing.T) {
	store := &memRecords{records: []RegionRecord{
		active("111122223333", "us-east-1", 150, 150),
		active("444455556666", "us-east-1", 120, 120),
		{AccountID: "999988887777", Region: "us-east-1", Status: RegionStatusError, ErrorMessage: "assume role failed"},
	}}
	cache, _ := newTestCache(store)

	combined, err := cache.CombinedCapacity(context.Background(), []string{"111122223333", "444455556666", "999988887777"})
	require.NoError(t, err)

	assert.Equal(t, 270, combined.Used)
	assert.Equal(t, 600, combined.Max)
	assert.Equal(t, 330, combined.Available)
	assert.InDelta(t, 45.0, combined.Utilization, 0.001)
	assert.Equal(t, LevelOK, combined.Level)
	assert.Equal(t, []string{"999988887777"}, combined.Unknown)
	require.Len(t, combined.Accounts, 3)
	assert.Equal(t, "444455556666", combined.Accounts[1].AccountID)
}

func TestCache_CombinedCapacityAllUnknown(t *testing.T) {
	cache, _ := newTestCache(&memRecords{err: errors.New("unreachable")})

	combined, err := cache.CombinedCapacity(context.Background(), []string{"111122223333", "444455556666"})
	require.NoError(t, err)
	assert.Equal(t, LevelUnknown, combined.Level)
	assert.Len(t, combined.Unknown, 2)
}

type fakeInventory struct {
	resources map[string][]engine.SourceResource
	errs      map[string]error
}

func (f *fakeInventory) StartJob(context.Context, []string, engine.JobOptions) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeInventory) FindJob(context.Context, engine.JobLookup) (string, error) {
	return "", nil
}

func (f *fakeInventory) DescribeJob(context.Context, string, string, string) (*engine.RecoveryJob, error) {
	return nil, errors.New("not supported")
}

func (f *fakeInventory) DescribeResources(_ context.Context, filter engine.ResourceFilter) ([]engine.SourceResource, error) {
	key := filter.AccountID + "/" + filter.Region
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return f.resources[key], nil
}

func TestRefresher_Refresh(t *testing.T) {
	inventory := &fakeInventory{
		resources: map[string][]engine.SourceResource{
			"111122223333/us-east-1": {
				{SourceServerID: "s-1", Replicating: true},
				{SourceServerID: "s-2", Replicating: true},
				{SourceServerID: "s-3", Replicating: false},
			},
		},
		errs: map[string]error{
			"111122223333/eu-west-1": engine.NewPermanentError("uninitialized", nil).WithCode(engine.ErrCodeNotInitialized),
			"444455556666/us-east-1": errors.New("AccessDenied"),
		},
	}
	store := &memRecords{records: []RegionRecord{active("111122223333", "us-west-2", 1, 1)}}
	cache, _ := newTestCache(store)
	ctx := context.Background()

	assert.Equal(t, []string{"us-west-2"}, cache.ActiveRegions(ctx))

	refresher := NewRefresher(inventory, store, cache, []string{"eu-west-1", "us-east-1"}, nil, zerolog.Nop())
	result, err := refresher.Refresh(ctx, []string{"111122223333", "444455556666"})
	require.NoError(t, err)

	require.Len(t, result.Records, 4)
	assert.Equal(t, 2, result.Active)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Uninitialized)

	first := result.Records[1]
	assert.Equal(t, "111122223333", first.AccountID)
	assert.Equal(t, "us-east-1", first.Region)
	assert.Equal(t, 3, first.ResourceCount)
	assert.Equal(t, 2, first.ReplicatingCount)

	failed := result.Records[3]
	assert.Equal(t, RegionStatusError, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "AccessDenied")

	// The cache was invalidated, so the fresh records are visible at once.
	assert.Equal(t, []string{"us-east-1"}, cache.ActiveRegions(ctx))
}

func TestRefresher_StoreFailureKeepsCache(t *testing.T) {
	store := &memRecords{records: []RegionRecord{active("111122223333", "us-west-2", 1, 1)}}
	cache, _ := newTestCache(store)
	ctx := context.Background()
	cache.ActiveRegions(ctx)

	store.mu.Lock()
	store.err = errors.New("write capacity exceeded")
	store.mu.Unlock()

	refresher := NewRefresher(&fakeInventory{}, store, cache, []string{"us-east-1"}, nil, zerolog.Nop())
	_, err := refresher.Refresh(ctx, []string{"111122223333"})
	require.Error(t, err)

	assert.Equal(t, []string{"us-west-2"}, cache.ActiveRegions(ctx), "cache not invalidated on failure")
}
