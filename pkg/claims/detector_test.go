package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drwave/drwave/pkg/engine"
)

type fakeExecutions struct {
	mu     sync.Mutex
	status map[string]engine.ExecutionStatus
	err    error
}

func (f *fakeExecutions) GetExecution(_ context.Context, id string) (*engine.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st, ok := f.status[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, engine.ErrNotFound)
	}
	return &engine.Execution{ID: id, Status: st}, nil
}

type fixture struct {
	detector   *Detector
	store      *MemoryStore
	executions *fakeExecutions
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      NewMemoryStore(),
		executions: &fakeExecutions{status: make(map[string]engine.ExecutionStatus)},
		now:        time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	clock := engine.ClockFunc(func() time.Time { return f.now })
	f.detector = NewDetector(f.store, f.executions, Config{}, clock, zerolog.Nop(), nil)
	return f
}

func TestDetector_ClaimAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.detector.Claim(ctx, "exec-1", []string{"s-1", "s-2", "s-2"}))

	claims, err := f.detector.Claims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "s-1", claims[0].ServerID)
	assert.Equal(t, "exec-1", claims[0].ExecutionID)
	assert.Equal(t, f.now, claims[0].ClaimedAt)

	// Re-claiming servers already held by the same execution is not a conflict.
	require.NoError(t, f.detector.Claim(ctx, "exec-1", []string{"s-2"}))

	require.NoError(t, f.detector.Release(ctx, "exec-1"))
	claims, err = f.detector.Claims(ctx)
	require.NoError(t, err)
	assert.Empty(t, claims)

	require.NoError(t, f.detector.Release(ctx, "exec-unknown"))
}

func TestDetector_ClaimConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.detector.Claim(ctx, "exec-1", []string{"s-1", "s-2"}))
	require.NoError(t, f.detector.Claim(ctx, "exec-2", []string{"s-3"}))

	err := f.detector.Claim(ctx, "exec-3", []string{"s-4", "s-2", "s-3", "s-1"})
	require.Error(t, err)
	assert.True(t, engine.IsCode(err, engine.ErrCodeConflict))

	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, map[string][]string{
		"exec-1": {"s-1", "s-2"},
		"exec-2": {"s-3"},
	}, engErr.Details["holders"])

	claims, err := f.detector.Claims(ctx)
	require.NoError(t, err)
	for _, c := range claims {
		assert.NotEqual(t, "exec-3", c.ExecutionID, "rejected claim must not be partially recorded")
	}
}

func TestDetector_ClaimReclaimsStaleHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.detector.Claim(ctx, "exec-done", []string{"s-1"}))
	require.NoError(t, f.detector.Claim(ctx, "exec-gone", []string{"s-2"}))
	require.NoError(t, f.detector.Claim(ctx, "exec-live", []string{"s-3"}))
	f.executions.status["exec-done"] = engine.ExecutionStatusCompleted
	f.executions.status["exec-live"] = engine.ExecutionStatusPolling

	// A terminal holder never blocks a new claim.
	require.NoError(t, f.detector.Claim(ctx, "exec-new", []string{"s-1"}))

	// A missing holder blocks until the grace period has passed.
	err := f.detector.Claim(ctx, "exec-new", []string{"s-2"})
	assert.True(t, engine.IsCode(err, engine.ErrCodeConflict))

	f.now = f.now.Add(DefaultGracePeriod + time.Minute)
	require.NoError(t, f.detector.Claim(ctx, "exec-new", []string{"s-2"}))

	// Live holders still conflict.
	f.executions.status["exec-new"] = engine.ExecutionStatusCreated
	err = f.detector.Claim(ctx, "exec-other", []string{"s-3", "s-1"})
	require.Error(t, err)
	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, map[string][]string{
		"exec-live": {"s-3"},
		"exec-new":  {"s-1"},
	}, engErr.Details["holders"])

	claims, err := f.detector.Claims(ctx)
	require.NoError(t, err)
	holders := make(map[string]string, len(claims))
	for _, c := range claims {
		holders[c.ServerID] = c.ExecutionID
	}
	assert.Equal(t, map[string]string{"s-1": "exec-new", "s-2": "exec-new", "s-3": "exec-live"}, holders)
}

func TestDetector_ClaimValidation(t *testing.T) {
	f := newFixture(t)

	err := f.detector.Claim(context.Background(), "exec-1", []string{"", ""})
	assert.True(t, engine.IsCode(err, engine.ErrCodeValidation))

	err = f.detector.Claim(context.Background(), "", []string{"s-1"})
	assert.True(t, engine.IsCode(err, engine.ErrCodeValidation))
}

func TestDetector_ConcurrentOverlappingClaims(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()

		const callers = 16
		var wg sync.WaitGroup
		results := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// Every caller shares s-shared and has one server of its own.
				servers := []string{fmt.Sprintf("s-own-%d", i), "s-shared"}
				results[i] = f.detector.Claim(ctx, fmt.Sprintf("exec-%d", i), servers)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
				continue
			}
			require.True(t, engine.IsCode(err, engine.ErrCodeConflict), "unexpected error: %v", err)
		}
		require.Equal(t, 1, succeeded, "round %d", round)

		claims, err := f.detector.Claims(ctx)
		require.NoError(t, err)
		require.Len(t, claims, 2, "only the winner's servers are claimed")
	}
}

func TestDetector_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.detector.Claim(ctx, "exec-active", []string{"s-1"}))
	require.NoError(t, f.detector.Claim(ctx, "exec-done", []string{"s-2", "s-3"}))
	require.NoError(t, f.detector.Claim(ctx, "exec-orphan", []string{"s-4"}))
	f.executions.status["exec-active"] = engine.ExecutionStatusPolling
	f.executions.status["exec-done"] = engine.ExecutionStatusCancelled

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.detector.Claim(ctx, "exec-creating", []string{"s-5"}))

	// exec-orphan is past the grace period; exec-creating is not.
	f.now = f.now.Add(DefaultGracePeriod)

	result, err := f.detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"exec-done": 2, "exec-orphan": 1}, result.Released)
	assert.Equal(t, 2, result.Kept)

	claims, err := f.detector.Claims(ctx)
	require.NoError(t, err)
	held := make([]string, 0, len(claims))
	for _, c := range claims {
		held = append(held, c.ServerID)
	}
	assert.Equal(t, []string{"s-1", "s-5"}, held)

	// Released servers are claimable again.
	require.NoError(t, f.detector.Claim(ctx, "exec-next", []string{"s-2", "s-4"}))
}

func TestDetector_SweepLookupFailureKeepsClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.detector.Claim(ctx, "exec-1", []string{"s-1"}))
	f.executions.err = errors.New("table unavailable")
	f.now = f.now.Add(time.Hour)

	result, err := f.detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Released)
	assert.Equal(t, 1, result.Kept)
}

func TestDetector_SweepWithoutExecutionReader(t *testing.T) {
	store := NewMemoryStore()
	d := NewDetector(store, nil, Config{GracePeriod: time.Second}, nil, zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, d.Claim(ctx, "exec-1", []string{"s-1"}))
	result, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Released)
}
