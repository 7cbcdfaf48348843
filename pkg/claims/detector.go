package claims

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/telemetry"
)

// DefaultGracePeriod is how long a claim may exist for an execution whose
// record cannot be found before the sweep releases it. Executions claim their
// servers before the record is written, so a missing holder is normal for a
// short window.
const DefaultGracePeriod = 5 * time.Minute

// Claim is an exclusive, execution-scoped hold on one server id.
type Claim struct {
	ServerID    string    `json:"server_id" dynamodbav:"server_id"`
	ExecutionID string    `json:"execution_id" dynamodbav:"execution_id"`
	ClaimedAt   time.Time `json:"claimed_at" dynamodbav:"claimed_at"`
}

// Store persists claims. ClaimAll must be atomic with respect to concurrent
// callers: either every server id is recorded for executionID, or none is and
// the current holders are returned.
type Store interface {
	// ClaimAll claims serverIDs for executionID. Servers already held by
	// executionID are not conflicts. On conflict, nothing is written and the
	// result maps each holding execution id to the servers it holds.
	ClaimAll(ctx context.Context, executionID string, serverIDs []string, at time.Time) (map[string][]string, error)

	// ReleaseAll drops every claim held by executionID and returns how many
	// were dropped.
	ReleaseAll(ctx context.Context, executionID string) (int, error)

	// ListClaims returns every claim.
	ListClaims(ctx context.Context) ([]Claim, error)
}

// ExecutionReader looks up claim holders during a sweep or a conflicting claim.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*engine.Execution, error)
}

// Config configures a Detector.
type Config struct {
	// GracePeriod bounds how long a claim with a missing holder survives.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// SweepResult reports what a sweep released.
type SweepResult struct {
	// Released maps each released holder to the number of claims dropped.
	Released map[string]int `json:"released"`

	// Kept is the number of holders whose claims were left in place.
	Kept int `json:"kept"`
}

// Detector guards servers against concurrent recovery. It implements
// engine.ConflictDetector.
type Detector struct {
	store      Store
	executions ExecutionReader
	clock      engine.Clock
	grace      time.Duration
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

var _ engine.ConflictDetector = (*Detector)(nil)

// NewDetector creates a conflict detector. executions may be nil, in which
// case stale holders are never released.
func NewDetector(store Store, executions ExecutionReader, cfg Config, clock engine.Clock, logger zerolog.Logger, metrics *telemetry.Metrics) *Detector {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Detector{
		store:      store,
		executions: executions,
		clock:      clock,
		grace:      grace,
		logger:     logger.With().Str("component", "conflict_detector").Logger(),
		metrics:    metrics,
	}
}

// Claim takes every server for executionID, or none of them. Holders that are
// terminal, or missing past the grace period, are released and the claim is
// retried once. When any server is still held by another execution it fails
// with a CONFLICT error whose "holders" detail names the holding executions
// and their servers.
func (d *Detector) Claim(ctx context.Context, executionID string, serverIDs []string) error {
	ids := dedupe(serverIDs)
	if executionID == "" || len(ids) == 0 {
		return engine.NewPermanentError("claim requires an execution id and at least one server", nil).
			WithCode(engine.ErrCodeValidation)
	}

	holders, err := d.claimAll(ctx, executionID, ids)
	if err != nil {
		return err
	}
	if len(holders) > 0 && d.reclaim(ctx, holders) {
		if holders, err = d.claimAll(ctx, executionID, ids); err != nil {
			return err
		}
	}
	if len(holders) > 0 {
		d.metrics.RecordClaimConflict()
		d.logger.Warn().
			Str("execution_id", executionID).
			Interface("holders", holders).
			Msg("server claim conflict")
		return engine.NewServerConflictError(executionID, holders)
	}

	d.logger.Debug().
		Str("execution_id", executionID).
		Int("servers", len(ids)).
		Msg("servers claimed")
	return nil
}

func (d *Detector) claimAll(ctx context.Context, executionID string, ids []string) (map[string][]string, error) {
	holders, err := d.store.ClaimAll(ctx, executionID, ids, d.clock.Now())
	if err != nil {
		return nil, engine.NewTransientError("failed to record server claims", err).
			WithCode(engine.ErrCodeInternal).
			WithExecution(executionID).
			WithOperation("claim")
	}
	return holders, nil
}

// reclaim releases the claims of conflicting holders that are terminal, or
// whose record has been missing past the grace period. It reports whether
// anything was released.
func (d *Detector) reclaim(ctx context.Context, holders map[string][]string) bool {
	if d.executions == nil {
		return false
	}

	var oldest map[string]time.Time
	now := d.clock.Now()
	released := false

	for _, holder := range sortedKeys(holders) {
		age := time.Duration(0)
		if oldest != nil {
			age = now.Sub(oldest[holder])
		}
		release, reason := d.shouldRelease(ctx, holder, age)
		if !release && reason == reasonMissing {
			if oldest == nil {
				oldest = d.oldestClaims(ctx)
			}
			if t, ok := oldest[holder]; ok {
				release = now.Sub(t) > d.grace
			}
		}
		if !release {
			continue
		}

		n, err := d.store.ReleaseAll(ctx, holder)
		if err != nil {
			d.logger.Warn().Err(err).Str("execution_id", holder).Msg("failed to reclaim servers from stale holder")
			continue
		}
		released = true
		d.metrics.RecordClaimsSwept(n)
		d.logger.Info().
			Str("execution_id", holder).
			Str("reason", reason).
			Int("released", n).
			Msg("reclaimed servers from stale holder")
	}
	return released
}

func (d *Detector) oldestClaims(ctx context.Context) map[string]time.Time {
	oldest := make(map[string]time.Time)
	claims, err := d.store.ListClaims(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to list claims for holder ages")
		return oldest
	}
	for _, c := range claims {
		if t, ok := oldest[c.ExecutionID]; !ok || c.ClaimedAt.Before(t) {
			oldest[c.ExecutionID] = c.ClaimedAt
		}
	}
	return oldest
}

// Release drops every claim held by executionID. Releasing an execution that
// holds nothing succeeds.
func (d *Detector) Release(ctx context.Context, executionID string) error {
	n, err := d.store.ReleaseAll(ctx, executionID)
	if err != nil {
		return engine.NewTransientError("failed to release server claims", err).
			WithCode(engine.ErrCodeInternal).
			WithExecution(executionID).
			WithOperation("release")
	}
	d.logger.Debug().
		Str("execution_id", executionID).
		Int("released", n).
		Msg("server claims released")
	return nil
}

// Claims lists current claims ordered by server id.
func (d *Detector) Claims(ctx context.Context) ([]Claim, error) {
	claims, err := d.store.ListClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ServerID < claims[j].ServerID })
	return claims, nil
}

// Sweep releases claims held by executions that are terminal, and by
// executions whose record is missing once the grace period has passed since
// their oldest claim. Lookup failures other than not-found leave the holder
// alone.
func (d *Detector) Sweep(ctx context.Context) (*SweepResult, error) {
	claims, err := d.store.ListClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}

	oldest := make(map[string]time.Time)
	for _, c := range claims {
		if t, ok := oldest[c.ExecutionID]; !ok || c.ClaimedAt.Before(t) {
			oldest[c.ExecutionID] = c.ClaimedAt
		}
	}

	holders := make([]string, 0, len(oldest))
	for id := range oldest {
		holders = append(holders, id)
	}
	sort.Strings(holders)

	result := &SweepResult{Released: make(map[string]int)}
	now := d.clock.Now()

	for _, holder := range holders {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		release, reason := d.shouldRelease(ctx, holder, now.Sub(oldest[holder]))
		if !release {
			result.Kept++
			continue
		}

		n, err := d.store.ReleaseAll(ctx, holder)
		if err != nil {
			d.logger.Error().Err(err).Str("execution_id", holder).Msg("sweep failed to release claims")
			result.Kept++
			continue
		}
		result.Released[holder] = n
		d.logger.Info().
			Str("execution_id", holder).
			Str("reason", reason).
			Int("released", n).
			Msg("swept stale server claims")
	}

	total := 0
	for _, n := range result.Released {
		total += n
	}
	d.metrics.RecordClaimsSwept(total)

	return result, nil
}

// reasonMissing is reported when a holder's execution record is absent.
const reasonMissing = "holder record missing"

func (d *Detector) shouldRelease(ctx context.Context, holder string, age time.Duration) (bool, string) {
	if d.executions == nil {
		return false, ""
	}

	exec, err := d.executions.GetExecution(ctx, holder)
	switch {
	case err == nil && exec.Status.IsTerminal():
		return true, fmt.Sprintf("holder is %s", exec.Status)
	case err == nil:
		return false, ""
	case errors.Is(err, engine.ErrNotFound) || engine.IsCode(err, engine.ErrCodeNotFound):
		return age > d.grace, reasonMissing
	default:
		d.logger.Warn().Err(err).Str("execution_id", holder).Msg("sweep could not look up claim holder")
		return false, ""
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
