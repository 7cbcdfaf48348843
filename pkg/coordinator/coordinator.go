package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drwave/drwave/pkg/capacity"
	"github.com/drwave/drwave/pkg/engine"
)

// PausedBy is the principal recorded on checkpoints the coordinator creates.
const PausedBy = "coordinator"

// Engine is the part of the execution state machine the coordinator drives.
type Engine interface {
	List(ctx context.Context, filter engine.ExecutionFilter) ([]*engine.Execution, error)
	Poll(ctx context.Context, executionID string) (*engine.PollResult, error)
	CreateWave(ctx context.Context, executionID string, waveNumber int) (*engine.Wave, error)
	Finalize(ctx context.Context, executionID string) (*engine.Execution, error)
	Fail(ctx context.Context, executionID, reason string) (*engine.Execution, error)
	Cancel(ctx context.Context, executionID, reason string) (*engine.Execution, error)
	FailWave(ctx context.Context, executionID string, waveNumber int, reason string) (*engine.Wave, error)
	Pause(ctx context.Context, executionID string, req engine.PauseRequest) (*engine.Execution, error)
}

// CapacityChecker reports replication headroom for the capacity preflight.
type CapacityChecker interface {
	Capacity(ctx context.Context, accountID string) (*capacity.AccountCapacity, error)
}

// Config configures a Coordinator.
type Config struct {
	// Schedule is a cron spec for the tick, e.g. "@every 30s".
	Schedule string `yaml:"schedule" validate:"required"`

	// MaxPollErrors is how many consecutive poll errors a wave may see
	// before it is failed.
	MaxPollErrors int `yaml:"max_poll_errors" validate:"gte=1"`

	// BackoffInitial and BackoffMax bound the delay before an execution whose
	// poll keeps failing is polled again.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// BackoffJitter is the randomization factor applied to each delay.
	BackoffJitter float64 `yaml:"backoff_jitter" validate:"gte=0,lte=1"`

	// Concurrency bounds how many executions are stepped in parallel.
	Concurrency int `yaml:"concurrency" validate:"gte=1"`

	// CapacityPreflight pauses an execution instead of starting a wave that
	// does not fit in the account's remaining replication capacity.
	CapacityPreflight bool `yaml:"capacity_preflight"`

	// ReservationTimeout is how long a wave may stay POLLING without a
	// recorded job before the coordinator takes it over. It matches the
	// engine's reservation timeout.
	ReservationTimeout time.Duration `yaml:"-"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:           "@every 30s",
		MaxPollErrors:      10,
		BackoffInitial:     30 * time.Second,
		BackoffMax:         5 * time.Minute,
		BackoffJitter:      0.5,
		Concurrency:        4,
		CapacityPreflight:  true,
		ReservationTimeout: 5 * time.Minute,
	}
}

// Coordinator drives executions forward on a schedule. It owns all waiting:
// the engine only ever does one bounded step per call.
type Coordinator struct {
	engine   Engine
	capacity CapacityChecker
	cfg      Config
	clock    engine.Clock
	logger   zerolog.Logger

	mu     sync.Mutex
	states map[string]*execState

	cron *cron.Cron
}

// execState is the coordinator's in-memory view of one execution.
type execState struct {
	pollErrors map[int]int

	// takeoverErrors counts failed takeovers of abandoned wave reservations.
	takeoverErrors map[int]int

	backoff   *backoff.ExponentialBackOff
	notBefore time.Time
}

// New creates a coordinator. capacity may be nil to skip the preflight.
func New(eng Engine, capacityChecker CapacityChecker, cfg Config, clock engine.Clock, logger zerolog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = def.MaxPollErrors
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ReservationTimeout <= 0 {
		cfg.ReservationTimeout = def.ReservationTimeout
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}

	return &Coordinator{
		engine:   eng,
		capacity: capacityChecker,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		states:   make(map[string]*execState),
	}
}

// Start schedules Tick on the configured cron spec. Ticks that overrun the
// schedule are skipped rather than stacked.
func (c *Coordinator) Start(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(&c.logger)
	c.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	_, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Tick(ctx); err != nil {
			c.logger.Error().Err(err).Msg("coordinator tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid coordinator schedule %q: %w", c.cfg.Schedule, err)
	}

	c.cron.Start()
	c.logger.Info().Str("schedule", c.cfg.Schedule).Msg("coordinator started")
	return nil
}

// Stop stops scheduling and waits for a running tick to finish or ctx to end.
func (c *Coordinator) Stop(ctx context.Context) {
	if c.cron == nil {
		return
	}
	done := c.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	c.logger.Info().Msg("coordinator stopped")
}

// Tick steps every non-terminal execution once.
func (c *Coordinator) Tick(ctx context.Context) (*TickResult, error) {
	execs, err := c.engine.List(ctx, engine.ExecutionFilter{
		Statuses: []engine.ExecutionStatus{
			engine.ExecutionStatusCreated,
			engine.ExecutionStatusPolling,
			engine.ExecutionStatusPaused,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}

	c.forgetMissing(execs)

	result := &TickResult{Steps: make([]Step, len(execs))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, exec := range execs {
		g.Go(func() error {
			result.Steps[i] = c.Step(gctx, exec)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Steps, func(i, j int) bool { return result.Steps[i].ExecutionID < result.Steps[j].ExecutionID })
	c.logger.Debug().Int("executions", len(execs)).Msg("tick complete")
	return result, nil
}

// forgetMissing drops state for executions that are no longer active.
func (c *Coordinator) forgetMissing(active []*engine.Execution) {
	keep := make(map[string]bool, len(active))
	for _, e := range active {
		keep[e.ID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.states {
		if !keep[id] {
			delete(c.states, id)
		}
	}
}

func (c *Coordinator) state(executionID string) *execState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[executionID]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.cfg.BackoffInitial
		b.MaxInterval = c.cfg.BackoffMax
		b.RandomizationFactor = c.cfg.BackoffJitter
		st = &execState{pollErrors: make(map[int]int), takeoverErrors: make(map[int]int), backoff: b}
		c.states[executionID] = st
	}
	return st
}

// Step advances one execution by at most one action.
func (c *Coordinator) Step(ctx context.Context, exec *engine.Execution) Step {
	log := c.logger.With().Str("execution_id", exec.ID).Logger()
	step := Step{ExecutionID: exec.ID}

	if exec.Status == engine.ExecutionStatusPaused {
		step.Action = ActionSkipped
		step.Detail = "execution is paused"
		return step
	}

	st := c.state(exec.ID)
	now := c.clock.Now()
	c.mu.Lock()
	notBefore := st.notBefore
	c.mu.Unlock()
	if now.Before(notBefore) {
		step.Action = ActionDeferred
		step.Detail = fmt.Sprintf("backing off until %s", notBefore.Format(time.RFC3339))
		return step
	}

	result, err := c.engine.Poll(ctx, exec.ID)
	if err != nil {
		return c.stepError(step, st, log, "poll", err)
	}
	if result.Cancelled || result.Execution.Status.IsTerminal() {
		step.Action = ActionSkipped
		step.Detail = fmt.Sprintf("execution is %s", result.Execution.Status)
		return step
	}
	current := result.Execution

	if failed := c.trackPollErrors(ctx, st, current, result, log); failed {
		step.Action = ActionWaveFailed
		step.Detail = "poll error budget exhausted"
		return step
	}

	switch {
	case result.AllWavesComplete:
		if _, err := c.engine.Finalize(ctx, current.ID); err != nil {
			return c.stepError(step, st, log, "finalize", err)
		}
		step.Action = ActionFinalized
		return step

	case failedWave(current) != nil:
		w := failedWave(current)
		reason := fmt.Sprintf("wave %d failed: %s", w.Number, w.FailureReason)
		if current.Status == engine.ExecutionStatusCreated {
			// No job was ever recorded, so the execution can only be cancelled.
			if _, err := c.engine.Cancel(ctx, current.ID, reason); err != nil {
				return c.stepError(step, st, log, "cancel", err)
			}
			step.Action = ActionCancelled
			step.Detail = reason
			return step
		}
		if _, err := c.engine.Fail(ctx, current.ID, reason); err != nil {
			return c.stepError(step, st, log, "fail", err)
		}
		step.Action = ActionFailed
		step.Detail = reason
		return step

	case abandonedWave(current, now, c.cfg.ReservationTimeout) != nil:
		return c.takeOver(ctx, step, st, log, current, abandonedWave(current, now, c.cfg.ReservationTimeout).Number)

	case hasPollingWave(current):
		step.Action = ActionWaiting
		return step
	}

	next := NextWave(current)
	if next == nil {
		step.Action = ActionWaiting
		step.Detail = "no wave is ready"
		return step
	}
	step.Wave = &next.Number

	if next.PauseBefore && !next.PauseReleased {
		return c.pause(ctx, step, st, log, current, next.Number, fmt.Sprintf("pause before wave %d", next.Number))
	}

	if reason := c.preflight(ctx, current, next, log); reason != "" {
		if current.Status != engine.ExecutionStatusPolling {
			step.Action = ActionBlocked
			step.Detail = reason
			log.Warn().Int("wave", next.Number).Str("reason", reason).Msg("wave blocked by capacity preflight")
			return step
		}
		return c.pause(ctx, step, st, log, current, next.Number, reason)
	}

	if _, err := c.engine.CreateWave(ctx, current.ID, next.Number); err != nil {
		return c.stepError(step, st, log, "create_wave", err)
	}
	c.resetBackoff(st)
	step.Action = ActionWaveStarted
	log.Info().Int("wave", next.Number).Msg("coordinator started wave")
	return step
}

// trackPollErrors counts consecutive transient errors per polled wave and
// fails any wave that exhausted the budget. It reports whether a wave was
// failed.
func (c *Coordinator) trackPollErrors(ctx context.Context, st *execState, exec *engine.Execution, result *engine.PollResult, log zerolog.Logger) bool {
	c.mu.Lock()
	exhausted := make(map[int]string)
	for _, n := range result.PolledWaves {
		msg, failed := result.WaveErrors[n]
		if !failed {
			delete(st.pollErrors, n)
			continue
		}
		st.pollErrors[n]++
		if st.pollErrors[n] >= c.cfg.MaxPollErrors {
			exhausted[n] = fmt.Sprintf("%d consecutive poll errors, last: %s", st.pollErrors[n], msg)
			delete(st.pollErrors, n)
		}
	}
	if len(result.WaveErrors) > 0 {
		st.notBefore = c.clock.Now().Add(st.backoff.NextBackOff())
	} else {
		st.backoff.Reset()
		st.notBefore = time.Time{}
	}
	c.mu.Unlock()

	for n, msg := range result.WaveErrors {
		log.Warn().Int("wave", n).Str("error", msg).Msg("transient poll error")
	}

	failedAny := false
	for n, reason := range exhausted {
		if _, err := c.engine.FailWave(ctx, exec.ID, n, reason); err != nil {
			log.Error().Err(err).Int("wave", n).Msg("failed to mark wave FAILED")
			continue
		}
		failedAny = true
		log.Warn().Int("wave", n).Str("reason", reason).Msg("wave failed after repeated poll errors")
	}
	return failedAny
}

// takeOver restarts a wave whose reservation was abandoned before its job was
// recorded. The engine adopts a job the abandoned attempt started. Once the
// attempts reach MaxPollErrors the wave is failed.
func (c *Coordinator) takeOver(ctx context.Context, step Step, st *execState, log zerolog.Logger, exec *engine.Execution, wave int) Step {
	step.Wave = &wave

	if _, err := c.engine.CreateWave(ctx, exec.ID, wave); err != nil {
		c.mu.Lock()
		st.takeoverErrors[wave]++
		attempts := st.takeoverErrors[wave]
		c.mu.Unlock()
		if attempts < c.cfg.MaxPollErrors {
			return c.stepError(step, st, log, "create_wave", err)
		}

		reason := fmt.Sprintf("no recovery job recorded after %d takeover attempts, last: %v", attempts, err)
		if _, ferr := c.engine.FailWave(ctx, exec.ID, wave, reason); ferr != nil {
			return c.stepError(step, st, log, "fail_wave", ferr)
		}
		c.mu.Lock()
		delete(st.takeoverErrors, wave)
		c.mu.Unlock()
		log.Warn().Int("wave", wave).Str("reason", reason).Msg("wave failed after repeated takeover errors")
		step.Action = ActionWaveFailed
		step.Detail = reason
		return step
	}

	c.mu.Lock()
	delete(st.takeoverErrors, wave)
	c.mu.Unlock()
	c.resetBackoff(st)
	log.Warn().Int("wave", wave).Msg("coordinator took over abandoned wave reservation")
	step.Action = ActionWaveStarted
	step.Detail = "took over abandoned reservation"
	return step
}

// preflight returns a non-empty reason when the next wave does not fit the
// account's remaining capacity. Unknown capacity does not block.
func (c *Coordinator) preflight(ctx context.Context, exec *engine.Execution, next *engine.Wave, log zerolog.Logger) string {
	if !c.cfg.CapacityPreflight || c.capacity == nil || exec.AccountID == "" {
		return ""
	}
	acct, err := c.capacity.Capacity(ctx, exec.AccountID)
	if err != nil {
		log.Warn().Err(err).Msg("capacity preflight unavailable, proceeding")
		return ""
	}
	if !acct.Known {
		return ""
	}
	if need := len(next.Servers); need > acct.Available {
		return fmt.Sprintf("insufficient capacity for wave %d: need %d, available %d in account %s",
			next.Number, need, acct.Available, exec.AccountID)
	}
	return ""
}

func (c *Coordinator) pause(ctx context.Context, step Step, st *execState, log zerolog.Logger, exec *engine.Execution, wave int, reason string) Step {
	if _, err := c.engine.Pause(ctx, exec.ID, engine.PauseRequest{
		BeforeWave: &wave,
		Reason:     reason,
		PausedBy:   PausedBy,
	}); err != nil {
		return c.stepError(step, st, log, "pause", err)
	}
	step.Action = ActionPaused
	step.Detail = reason
	return step
}

// stepError records a failed engine call. Retryable errors push the next
// attempt out by the execution's backoff.
func (c *Coordinator) stepError(step Step, st *execState, log zerolog.Logger, call string, err error) Step {
	step.Action = ActionError
	step.Err = err
	step.Detail = call

	if engine.IsRetryable(err) {
		c.mu.Lock()
		st.notBefore = c.clock.Now().Add(st.backoff.NextBackOff())
		c.mu.Unlock()
		log.Warn().Err(err).Str("call", call).Msg("retryable coordinator error, backing off")
		return step
	}
	log.Error().Err(err).Str("call", call).Str("code", engine.CodeOf(err)).Msg("coordinator step failed")
	return step
}

func (c *Coordinator) resetBackoff(st *execState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.backoff.Reset()
	st.notBefore = time.Time{}
}

// NextWave returns the lowest-numbered PENDING wave whose prerequisites are
// all COMPLETED, or nil.
func NextWave(exec *engine.Execution) *engine.Wave {
	var next *engine.Wave
	for i := range exec.Waves {
		w := &exec.Waves[i]
		if w.Status != engine.WaveStatusPending {
			continue
		}
		ready := true
		for _, dep := range w.DependsOn {
			prereq := exec.Wave(dep)
			if prereq == nil || prereq.Status != engine.WaveStatusCompleted {
				ready = false
				break
			}
		}
		if ready && (next == nil || w.Number < next.Number) {
			next = w
		}
	}
	return next
}

func failedWave(exec *engine.Execution) *engine.Wave {
	for i := range exec.Waves {
		if exec.Waves[i].Status == engine.WaveStatusFailed {
			return &exec.Waves[i]
		}
	}
	return nil
}

// abandonedWave returns a POLLING wave that has had no recorded job for longer
// than timeout, or nil.
func abandonedWave(exec *engine.Execution, now time.Time, timeout time.Duration) *engine.Wave {
	for i := range exec.Waves {
		w := &exec.Waves[i]
		if w.Status == engine.WaveStatusPolling && w.JobID == "" && w.StartedAt != nil &&
			now.Sub(*w.StartedAt) > timeout {
			return w
		}
	}
	return nil
}

func hasPollingWave(exec *engine.Execution) bool {
	for i := range exec.Waves {
		if exec.Waves[i].Status == engine.WaveStatusPolling {
			return true
		}
	}
	return false
}
