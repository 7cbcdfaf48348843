package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/telemetry"
)

const (
	// defaultWriteAttempts bounds optimistic-write retries per operation.
	defaultWriteAttempts = 5

	// jobLookupSkew widens the job lookup window for clock differences with
	// the recovery service.
	jobLookupSkew = time.Minute

	// defaultReservationTimeout is how long a wave may sit reserved (POLLING
	// with no job id) before another createWave may take it over.
	defaultReservationTimeout = 5 * time.Minute
)

// errUnchanged is returned by update callbacks that decided no write is needed.
var errUnchanged = errors.New("execution unchanged")

// Dependencies are the collaborators the engine is built from.
type Dependencies struct {
	Store    ExecutionStore
	Recovery RecoveryAPI
	Compute  ComputeAPI
	Claims   ConflictDetector
	Notifier Notifier

	// Optional
	Clock   Clock
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// IDGenerator creates execution ids. Defaults to random UUIDs.
	IDGenerator func() string

	// TokenGenerator creates checkpoint tokens. Defaults to random UUIDs.
	TokenGenerator func() string

	// WriteAttempts bounds optimistic-write retries.
	WriteAttempts int

	// ReservationTimeout bounds how long a wave may stay reserved without a job.
	ReservationTimeout time.Duration
}

// Engine is the execution state machine. It is the only component that writes
// execution, wave and server status records, and the only one that marks an
// execution terminal.
//
// Engine holds no per-execution state in memory; every operation loads the
// record, applies its transition and writes it back with an optimistic version
// check, so any number of engine instances may serve the same store.
type Engine struct {
	store       ExecutionStore
	recovery    RecoveryAPI
	claims      ConflictDetector
	notifier    Notifier
	poller      *WavePoller
	checkpoints *Checkpoints

	clock   Clock
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	newID   func() string

	writeAttempts      int
	reservationTimeout time.Duration
}

// New creates an engine.
func New(deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("execution store is required")
	}
	if deps.Recovery == nil {
		return nil, fmt.Errorf("recovery API is required")
	}
	if deps.Claims == nil {
		return nil, fmt.Errorf("conflict detector is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	newToken := deps.TokenGenerator
	if newToken == nil {
		newToken = func() string { return uuid.New().String() }
	}
	attempts := deps.WriteAttempts
	if attempts <= 0 {
		attempts = defaultWriteAttempts
	}
	reservation := deps.ReservationTimeout
	if reservation <= 0 {
		reservation = defaultReservationTimeout
	}

	logger := deps.Logger.With().Str("component", "engine").Logger()

	return &Engine{
		store:              deps.Store,
		recovery:           deps.Recovery,
		claims:             deps.Claims,
		notifier:           deps.Notifier,
		poller:             NewWavePoller(deps.Recovery, deps.Compute, clock, deps.Logger, deps.Metrics, deps.Tracer),
		checkpoints:        NewCheckpoints(clock, newToken),
		clock:              clock,
		logger:             logger,
		metrics:            deps.Metrics,
		tracer:             deps.Tracer,
		newID:              newID,
		writeAttempts:      attempts,
		reservationTimeout: reservation,
	}, nil
}

// Create validates the plan, claims its servers and persists a new execution
// in CREATED with every wave PENDING. Nothing is persisted when the plan is
// invalid or a server is already claimed.
func (e *Engine) Create(ctx context.Context, plan *PlanSpec) (exec *Execution, err error) {
	if _, err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	id := e.newID()
	ctx, span := e.tracer.StartExecutionSpan(ctx, "execution.create", id)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := e.claims.Claim(ctx, id, plan.ServerIDs()); err != nil {
		if IsCode(err, ErrCodeConflict) {
			e.metrics.RecordClaimConflict()
		}
		e.logger.Warn().
			Err(err).
			Str("execution_id", id).
			Str("plan_id", plan.PlanID).
			Msg("server claim rejected")
		return nil, err
	}

	now := e.clock.Now()
	exec = &Execution{
		ID:          id,
		PlanID:      plan.PlanID,
		PlanName:    plan.PlanName,
		Status:      ExecutionStatusCreated,
		Kind:        plan.Kind,
		AccountID:   plan.AccountID,
		Region:      plan.Region,
		InitiatedBy: plan.InitiatedBy,
		TotalWaves:  len(plan.Waves),
		Waves:       make([]Wave, len(plan.Waves)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, spec := range plan.Waves {
		servers := make([]ServerStatus, len(spec.ServerIDs))
		for i, sid := range spec.ServerIDs {
			servers[i] = ServerStatus{SourceServerID: sid}
		}
		exec.Waves[spec.Number] = Wave{
			Number:      spec.Number,
			Name:        spec.Name,
			Status:      WaveStatusPending,
			Servers:     servers,
			PauseBefore: spec.PauseBefore,
			DependsOn:   append([]int(nil), spec.DependsOn...),
		}
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if relErr := e.claims.Release(ctx, id); relErr != nil {
			e.logger.Error().Err(relErr).Str("execution_id", id).Msg("failed to release claims after create failure")
		}
		return nil, e.storeError(id, "create", err)
	}

	e.metrics.RecordExecutionCreated(string(exec.Kind))
	e.logger.Info().
		Str("execution_id", id).
		Str("plan_id", plan.PlanID).
		Str("kind", string(plan.Kind)).
		Str("initiated_by", plan.InitiatedBy).
		Int("waves", exec.TotalWaves).
		Msg("execution created")

	return exec.Clone(), nil
}

// CreateWave starts the recovery job for one wave. The wave's prerequisites
// must be COMPLETED, its pause-before checkpoint (if any) released, and the
// execution neither PAUSED nor terminal. The first started wave moves the
// execution from CREATED to POLLING.
//
// The wave is reserved with a versioned write before the job is requested, so
// duplicate concurrent calls for the same wave start at most one job. When an
// earlier attempt requested a job for the wave, a job it started is adopted
// instead of starting another one.
func (e *Engine) CreateWave(ctx context.Context, executionID string, waveNumber int) (wave *Wave, err error) {
	ctx, span := e.tracer.StartWaveSpan(ctx, "wave.create", executionID, waveNumber)
	defer func() { telemetry.EndSpan(span, err) }()

	var reservedAt time.Time
	var earlierAttempt *time.Time
	reserved, _, err := e.update(ctx, executionID, func(exec *Execution) error {
		earlierAttempt = nil
		if exec.Status.IsTerminal() || exec.Status == ExecutionStatusPaused {
			return NewPreconditionError(exec.ID, "cannot start wave %d while execution is %s", waveNumber, exec.Status)
		}

		w := exec.Wave(waveNumber)
		if w == nil {
			return NewPermanentError(fmt.Sprintf("wave %d does not exist", waveNumber), nil).
				WithCode(ErrCodeNotFound).
				WithExecution(exec.ID)
		}

		switch {
		case w.Status == WaveStatusPending:
		case w.Status == WaveStatusPolling && w.JobID == "" && w.StartedAt != nil &&
			e.clock.Now().Sub(*w.StartedAt) > e.reservationTimeout:
			e.logger.Warn().
				Str("execution_id", exec.ID).
				Int("wave", waveNumber).
				Time("reserved_at", *w.StartedAt).
				Msg("taking over abandoned wave reservation")
		default:
			return NewPreconditionError(exec.ID, "wave %d is already %s", waveNumber, w.Status)
		}

		for _, dep := range w.DependsOn {
			prereq := exec.Wave(dep)
			if prereq == nil || prereq.Status != WaveStatusCompleted {
				status := WaveStatus("MISSING")
				if prereq != nil {
					status = prereq.Status
				}
				return NewPreconditionError(exec.ID, "wave %d requires wave %d to be COMPLETED (currently %s)",
					waveNumber, dep, status)
			}
		}

		if w.PauseBefore && !w.PauseReleased {
			return NewPreconditionError(exec.ID, "wave %d is guarded by a pause checkpoint that has not been released", waveNumber)
		}

		reservedAt = e.clock.Now()
		w.Status = WaveStatusPolling
		w.StartedAt = &reservedAt
		if w.FirstAttemptAt != nil {
			t := *w.FirstAttemptAt
			earlierAttempt = &t
		} else {
			w.FirstAttemptAt = &reservedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Once the reservation is written, the outcome is recorded even if the
	// caller gives up.
	recordCtx := context.WithoutCancel(ctx)

	target := reserved.Wave(waveNumber)
	jobID := ""
	if earlierAttempt != nil {
		jobID, err = e.recovery.FindJob(ctx, JobLookup{
			AccountID:   reserved.AccountID,
			Region:      reserved.Region,
			ExecutionID: reserved.ID,
			WaveNumber:  waveNumber,
			Since:       earlierAttempt.Add(-jobLookupSkew),
		})
		if err != nil {
			e.logger.Error().
				Err(err).
				Str("execution_id", executionID).
				Int("wave", waveNumber).
				Msg("lookup of earlier recovery job failed")
			e.releaseReservation(recordCtx, executionID, waveNumber, reservedAt)
			return nil, err
		}
		if jobID != "" {
			e.logger.Warn().
				Str("execution_id", executionID).
				Int("wave", waveNumber).
				Str("job_id", jobID).
				Msg("adopting recovery job started by an earlier attempt")
		}
	}

	if jobID == "" {
		jobID, err = e.recovery.StartJob(ctx, target.ServerIDs(), JobOptions{
			AccountID:   reserved.AccountID,
			Region:      reserved.Region,
			Drill:       reserved.Kind == ExecutionKindDrill,
			ExecutionID: reserved.ID,
			WaveNumber:  waveNumber,
			Tags: map[string]string{
				"drwave:execution-id": reserved.ID,
				"drwave:plan-id":      reserved.PlanID,
				"drwave:wave":         fmt.Sprintf("%d", waveNumber),
			},
		})
		if err != nil {
			e.logger.Error().
				Err(err).
				Str("execution_id", executionID).
				Int("wave", waveNumber).
				Msg("recovery job request failed")
			e.releaseReservation(recordCtx, executionID, waveNumber, reservedAt)
			return nil, err
		}
	}

	started, _, err := e.update(recordCtx, executionID, func(exec *Execution) error {
		w := exec.Wave(waveNumber)
		if w == nil || w.Status != WaveStatusPolling || w.StartedAt == nil || !w.StartedAt.Equal(reservedAt) {
			return NewConflictError(fmt.Sprintf("wave %d reservation was lost before job %s was recorded", waveNumber, jobID), nil).
				WithCode(ErrCodeVersionConflict).
				WithExecution(exec.ID).
				WithDetail("job_id", jobID)
		}
		w.JobID = jobID
		if exec.Status == ExecutionStatusCreated {
			exec.Status = ExecutionStatusPolling
		}
		return nil
	})
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("execution_id", executionID).
			Int("wave", waveNumber).
			Str("job_id", jobID).
			Msg("failed to record recovery job")
		return nil, err
	}

	e.metrics.RecordWaveStarted(string(started.Kind))
	e.logger.Info().
		Str("execution_id", executionID).
		Int("wave", waveNumber).
		Str("job_id", jobID).
		Int("servers", len(target.Servers)).
		Msg("wave started")

	out := started.Wave(waveNumber).Clone()
	return &out, nil
}

// releaseReservation returns a reserved wave to PENDING after the job request failed.
func (e *Engine) releaseReservation(ctx context.Context, executionID string, waveNumber int, reservedAt time.Time) {
	_, _, err := e.update(ctx, executionID, func(exec *Execution) error {
		w := exec.Wave(waveNumber)
		if w == nil || w.Status != WaveStatusPolling || w.JobID != "" ||
			w.StartedAt == nil || !w.StartedAt.Equal(reservedAt) {
			return errUnchanged
		}
		w.Status = WaveStatusPending
		w.StartedAt = nil
		return nil
	})
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("execution_id", executionID).
			Int("wave", waveNumber).
			Msg("failed to release wave reservation")
	}
}

// Get returns a snapshot of an execution.
func (e *Engine) Get(ctx context.Context, executionID string) (*Execution, error) {
	return e.load(ctx, executionID)
}

// List returns executions matching the filter.
func (e *Engine) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	execs, err := e.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, e.storeError("", "list", err)
	}
	return execs, nil
}

// load reads an execution and maps store errors to engine errors.
func (e *Engine) load(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, e.storeError(executionID, "get", err)
	}
	return exec, nil
}

// update loads an execution, applies fn, and writes it back with an optimistic
// version check, retrying from a fresh read when another writer wins. fn may
// return errUnchanged to skip the write; the bool result reports whether a
// write happened.
func (e *Engine) update(ctx context.Context, executionID string, fn func(exec *Execution) error) (*Execution, bool, error) {
	for attempt := 1; ; attempt++ {
		exec, err := e.load(ctx, executionID)
		if err != nil {
			return nil, false, err
		}

		if err := fn(exec); err != nil {
			if errors.Is(err, errUnchanged) {
				return exec, false, nil
			}
			return nil, false, err
		}

		expected := exec.Version
		exec.UpdatedAt = e.clock.Now()
		err = e.store.SaveExecution(ctx, exec, expected)
		if err == nil {
			return exec, true, nil
		}

		if !errors.Is(err, ErrVersionConflict) || attempt >= e.writeAttempts {
			return nil, false, e.storeError(executionID, "save", err)
		}

		e.logger.Debug().
			Str("execution_id", executionID).
			Int64("expected_version", expected).
			Int("attempt", attempt).
			Msg("version conflict, retrying")
	}
}

// storeError classifies a record store error.
func (e *Engine) storeError(executionID, operation string, err error) error {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NewPermanentError("execution not found", err).
			WithCode(ErrCodeNotFound).
			WithExecution(executionID).
			WithOperation(operation)
	case errors.Is(err, ErrVersionConflict):
		return NewConflictError("execution was modified concurrently", err).
			WithCode(ErrCodeVersionConflict).
			WithExecution(executionID).
			WithOperation(operation)
	default:
		return NewTransientError("record store failure", err).
			WithCode(ErrCodeInternal).
			WithExecution(executionID).
			WithOperation(operation)
	}
}

// notify sends a best-effort notification. Failures are logged, never returned.
func (e *Engine) notify(ctx context.Context, exec *Execution, message string) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Notify(ctx, Notification{
		ExecutionID: exec.ID,
		PlanName:    exec.PlanName,
		Status:      exec.Status,
		Message:     message,
		Timestamp:   e.clock.Now(),
	})
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("execution_id", exec.ID).
			Str("status", string(exec.Status)).
			Msg("notification failed")
	}
}
