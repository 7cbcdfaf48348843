package engine

import (
	"context"
	"fmt"

	"github.com/drwave/drwave/pkg/telemetry"
)

// Finalize marks an execution COMPLETED once every wave is COMPLETED.
//
// Finalize is reachable only through an explicit call; nothing on the polling
// path invokes it. It is idempotent: an execution that is already COMPLETED is
// returned unchanged without repeating the claim release or the notification.
// Any other state, or any wave not COMPLETED, fails with PRECONDITION_FAILED
// and writes nothing.
func (e *Engine) Finalize(ctx context.Context, executionID string) (exec *Execution, err error) {
	ctx, span := e.tracer.StartExecutionSpan(ctx, "execution.finalize", executionID)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, changed, err := e.update(ctx, executionID, func(exec *Execution) error {
		if exec.Status == ExecutionStatusCompleted {
			return errUnchanged
		}
		if !exec.Status.CanTransitionTo(ExecutionStatusCompleted) {
			return NewPreconditionError(exec.ID, "cannot finalize execution in status %s", exec.Status)
		}
		if !exec.AllWavesComplete() {
			return NewPreconditionError(exec.ID, "cannot finalize: %s", incompleteWaves(exec))
		}

		now := e.clock.Now()
		exec.Status = ExecutionStatusCompleted
		exec.CompletedAt = &now
		exec.Checkpoint = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !changed {
		e.logger.Debug().Str("execution_id", executionID).Msg("execution already finalized")
		return exec, nil
	}

	e.afterTerminal(ctx, exec, fmt.Sprintf("Execution of plan %s completed: %d wave(s) recovered", exec.PlanName, exec.TotalWaves))
	return exec, nil
}

// Cancel moves an execution from CREATED, POLLING or PAUSED to CANCELLED.
// In-flight recovery jobs are not terminated; an ongoing poll observes the
// cancellation before its next job query. Cancelling a CANCELLED execution
// returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (exec *Execution, err error) {
	ctx, span := e.tracer.StartExecutionSpan(ctx, "execution.cancel", executionID)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, changed, err := e.update(ctx, executionID, func(exec *Execution) error {
		if exec.Status == ExecutionStatusCancelled {
			return errUnchanged
		}
		if !exec.Status.CanTransitionTo(ExecutionStatusCancelled) {
			return NewPreconditionError(exec.ID, "cannot cancel execution in status %s", exec.Status)
		}

		now := e.clock.Now()
		exec.Status = ExecutionStatusCancelled
		exec.Reason = reason
		exec.CompletedAt = &now
		exec.Checkpoint = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return exec, nil
	}

	msg := fmt.Sprintf("Execution of plan %s cancelled", exec.PlanName)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	e.afterTerminal(ctx, exec, msg)
	return exec, nil
}

// Fail moves an execution from POLLING or PAUSED to FAILED. The coordinator
// calls it after deciding a FAILED wave ends the execution. Failing a FAILED
// execution returns it unchanged.
func (e *Engine) Fail(ctx context.Context, executionID, reason string) (exec *Execution, err error) {
	ctx, span := e.tracer.StartExecutionSpan(ctx, "execution.fail", executionID)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, changed, err := e.update(ctx, executionID, func(exec *Execution) error {
		if exec.Status == ExecutionStatusFailed {
			return errUnchanged
		}
		if !exec.Status.CanTransitionTo(ExecutionStatusFailed) {
			return NewPreconditionError(exec.ID, "cannot fail execution in status %s", exec.Status)
		}

		now := e.clock.Now()
		exec.Status = ExecutionStatusFailed
		exec.Reason = reason
		exec.CompletedAt = &now
		exec.Checkpoint = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return exec, nil
	}

	e.afterTerminal(ctx, exec, fmt.Sprintf("Execution of plan %s failed: %s", exec.PlanName, reason))
	return exec, nil
}

// FailWave marks a POLLING wave FAILED with a diagnostic reason. The
// coordinator calls it once its poll-error or takeover budget for the wave is
// spent. The execution status is left for the coordinator to decide.
func (e *Engine) FailWave(ctx context.Context, executionID string, waveNumber int, reason string) (wave *Wave, err error) {
	ctx, span := e.tracer.StartWaveSpan(ctx, "wave.fail", executionID, waveNumber)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, changed, err := e.update(ctx, executionID, func(exec *Execution) error {
		if exec.Status.IsTerminal() {
			return NewPreconditionError(exec.ID, "execution is %s", exec.Status)
		}
		w := exec.Wave(waveNumber)
		if w == nil {
			return NewPermanentError(fmt.Sprintf("wave %d does not exist", waveNumber), nil).
				WithCode(ErrCodeNotFound).
				WithExecution(exec.ID)
		}
		if w.Status == WaveStatusFailed {
			return errUnchanged
		}
		if w.Status != WaveStatusPolling {
			return NewPreconditionError(exec.ID, "wave %d is %s, not POLLING", waveNumber, w.Status)
		}

		now := e.clock.Now()
		w.Status = WaveStatusFailed
		w.FailureReason = reason
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.logger.Warn().
			Str("execution_id", executionID).
			Int("wave", waveNumber).
			Str("reason", reason).
			Msg("wave failed")
	}

	out := exec.Wave(waveNumber).Clone()
	return &out, nil
}

// afterTerminal runs the side effects of a terminal transition. Claims are
// released, metrics recorded and a notification sent; none of them can undo
// the transition.
func (e *Engine) afterTerminal(ctx context.Context, exec *Execution, message string) {
	if err := e.claims.Release(ctx, exec.ID); err != nil {
		e.logger.Error().
			Err(err).
			Str("execution_id", exec.ID).
			Msg("failed to release server claims; the sweep will reclaim them")
	}

	if exec.CompletedAt != nil {
		e.metrics.RecordExecutionTerminal(string(exec.Status), exec.CompletedAt.Sub(exec.CreatedAt))
	}

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("status", string(exec.Status)).
		Str("reason", exec.Reason).
		Msg("execution reached terminal status")

	e.notify(ctx, exec, message)
}

// incompleteWaves describes the waves that block finalization.
func incompleteWaves(exec *Execution) string {
	pending := 0
	var first *Wave
	for i := range exec.Waves {
		if exec.Waves[i].Status != WaveStatusCompleted {
			pending++
			if first == nil {
				first = &exec.Waves[i]
			}
		}
	}
	if first == nil {
		return "no waves"
	}
	return fmt.Sprintf("%d of %d wave(s) not COMPLETED (wave %d is %s)", pending, len(exec.Waves), first.Number, first.Status)
}
