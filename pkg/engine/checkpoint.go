package engine

import (
	"context"
	"fmt"

	"github.com/drwave/drwave/pkg/telemetry"
)

// PauseRequest describes a checkpoint to record.
type PauseRequest struct {
	// BeforeWave is the wave the checkpoint guards. Resuming releases that
	// wave's pause-before flag. Nil pauses at whatever boundary comes next.
	BeforeWave *int

	// Reason is shown to operators.
	Reason string

	// PausedBy is the principal that requested the pause.
	PausedBy string
}

// Checkpoints issues checkpoint tokens. Tokens are persisted on the execution
// record.
type Checkpoints struct {
	clock    Clock
	newToken func() string
}

// NewCheckpoints creates a checkpoint manager.
func NewCheckpoints(clock Clock, newToken func() string) *Checkpoints {
	return &Checkpoints{
		clock:    clock,
		newToken: newToken,
	}
}

// issue creates a new checkpoint.
func (c *Checkpoints) issue(req PauseRequest) *Checkpoint {
	cp := &Checkpoint{
		Token:    c.newToken(),
		Reason:   req.Reason,
		PausedAt: c.clock.Now(),
		PausedBy: req.PausedBy,
	}
	if req.BeforeWave != nil {
		n := *req.BeforeWave
		cp.BeforeWave = &n
	}
	return cp
}

// Pause suspends a POLLING execution and records a checkpoint whose token the
// resume call must present. The token is returned on the execution's
// Checkpoint.
func (e *Engine) Pause(ctx context.Context, executionID string, req PauseRequest) (exec *Execution, err error) {
	ctx, span := e.tracer.StartExecutionSpan(ctx, "execution.pause", executionID)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, _, err = e.update(ctx, executionID, func(exec *Execution) error {
		if exec.Status != ExecutionStatusPolling {
			return NewPreconditionError(exec.ID, "cannot pause execution in status %s", exec.Status)
		}
		if req.BeforeWave != nil {
			w := exec.Wave(*req.BeforeWave)
			if w == nil {
				return NewPreconditionError(exec.ID, "cannot pause before wave %d: no such wave", *req.BeforeWave)
			}
			if w.Status != WaveStatusPending {
				return NewPreconditionError(exec.ID, "cannot pause before wave %d: wave is %s", w.Number, w.Status)
			}
		}

		exec.Status = ExecutionStatusPaused
		exec.Checkpoint = e.checkpoints.issue(req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := e.logger.Info().
		Str("execution_id", executionID).
		Str("paused_by", req.PausedBy).
		Str("reason", req.Reason)
	if req.BeforeWave != nil {
		ev = ev.Int("wave", *req.BeforeWave)
	}
	ev.Msg("execution paused")

	msg := fmt.Sprintf("Execution of plan %s paused", exec.PlanName)
	if req.BeforeWave != nil {
		msg = fmt.Sprintf("%s before wave %d", msg, *req.BeforeWave)
	}
	if req.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, req.Reason)
	}
	e.notify(ctx, exec, msg)

	return exec, nil
}

// Resume returns a PAUSED execution to POLLING. The token must match the
// stored checkpoint; a mismatch fails with STALE_TOKEN and leaves the
// execution PAUSED. The wave the checkpoint guarded is marked released so the
// coordinator does not pause in front of it again. Starting the next wave is
// the coordinator's job.
func (e *Engine) Resume(ctx context.Context, executionID, token string) (exec *Execution, err error) {
	ctx, span := e.tracer.StartExecutionSpan(ctx, "execution.resume", executionID)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, _, err = e.update(ctx, executionID, func(exec *Execution) error {
		if exec.Status != ExecutionStatusPaused {
			return NewPreconditionError(exec.ID, "cannot resume execution in status %s", exec.Status)
		}
		if exec.Checkpoint == nil || exec.Checkpoint.Token != token {
			return NewConflictError("checkpoint token does not match the current checkpoint", nil).
				WithCode(ErrCodeStaleToken).
				WithExecution(exec.ID)
		}

		if exec.Checkpoint.BeforeWave != nil {
			if w := exec.Wave(*exec.Checkpoint.BeforeWave); w != nil {
				w.PauseReleased = true
			}
		}
		exec.Status = ExecutionStatusPolling
		exec.Checkpoint = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().Str("execution_id", executionID).Msg("execution resumed")

	return exec, nil
}
