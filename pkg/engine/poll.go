package engine

import (
	"context"

	"github.com/drwave/drwave/pkg/telemetry"
)

// Poll runs one poll cycle: every POLLING wave is polled and enriched, and the
// updated waves are persisted. Poll never changes the execution status and
// never finalizes; AllWavesComplete in the result is advisory.
//
// Upstream errors are not returned. They are reported per wave in
// PollResult.WaveErrors and the wave is left as it was. Before each wave after
// the first, the execution status is re-read; once it is terminal (typically
// CANCELLED) no further jobs are queried, the waves already polled are still
// persisted, and the result is marked Cancelled.
func (e *Engine) Poll(ctx context.Context, executionID string) (result *PollResult, err error) {
	ctx, span := e.tracer.StartExecutionSpan(ctx, "execution.poll", executionID)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, err := e.load(ctx, executionID)
	if err != nil {
		return nil, err
	}

	result = &PollResult{
		PolledWaves: make([]int, 0),
	}

	if exec.Status.IsTerminal() {
		result.Execution = exec
		result.AllWavesComplete = exec.AllWavesComplete()
		result.Cancelled = exec.Status == ExecutionStatusCancelled
		return result, nil
	}

	updates := make(map[int]Wave)
	for i := range exec.Waves {
		wave := exec.Waves[i]
		if wave.Status != WaveStatusPolling || wave.JobID == "" {
			continue
		}

		if len(result.PolledWaves) > 0 {
			current, err := e.load(ctx, executionID)
			if err != nil {
				return nil, err
			}
			if current.Status.IsTerminal() {
				result.Cancelled = current.Status == ExecutionStatusCancelled
				e.logger.Info().
					Str("execution_id", executionID).
					Str("status", string(current.Status)).
					Msg("execution became terminal mid-poll, stopping job queries")
				break
			}
		}

		result.PolledWaves = append(result.PolledWaves, wave.Number)
		updated, err := e.poller.PollWave(ctx, exec, wave)
		if err != nil {
			if result.WaveErrors == nil {
				result.WaveErrors = make(map[int]string)
			}
			result.WaveErrors[wave.Number] = err.Error()
			continue
		}
		updates[wave.Number] = updated
	}

	polledAt := e.clock.Now()
	saved, _, err := e.update(ctx, executionID, func(current *Execution) error {
		for number, updated := range updates {
			w := current.Wave(number)
			// Only a wave still driven by the same job may take the update.
			if w == nil || w.Status != WaveStatusPolling || w.JobID != updated.JobID {
				continue
			}
			*w = updated
		}
		current.LastPolledAt = &polledAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	if saved.Status == ExecutionStatusCancelled {
		result.Cancelled = true
	}
	result.Execution = saved
	result.AllWavesComplete = saved.AllWavesComplete()

	e.logger.Debug().
		Str("execution_id", executionID).
		Ints("polled_waves", result.PolledWaves).
		Int("wave_errors", len(result.WaveErrors)).
		Bool("all_waves_complete", result.AllWavesComplete).
		Msg("poll cycle complete")

	return result, nil
}
