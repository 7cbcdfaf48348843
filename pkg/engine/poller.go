package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/telemetry"
)

// Wave poll outcomes, used as metric labels.
const (
	PollOutcomePending   = "pending"
	PollOutcomePolling   = "polling"
	PollOutcomeCompleted = "completed"
	PollOutcomeFailed    = "failed"
	PollOutcomeError     = "error"
)

// WavePoller polls one wave's recovery job and enriches its servers with
// live instance metadata. It owns no timers and writes nothing; PollWave is a
// function from the current wave to the updated wave.
type WavePoller struct {
	recovery RecoveryAPI
	compute  ComputeAPI
	clock    Clock
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewWavePoller creates a wave poller. compute may be nil, in which case
// servers are not enriched.
func NewWavePoller(
	recovery RecoveryAPI,
	compute ComputeAPI,
	clock Clock,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *WavePoller {
	if clock == nil {
		clock = SystemClock{}
	}
	return &WavePoller{
		recovery: recovery,
		compute:  compute,
		clock:    clock,
		logger:   logger.With().Str("component", "wave_poller").Logger(),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// PollWave returns the wave updated from its recovery job.
//
// A control plane that is not yet initialized for the job leaves the wave
// unchanged with a nil error. Any other recovery API error is returned and
// the input wave is returned unchanged. Instance metadata lookups are best
// effort: instances that are missing or fail to resolve stay un-enriched.
//
// The wave is COMPLETED when every server launched, FAILED when the job
// failed or finished with servers that did not launch, and POLLING otherwise.
// Terminal waves are returned as is.
func (p *WavePoller) PollWave(ctx context.Context, exec *Execution, wave Wave) (updated Wave, err error) {
	if wave.Status != WaveStatusPolling || wave.JobID == "" {
		return wave, nil
	}

	timer := telemetry.NewTimer()
	ctx, span := p.tracer.StartWaveSpan(ctx, "wave.poll", exec.ID, wave.Number)
	span.SetAttributes(telemetry.AttrJobID.String(wave.JobID))
	outcome := PollOutcomeError
	defer func() {
		p.metrics.RecordWavePoll(outcome, timer.Duration())
		telemetry.EndSpan(span, err)
	}()

	log := p.logger.With().
		Str("execution_id", exec.ID).
		Int("wave", wave.Number).
		Str("job_id", wave.JobID).
		Logger()

	job, err := p.recovery.DescribeJob(ctx, exec.AccountID, exec.Region, wave.JobID)
	if err != nil {
		if IsCode(err, ErrCodeNotInitialized) {
			outcome = PollOutcomePending
			log.Debug().Err(err).Msg("recovery control plane not initialized yet, wave still pending")
			return wave, nil
		}
		log.Warn().Err(err).Msg("describe job failed, wave left unchanged")
		return wave, classifyUpstream(err, "describe recovery job")
	}

	updated = wave.Clone()
	participants := make(map[string]ParticipatingServer, len(job.Servers))
	instanceIDs := make([]string, 0, len(job.Servers))
	for _, s := range job.Servers {
		participants[s.SourceServerID] = s
		if s.InstanceID != "" {
			instanceIDs = append(instanceIDs, s.InstanceID)
		}
	}

	metadata := p.describeInstances(ctx, exec, instanceIDs, log)

	// Servers a finished job never listed will not launch.
	var missing []string
	for i := range updated.Servers {
		server := &updated.Servers[i]
		part, ok := participants[server.SourceServerID]
		if !ok {
			if job.Status.IsTerminal() && !server.LaunchStatus.IsSuccess() {
				missing = append(missing, server.SourceServerID)
			}
			continue
		}
		server.LaunchStatus = part.LaunchStatus
		if part.LaunchTime != nil {
			t := *part.LaunchTime
			server.LaunchTime = &t
		}
		if part.InstanceID != "" {
			server.InstanceID = part.InstanceID
		}
		if md, ok := metadata[server.InstanceID]; ok && server.InstanceID != "" {
			server.PrivateIP = md.PrivateIP
			server.InstanceType = md.InstanceType
			server.State = md.State
			if server.Hostname == "" {
				server.Hostname = md.Hostname
			}
		}
	}

	now := p.clock.Now()
	switch {
	case job.Status == JobStatusFailed:
		updated.Status = WaveStatusFailed
		updated.FailureReason = job.FailureReason
		if updated.FailureReason == "" {
			updated.FailureReason = fmt.Sprintf("recovery job %s failed", wave.JobID)
		}
		updated.CompletedAt = &now
		outcome = PollOutcomeFailed

	case len(missing) > 0:
		updated.Status = WaveStatusFailed
		updated.FailureReason = fmt.Sprintf("recovery job %s finished without server(s): %s",
			wave.JobID, strings.Join(missing, ", "))
		updated.CompletedAt = &now
		outcome = PollOutcomeFailed

	case allLaunched(updated.Servers):
		updated.Status = WaveStatusCompleted
		updated.CompletedAt = &now
		outcome = PollOutcomeCompleted

	case job.Status == JobStatusCompleted && allTerminal(updated.Servers):
		updated.Status = WaveStatusFailed
		updated.FailureReason = fmt.Sprintf("recovery job %s finished but server(s) did not launch: %s",
			wave.JobID, strings.Join(notLaunched(updated.Servers), ", "))
		updated.CompletedAt = &now
		outcome = PollOutcomeFailed

	default:
		outcome = PollOutcomePolling
	}

	log.Debug().
		Str("job_status", string(job.Status)).
		Str("wave_status", string(updated.Status)).
		Int("enriched", len(metadata)).
		Msg("wave polled")

	return updated, nil
}

// describeInstances looks up metadata for instanceIDs. Errors are logged and
// yield an empty result.
func (p *WavePoller) describeInstances(ctx context.Context, exec *Execution, instanceIDs []string, log zerolog.Logger) map[string]InstanceMetadata {
	if p.compute == nil || len(instanceIDs) == 0 {
		return nil
	}
	sort.Strings(instanceIDs)

	metadata, err := p.compute.DescribeInstances(ctx, exec.AccountID, exec.Region, instanceIDs)
	if err != nil {
		log.Warn().Err(err).Int("instances", len(instanceIDs)).Msg("instance metadata lookup failed, servers left un-enriched")
		return nil
	}
	return metadata
}

// classifyUpstream tags an unclassified upstream error as UPSTREAM_TRANSIENT.
func classifyUpstream(err error, message string) error {
	if CodeOf(err) != ErrCodeInternal {
		return err
	}
	return NewTransientError(message, err).WithCode(ErrCodeUpstreamTransient)
}

func allLaunched(servers []ServerStatus) bool {
	if len(servers) == 0 {
		return false
	}
	for _, s := range servers {
		if !s.LaunchStatus.IsSuccess() {
			return false
		}
	}
	return true
}

func allTerminal(servers []ServerStatus) bool {
	for _, s := range servers {
		if !s.LaunchStatus.IsTerminal() {
			return false
		}
	}
	return true
}

func notLaunched(servers []ServerStatus) []string {
	ids := make([]string, 0)
	for _, s := range servers {
		if !s.LaunchStatus.IsSuccess() {
			ids = append(ids, s.SourceServerID)
		}
	}
	return ids
}
