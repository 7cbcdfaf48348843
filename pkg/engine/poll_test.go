package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// startWaves creates an execution from threeWavePlan and starts waves 0 and 1.
func startWaves(t *testing.T, h *harness) (*Execution, *Wave, *Wave) {
	t.Helper()
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	w0, err := h.engine.CreateWave(ctx, exec.ID, 0)
	if err != nil {
		t.Fatalf("CreateWave(0) failed: %v", err)
	}
	w1, err := h.engine.CreateWave(ctx, exec.ID, 1)
	if err != nil {
		t.Fatalf("CreateWave(1) failed: %v", err)
	}
	return exec, w0, w1
}

func TestEngine_Poll_NeverChangesExecutionStatus(t *testing.T) {
	tests := []struct {
		name       string
		script     func(h *harness, jobID string)
		wantWave   WaveStatus
		wantErrors int
	}{
		{
			name: "job failed",
			script: func(h *harness, jobID string) {
				h.recovery.setJob(jobID, func(job *RecoveryJob) {
					job.Status = JobStatusFailed
					job.FailureReason = "launch template invalid"
				})
			},
			wantWave: WaveStatusFailed,
		},
		{
			name: "all servers launched",
			script: func(h *harness, jobID string) {
				h.recovery.launch(jobID, h.clock.Now())
			},
			wantWave: WaveStatusCompleted,
		},
		{
			name: "control plane not initialized",
			script: func(h *harness, jobID string) {
				h.recovery.describeErr[jobID] = NewPermanentError("uninitialized", nil).WithCode(ErrCodeNotInitialized)
			},
			wantWave: WaveStatusPolling,
		},
		{
			name: "upstream error",
			script: func(h *harness, jobID string) {
				h.recovery.describeErr[jobID] = errors.New("connection reset")
			},
			wantWave:   WaveStatusPolling,
			wantErrors: 1,
		},
		{
			name: "job still running",
			script: func(h *harness, jobID string) {
				h.recovery.setJob(jobID, func(job *RecoveryJob) {
					job.Servers[0].LaunchStatus = LaunchStatusLaunched
					job.Servers[0].InstanceID = "i-db1"
				})
			},
			wantWave: WaveStatusPolling,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			exec, w0, _ := startWaves(t, h)
			tt.script(h, w0.JobID)

			result, err := h.engine.Poll(context.Background(), exec.ID)
			if err != nil {
				t.Fatalf("Poll failed: %v", err)
			}

			if result.Execution.Status != ExecutionStatusPolling {
				t.Errorf("Expected execution to stay POLLING, got %s", result.Execution.Status)
			}
			if got := result.Execution.Waves[0].Status; got != tt.wantWave {
				t.Errorf("Expected wave 0 %s, got %s", tt.wantWave, got)
			}
			if len(result.WaveErrors) != tt.wantErrors {
				t.Errorf("Expected %d wave errors, got %v", tt.wantErrors, result.WaveErrors)
			}
			if len(result.PolledWaves) != 2 {
				t.Errorf("Expected both started waves polled, got %v", result.PolledWaves)
			}
			if result.Execution.LastPolledAt == nil {
				t.Error("Expected LastPolledAt to be set")
			}
		})
	}
}

func TestEngine_Poll_FailedJobReason(t *testing.T) {
	h := newHarness(t)
	exec, w0, _ := startWaves(t, h)
	h.recovery.setJob(w0.JobID, func(job *RecoveryJob) { job.Status = JobStatusFailed })

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	wave := result.Execution.Waves[0]
	if wave.FailureReason == "" || wave.CompletedAt == nil {
		t.Errorf("Expected failure reason and completion time, got %q %v", wave.FailureReason, wave.CompletedAt)
	}
}

func TestEngine_Poll_CompletedJobWithUnlaunchedServers(t *testing.T) {
	h := newHarness(t)
	exec, w0, _ := startWaves(t, h)
	h.recovery.setJob(w0.JobID, func(job *RecoveryJob) {
		job.Status = JobStatusCompleted
		job.Servers[0].LaunchStatus = LaunchStatusLaunched
		job.Servers[0].InstanceID = "i-db1"
		job.Servers[1].LaunchStatus = LaunchStatusFailed
	})

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	wave := result.Execution.Waves[0]
	if wave.Status != WaveStatusFailed {
		t.Fatalf("Expected wave 0 FAILED, got %s", wave.Status)
	}
	if want := "s-db2"; !strings.Contains(wave.FailureReason, want) {
		t.Errorf("Expected failure reason to name %s, got %q", want, wave.FailureReason)
	}
}

func TestEngine_Poll_FinishedJobMissingServers(t *testing.T) {
	h := newHarness(t)
	exec, w0, _ := startWaves(t, h)
	h.recovery.setJob(w0.JobID, func(job *RecoveryJob) {
		job.Status = JobStatusCompleted
		job.Servers = job.Servers[:1]
		job.Servers[0].LaunchStatus = LaunchStatusLaunched
		job.Servers[0].InstanceID = "i-db1"
	})

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	wave := result.Execution.Waves[0]
	if wave.Status != WaveStatusFailed || wave.CompletedAt == nil {
		t.Fatalf("Expected wave 0 FAILED with completion time, got %s %v", wave.Status, wave.CompletedAt)
	}
	if want := "without server(s): s-db2"; !strings.Contains(wave.FailureReason, want) {
		t.Errorf("Expected failure reason to contain %q, got %q", want, wave.FailureReason)
	}
	if wave.Servers[0].LaunchStatus != LaunchStatusLaunched {
		t.Errorf("Expected listed server LAUNCHED, got %s", wave.Servers[0].LaunchStatus)
	}
}

func TestEngine_Poll_EnrichesWithPartialMetadata(t *testing.T) {
	h := newHarness(t)
	exec, w0, _ := startWaves(t, h)
	h.recovery.launch(w0.JobID, h.clock.Now())
	h.compute.instances["i-s-db1"] = InstanceMetadata{
		PrivateIP:    "10.0.1.15",
		InstanceType: "r6i.large",
		State:        "running",
		Hostname:     "db1.internal",
	}

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	servers := result.Execution.Waves[0].Servers
	if servers[0].PrivateIP != "10.0.1.15" || servers[0].InstanceType != "r6i.large" || servers[0].Hostname != "db1.internal" {
		t.Errorf("Expected s-db1 enriched, got %+v", servers[0])
	}
	if servers[1].InstanceID != "i-s-db2" || servers[1].PrivateIP != "" {
		t.Errorf("Expected s-db2 with instance id but no metadata, got %+v", servers[1])
	}
	if servers[1].LaunchTime == nil {
		t.Error("Expected launch time copied from the job")
	}
	if result.Execution.Waves[0].Status != WaveStatusCompleted {
		t.Errorf("Expected wave 0 COMPLETED, got %s", result.Execution.Waves[0].Status)
	}
}

func TestEngine_Poll_ComputeFailureDoesNotBlockCompletion(t *testing.T) {
	h := newHarness(t)
	exec, w0, _ := startWaves(t, h)
	h.recovery.launch(w0.JobID, h.clock.Now())
	h.compute.err = errors.New("ec2 unavailable")

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if result.Execution.Waves[0].Status != WaveStatusCompleted {
		t.Errorf("Expected wave 0 COMPLETED, got %s", result.Execution.Waves[0].Status)
	}
	if len(result.WaveErrors) != 0 {
		t.Errorf("Expected no wave errors, got %v", result.WaveErrors)
	}
}

func TestEngine_Poll_StopsWhenCancelledMidPoll(t *testing.T) {
	h := newHarness(t)
	exec, w0, w1 := startWaves(t, h)

	h.recovery.onDescribe = func(jobID string) {
		if jobID == w0.JobID {
			h.store.mutate(exec.ID, func(e *Execution) {
				e.Status = ExecutionStatusCancelled
			})
		}
	}

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !result.Cancelled {
		t.Error("Expected poll result to report the cancellation")
	}

	for _, jobID := range h.recovery.describedJobs() {
		if jobID == w1.JobID {
			t.Errorf("Expected no query for %s after cancellation", w1.JobID)
		}
	}
	if result.Execution.Status != ExecutionStatusCancelled {
		t.Errorf("Expected CANCELLED to survive the poll write, got %s", result.Execution.Status)
	}
}

func TestEngine_Poll_TerminalExecutionIsNotQueried(t *testing.T) {
	h := newHarness(t)
	exec, _, _ := startWaves(t, h)
	if _, err := h.engine.Cancel(context.Background(), exec.ID, ""); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !result.Cancelled || len(result.PolledWaves) != 0 {
		t.Errorf("Expected cancelled snapshot with no polled waves, got %+v", result)
	}
	if n := len(h.recovery.describedJobs()); n != 0 {
		t.Errorf("Expected no job queries, got %d", n)
	}
}

func TestEngine_Poll_MergesOntoConcurrentWrite(t *testing.T) {
	h := newHarness(t)
	exec, w0, w1 := startWaves(t, h)
	h.recovery.launch(w0.JobID, h.clock.Now())
	h.recovery.launch(w1.JobID, h.clock.Now())

	// Another writer fails wave 1 between the poll's read and write.
	h.store.onSave = func(stored *Execution) {
		stored.Waves[1].Status = WaveStatusFailed
		stored.Waves[1].FailureReason = "operator"
		stored.Version++
	}

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got := result.Execution.Waves[0].Status; got != WaveStatusCompleted {
		t.Errorf("Expected wave 0 COMPLETED, got %s", got)
	}
	if got := result.Execution.Waves[1]; got.Status != WaveStatusFailed || got.FailureReason != "operator" {
		t.Errorf("Expected the concurrent FAILED on wave 1 to win, got %s %q", got.Status, got.FailureReason)
	}
}

func TestEngine_Poll_AllWavesCompleteIsAdvisory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.startAndComplete(t, exec.ID, 0)
	h.startAndComplete(t, exec.ID, 1)
	w2, err := h.engine.CreateWave(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("CreateWave(2) failed: %v", err)
	}
	h.recovery.launch(w2.JobID, h.clock.Now())

	result, err := h.engine.Poll(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !result.AllWavesComplete {
		t.Error("Expected AllWavesComplete")
	}
	if result.Execution.Status != ExecutionStatusPolling {
		t.Errorf("Expected poll not to finalize, got %s", result.Execution.Status)
	}
	if h.notifier.count(ExecutionStatusCompleted) != 0 {
		t.Error("Expected no completion notification from poll")
	}
}

func TestEngine_Poll_PausedExecutionStillTracksJobs(t *testing.T) {
	h := newHarness(t)
	exec, w0, _ := startWaves(t, h)
	if _, err := h.engine.Pause(context.Background(), exec.ID, PauseRequest{}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	h.recovery.launch(w0.JobID, h.clock.Now())

	result, err := h.engine.Poll(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if result.Execution.Status != ExecutionStatusPaused {
		t.Errorf("Expected PAUSED, got %s", result.Execution.Status)
	}
	if result.Execution.Waves[0].Status != WaveStatusCompleted {
		t.Errorf("Expected wave 0 COMPLETED while paused, got %s", result.Execution.Waves[0].Status)
	}
}

func TestWavePoller_PollWave(t *testing.T) {
	clock := newTestClock()
	recovery := newFakeRecovery()
	poller := NewWavePoller(recovery, nil, clock, zerolog.Nop(), nil, nil)

	jobID, _ := recovery.StartJob(context.Background(), []string{"s-1"}, JobOptions{})
	exec := &Execution{ID: "exec-1", AccountID: "111122223333", Region: "us-east-1"}
	wave := Wave{
		Number:  0,
		Status:  WaveStatusPolling,
		JobID:   jobID,
		Servers: []ServerStatus{{SourceServerID: "s-1"}},
	}

	t.Run("pending wave is returned as is", func(t *testing.T) {
		pending := Wave{Number: 1, Status: WaveStatusPending}
		got, err := poller.PollWave(context.Background(), exec, pending)
		if err != nil || got.Status != WaveStatusPending {
			t.Errorf("Expected untouched PENDING wave, got %s %v", got.Status, err)
		}
		if n := len(recovery.describedJobs()); n != 0 {
			t.Errorf("Expected no job query, got %d", n)
		}
	})

	t.Run("input wave is not mutated", func(t *testing.T) {
		recovery.launch(jobID, clock.Now())
		got, err := poller.PollWave(context.Background(), exec, wave)
		if err != nil {
			t.Fatalf("PollWave failed: %v", err)
		}
		if got.Status != WaveStatusCompleted {
			t.Errorf("Expected COMPLETED, got %s", got.Status)
		}
		if wave.Servers[0].LaunchStatus != LaunchStatusUnknown {
			t.Error("Expected input wave servers untouched")
		}
	})

	t.Run("unclassified error becomes upstream transient", func(t *testing.T) {
		recovery.describeErr[jobID] = errors.New("i/o timeout")
		got, err := poller.PollWave(context.Background(), exec, wave)
		if !IsCode(err, ErrCodeUpstreamTransient) || !IsRetryable(err) {
			t.Fatalf("Expected retryable UPSTREAM_TRANSIENT, got: %v", err)
		}
		if got.Status != WaveStatusPolling {
			t.Errorf("Expected wave left POLLING, got %s", got.Status)
		}
	})

	t.Run("classified error is kept", func(t *testing.T) {
		recovery.describeErr[jobID] = NewPermanentError("access denied", nil).WithCode(ErrCodeUpstreamFatal)
		_, err := poller.PollWave(context.Background(), exec, wave)
		if !IsCode(err, ErrCodeUpstreamFatal) {
			t.Fatalf("Expected UPSTREAM_FATAL, got: %v", err)
		}
	})

	t.Run("server absent from a running job keeps polling", func(t *testing.T) {
		partial, _ := recovery.StartJob(context.Background(), []string{"s-1"}, JobOptions{})
		two := Wave{
			Number:  2,
			Status:  WaveStatusPolling,
			JobID:   partial,
			Servers: []ServerStatus{{SourceServerID: "s-1"}, {SourceServerID: "s-2"}},
		}
		got, err := poller.PollWave(context.Background(), exec, two)
		if err != nil || got.Status != WaveStatusPolling {
			t.Fatalf("Expected POLLING while the job runs, got %s %v", got.Status, err)
		}

		recovery.launch(partial, clock.Now())
		got, err = poller.PollWave(context.Background(), exec, two)
		if err != nil {
			t.Fatalf("PollWave failed: %v", err)
		}
		if got.Status != WaveStatusFailed {
			t.Fatalf("Expected FAILED once the job finished, got %s", got.Status)
		}
		if !strings.Contains(got.FailureReason, "s-2") || strings.Contains(got.FailureReason, "s-1") {
			t.Errorf("Expected reason naming only s-2, got %q", got.FailureReason)
		}
	})

	t.Run("completion time from clock", func(t *testing.T) {
		delete(recovery.describeErr, jobID)
		clock.Advance(3 * time.Minute)
		got, _ := poller.PollWave(context.Background(), exec, wave)
		if got.CompletedAt == nil || !got.CompletedAt.Equal(clock.Now()) {
			t.Errorf("Expected completion at %v, got %v", clock.Now(), got.CompletedAt)
		}
	})
}
