package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("Expected error when store is missing")
	}
	if _, err := New(Dependencies{Store: newMemStore()}); err == nil {
		t.Fatal("Expected error when recovery API is missing")
	}
	if _, err := New(Dependencies{Store: newMemStore(), Recovery: newFakeRecovery()}); err == nil {
		t.Fatal("Expected error when conflict detector is missing")
	}
}

func TestEngine_Create(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if exec.Status != ExecutionStatusCreated {
		t.Errorf("Expected status CREATED, got %s", exec.Status)
	}
	if exec.TotalWaves != 3 || len(exec.Waves) != 3 {
		t.Fatalf("Expected 3 waves, got total=%d len=%d", exec.TotalWaves, len(exec.Waves))
	}
	for _, w := range exec.Waves {
		if w.Status != WaveStatusPending {
			t.Errorf("Expected wave %d PENDING, got %s", w.Number, w.Status)
		}
		if w.JobID != "" {
			t.Errorf("Expected wave %d to have no job, got %s", w.Number, w.JobID)
		}
	}
	if !reflect.DeepEqual(exec.Waves[2].DependsOn, []int{1}) {
		t.Errorf("Expected wave 2 to depend on [1], got %v", exec.Waves[2].DependsOn)
	}
	if exec.Version != 1 {
		t.Errorf("Expected version 1, got %d", exec.Version)
	}
	if h.claims.holder("s-web1") != exec.ID {
		t.Errorf("Expected s-web1 to be claimed by %s, got %q", exec.ID, h.claims.holder("s-web1"))
	}
	if !exec.CreatedAt.Equal(h.clock.Now()) {
		t.Errorf("Expected creation time from clock, got %v", exec.CreatedAt)
	}
}

func TestEngine_Create_InvalidPlanCreatesNothing(t *testing.T) {
	h := newHarness(t)
	plan := threeWavePlan()
	plan.Waves[0].DependsOn = []int{2}
	plan.Waves[1].DependsOn = []int{0}

	_, err := h.engine.Create(context.Background(), plan)
	if !IsCode(err, ErrCodeInvalidPlan) {
		t.Fatalf("Expected INVALID_PLAN, got: %v", err)
	}
	if len(h.store.execs) != 0 {
		t.Errorf("Expected no stored executions, got %d", len(h.store.execs))
	}
	if h.claims.holder("s-db1") != "" {
		t.Error("Expected no claims after invalid plan")
	}
}

func TestEngine_Create_ConflictCreatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("First Create failed: %v", err)
	}

	overlap := &PlanSpec{
		PlanID:   "plan-2",
		PlanName: "overlap",
		Kind:     ExecutionKindRecovery,
		Waves: []WaveSpec{
			{Number: 0, ServerIDs: []string{"s-other", "s-app1"}},
		},
	}
	_, err = h.engine.Create(ctx, overlap)
	if !IsCode(err, ErrCodeConflict) {
		t.Fatalf("Expected CONFLICT, got: %v", err)
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected EngineError, got %T", err)
	}
	holders, ok := engErr.Details["holders"].(map[string][]string)
	if !ok || !reflect.DeepEqual(holders[first.ID], []string{"s-app1"}) {
		t.Errorf("Expected holders to name %s with s-app1, got %v", first.ID, engErr.Details["holders"])
	}
	if len(h.store.execs) != 1 {
		t.Errorf("Expected only the first execution stored, got %d", len(h.store.execs))
	}
	if h.claims.holder("s-other") != "" {
		t.Error("Expected no partial claim for the rejected execution")
	}
}

func TestEngine_Create_StoreFailureReleasesClaims(t *testing.T) {
	h := newHarness(t)
	h.store.createErr = errors.New("disk full")

	_, err := h.engine.Create(context.Background(), threeWavePlan())
	if err == nil {
		t.Fatal("Expected error when store fails")
	}
	if h.claims.holder("s-db1") != "" {
		t.Error("Expected claims to be released after store failure")
	}
}

func TestEngine_CreateWave_DependencyScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	wave1, err := h.engine.CreateWave(ctx, exec.ID, 1)
	if err != nil {
		t.Fatalf("CreateWave(1) failed: %v", err)
	}
	if wave1.Status != WaveStatusPolling || wave1.JobID == "" {
		t.Fatalf("Expected wave 1 POLLING with a job, got %s job=%q", wave1.Status, wave1.JobID)
	}

	got, _ := h.engine.Get(ctx, exec.ID)
	if got.Status != ExecutionStatusPolling {
		t.Errorf("Expected execution POLLING after first wave, got %s", got.Status)
	}

	_, err = h.engine.CreateWave(ctx, exec.ID, 2)
	if !IsCode(err, ErrCodePreconditionFailed) {
		t.Fatalf("Expected PRECONDITION_FAILED before wave 1 completes, got: %v", err)
	}

	h.recovery.launch(wave1.JobID, h.clock.Now())
	if _, err := h.engine.Poll(ctx, exec.ID); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	wave2, err := h.engine.CreateWave(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("CreateWave(2) after wave 1 completed failed: %v", err)
	}
	if wave2.Status != WaveStatusPolling {
		t.Errorf("Expected wave 2 POLLING, got %s", wave2.Status)
	}

	if len(h.recovery.started) != 2 {
		t.Fatalf("Expected 2 recovery jobs, got %d", len(h.recovery.started))
	}
	opts := h.recovery.started[1]
	if !opts.Drill || opts.WaveNumber != 2 || opts.ExecutionID != exec.ID || opts.AccountID != "111122223333" {
		t.Errorf("Unexpected job options: %+v", opts)
	}
}

func TestEngine_CreateWave_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); err != nil {
		t.Fatalf("CreateWave(0) failed: %v", err)
	}

	// Same wave twice
	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); !IsCode(err, ErrCodePreconditionFailed) {
		t.Errorf("Expected PRECONDITION_FAILED for a started wave, got: %v", err)
	}

	// Unknown wave
	if _, err := h.engine.CreateWave(ctx, exec.ID, 9); !IsCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND for unknown wave, got: %v", err)
	}

	// Paused execution
	if _, err := h.engine.Pause(ctx, exec.ID, PauseRequest{}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if _, err := h.engine.CreateWave(ctx, exec.ID, 1); !IsCode(err, ErrCodePreconditionFailed) {
		t.Errorf("Expected PRECONDITION_FAILED while paused, got: %v", err)
	}

	// Unknown execution
	if _, err := h.engine.CreateWave(ctx, "missing", 0); !IsCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND for unknown execution, got: %v", err)
	}
}

func TestEngine_CreateWave_StartFailureReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.recovery.startErr = NewThrottledError("rate exceeded", nil).WithCode(ErrCodeUpstreamTransient)
	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); !IsRetryable(err) {
		t.Fatalf("Expected the retryable upstream error, got: %v", err)
	}

	got, _ := h.engine.Get(ctx, exec.ID)
	if got.Waves[0].Status != WaveStatusPending || got.Waves[0].StartedAt != nil {
		t.Errorf("Expected wave 0 back to PENDING, got %s", got.Waves[0].Status)
	}
	if got.Status != ExecutionStatusCreated {
		t.Errorf("Expected execution still CREATED, got %s", got.Status)
	}

	h.recovery.startErr = nil
	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); err != nil {
		t.Fatalf("Retry of CreateWave failed: %v", err)
	}
}

func TestEngine_CreateWave_AbandonedReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	reservedAt := h.clock.Now()
	h.store.mutate(exec.ID, func(e *Execution) {
		e.Waves[0].Status = WaveStatusPolling
		e.Waves[0].StartedAt = &reservedAt
	})

	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); !IsCode(err, ErrCodePreconditionFailed) {
		t.Fatalf("Expected fresh reservation to block, got: %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	w, err := h.engine.CreateWave(ctx, exec.ID, 0)
	if err != nil {
		t.Fatalf("Expected abandoned reservation to be taken over, got: %v", err)
	}
	if w.JobID == "" {
		t.Error("Expected a job id after takeover")
	}
}

func TestEngine_CreateWave_AdoptsJobFromEarlierAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// An earlier attempt started a job and stopped before recording it.
	attemptAt := h.clock.Now()
	jobID, err := h.recovery.StartJob(ctx, exec.Waves[0].ServerIDs(), JobOptions{ExecutionID: exec.ID, WaveNumber: 0})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	h.store.mutate(exec.ID, func(e *Execution) {
		e.Waves[0].Status = WaveStatusPolling
		e.Waves[0].StartedAt = &attemptAt
		e.Waves[0].FirstAttemptAt = &attemptAt
	})

	h.clock.Advance(10 * time.Minute)
	w, err := h.engine.CreateWave(ctx, exec.ID, 0)
	if err != nil {
		t.Fatalf("Takeover failed: %v", err)
	}
	if w.JobID != jobID {
		t.Errorf("Expected the earlier job %s to be adopted, got %q", jobID, w.JobID)
	}
	if n := len(h.recovery.started); n != 1 {
		t.Errorf("Expected no second job, got %d started", n)
	}
	if len(h.recovery.lookups) != 1 || h.recovery.lookups[0].Since.After(attemptAt) {
		t.Errorf("Expected one lookup covering the earlier attempt, got %+v", h.recovery.lookups)
	}

	got, _ := h.engine.Get(ctx, exec.ID)
	if got.Status != ExecutionStatusPolling {
		t.Errorf("Expected execution POLLING, got %s", got.Status)
	}
}

func TestEngine_CreateWave_RetryAfterFailedRequestLooksUpJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.recovery.startErr = NewTransientError("request timed out", nil).WithCode(ErrCodeUpstreamTransient)
	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); err == nil {
		t.Fatal("Expected the start failure")
	}
	if len(h.recovery.lookups) != 0 {
		t.Errorf("Expected no lookup on a first attempt, got %d", len(h.recovery.lookups))
	}

	got, _ := h.engine.Get(ctx, exec.ID)
	if got.Waves[0].Status != WaveStatusPending || got.Waves[0].FirstAttemptAt == nil {
		t.Fatalf("Expected a PENDING wave that remembers the attempt, got %+v", got.Waves[0])
	}

	// A lookup failure must not start a job that may already exist.
	h.recovery.startErr = nil
	h.recovery.findErr = NewTransientError("describe jobs failed", nil).WithCode(ErrCodeUpstreamTransient)
	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); !IsRetryable(err) {
		t.Fatalf("Expected the retryable lookup error, got: %v", err)
	}
	if len(h.recovery.started) != 0 {
		t.Errorf("Expected no job started after a failed lookup, got %d", len(h.recovery.started))
	}

	h.recovery.findErr = nil
	w, err := h.engine.CreateWave(ctx, exec.ID, 0)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if w.JobID == "" || len(h.recovery.started) != 1 {
		t.Errorf("Expected one job started after an empty lookup, got %q and %d", w.JobID, len(h.recovery.started))
	}
}

func TestEngine_CreateWave_PauseBeforeGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plan := threeWavePlan()
	plan.Waves[1].PauseBefore = true
	exec, err := h.engine.Create(ctx, plan)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.startAndComplete(t, exec.ID, 0)

	if _, err := h.engine.CreateWave(ctx, exec.ID, 1); !IsCode(err, ErrCodePreconditionFailed) {
		t.Fatalf("Expected unreleased checkpoint to block wave 1, got: %v", err)
	}

	before := 1
	paused, err := h.engine.Pause(ctx, exec.ID, PauseRequest{BeforeWave: &before, Reason: "verify databases"})
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if _, err := h.engine.Resume(ctx, exec.ID, paused.Checkpoint.Token); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	got, _ := h.engine.Get(ctx, exec.ID)
	if !got.Waves[1].PauseReleased {
		t.Fatal("Expected resume to release wave 1")
	}
	if _, err := h.engine.CreateWave(ctx, exec.ID, 1); err != nil {
		t.Fatalf("CreateWave(1) after resume failed: %v", err)
	}
}

func TestEngine_CreateWave_DuplicateConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.CreateWave(ctx, exec.ID, 0); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("Expected exactly 1 successful CreateWave, got %d", succeeded)
	}
	if len(h.recovery.started) != 1 {
		t.Errorf("Expected exactly 1 recovery job, got %d", len(h.recovery.started))
	}
}

func TestEngine_Finalize_PreconditionMutatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.startAndComplete(t, exec.ID, 0)
	h.startAndComplete(t, exec.ID, 1)

	before, _ := h.engine.Get(ctx, exec.ID)

	_, err = h.engine.Finalize(ctx, exec.ID)
	if !IsCode(err, ErrCodePreconditionFailed) {
		t.Fatalf("Expected PRECONDITION_FAILED with wave 2 pending, got: %v", err)
	}

	after, _ := h.engine.Get(ctx, exec.ID)
	if !reflect.DeepEqual(before, after) {
		t.Error("Expected failed finalize to leave the record untouched")
	}
	if h.notifier.count(ExecutionStatusCompleted) != 0 {
		t.Error("Expected no completion notification")
	}
	if h.claims.holder("s-db1") != exec.ID {
		t.Error("Expected claims to be held after failed finalize")
	}
}

func TestEngine_Finalize_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for wave := 0; wave < 3; wave++ {
		h.startAndComplete(t, exec.ID, wave)
	}

	first, err := h.engine.Finalize(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if first.Status != ExecutionStatusCompleted || first.CompletedAt == nil {
		t.Fatalf("Expected COMPLETED with completion time, got %s", first.Status)
	}
	if h.claims.holder("s-db1") != "" {
		t.Error("Expected claims released after finalize")
	}

	h.clock.Advance(time.Minute)
	second, err := h.engine.Finalize(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Second Finalize failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Expected second finalize to return the same terminal snapshot")
	}
	if n := h.notifier.count(ExecutionStatusCompleted); n != 1 {
		t.Errorf("Expected exactly 1 completion notification, got %d", n)
	}
	if len(h.claims.released) != 1 {
		t.Errorf("Expected claims released once, got %d", len(h.claims.released))
	}
}

func TestEngine_Finalize_ConcurrentWinnerNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for wave := 0; wave < 3; wave++ {
		h.startAndComplete(t, exec.ID, wave)
	}

	// Another coordinator finalizes between our read and our write.
	h.store.onSave = func(stored *Execution) {
		now := h.clock.Now()
		stored.Status = ExecutionStatusCompleted
		stored.CompletedAt = &now
		stored.Version++
	}

	got, err := h.engine.Finalize(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got.Status != ExecutionStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
	if n := h.notifier.count(ExecutionStatusCompleted); n != 0 {
		t.Errorf("Expected the losing finalize not to notify, got %d", n)
	}
}

func TestEngine_Finalize_NotificationFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notifier.err = errors.New("topic unavailable")

	plan := &PlanSpec{
		PlanID:   "plan-1",
		PlanName: "single",
		Kind:     ExecutionKindRecovery,
		Waves:    []WaveSpec{{Number: 0, ServerIDs: []string{"s-1"}}},
	}
	exec, err := h.engine.Create(ctx, plan)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.startAndComplete(t, exec.ID, 0)

	got, err := h.engine.Finalize(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Expected finalize to succeed despite notification failure, got: %v", err)
	}
	if got.Status != ExecutionStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
}

func TestEngine_PauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, err := h.engine.Create(ctx, threeWavePlan())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := h.engine.Pause(ctx, exec.ID, PauseRequest{}); !IsCode(err, ErrCodePreconditionFailed) {
		t.Fatalf("Expected PRECONDITION_FAILED pausing a CREATED execution, got: %v", err)
	}

	h.startAndComplete(t, exec.ID, 0)

	paused, err := h.engine.Pause(ctx, exec.ID, PauseRequest{Reason: "change window", PausedBy: "ops"})
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if paused.Status != ExecutionStatusPaused || paused.Checkpoint == nil || paused.Checkpoint.Token == "" {
		t.Fatalf("Expected PAUSED with a checkpoint token, got %s %+v", paused.Status, paused.Checkpoint)
	}
	if h.notifier.count(ExecutionStatusPaused) != 1 {
		t.Error("Expected a pause notification")
	}

	_, err = h.engine.Resume(ctx, exec.ID, "not-the-token")
	if !IsCode(err, ErrCodeStaleToken) {
		t.Fatalf("Expected STALE_TOKEN, got: %v", err)
	}
	still, _ := h.engine.Get(ctx, exec.ID)
	if still.Status != ExecutionStatusPaused {
		t.Errorf("Expected execution to remain PAUSED, got %s", still.Status)
	}

	resumed, err := h.engine.Resume(ctx, exec.ID, paused.Checkpoint.Token)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != ExecutionStatusPolling || resumed.Checkpoint != nil {
		t.Errorf("Expected POLLING with checkpoint cleared, got %s %+v", resumed.Status, resumed.Checkpoint)
	}

	if _, err := h.engine.Resume(ctx, exec.ID, paused.Checkpoint.Token); !IsCode(err, ErrCodePreconditionFailed) {
		t.Errorf("Expected PRECONDITION_FAILED resuming a POLLING execution, got: %v", err)
	}
}

func TestEngine_Resume_TokenFromEarlierCheckpointIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, _ := h.engine.Create(ctx, threeWavePlan())
	h.startAndComplete(t, exec.ID, 0)

	first, _ := h.engine.Pause(ctx, exec.ID, PauseRequest{})
	if _, err := h.engine.Resume(ctx, exec.ID, first.Checkpoint.Token); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	second, _ := h.engine.Pause(ctx, exec.ID, PauseRequest{})

	if _, err := h.engine.Resume(ctx, exec.ID, first.Checkpoint.Token); !IsCode(err, ErrCodeStaleToken) {
		t.Fatalf("Expected STALE_TOKEN for the earlier checkpoint, got: %v", err)
	}
	if _, err := h.engine.Resume(ctx, exec.ID, second.Checkpoint.Token); err != nil {
		t.Fatalf("Resume with current token failed: %v", err)
	}
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, _ := h.engine.Create(ctx, threeWavePlan())
	h.startAndComplete(t, exec.ID, 0)
	if _, err := h.engine.Pause(ctx, exec.ID, PauseRequest{}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	cancelled, err := h.engine.Cancel(ctx, exec.ID, "drill aborted")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != ExecutionStatusCancelled || cancelled.Reason != "drill aborted" || cancelled.CompletedAt == nil {
		t.Errorf("Unexpected cancelled record: %s %q", cancelled.Status, cancelled.Reason)
	}
	if cancelled.Checkpoint != nil {
		t.Error("Expected checkpoint cleared on cancel")
	}
	if h.claims.holder("s-web1") != "" {
		t.Error("Expected claims released on cancel")
	}

	again, err := h.engine.Cancel(ctx, exec.ID, "again")
	if err != nil {
		t.Fatalf("Second Cancel failed: %v", err)
	}
	if again.Reason != "drill aborted" || h.notifier.count(ExecutionStatusCancelled) != 1 {
		t.Error("Expected second cancel to be a no-op")
	}

	if _, err := h.engine.Finalize(ctx, exec.ID); !IsCode(err, ErrCodePreconditionFailed) {
		t.Errorf("Expected PRECONDITION_FAILED finalizing a cancelled execution, got: %v", err)
	}
	if _, err := h.engine.Fail(ctx, exec.ID, "x"); !IsCode(err, ErrCodePreconditionFailed) {
		t.Errorf("Expected PRECONDITION_FAILED failing a cancelled execution, got: %v", err)
	}
}

func TestEngine_Cancel_FromCreated(t *testing.T) {
	h := newHarness(t)
	exec, _ := h.engine.Create(context.Background(), threeWavePlan())

	got, err := h.engine.Cancel(context.Background(), exec.ID, "")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != ExecutionStatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", got.Status)
	}
}

func TestEngine_FailWaveAndFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	exec, _ := h.engine.Create(ctx, threeWavePlan())
	if _, err := h.engine.FailWave(ctx, exec.ID, 0, "x"); !IsCode(err, ErrCodePreconditionFailed) {
		t.Fatalf("Expected PRECONDITION_FAILED failing a PENDING wave, got: %v", err)
	}
	if _, err := h.engine.Fail(ctx, exec.ID, "x"); !IsCode(err, ErrCodePreconditionFailed) {
		t.Fatalf("Expected PRECONDITION_FAILED failing a CREATED execution, got: %v", err)
	}

	if _, err := h.engine.CreateWave(ctx, exec.ID, 0); err != nil {
		t.Fatalf("CreateWave failed: %v", err)
	}

	w, err := h.engine.FailWave(ctx, exec.ID, 0, "10 consecutive poll errors")
	if err != nil {
		t.Fatalf("FailWave failed: %v", err)
	}
	if w.Status != WaveStatusFailed || w.FailureReason != "10 consecutive poll errors" {
		t.Errorf("Unexpected failed wave: %s %q", w.Status, w.FailureReason)
	}

	got, _ := h.engine.Get(ctx, exec.ID)
	if got.Status != ExecutionStatusPolling {
		t.Errorf("Expected FailWave to leave execution POLLING, got %s", got.Status)
	}

	failed, err := h.engine.Fail(ctx, exec.ID, "wave 0 failed")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != ExecutionStatusFailed || h.claims.holder("s-db1") != "" {
		t.Error("Expected FAILED with claims released")
	}
	if h.notifier.count(ExecutionStatusFailed) != 1 {
		t.Error("Expected one failure notification")
	}
	if _, err := h.engine.Fail(ctx, exec.ID, "again"); err != nil {
		t.Errorf("Expected repeated Fail to be a no-op, got: %v", err)
	}
}

func TestEngine_List(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, _ := h.engine.Create(ctx, threeWavePlan())
	other := &PlanSpec{
		PlanID: "plan-2", PlanName: "other", Kind: ExecutionKindDrill,
		Waves: []WaveSpec{{Number: 0, ServerIDs: []string{"s-x"}}},
	}
	b, _ := h.engine.Create(ctx, other)
	if _, err := h.engine.Cancel(ctx, b.ID, ""); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	active, err := h.engine.List(ctx, ExecutionFilter{Statuses: []ExecutionStatus{ExecutionStatusCreated}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("Expected only %s, got %d executions", a.ID, len(active))
	}
}
