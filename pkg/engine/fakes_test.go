package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is a versioned in-memory ExecutionStore.
type memStore struct {
	mu        sync.Mutex
	execs     map[string]*Execution
	saves     int
	createErr error

	// onSave, when set, runs once against the stored record before the next
	// version check. It simulates another writer winning a race.
	onSave func(stored *Execution)
}

func newMemStore() *memStore {
	return &memStore{execs: make(map[string]*Execution)}
}

func (s *memStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, exists := s.execs[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	exec.Version = 1
	s.execs[exec.ID] = exec.Clone()
	return nil
}

func (s *memStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec.Clone(), nil
}

func (s *memStore) SaveExecution(_ context.Context, exec *Execution, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hook := s.onSave; hook != nil {
		s.onSave = nil
		hook(s.execs[exec.ID])
	}

	current, ok := s.execs[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("execution %s at version %d, expected %d: %w",
			exec.ID, current.Version, expectedVersion, ErrVersionConflict)
	}
	exec.Version = expectedVersion + 1
	s.execs[exec.ID] = exec.Clone()
	s.saves++
	return nil
}

func (s *memStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Execution, 0)
	for _, exec := range s.execs {
		if filter.PlanID != "" && exec.PlanID != filter.PlanID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if exec.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// mutate changes a stored record directly, bumping its version.
func (s *memStore) mutate(id string, fn func(exec *Execution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.execs[id])
	s.execs[id].Version++
}

// fakeClaims is an in-memory ConflictDetector.
type fakeClaims struct {
	mu       sync.Mutex
	owner    map[string]string
	released []string
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{owner: make(map[string]string)}
}

func (c *fakeClaims) Claim(_ context.Context, executionID string, serverIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	holders := make(map[string][]string)
	for _, id := range serverIDs {
		if holder, ok := c.owner[id]; ok && holder != executionID {
			holders[holder] = append(holders[holder], id)
		}
	}
	if len(holders) > 0 {
		return NewServerConflictError(executionID, holders)
	}
	for _, id := range serverIDs {
		c.owner[id] = executionID
	}
	return nil
}

func (c *fakeClaims) Release(_ context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for server, holder := range c.owner {
		if holder == executionID {
			delete(c.owner, server)
		}
	}
	c.released = append(c.released, executionID)
	return nil
}

func (c *fakeClaims) holder(serverID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner[serverID]
}

// fakeRecovery is a scripted RecoveryAPI.
type fakeRecovery struct {
	mu          sync.Mutex
	nextJob     int
	jobs        map[string]*RecoveryJob
	started     []JobOptions
	startErr    error
	findErr     error
	tagged      map[string]JobOptions
	lookups     []JobLookup
	describeErr map[string]error
	described   []string

	// onDescribe runs before each DescribeJob.
	onDescribe func(jobID string)
}

func newFakeRecovery() *fakeRecovery {
	return &fakeRecovery{
		jobs:        make(map[string]*RecoveryJob),
		tagged:      make(map[string]JobOptions),
		describeErr: make(map[string]error),
	}
}

func (r *fakeRecovery) StartJob(_ context.Context, serverIDs []string, opts JobOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return "", r.startErr
	}
	r.nextJob++
	id := fmt.Sprintf("drsjob-%d", r.nextJob)
	job := &RecoveryJob{JobID: id, Status: JobStatusStarted}
	for _, sid := range serverIDs {
		job.Servers = append(job.Servers, ParticipatingServer{SourceServerID: sid, LaunchStatus: LaunchStatusPending})
	}
	r.jobs[id] = job
	r.started = append(r.started, opts)
	r.tagged[id] = opts
	return id, nil
}

// FindJob matches jobs by the execution and wave they were started for.
func (r *fakeRecovery) FindJob(_ context.Context, lookup JobLookup) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, lookup)
	if r.findErr != nil {
		return "", r.findErr
	}
	found := ""
	for id, opts := range r.tagged {
		if opts.ExecutionID == lookup.ExecutionID && opts.WaveNumber == lookup.WaveNumber && id > found {
			found = id
		}
	}
	return found, nil
}

func (r *fakeRecovery) DescribeJob(_ context.Context, _, _, jobID string) (*RecoveryJob, error) {
	r.mu.Lock()
	hook := r.onDescribe
	r.mu.Unlock()
	if hook != nil {
		hook(jobID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.described = append(r.described, jobID)
	if err := r.describeErr[jobID]; err != nil {
		return nil, err
	}
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	out := *job
	out.Servers = append([]ParticipatingServer(nil), job.Servers...)
	return &out, nil
}

func (r *fakeRecovery) DescribeResources(_ context.Context, _ ResourceFilter) ([]SourceResource, error) {
	return nil, nil
}

// launch marks every server of a job LAUNCHED with instance ids "i-<server>".
func (r *fakeRecovery) launch(jobID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.jobs[jobID]
	job.Status = JobStatusCompleted
	for i := range job.Servers {
		job.Servers[i].LaunchStatus = LaunchStatusLaunched
		job.Servers[i].InstanceID = "i-" + job.Servers[i].SourceServerID
		t := at
		job.Servers[i].LaunchTime = &t
	}
}

func (r *fakeRecovery) setJob(jobID string, fn func(job *RecoveryJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.jobs[jobID])
}

func (r *fakeRecovery) describedJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.described...)
}

// fakeCompute returns canned instance metadata.
type fakeCompute struct {
	instances map[string]InstanceMetadata
	err       error
}

func (c *fakeCompute) DescribeInstances(_ context.Context, _, _ string, ids []string) (map[string]InstanceMetadata, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]InstanceMetadata)
	for _, id := range ids {
		if md, ok := c.instances[id]; ok {
			out[id] = md
		}
	}
	return out, nil
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *fakeNotifier) count(status ExecutionStatus) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, note := range n.sent {
		if note.Status == status {
			c++
		}
	}
	return c
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *Engine
	store    *memStore
	claims   *fakeClaims
	recovery *fakeRecovery
	compute  *fakeCompute
	notifier *fakeNotifier
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    newMemStore(),
		claims:   newFakeClaims(),
		recovery: newFakeRecovery(),
		compute:  &fakeCompute{instances: make(map[string]InstanceMetadata)},
		notifier: &fakeNotifier{},
		clock:    newTestClock(),
	}

	ids, tokens := 0, 0
	eng, err := New(Dependencies{
		Store:    h.store,
		Recovery: h.recovery,
		Compute:  h.compute,
		Claims:   h.claims,
		Notifier: h.notifier,
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
		IDGenerator: func() string {
			ids++
			return fmt.Sprintf("exec-%d", ids)
		},
		TokenGenerator: func() string {
			tokens++
			return fmt.Sprintf("token-%d", tokens)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	h.engine = eng
	return h
}

// threeWavePlan has wave 2 depending on wave 1.
func threeWavePlan() *PlanSpec {
	return &PlanSpec{
		PlanID:      "plan-1",
		PlanName:    "tier-1-apps",
		Kind:        ExecutionKindDrill,
		AccountID:   "111122223333",
		Region:      "us-east-1",
		InitiatedBy: "alice@example.com",
		Waves: []WaveSpec{
			{Number: 0, Name: "databases", ServerIDs: []string{"s-db1", "s-db2"}},
			{Number: 1, Name: "app", ServerIDs: []string{"s-app1"}},
			{Number: 2, Name: "web", ServerIDs: []string{"s-web1"}, DependsOn: []int{1}},
		},
	}
}

// startAndComplete starts a wave, launches its job and polls it to COMPLETED.
func (h *harness) startAndComplete(t *testing.T, executionID string, wave int) {
	t.Helper()
	w, err := h.engine.CreateWave(context.Background(), executionID, wave)
	if err != nil {
		t.Fatalf("CreateWave(%d) failed: %v", wave, err)
	}
	h.recovery.launch(w.JobID, h.clock.Now())
	if _, err := h.engine.Poll(context.Background(), executionID); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
}
