package engine

import (
	"time"
)

// PlanSpec is the input to Create: a named recovery plan split into waves.
type PlanSpec struct {
	// PlanID is the identifier of the recovery plan.
	PlanID string `json:"plan_id" yaml:"plan_id" validate:"required"`

	// PlanName is the human-readable plan name.
	PlanName string `json:"plan_name" yaml:"plan_name" validate:"required"`

	// Kind selects a drill or a live recovery.
	Kind ExecutionKind `json:"kind" yaml:"kind" validate:"required,oneof=DRILL RECOVERY"`

	// AccountID is the account whose recovery service owns the servers.
	// Empty means the orchestrator's own account.
	AccountID string `json:"account_id,omitempty" yaml:"account_id,omitempty"`

	// Region is the recovery region of the servers.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// InitiatedBy is the identity that started the execution.
	InitiatedBy string `json:"initiated_by" yaml:"initiated_by"`

	// Waves lists the waves in order.
	Waves []WaveSpec `json:"waves" yaml:"waves" validate:"required,min=1,dive"`
}

// WaveSpec describes one wave of a plan.
type WaveSpec struct {
	// Number is the 0-indexed wave number.
	Number int `json:"number" yaml:"number" validate:"gte=0"`

	// Name is the human-readable wave name.
	Name string `json:"name" yaml:"name"`

	// ServerIDs lists the source servers recovered by this wave.
	ServerIDs []string `json:"server_ids" yaml:"server_ids" validate:"required,min=1,dive,required"`

	// PauseBefore suspends the execution before this wave starts.
	PauseBefore bool `json:"pause_before,omitempty" yaml:"pause_before,omitempty"`

	// DependsOn lists wave numbers that must complete before this wave starts.
	DependsOn []int `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// ServerIDs returns the union of all server ids in the plan, in wave order.
func (p *PlanSpec) ServerIDs() []string {
	ids := make([]string, 0)
	for _, w := range p.Waves {
		ids = append(ids, w.ServerIDs...)
	}
	return ids
}

// Execution is one disaster-recovery run of a plan.
type Execution struct {
	// ID is the unique execution identifier.
	ID string `json:"execution_id" dynamodbav:"execution_id"`

	// PlanID is the identifier of the plan being executed.
	PlanID string `json:"plan_id" dynamodbav:"plan_id"`

	// PlanName is the plan's human-readable name.
	PlanName string `json:"plan_name" dynamodbav:"plan_name"`

	// Status is the execution lifecycle status.
	Status ExecutionStatus `json:"status" dynamodbav:"status"`

	// Kind is DRILL or RECOVERY.
	Kind ExecutionKind `json:"kind" dynamodbav:"kind"`

	// AccountID is the account the recovery jobs run in.
	AccountID string `json:"account_id,omitempty" dynamodbav:"account_id,omitempty"`

	// Region is the recovery region.
	Region string `json:"region,omitempty" dynamodbav:"region,omitempty"`

	// InitiatedBy is the identity that created the execution.
	InitiatedBy string `json:"initiated_by" dynamodbav:"initiated_by"`

	// TotalWaves is the number of waves in the execution.
	TotalWaves int `json:"total_waves" dynamodbav:"total_waves"`

	// Waves holds the ordered waves. Membership is fixed at creation.
	Waves []Wave `json:"waves" dynamodbav:"waves"`

	// Checkpoint is set while the execution is paused.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty" dynamodbav:"checkpoint,omitempty"`

	// Reason records why the execution failed or was cancelled.
	Reason string `json:"reason,omitempty" dynamodbav:"reason,omitempty"`

	// CreatedAt is when the execution was created.
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`

	// CompletedAt is when the execution reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty"`

	// LastPolledAt is when the execution was last polled.
	LastPolledAt *time.Time `json:"last_polled_at,omitempty" dynamodbav:"last_polled_at,omitempty"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`

	// Version is the record version for optimistic locking.
	Version int64 `json:"version" dynamodbav:"version"`
}

// Wave returns a pointer to the wave with the given number, or nil.
func (e *Execution) Wave(number int) *Wave {
	for i := range e.Waves {
		if e.Waves[i].Number == number {
			return &e.Waves[i]
		}
	}
	return nil
}

// AllWavesComplete reports whether every wave, polled or not, is COMPLETED.
func (e *Execution) AllWavesComplete() bool {
	if len(e.Waves) == 0 {
		return false
	}
	for i := range e.Waves {
		if e.Waves[i].Status != WaveStatusCompleted {
			return false
		}
	}
	return true
}

// ServerIDs returns every server id across all waves.
func (e *Execution) ServerIDs() []string {
	ids := make([]string, 0)
	for i := range e.Waves {
		for _, s := range e.Waves[i].Servers {
			ids = append(ids, s.SourceServerID)
		}
	}
	return ids
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Waves = make([]Wave, len(e.Waves))
	for i := range e.Waves {
		out.Waves[i] = e.Waves[i].Clone()
	}
	if e.Checkpoint != nil {
		cp := *e.Checkpoint
		out.Checkpoint = &cp
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.LastPolledAt != nil {
		t := *e.LastPolledAt
		out.LastPolledAt = &t
	}
	return &out
}

// Wave is an ordered, possibly dependent subgroup of servers within an execution.
type Wave struct {
	// Number is the 0-indexed wave number, unique within the execution.
	Number int `json:"wave_number" dynamodbav:"wave_number"`

	// Name is the human-readable wave name.
	Name string `json:"name" dynamodbav:"name"`

	// Status is the wave status.
	Status WaveStatus `json:"status" dynamodbav:"status"`

	// JobID references the recovery job once it has been created.
	JobID string `json:"job_id,omitempty" dynamodbav:"job_id,omitempty"`

	// Servers holds the enriched per-server records.
	Servers []ServerStatus `json:"servers" dynamodbav:"servers"`

	// PauseBefore suspends the execution before this wave starts.
	PauseBefore bool `json:"pause_before,omitempty" dynamodbav:"pause_before,omitempty"`

	// PauseReleased is set once an operator resumed the checkpoint guarding this wave.
	PauseReleased bool `json:"pause_released,omitempty" dynamodbav:"pause_released,omitempty"`

	// DependsOn lists prerequisite wave numbers.
	DependsOn []int `json:"depends_on,omitempty" dynamodbav:"depends_on,omitempty"`

	// FailureReason is a diagnostic message for FAILED waves.
	FailureReason string `json:"failure_reason,omitempty" dynamodbav:"failure_reason,omitempty"`

	// StartedAt is when the recovery job was requested.
	StartedAt *time.Time `json:"started_at,omitempty" dynamodbav:"started_at,omitempty"`

	// FirstAttemptAt is when a recovery job was first requested for this wave.
	// It survives a released reservation, and any later attempt first looks
	// for a job started since then.
	FirstAttemptAt *time.Time `json:"first_attempt_at,omitempty" dynamodbav:"first_attempt_at,omitempty"`

	// CompletedAt is when the wave reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty"`
}

// ServerIDs returns the wave's source server ids.
func (w *Wave) ServerIDs() []string {
	ids := make([]string, 0, len(w.Servers))
	for _, s := range w.Servers {
		ids = append(ids, s.SourceServerID)
	}
	return ids
}

// Clone returns a deep copy of the wave.
func (w Wave) Clone() Wave {
	out := w
	out.Servers = append([]ServerStatus(nil), w.Servers...)
	out.DependsOn = append([]int(nil), w.DependsOn...)
	if w.StartedAt != nil {
		t := *w.StartedAt
		out.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	if w.FirstAttemptAt != nil {
		t := *w.FirstAttemptAt
		out.FirstAttemptAt = &t
	}
	return out
}

// ServerStatus is the enriched per-server record inside a wave.
type ServerStatus struct {
	SourceServerID string       `json:"source_server_id" dynamodbav:"source_server_id"`
	Hostname       string       `json:"hostname,omitempty" dynamodbav:"hostname,omitempty"`
	LaunchStatus   LaunchStatus `json:"launch_status,omitempty" dynamodbav:"launch_status,omitempty"`
	InstanceID     string       `json:"instance_id,omitempty" dynamodbav:"instance_id,omitempty"`
	PrivateIP      string       `json:"private_ip,omitempty" dynamodbav:"private_ip,omitempty"`
	InstanceType   string       `json:"instance_type,omitempty" dynamodbav:"instance_type,omitempty"`
	State          string       `json:"state,omitempty" dynamodbav:"state,omitempty"`
	LaunchTime     *time.Time   `json:"launch_time,omitempty" dynamodbav:"launch_time,omitempty"`
}

// Checkpoint is the persisted half of a pause: the opaque token the resume
// call must present, and the wave boundary it guards.
type Checkpoint struct {
	Token      string    `json:"token" dynamodbav:"token"`
	BeforeWave *int      `json:"before_wave,omitempty" dynamodbav:"before_wave,omitempty"`
	Reason     string    `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	PausedAt   time.Time `json:"paused_at" dynamodbav:"paused_at"`
	PausedBy   string    `json:"paused_by,omitempty" dynamodbav:"paused_by,omitempty"`
}

// PollResult is the snapshot returned by Engine.Poll.
type PollResult struct {
	// Execution is the execution after the poll cycle was persisted.
	Execution *Execution `json:"execution"`

	// AllWavesComplete is true iff every wave is COMPLETED. It is advisory; the
	// coordinator decides whether to finalize.
	AllWavesComplete bool `json:"all_waves_complete"`

	// PolledWaves lists the wave numbers queried this cycle.
	PolledWaves []int `json:"polled_waves"`

	// WaveErrors holds transient upstream errors per wave number. They are not
	// persisted; the wave was left unchanged.
	WaveErrors map[int]string `json:"wave_errors,omitempty"`

	// Cancelled is set when a cancellation was observed during the cycle.
	Cancelled bool `json:"cancelled,omitempty"`
}

// ExecutionFilter selects executions for listing.
type ExecutionFilter struct {
	Statuses []ExecutionStatus
	PlanID   string
	Limit    int
}

// RecoveryJob is the recovery API's view of a job.
type RecoveryJob struct {
	JobID   string
	Status  JobStatus
	Servers []ParticipatingServer
	// FailureReason is set when Status is JobStatusFailed.
	FailureReason string
}

// ParticipatingServer is one server inside a recovery job.
type ParticipatingServer struct {
	SourceServerID string
	LaunchStatus   LaunchStatus
	InstanceID     string
	LaunchTime     *time.Time
}

// JobOptions controls how a recovery job is started.
type JobOptions struct {
	AccountID   string
	Region      string
	Drill       bool
	ExecutionID string
	WaveNumber  int
	Tags        map[string]string
}

// JobLookup identifies a job an earlier attempt may have started for a wave.
type JobLookup struct {
	AccountID   string
	Region      string
	ExecutionID string
	WaveNumber  int

	// Since bounds the job creation time from below.
	Since time.Time
}

// InstanceMetadata is the compute API's view of one instance.
type InstanceMetadata struct {
	PrivateIP    string
	InstanceType string
	State        string
	Hostname     string
}

// ResourceFilter selects source servers in DescribeResources.
type ResourceFilter struct {
	AccountID string
	Region    string
	ServerIDs []string
}

// SourceResource is a replicating source server known to the recovery service.
type SourceResource struct {
	SourceServerID   string
	Hostname         string
	ReplicationState string
	Replicating      bool
}

// Notification is sent to the notification dispatcher on terminal transitions
// and checkpoints.
type Notification struct {
	ExecutionID string          `json:"execution_id"`
	PlanName    string          `json:"plan_name"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message"`
	Timestamp   time.Time       `json:"timestamp"`
}
