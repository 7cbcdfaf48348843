package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	// ExecutionStatusCreated indicates the execution exists and holds its server
	// claims but no wave has been started.
	ExecutionStatusCreated ExecutionStatus = "CREATED"

	// ExecutionStatusPolling indicates at least one wave has been started and the
	// coordinator is driving the execution.
	ExecutionStatusPolling ExecutionStatus = "POLLING"

	// ExecutionStatusPaused indicates progression is suspended at a wave boundary.
	ExecutionStatusPaused ExecutionStatus = "PAUSED"

	// ExecutionStatusCompleted indicates every wave completed and the execution was finalized.
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"

	// ExecutionStatusFailed indicates the coordinator gave up on the execution.
	ExecutionStatusFailed ExecutionStatus = "FAILED"

	// ExecutionStatusCancelled indicates the execution was cancelled by an operator.
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// executionTransitions lists the statuses reachable from each status.
// PAUSED -> POLLING is the only move that revisits an earlier status.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusCreated: {ExecutionStatusPolling, ExecutionStatusCancelled},
	ExecutionStatusPolling: {ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusPaused:  {ExecutionStatusPolling, ExecutionStatusFailed, ExecutionStatusCancelled},
}

// IsTerminal returns true if the status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed ||
		s == ExecutionStatusCancelled
}

// IsActive returns true if the execution still holds claims and may progress.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusCreated || s == ExecutionStatusPolling ||
		s == ExecutionStatusPaused
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusCreated, ExecutionStatusPolling, ExecutionStatusPaused,
		ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// ExecutionKind distinguishes drills from live recoveries.
type ExecutionKind string

const (
	// ExecutionKindDrill launches recovery instances without failing over.
	ExecutionKindDrill ExecutionKind = "DRILL"

	// ExecutionKindRecovery performs a live recovery.
	ExecutionKindRecovery ExecutionKind = "RECOVERY"
)

// Validate checks if the execution kind is valid.
func (k ExecutionKind) Validate() error {
	switch k {
	case ExecutionKindDrill, ExecutionKindRecovery:
		return nil
	default:
		return fmt.Errorf("invalid execution kind: %s", k)
	}
}

// WaveStatus represents the status of a single wave.
type WaveStatus string

const (
	// WaveStatusPending indicates no recovery job has been requested yet.
	WaveStatusPending WaveStatus = "PENDING"

	// WaveStatusPolling indicates the wave's recovery job is in flight.
	WaveStatusPolling WaveStatus = "POLLING"

	// WaveStatusCompleted indicates every server in the wave launched.
	WaveStatusCompleted WaveStatus = "COMPLETED"

	// WaveStatusFailed indicates the recovery job failed or polling gave up.
	WaveStatusFailed WaveStatus = "FAILED"
)

// IsTerminal returns true if the wave will not change any more.
func (s WaveStatus) IsTerminal() bool {
	return s == WaveStatusCompleted || s == WaveStatusFailed
}

// Validate checks if the wave status is valid.
func (s WaveStatus) Validate() error {
	switch s {
	case WaveStatusPending, WaveStatusPolling, WaveStatusCompleted, WaveStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid wave status: %s", s)
	}
}

// LaunchStatus is the per-server launch status reported by a recovery job.
type LaunchStatus string

const (
	LaunchStatusUnknown    LaunchStatus = ""
	LaunchStatusPending    LaunchStatus = "PENDING"
	LaunchStatusInProgress LaunchStatus = "IN_PROGRESS"
	LaunchStatusLaunched   LaunchStatus = "LAUNCHED"
	LaunchStatusFailed     LaunchStatus = "FAILED"
	LaunchStatusTerminated LaunchStatus = "TERMINATED"
)

// IsTerminal returns true if the server will not make further launch progress.
func (s LaunchStatus) IsTerminal() bool {
	return s == LaunchStatusLaunched || s == LaunchStatusFailed || s == LaunchStatusTerminated
}

// IsSuccess returns true if the server launched.
func (s LaunchStatus) IsSuccess() bool {
	return s == LaunchStatusLaunched
}

// JobStatus is the overall status of a recovery job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusStarted   JobStatus = "STARTED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal returns true if the job has finished, successfully or not.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}
