package engine

import (
	"context"
	"time"
)

// RecoveryAPI is the external recovery control service.
type RecoveryAPI interface {
	// StartJob requests a recovery job for the given source servers and returns its id.
	StartJob(ctx context.Context, serverIDs []string, opts JobOptions) (string, error)

	// DescribeJob returns the job status and its participating servers.
	// A control plane that is not yet initialized for the job is reported as an
	// EngineError with code NOT_INITIALIZED.
	DescribeJob(ctx context.Context, accountID, region, jobID string) (*RecoveryJob, error)

	// FindJob returns the most recent job started for the lookup's execution
	// and wave since lookup.Since, or "" when there is none.
	FindJob(ctx context.Context, lookup JobLookup) (string, error)

	// DescribeResources lists source servers known to the recovery service.
	DescribeResources(ctx context.Context, filter ResourceFilter) ([]SourceResource, error)
}

// ComputeAPI looks up live instance metadata.
type ComputeAPI interface {
	// DescribeInstances returns metadata keyed by instance id. Instances that are
	// not yet visible are omitted from the result rather than reported as errors.
	DescribeInstances(ctx context.Context, accountID, region string, instanceIDs []string) (map[string]InstanceMetadata, error)
}

// ExecutionStore persists executions with optimistic versioning.
type ExecutionStore interface {
	// CreateExecution inserts a new execution at version 1.
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution loads an execution. It returns an error wrapping ErrNotFound
	// when the execution does not exist.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// SaveExecution writes exec if the stored version equals expectedVersion,
	// and sets exec.Version to expectedVersion+1. It returns an error wrapping
	// ErrVersionConflict when another writer got there first.
	SaveExecution(ctx context.Context, exec *Execution, expectedVersion int64) error

	// ListExecutions returns executions matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
}

// ConflictDetector grants execution-scoped exclusive claims on server ids.
type ConflictDetector interface {
	// Claim atomically claims every server for executionID or none of them.
	// It returns a CONFLICT EngineError naming the current holders.
	Claim(ctx context.Context, executionID string, serverIDs []string) error

	// Release drops every claim held by executionID.
	Release(ctx context.Context, executionID string) error
}

// Notifier delivers best-effort notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }
