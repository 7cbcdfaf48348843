package stores

import (
	"context"
	"time"

	"github.com/drwave/drwave/pkg/capacity"
	"github.com/drwave/drwave/pkg/claims"
	"github.com/drwave/drwave/pkg/engine"
)

// AuditEntry records one invocation at the transport boundary.
type AuditEntry struct {
	ID              string    `json:"id" dynamodbav:"id"`
	Operation       string    `json:"operation" dynamodbav:"operation"`
	CallerPrincipal string    `json:"caller_principal" dynamodbav:"caller_principal"`
	ExecutionID     string    `json:"execution_id,omitempty" dynamodbav:"execution_id,omitempty"`
	Outcome         string    `json:"outcome" dynamodbav:"outcome"` // OK or an error code
	Details         string    `json:"details,omitempty" dynamodbav:"details,omitempty"`
	Timestamp       time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// AuditFilter selects audit entries.
type AuditFilter struct {
	ExecutionID     string
	CallerPrincipal string
	Limit           int
}

// Store is the full record store: executions, server claims, region records
// and the audit log.
type Store interface {
	engine.ExecutionStore
	claims.Store
	capacity.RecordStore

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*DynamoStore)(nil)
)
