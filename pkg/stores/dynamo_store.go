package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/drwave/drwave/pkg/capacity"
	"github.com/drwave/drwave/pkg/claims"
	"github.com/drwave/drwave/pkg/engine"
)

const (
	// maxTransactItems is the DynamoDB limit on items per transaction.
	maxTransactItems = 100

	// maxBatchWriteItems is the DynamoDB limit on items per batch write.
	maxBatchWriteItems = 25
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoConfig names the tables backing a DynamoStore.
type DynamoConfig struct {
	ExecutionsTable string `yaml:"executions_table" validate:"required"`
	ClaimsTable     string `yaml:"claims_table" validate:"required"`
	RegionsTable    string `yaml:"regions_table" validate:"required"`
	AuditTable      string `yaml:"audit_table" validate:"required"`

	// ClaimsExecutionIndex is a GSI on the claims table keyed by execution_id.
	ClaimsExecutionIndex string `yaml:"claims_execution_index"`

	// UnprocessedRetryTimeout bounds retries of throttled batch writes.
	UnprocessedRetryTimeout time.Duration `yaml:"unprocessed_retry_timeout"`
}

// DynamoStore implements Store on DynamoDB.
//
// Tables:
//
//	executions     hash key execution_id
//	claims         hash key server_id, GSI execution_id
//	region records hash key account_id, range key region
//	audit          hash key id
type DynamoStore struct {
	client DynamoAPI
	cfg    DynamoConfig
}

// NewDynamoStore creates a DynamoDB-backed store.
func NewDynamoStore(client DynamoAPI, cfg DynamoConfig) (*DynamoStore, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if cfg.ExecutionsTable == "" || cfg.ClaimsTable == "" || cfg.RegionsTable == "" || cfg.AuditTable == "" {
		return nil, fmt.Errorf("all table names are required")
	}
	if cfg.ClaimsExecutionIndex == "" {
		cfg.ClaimsExecutionIndex = "execution_id-index"
	}
	if cfg.UnprocessedRetryTimeout == 0 {
		cfg.UnprocessedRetryTimeout = 30 * time.Second
	}
	return &DynamoStore{client: client, cfg: cfg}, nil
}

// HealthCheck scans a single item from the executions table.
func (s *DynamoStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.cfg.ExecutionsTable),
		Limit:     aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *DynamoStore) Close() error { return nil }

// CreateExecution inserts a new execution at version 1.
func (s *DynamoStore) CreateExecution(ctx context.Context, exec *engine.Execution) error {
	exec.Version = 1
	item, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.ExecutionsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(execution_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("execution %s already exists: %w", exec.ID, engine.ErrVersionConflict)
		}
		return fmt.Errorf("dynamodb put failed: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID with a strongly consistent read.
func (s *DynamoStore) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.ExecutionsTable),
		Key:            map[string]types.AttributeValue{"execution_id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get failed: %w", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("execution %s: %w", id, engine.ErrNotFound)
	}

	var exec engine.Execution
	if err := attributevalue.UnmarshalMap(result.Item, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

// SaveExecution writes exec if the stored version equals expectedVersion.
func (s *DynamoStore) SaveExecution(ctx context.Context, exec *engine.Execution, expectedVersion int64) error {
	next := *exec
	next.Version = expectedVersion + 1
	item, err := attributevalue.MarshalMap(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.ExecutionsTable),
		Item:                item,
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if ccf.Item == nil {
				return fmt.Errorf("execution %s: %w", exec.ID, engine.ErrNotFound)
			}
			return fmt.Errorf("execution %s expected version %d: %w", exec.ID, expectedVersion, engine.ErrVersionConflict)
		}
		return fmt.Errorf("dynamodb put failed: %w", err)
	}

	exec.Version = next.Version
	return nil
}

// ListExecutions scans the executions table and filters in memory, newest first.
func (s *DynamoStore) ListExecutions(ctx context.Context, filter engine.ExecutionFilter) ([]*engine.Execution, error) {
	wanted := make(map[engine.ExecutionStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		wanted[st] = true
	}

	out := make([]*engine.Execution, 0)
	err := s.scanAll(ctx, s.cfg.ExecutionsTable, func(items []map[string]types.AttributeValue) error {
		var page []*engine.Execution
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal executions: %w", err)
		}
		for _, exec := range page {
			if filter.PlanID != "" && exec.PlanID != filter.PlanID {
				continue
			}
			if len(wanted) > 0 && !wanted[exec.Status] {
				continue
			}
			out = append(out, exec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimAll claims serverIDs in one transaction. Each put is conditioned on the
// server being unclaimed or already held by executionID.
func (s *DynamoStore) ClaimAll(ctx context.Context, executionID string, serverIDs []string, at time.Time) (map[string][]string, error) {
	if len(serverIDs) > maxTransactItems {
		return nil, fmt.Errorf("cannot claim %d servers in one transaction (limit %d)", len(serverIDs), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(serverIDs))
	for _, id := range serverIDs {
		item, err := attributevalue.MarshalMap(claims.Claim{ServerID: id, ExecutionID: executionID, ClaimedAt: at})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal claim: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.cfg.ClaimsTable),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(server_id) OR execution_id = :exec"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":exec": &types.AttributeValueMemberS{Value: executionID},
				},
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.New().String()),
	})
	if err == nil {
		return nil, nil
	}

	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, fmt.Errorf("dynamodb transact write failed: %w", err)
	}

	holders := make(map[string][]string)
	for _, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) != "ConditionalCheckFailed" || reason.Item == nil {
			continue
		}
		var held claims.Claim
		if err := attributevalue.UnmarshalMap(reason.Item, &held); err != nil {
			return nil, fmt.Errorf("failed to unmarshal claim holder: %w", err)
		}
		holders[held.ExecutionID] = append(holders[held.ExecutionID], held.ServerID)
	}
	if len(holders) == 0 {
		// Cancelled for another reason, such as a concurrent transaction.
		return nil, fmt.Errorf("claim transaction cancelled: %w", err)
	}
	for holder := range holders {
		sort.Strings(holders[holder])
	}
	return holders, nil
}

// ReleaseAll deletes every claim held by executionID.
func (s *DynamoStore) ReleaseAll(ctx context.Context, executionID string) (int, error) {
	var serverIDs []string
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.ClaimsTable),
		IndexName:              aws.String(s.cfg.ClaimsExecutionIndex),
		KeyConditionExpression: aws.String("execution_id = :exec"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exec": &types.AttributeValueMemberS{Value: executionID},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("dynamodb query failed: %w", err)
		}
		var held []claims.Claim
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &held); err != nil {
			return 0, fmt.Errorf("failed to unmarshal claims: %w", err)
		}
		for _, c := range held {
			serverIDs = append(serverIDs, c.ServerID)
		}
	}

	released := 0
	for _, id := range serverIDs {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.cfg.ClaimsTable),
			Key:                 map[string]types.AttributeValue{"server_id": &types.AttributeValueMemberS{Value: id}},
			ConditionExpression: aws.String("execution_id = :exec"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":exec": &types.AttributeValueMemberS{Value: executionID},
			},
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				// Already released, or re-claimed by someone else.
				continue
			}
			return released, fmt.Errorf("dynamodb delete failed: %w", err)
		}
		released++
	}
	return released, nil
}

// ListClaims returns every claim ordered by server id.
func (s *DynamoStore) ListClaims(ctx context.Context) ([]claims.Claim, error) {
	out := make([]claims.Claim, 0)
	err := s.scanAll(ctx, s.cfg.ClaimsTable, func(items []map[string]types.AttributeValue) error {
		var page []claims.Claim
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal claims: %w", err)
		}
		out = append(out, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

// ListRegionRecords returns every region record.
func (s *DynamoStore) ListRegionRecords(ctx context.Context) ([]capacity.RegionRecord, error) {
	out := make([]capacity.RegionRecord, 0)
	err := s.scanAll(ctx, s.cfg.RegionsTable, func(items []map[string]types.AttributeValue) error {
		var page []capacity.RegionRecord
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal region records: %w", err)
		}
		out = append(out, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Region < out[j].Region
	})
	return out, nil
}

// PutRegionRecords writes records in batches, retrying unprocessed items
// with exponential backoff.
func (s *DynamoStore) PutRegionRecords(ctx context.Context, records []capacity.RegionRecord) error {
	requests := make([]types.WriteRequest, 0, len(records))
	for _, r := range records {
		item, err := attributevalue.MarshalMap(r)
		if err != nil {
			return fmt.Errorf("failed to marshal region record: %w", err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	for start := 0; start < len(requests); start += maxBatchWriteItems {
		end := start + maxBatchWriteItems
		if end > len(requests) {
			end = len(requests)
		}
		if err := s.batchWrite(ctx, s.cfg.RegionsTable, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore) batchWrite(ctx context.Context, table string, pending []types.WriteRequest) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{table: pending},
		})
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("dynamodb batch write failed: %w", err))
		}
		pending = out.UnprocessedItems[table]
		if len(pending) > 0 {
			return struct{}{}, fmt.Errorf("%d items unprocessed", len(pending))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(s.cfg.UnprocessedRetryTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to write region records: %w", err)
	}
	return nil
}

// AppendAudit records an audit entry. A missing ID or timestamp is filled in.
func (s *DynamoStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.AuditTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb put failed: %w", err)
	}
	return nil
}

// ListAudit scans the audit table and filters in memory, newest first.
func (s *DynamoStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	out := make([]*AuditEntry, 0)
	err := s.scanAll(ctx, s.cfg.AuditTable, func(items []map[string]types.AttributeValue) error {
		var page []*AuditEntry
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal audit entries: %w", err)
		}
		for _, e := range page {
			if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
				continue
			}
			if filter.CallerPrincipal != "" && e.CallerPrincipal != filter.CallerPrincipal {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *DynamoStore) scanAll(ctx context.Context, table string, fn func([]map[string]types.AttributeValue) error) error {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("dynamodb scan of %s failed: %w", table, err)
		}
		if err := fn(page.Items); err != nil {
			return err
		}
	}
	return nil
}
