package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/drwave/drwave/pkg/capacity"
	"github.com/drwave/drwave/pkg/claims"
	"github.com/drwave/drwave/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateExecution inserts a new execution at version 1.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *engine.Execution) error {
	exec.Version = 1
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	query := `
		INSERT INTO executions (id, plan_id, status, kind, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		exec.ID,
		exec.PlanID,
		string(exec.Status),
		string(exec.Kind),
		exec.Version,
		string(data),
		exec.CreatedAt.UnixNano(),
		exec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM executions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeExecution(data)
}

// SaveExecution writes exec if the stored version equals expectedVersion.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *engine.Execution, expectedVersion int64) error {
	next := *exec
	next.Version = expectedVersion + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	query := `
		UPDATE executions
		SET status = ?, version = ?, data = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(next.Status),
		next.Version,
		string(data),
		next.UpdatedAt.UnixNano(),
		exec.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var current int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM executions WHERE id = ?`, exec.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("execution %s: %w", exec.ID, engine.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read execution version: %w", err)
		}
		return fmt.Errorf("execution %s at version %d, expected %d: %w",
			exec.ID, current, expectedVersion, engine.ErrVersionConflict)
	}

	exec.Version = next.Version
	return nil
}

// ListExecutions returns executions matching filter, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter engine.ExecutionFilter) ([]*engine.Execution, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT data FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := make([]*engine.Execution, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec, err := decodeExecution(data)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}

func decodeExecution(data string) (*engine.Execution, error) {
	exec := &engine.Execution{}
	if err := json.Unmarshal([]byte(data), exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	return exec, nil
}

// ClaimAll claims serverIDs for executionID in one transaction.
func (s *SQLiteStore) ClaimAll(ctx context.Context, executionID string, serverIDs []string, at time.Time) (map[string][]string, error) {
	var holders map[string][]string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		placeholders := make([]string, len(serverIDs))
		args := make([]interface{}, 0, len(serverIDs)+1)
		args = append(args, executionID)
		for i, id := range serverIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}

		query := `
			SELECT server_id, execution_id FROM server_claims
			WHERE execution_id != ? AND server_id IN (` + strings.Join(placeholders, ", ") + `)
			ORDER BY server_id
		`
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to read claims: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var server, holder string
			if err := rows.Scan(&server, &holder); err != nil {
				return fmt.Errorf("failed to scan claim: %w", err)
			}
			if holders == nil {
				holders = make(map[string][]string)
			}
			holders[holder] = append(holders[holder], server)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating claims: %w", err)
		}
		if len(holders) > 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO server_claims (server_id, execution_id, claimed_at) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare claim insert: %w", err)
		}
		defer stmt.Close()

		for _, id := range serverIDs {
			if _, err := stmt.ExecContext(ctx, id, executionID, at.UnixNano()); err != nil {
				return fmt.Errorf("failed to claim server %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return holders, nil
}

// ReleaseAll drops every claim held by executionID.
func (s *SQLiteStore) ReleaseAll(ctx context.Context, executionID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM server_claims WHERE execution_id = ?`, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// ListClaims returns every claim ordered by server id.
func (s *SQLiteStore) ListClaims(ctx context.Context) ([]claims.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_id, execution_id, claimed_at FROM server_claims ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	out := make([]claims.Claim, 0)
	for rows.Next() {
		var (
			c  claims.Claim
			at int64
		)
		if err := rows.Scan(&c.ServerID, &c.ExecutionID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		c.ClaimedAt = time.Unix(0, at).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claims: %w", err)
	}
	return out, nil
}

// ListRegionRecords returns every region record.
func (s *SQLiteStore) ListRegionRecords(ctx context.Context) ([]capacity.RegionRecord, error) {
	query := `
		SELECT account_id, region, status, resource_count, replicating_count, last_checked, error_message
		FROM region_records
		ORDER BY account_id, region
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list region records: %w", err)
	}
	defer rows.Close()

	out := make([]capacity.RegionRecord, 0)
	for rows.Next() {
		var (
			r       capacity.RegionRecord
			status  string
			checked int64
			errMsg  sql.NullString
		)
		if err := rows.Scan(&r.AccountID, &r.Region, &status, &r.ResourceCount, &r.ReplicatingCount, &checked, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan region record: %w", err)
		}
		r.Status = capacity.RegionStatus(status)
		r.LastChecked = time.Unix(0, checked).UTC()
		r.ErrorMessage = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating region records: %w", err)
	}
	return out, nil
}

// PutRegionRecords upserts records in one transaction.
func (s *SQLiteStore) PutRegionRecords(ctx context.Context, records []capacity.RegionRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO region_records (account_id, region, status, resource_count, replicating_count, last_checked, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, region) DO UPDATE SET
				status = excluded.status,
				resource_count = excluded.resource_count,
				replicating_count = excluded.replicating_count,
				last_checked = excluded.last_checked,
				error_message = excluded.error_message
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare region record upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			var errMsg sql.NullString
			if r.ErrorMessage != "" {
				errMsg = sql.NullString{String: r.ErrorMessage, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				r.AccountID,
				r.Region,
				string(r.Status),
				r.ResourceCount,
				r.ReplicatingCount,
				r.LastChecked.UnixNano(),
				errMsg,
			); err != nil {
				return fmt.Errorf("failed to upsert region record %s/%s: %w", r.AccountID, r.Region, err)
			}
		}
		return nil
	})
}

// AppendAudit records an audit entry. A missing ID or timestamp is filled in.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit (id, operation, caller_principal, execution_id, outcome, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Operation,
		entry.CallerPrincipal,
		nullString(entry.ExecutionID),
		entry.Outcome,
		nullString(entry.Details),
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries matching filter, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.CallerPrincipal != "" {
		where = append(where, "caller_principal = ?")
		args = append(args, filter.CallerPrincipal)
	}

	query := `SELECT id, operation, caller_principal, execution_id, outcome, details, timestamp FROM audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]*AuditEntry, 0)
	for rows.Next() {
		var (
			e         AuditEntry
			execID    sql.NullString
			details   sql.NullString
			timestamp int64
		)
		if err := rows.Scan(&e.ID, &e.Operation, &e.CallerPrincipal, &execID, &e.Outcome, &details, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ExecutionID = execID.String
		e.Details = details.String
		e.Timestamp = time.Unix(0, timestamp).UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
