// Package postgres provides a CheckpointStore backed by PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/agentflowgo/log"
	"github.com/smallnest/agentflowgo/store"
)

// DBPool is the subset of pgxpool.Pool the store needs. It exists so tests
// can substitute pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresCheckpointStore implements store.CheckpointStore using PostgreSQL.
type PostgresCheckpointStore struct {
	pool      DBPool
	tableName string
}

var _ store.CheckpointStore = (*PostgresCheckpointStore)(nil)

// PostgresOptions configures the Postgres connection.
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "workflow_checkpoints"
}

// NewPostgresCheckpointStore creates a store with its own connection pool.
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresCheckpointStoreWithPool(pool, opts.TableName), nil
}

// NewPostgresCheckpointStoreWithPool wraps an existing pool. Useful for
// testing with mocks.
func NewPostgresCheckpointStoreWithPool(pool DBPool, tableName string) *PostgresCheckpointStore {
	if tableName == "" {
		tableName = "workflow_checkpoints"
	}
	return &PostgresCheckpointStore{pool: pool, tableName: tableName}
}

// InitSchema creates the checkpoint table if it doesn't exist.
func (s *PostgresCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			checkpoint_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			iteration_count INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			document JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_workflow_name ON %s (workflow_name, iteration_count);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return &store.CheckpointError{Message: "init schema", Err: err}
	}
	return nil
}

// Save upserts a checkpoint document.
func (s *PostgresCheckpointStore) Save(ctx context.Context, checkpoint *store.WorkflowCheckpoint) (string, error) {
	document, err := json.Marshal(checkpoint)
	if err != nil {
		return "", &store.CheckpointError{Message: "marshal checkpoint", Err: err}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (checkpoint_id, workflow_name, iteration_count, created_at, document)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (checkpoint_id) DO UPDATE
		SET workflow_name = EXCLUDED.workflow_name,
			iteration_count = EXCLUDED.iteration_count,
			created_at = EXCLUDED.created_at,
			document = EXCLUDED.document
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		checkpoint.CheckpointID, checkpoint.WorkflowName, checkpoint.IterationCount,
		checkpoint.Timestamp, document)
	if err != nil {
		return "", &store.CheckpointError{Message: "save checkpoint", Err: err}
	}
	return checkpoint.CheckpointID, nil
}

// Load retrieves a checkpoint by ID.
func (s *PostgresCheckpointStore) Load(ctx context.Context, checkpointID string) (*store.WorkflowCheckpoint, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE checkpoint_id = $1`, s.tableName)

	var document []byte
	err := s.pool.QueryRow(ctx, query, checkpointID).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &store.CheckpointError{Message: checkpointID, Err: store.ErrNotFound}
		}
		return nil, &store.CheckpointError{Message: "load checkpoint", Err: err}
	}

	var cp store.WorkflowCheckpoint
	if err := json.Unmarshal(document, &cp); err != nil {
		return nil, &store.CheckpointError{Message: "corrupted checkpoint " + checkpointID, Err: err}
	}
	return &cp, nil
}

// Delete removes a checkpoint and reports whether it existed.
func (s *PostgresCheckpointStore) Delete(ctx context.Context, checkpointID string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id = $1`, s.tableName)
	tag, err := s.pool.Exec(ctx, query, checkpointID)
	if err != nil {
		return false, &store.CheckpointError{Message: "delete checkpoint", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// List returns checkpoints ordered by iteration count. Rows that fail to
// decode are logged and skipped.
func (s *PostgresCheckpointStore) List(ctx context.Context, workflowName string) ([]*store.WorkflowCheckpoint, error) {
	query := fmt.Sprintf(`SELECT checkpoint_id, document FROM %s ORDER BY iteration_count, created_at`, s.tableName)
	args := []any{}
	if workflowName != "" {
		query = fmt.Sprintf(`SELECT checkpoint_id, document FROM %s WHERE workflow_name = $1 ORDER BY iteration_count, created_at`, s.tableName)
		args = append(args, workflowName)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &store.CheckpointError{Message: "list checkpoints", Err: err}
	}
	defer rows.Close()

	var out []*store.WorkflowCheckpoint
	for rows.Next() {
		var id string
		var document []byte
		if err := rows.Scan(&id, &document); err != nil {
			return nil, &store.CheckpointError{Message: "scan checkpoint row", Err: err}
		}
		var cp store.WorkflowCheckpoint
		if err := json.Unmarshal(document, &cp); err != nil {
			log.Warn("skipping corrupted checkpoint %s: %v", id, err)
			continue
		}
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.CheckpointError{Message: "iterate checkpoint rows", Err: err}
	}
	return out, nil
}

// ListIDs returns checkpoint IDs ordered by iteration count.
func (s *PostgresCheckpointStore) ListIDs(ctx context.Context, workflowName string) ([]string, error) {
	query := fmt.Sprintf(`SELECT checkpoint_id FROM %s ORDER BY iteration_count, created_at`, s.tableName)
	args := []any{}
	if workflowName != "" {
		query = fmt.Sprintf(`SELECT checkpoint_id FROM %s WHERE workflow_name = $1 ORDER BY iteration_count, created_at`, s.tableName)
		args = append(args, workflowName)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &store.CheckpointError{Message: "list checkpoint ids", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &store.CheckpointError{Message: "scan checkpoint id", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.CheckpointError{Message: "iterate checkpoint ids", Err: err}
	}
	return ids, nil
}

// Latest returns the most recent checkpoint for a workflow, or nil if none.
func (s *PostgresCheckpointStore) Latest(ctx context.Context, workflowName string) (*store.WorkflowCheckpoint, error) {
	query := fmt.Sprintf(`
		SELECT document FROM %s WHERE workflow_name = $1
		ORDER BY iteration_count DESC, created_at DESC LIMIT 1
	`, s.tableName)

	var document []byte
	err := s.pool.QueryRow(ctx, query, workflowName).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &store.CheckpointError{Message: "latest checkpoint", Err: err}
	}

	var cp store.WorkflowCheckpoint
	if err := json.Unmarshal(document, &cp); err != nil {
		return nil, &store.CheckpointError{Message: "corrupted latest checkpoint", Err: err}
	}
	return &cp, nil
}

// Close releases the underlying pool.
func (s *PostgresCheckpointStore) Close() {
	s.pool.Close()
}
