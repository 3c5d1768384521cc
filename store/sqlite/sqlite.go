// Package sqlite provides a CheckpointStore backed by SQLite, suitable for
// single-process durability without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/agentflowgo/log"
	"github.com/smallnest/agentflowgo/store"
)

// SqliteCheckpointStore implements store.CheckpointStore using SQLite.
type SqliteCheckpointStore struct {
	db        *sql.DB
	tableName string
}

var _ store.CheckpointStore = (*SqliteCheckpointStore)(nil)

// SqliteOptions configures the SQLite database.
type SqliteOptions struct {
	Path      string
	TableName string // Default "workflow_checkpoints"
}

// NewSqliteCheckpointStore opens (or creates) the database and its schema.
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "workflow_checkpoints"
	}

	s := &SqliteCheckpointStore{db: db, tableName: tableName}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the checkpoint table if it doesn't exist.
func (s *SqliteCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			checkpoint_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			iteration_count INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			document TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_workflow_name ON %s (workflow_name, iteration_count);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &store.CheckpointError{Message: "init schema", Err: err}
	}
	return nil
}

// Save upserts a checkpoint document.
func (s *SqliteCheckpointStore) Save(ctx context.Context, checkpoint *store.WorkflowCheckpoint) (string, error) {
	document, err := json.Marshal(checkpoint)
	if err != nil {
		return "", &store.CheckpointError{Message: "marshal checkpoint", Err: err}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (checkpoint_id, workflow_name, iteration_count, created_at, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (checkpoint_id) DO UPDATE
		SET workflow_name = excluded.workflow_name,
			iteration_count = excluded.iteration_count,
			created_at = excluded.created_at,
			document = excluded.document
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		checkpoint.CheckpointID, checkpoint.WorkflowName, checkpoint.IterationCount,
		checkpoint.Timestamp, string(document))
	if err != nil {
		return "", &store.CheckpointError{Message: "save checkpoint", Err: err}
	}
	return checkpoint.CheckpointID, nil
}

// Load retrieves a checkpoint by ID.
func (s *SqliteCheckpointStore) Load(ctx context.Context, checkpointID string) (*store.WorkflowCheckpoint, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE checkpoint_id = ?`, s.tableName)

	var document string
	err := s.db.QueryRowContext(ctx, query, checkpointID).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.CheckpointError{Message: checkpointID, Err: store.ErrNotFound}
		}
		return nil, &store.CheckpointError{Message: "load checkpoint", Err: err}
	}

	var cp store.WorkflowCheckpoint
	if err := json.Unmarshal([]byte(document), &cp); err != nil {
		return nil, &store.CheckpointError{Message: "corrupted checkpoint " + checkpointID, Err: err}
	}
	return &cp, nil
}

// Delete removes a checkpoint and reports whether it existed.
func (s *SqliteCheckpointStore) Delete(ctx context.Context, checkpointID string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, checkpointID)
	if err != nil {
		return false, &store.CheckpointError{Message: "delete checkpoint", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &store.CheckpointError{Message: "delete checkpoint", Err: err}
	}
	return affected > 0, nil
}

// List returns checkpoints ordered by iteration count. Rows that fail to
// decode are logged and skipped.
func (s *SqliteCheckpointStore) List(ctx context.Context, workflowName string) ([]*store.WorkflowCheckpoint, error) {
	query := fmt.Sprintf(`SELECT checkpoint_id, document FROM %s ORDER BY iteration_count, created_at`, s.tableName)
	args := []any{}
	if workflowName != "" {
		query = fmt.Sprintf(`SELECT checkpoint_id, document FROM %s WHERE workflow_name = ? ORDER BY iteration_count, created_at`, s.tableName)
		args = append(args, workflowName)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.CheckpointError{Message: "list checkpoints", Err: err}
	}
	defer rows.Close()

	var out []*store.WorkflowCheckpoint
	for rows.Next() {
		var id, document string
		if err := rows.Scan(&id, &document); err != nil {
			return nil, &store.CheckpointError{Message: "scan checkpoint row", Err: err}
		}
		var cp store.WorkflowCheckpoint
		if err := json.Unmarshal([]byte(document), &cp); err != nil {
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
func (s *SqliteCheckpointStore) ListIDs(ctx context.Context, workflowName string) ([]string, error) {
	checkpoints, err := s.List(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		ids = append(ids, cp.CheckpointID)
	}
	return ids, nil
}

// Latest returns the most recent checkpoint for a workflow, or nil if none.
func (s *SqliteCheckpointStore) Latest(ctx context.Context, workflowName string) (*store.WorkflowCheckpoint, error) {
	query := fmt.Sprintf(`
		SELECT document FROM %s WHERE workflow_name = ?
		ORDER BY iteration_count DESC, created_at DESC LIMIT 1
	`, s.tableName)

	var document string
	err := s.db.QueryRowContext(ctx, query, workflowName).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &store.CheckpointError{Message: "latest checkpoint", Err: err}
	}

	var cp store.WorkflowCheckpoint
	if err := json.Unmarshal([]byte(document), &cp); err != nil {
		return nil, &store.CheckpointError{Message: "corrupted latest checkpoint", Err: err}
	}
	return &cp, nil
}

// Close releases the underlying database handle.
func (s *SqliteCheckpointStore) Close() error {
	return s.db.Close()
}
