// Package file provides a CheckpointStore that writes one JSON document per
// checkpoint. Non-JSON-native values are preserved through the typed value
// envelope of the store package.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smallnest/agentflowgo/log"
	"github.com/smallnest/agentflowgo/store"
)

// FileCheckpointStore implements store.CheckpointStore on a directory of
// <checkpoint_id>.json files.
type FileCheckpointStore struct {
	dir string
}

var _ store.CheckpointStore = (*FileCheckpointStore)(nil)

// NewFileCheckpointStore creates a file store rooted at dir, creating the
// directory if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(checkpointID string) string {
	return filepath.Join(s.dir, checkpointID+".json")
}

// Save writes the checkpoint as a single JSON document and returns its ID.
func (s *FileCheckpointStore) Save(_ context.Context, checkpoint *store.WorkflowCheckpoint) (string, error) {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return "", &store.CheckpointError{Message: "marshal checkpoint", Err: err}
	}

	// Write-then-rename so a crash never leaves a truncated checkpoint file.
	tmp := s.path(checkpoint.CheckpointID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", &store.CheckpointError{Message: "write checkpoint file", Err: err}
	}
	if err := os.Rename(tmp, s.path(checkpoint.CheckpointID)); err != nil {
		return "", &store.CheckpointError{Message: "rename checkpoint file", Err: err}
	}
	return checkpoint.CheckpointID, nil
}

// Load reads a checkpoint by ID.
func (s *FileCheckpointStore) Load(_ context.Context, checkpointID string) (*store.WorkflowCheckpoint, error) {
	data, err := os.ReadFile(s.path(checkpointID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &store.CheckpointError{Message: checkpointID, Err: store.ErrNotFound}
		}
		return nil, &store.CheckpointError{Message: "read checkpoint file", Err: err}
	}

	var cp store.WorkflowCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &store.CheckpointError{Message: "corrupted checkpoint " + checkpointID, Err: err}
	}
	return &cp, nil
}

// Delete removes a checkpoint file and reports whether it existed.
func (s *FileCheckpointStore) Delete(_ context.Context, checkpointID string) (bool, error) {
	err := os.Remove(s.path(checkpointID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &store.CheckpointError{Message: "delete checkpoint file", Err: err}
	}
	return true, nil
}

// List returns all readable checkpoints, optionally filtered by workflow
// name, sorted by iteration count then timestamp. Corrupted files are logged
// and skipped.
func (s *FileCheckpointStore) List(ctx context.Context, workflowName string) ([]*store.WorkflowCheckpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &store.CheckpointError{Message: "read checkpoint directory", Err: err}
	}

	var out []*store.WorkflowCheckpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		cp, err := s.Load(ctx, id)
		if err != nil {
			log.Warn("skipping unreadable checkpoint file %s: %v", entry.Name(), err)
			continue
		}
		if workflowName == "" || cp.WorkflowName == workflowName {
			out = append(out, cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IterationCount != out[j].IterationCount {
			return out[i].IterationCount < out[j].IterationCount
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ListIDs returns the IDs of all readable checkpoints.
func (s *FileCheckpointStore) ListIDs(ctx context.Context, workflowName string) ([]string, error) {
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
func (s *FileCheckpointStore) Latest(ctx context.Context, workflowName string) (*store.WorkflowCheckpoint, error) {
	checkpoints, err := s.List(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	return store.LatestOf(checkpoints), nil
}
