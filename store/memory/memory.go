// Package memory provides an in-process CheckpointStore.
//
// Checkpoints are held by reference, so values round-trip with their original
// object identity: custom structs, byte slices and times come back as the
// exact objects that were saved. Use the file or database stores for
// durability across processes.
package memory

import (
	"context"
	"sync"

	"github.com/smallnest/agentflowgo/store"
)

// MemoryCheckpointStore implements store.CheckpointStore in process memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*store.WorkflowCheckpoint
	order       []string
}

var _ store.CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]*store.WorkflowCheckpoint),
	}
}

// Save stores a checkpoint and returns its ID.
func (s *MemoryCheckpointStore) Save(_ context.Context, checkpoint *store.WorkflowCheckpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints[checkpoint.CheckpointID]; !exists {
		s.order = append(s.order, checkpoint.CheckpointID)
	}
	s.checkpoints[checkpoint.CheckpointID] = checkpoint
	return checkpoint.CheckpointID, nil
}

// Load retrieves a checkpoint by ID.
func (s *MemoryCheckpointStore) Load(_ context.Context, checkpointID string) (*store.WorkflowCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, &store.CheckpointError{Message: checkpointID, Err: store.ErrNotFound}
	}
	return cp, nil
}

// Delete removes a checkpoint and reports whether it existed.
func (s *MemoryCheckpointStore) Delete(_ context.Context, checkpointID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkpoints[checkpointID]; !ok {
		return false, nil
	}
	delete(s.checkpoints, checkpointID)
	for i, id := range s.order {
		if id == checkpointID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// List returns checkpoints in insertion order, optionally filtered by
// workflow name.
func (s *MemoryCheckpointStore) List(_ context.Context, workflowName string) ([]*store.WorkflowCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.WorkflowCheckpoint
	for _, id := range s.order {
		cp := s.checkpoints[id]
		if workflowName == "" || cp.WorkflowName == workflowName {
			out = append(out, cp)
		}
	}
	return out, nil
}

// ListIDs returns checkpoint IDs in insertion order.
func (s *MemoryCheckpointStore) ListIDs(ctx context.Context, workflowName string) ([]string, error) {
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
func (s *MemoryCheckpointStore) Latest(ctx context.Context, workflowName string) (*store.WorkflowCheckpoint, error) {
	checkpoints, err := s.List(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	return store.LatestOf(checkpoints), nil
}
