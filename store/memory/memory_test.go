package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/agentflowgo/store"
)

func newCheckpoint(id, workflow string, iteration int) *store.WorkflowCheckpoint {
	return &store.WorkflowCheckpoint{
		CheckpointID:   id,
		WorkflowName:   workflow,
		IterationCount: iteration,
		Timestamp:      time.Now().UTC(),
		Version:        store.SchemaVersion,
	}
}

func TestMemoryStore_SaveAndLoad(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	cp := newCheckpoint("cp-1", "wf", 0)
	cp.State = map[string]*store.Value{"key": store.MustEncodeValue("value")}

	id, err := s.Save(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", id)

	loaded, err := s.Load(ctx, "cp-1")
	require.NoError(t, err)
	// In-memory checkpoints come back by reference.
	assert.Same(t, cp, loaded)
}

func TestMemoryStore_LoadNotFound(t *testing.T) {
	s := NewMemoryCheckpointStore()

	_, err := s.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	var cpErr *store.CheckpointError
	assert.True(t, errors.As(err, &cpErr))
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	_, err := s.Save(ctx, newCheckpoint("cp-1", "wf", 0))
	require.NoError(t, err)

	existed, err := s.Delete(ctx, "cp-1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "cp-1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.Load(ctx, "cp-1")
	assert.Error(t, err)
}

func TestMemoryStore_ListFiltersByWorkflow(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	for _, cp := range []*store.WorkflowCheckpoint{
		newCheckpoint("a-1", "alpha", 0),
		newCheckpoint("b-1", "beta", 0),
		newCheckpoint("a-2", "alpha", 1),
	} {
		_, err := s.Save(ctx, cp)
		require.NoError(t, err)
	}

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	alpha, err := s.List(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, alpha, 2)
	assert.Equal(t, "a-1", alpha[0].CheckpointID)
	assert.Equal(t, "a-2", alpha[1].CheckpointID)

	ids, err := s.ListIDs(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "a-2"}, ids)
}

func TestMemoryStore_Latest(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	latest, err := s.Latest(ctx, "wf")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = s.Save(ctx, newCheckpoint("cp-1", "wf", 0))
	require.NoError(t, err)
	_, err = s.Save(ctx, newCheckpoint("cp-3", "wf", 2))
	require.NoError(t, err)
	_, err = s.Save(ctx, newCheckpoint("cp-2", "wf", 1))
	require.NoError(t, err)

	latest, err = s.Latest(ctx, "wf")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "cp-3", latest.CheckpointID)
}

func TestMemoryStore_SaveOverwrites(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	_, err := s.Save(ctx, newCheckpoint("cp-1", "wf", 0))
	require.NoError(t, err)
	updated := newCheckpoint("cp-1", "wf", 5)
	_, err = s.Save(ctx, updated)
	require.NoError(t, err)

	ids, err := s.ListIDs(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-1"}, ids)

	loaded, err := s.Load(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.IterationCount)
}
