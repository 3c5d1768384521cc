package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/agentflowgo/store"
)

func newTestStore(t *testing.T) *SqliteCheckpointStore {
	t.Helper()
	s, err := NewSqliteCheckpointStore(SqliteOptions{
		Path: filepath.Join(t.TempDir(), "checkpoints.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCheckpoint(id, workflow string, iteration int) *store.WorkflowCheckpoint {
	return &store.WorkflowCheckpoint{
		CheckpointID:   id,
		WorkflowName:   workflow,
		IterationCount: iteration,
		Timestamp:      time.Now().UTC(),
		Version:        store.SchemaVersion,
	}
}

func TestSqliteStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := newCheckpoint("cp-1", "wf", 1)
	cp.State = map[string]*store.Value{"key": store.MustEncodeValue("value")}

	id, err := s.Save(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", id)

	loaded, err := s.Load(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "wf", loaded.WorkflowName)
	assert.Equal(t, 1, loaded.IterationCount)

	key, err := loaded.State["key"].Decode()
	require.NoError(t, err)
	assert.Equal(t, "value", key)
}

func TestSqliteStore_SaveUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, newCheckpoint("cp-1", "wf", 0))
	require.NoError(t, err)
	_, err = s.Save(ctx, newCheckpoint("cp-1", "wf", 7))
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.IterationCount)

	ids, err := s.ListIDs(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-1"}, ids)
}

func TestSqliteStore_LoadNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSqliteStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, newCheckpoint("cp-1", "wf", 0))
	require.NoError(t, err)

	existed, err := s.Delete(ctx, "cp-1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "cp-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSqliteStore_ListAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.Latest(ctx, "wf")
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, cp := range []*store.WorkflowCheckpoint{
		newCheckpoint("cp-2", "wf", 1),
		newCheckpoint("cp-1", "wf", 0),
		newCheckpoint("cp-3", "wf", 2),
		newCheckpoint("other", "other-wf", 9),
	} {
		_, err := s.Save(ctx, cp)
		require.NoError(t, err)
	}

	out, err := s.List(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "cp-1", out[0].CheckpointID)
	assert.Equal(t, "cp-3", out[2].CheckpointID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	latest, err = s.Latest(ctx, "wf")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "cp-3", latest.CheckpointID)
}
