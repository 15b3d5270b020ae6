package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ChrisSc/prompt-chaining-sub000/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// --------- 基本读写 ---------

func TestSQLiteStore_PutGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleCheckpoint("trace-1")))

	cp, err := store.Get(ctx, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, chain.StageAnalyze, cp.Stage)
	assert.Equal(t, "greet", cp.State.Analysis.Intent)
	assert.Len(t, cp.State.Conversation, 1)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, chain.ErrCheckpointNotFound)
}

func TestSQLiteStore_PutReplaces(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("trace-1")
	require.NoError(t, store.Put(ctx, cp))

	cp.Stage = chain.StageSynthesize
	cp.State.FinalResponse = "Hello there."
	require.NoError(t, store.Put(ctx, cp))

	loaded, err := store.Get(ctx, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, chain.StageSynthesize, loaded.Stage)
	assert.Equal(t, "Hello there.", loaded.State.FinalResponse)
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleCheckpoint("trace-1")))
	require.NoError(t, store.Delete(ctx, "trace-1"))

	_, err := store.Get(ctx, "trace-1")
	assert.ErrorIs(t, err, chain.ErrCheckpointNotFound)

	// 删除不存在的条目不报错
	assert.NoError(t, store.Delete(ctx, "missing"))
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, sampleCheckpoint("trace-durable")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	cp, err := reopened.Get(ctx, "trace-durable")
	require.NoError(t, err)
	assert.Equal(t, "greet", cp.State.Analysis.Intent)
}

func TestSQLiteStore_RejectsEmptyTraceID(t *testing.T) {
	store := newTestSQLiteStore(t)
	assert.Error(t, store.Put(context.Background(), &chain.Checkpoint{}))
}
