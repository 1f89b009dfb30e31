package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/record"
)

func seedFolder(t *testing.T, env *testEnv) {
	t.Helper()
	for _, key := range []string{"f/", "f/a", "f/b", "f/sub/", "f/sub/c", "g"} {
		env.putBlob(t, key, "")
	}
}

func TestOrderForDeletion(t *testing.T) {
	got := orderForDeletion([]record.AssetID{"x/", "a", "y/", "b", "c"})
	assert.Equal(t, []record.AssetID{"a", "b", "c", "x/", "y/"}, got)
}

func TestDeleteFolderSinglePage(t *testing.T) {
	env := newTestEnv(t, "")
	seedFolder(t, env)

	var deleted record.AssetID
	var final error
	waitTask(t, env.c.DeleteFolder(context.Background(), "f/", DeleteFolderHandlers{
		Completion: func(id record.AssetID, err error) { deleted, final = id, err },
	}))
	require.NoError(t, final)
	assert.Equal(t, record.AssetID("f/"), deleted)
	assert.Equal(t, []string{"g"}, env.mem.Keys())

	calls := env.blobs.deleteCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"f/a", "f/b", "f/sub/c", "f/sub/", "f/"}, calls[0])

	fresh := 0
	for _, in := range env.blobs.lists {
		if in.ContinuationToken == "" {
			fresh++
		}
		assert.Equal(t, "f/", in.Prefix)
		assert.Empty(t, in.Delimiter)
	}
	assert.Equal(t, 1, fresh)
}

func TestDeleteFolderAcrossPages(t *testing.T) {
	env := newTestEnv(t, "", func(o *Options) { o.ResultsPageSize = 2 })
	seedFolder(t, env)

	id, err := env.c.deleteFolder(context.Background(), env.svc(t), "f/")
	require.NoError(t, err)
	assert.Equal(t, record.AssetID("f/"), id)
	assert.Equal(t, []string{"g"}, env.mem.Keys())

	calls := env.blobs.deleteCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, []string{"f/"}, calls[len(calls)-1], "marker is deleted last")
	for _, call := range calls[:len(calls)-1] {
		assert.NotContains(t, call, "f/")
	}
	assert.Contains(t, calls, []string{"f/sub/c", "f/sub/"})
}

func TestDeleteAssetsSpawnsFolderDeletes(t *testing.T) {
	env := newTestEnv(t, "")
	seedFolder(t, env)

	var deleted []record.AssetID
	waitTask(t, env.c.DeleteAssets(context.Background(), []record.AssetID{"f/", "g"}, false, DeleteAssetsHandlers{
		Completion: func(ids []record.AssetID, err error) {
			require.NoError(t, err)
			deleted = ids
		},
	}))
	assert.ElementsMatch(t, []record.AssetID{"g", "f/"}, deleted)
	assert.Empty(t, env.mem.Keys())

	calls := env.blobs.deleteCalls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"g"}, calls[0], "plain assets go first")
}

func TestDeleteAssetsImmediately(t *testing.T) {
	env := newTestEnv(t, "")
	seedFolder(t, env)

	deleted, err := env.c.deleteAssets(context.Background(), env.svc(t), []record.AssetID{"f/", "g"}, true)
	require.NoError(t, err)
	assert.Equal(t, []record.AssetID{"g", "f/"}, deleted)
	assert.Equal(t, []string{"f/a", "f/b", "f/sub/", "f/sub/c"}, env.mem.Keys())
	assert.Empty(t, env.blobs.lists)
}

type failingDeleteStore struct {
	*recordingStore
}

func (s failingDeleteStore) DeleteMany(ctx context.Context, keys []string) ([]string, error) {
	return nil, errInjected
}

func TestDeleteAssetsReportsFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.putBlob(t, "a", "data")
	svc := &Services{Blobs: failingDeleteStore{env.blobs}}

	deleted, err := env.c.deleteAssets(context.Background(), svc, []record.AssetID{"a"}, false)
	assert.Empty(t, deleted)
	pf, ok := rferrors.AsPartialFailure(err)
	require.True(t, ok)
	assert.ErrorIs(t, pf.Get("DeleteAssetsDirectly"), errInjected)
	assert.Equal(t, []string{"a"}, env.mem.Keys())
}
