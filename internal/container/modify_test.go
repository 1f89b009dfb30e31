package container

import (
	"context"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/rfstore/internal/codec"
	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/record"
)

func TestSaveReferencesAssets(t *testing.T) {
	env := newTestEnv(t, "records")
	env.writeFile(t, "/src/photo.jpg", []byte("jpeg"))

	r := record.New("Note", "n1")
	r.Set("title", "hello")
	r.Set("photo", record.NewAsset("ignored", "/src/photo.jpg"))

	saved, err := env.c.Save(context.Background(), r)
	require.NoError(t, err)
	assert.Same(t, r, saved)
	assert.Empty(t, r.ChangedKeys())

	data, _ := readBlob(t, env, "Note.n1.photo")
	assert.Equal(t, "jpeg", data)

	items, err := env.db.BatchGet(context.Background(), []record.ID{"n1"}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	stored := codec.DecodeItem(items[0])
	assert.Equal(t, record.NewAssetReference("Note", "n1", "photo"), stored["photo"])
	assert.Equal(t, "hello", stored["title"])

	fetched, err := env.c.Fetch(context.Background(), "n1")
	require.NoError(t, err)
	a, ok := fetched.Get("photo").(*record.Asset)
	require.True(t, ok)
	got, err := afero.ReadFile(env.fs, a.Path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(got))
}

func TestModifyRecordsExcludeAssets(t *testing.T) {
	env := newTestEnv(t, "records")
	env.writeFile(t, "/src/photo.jpg", []byte("jpeg"))
	r := record.New("Note", "n1")
	r.Set("photo", record.NewAsset("", "/src/photo.jpg"))

	var saved []*record.Record
	waitTask(t, env.c.ModifyRecords(context.Background(), []*record.Record{r}, nil, ExcludeAssets, ModifyRecordsHandlers{
		Completion: func(s []*record.Record, _ []record.ID, err error) {
			require.NoError(t, err)
			saved = s
		},
	}))
	assert.Len(t, saved, 1)
	assert.Empty(t, env.mem.Keys())

	items, err := env.db.BatchGet(context.Background(), []record.ID{"n1"}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotContains(t, items[0], "photo")
}

func TestModifyRecordsUploadsOnlyChangedAssets(t *testing.T) {
	env := newTestEnv(t, "records")
	env.writeFile(t, "/src/a", []byte("a"))
	env.writeFile(t, "/src/b", []byte("b"))

	r := record.New("Note", "n1")
	r.Set("first", record.NewAsset("", "/src/a"))
	r.Set("second", record.NewAsset("", "/src/b"))
	_, err := env.c.Save(context.Background(), r)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(env.fs, "/src/b", []byte("b2"), 0o644))
	r.Set("second", record.NewAsset("", "/src/b"))
	env.blobs.failPut["Note.n1.first"] = true
	_, err = env.c.Save(context.Background(), r)
	require.NoError(t, err, "unchanged assets are not uploaded again")

	data, _ := readBlob(t, env, "Note.n1.second")
	assert.Equal(t, "b2", data)
}

func TestModifyRecordsDatabaseFailure(t *testing.T) {
	env := newTestEnv(t, "records")
	env.writeFile(t, "/src/a", []byte("a"))
	env.blobs.failPut["Note.n1.photo"] = true

	ok := record.New("Note", "n0")
	ok.Set("title", "fine")
	bad := record.New("Note", "n1")
	bad.Set("photo", record.NewAsset("", "/src/a"))

	var (
		mu        sync.Mutex
		perRecord = make(map[record.ID]error)
		saved     []*record.Record
		deleted   []record.ID
		final     error
	)
	waitTask(t, env.c.ModifyRecords(context.Background(), []*record.Record{ok, bad}, []record.ID{"gone"}, ReferenceAssets, ModifyRecordsHandlers{
		PerRecord: func(r *record.Record, err error) {
			mu.Lock()
			perRecord[r.ID] = err
			mu.Unlock()
		},
		Completion: func(s []*record.Record, d []record.ID, err error) {
			saved, deleted, final = s, d, err
		},
	}))

	require.Len(t, saved, 1)
	assert.Equal(t, record.ID("n0"), saved[0].ID)
	assert.Equal(t, []record.ID{"gone"}, deleted)
	assert.NoError(t, perRecord["n0"])
	assert.ErrorIs(t, perRecord["n1"], errInjected)
	assert.NotEmpty(t, bad.ChangedKeys(), "failed records keep their changes")

	pf, isPartial := rferrors.AsPartialFailure(final)
	require.True(t, isPartial)
	assert.Equal(t, []string{KeySavedRecords}, pf.ItemIDs())
}

func TestModifyRecordsSaveAndDeleteSameRecord(t *testing.T) {
	env := newTestEnv(t, "records")
	env.putRecords(t, record.New("Note", "n1"))

	keep := record.New("Note", "n0")
	conflict := record.New("Note", "n1")
	conflict.Set("title", "changed")

	var (
		saved   []*record.Record
		deleted []record.ID
		final   error
	)
	waitTask(t, env.c.ModifyRecords(context.Background(), []*record.Record{keep, conflict}, []record.ID{"n1"}, ReferenceAssets, ModifyRecordsHandlers{
		Completion: func(s []*record.Record, d []record.ID, err error) {
			saved, deleted, final = s, d, err
		},
	}))

	require.Len(t, saved, 1)
	assert.Equal(t, record.ID("n0"), saved[0].ID)
	assert.Equal(t, []record.ID{"n1"}, deleted)

	pf, ok := rferrors.AsPartialFailure(final)
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, pf.ItemIDs())
	assert.ErrorIs(t, pf.Get("n1"), ErrSavedAndDeleted)

	items, err := env.db.BatchGet(context.Background(), []record.ID{"n0", "n1"}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	stored, err := codec.DecodeRecord(items[0])
	require.NoError(t, err)
	assert.Equal(t, record.ID("n0"), stored.ID)
}

func TestSaveRejectsUnreferenceableAssetField(t *testing.T) {
	env := newTestEnv(t, "records")
	env.writeFile(t, "/src/photo.jpg", []byte("jpeg"))

	r := record.New("Note", "note.1")
	r.Set("photo", record.NewAsset("", "/src/photo.jpg"))

	var (
		saved *record.Record
		err   error
	)
	require.NotPanics(t, func() { saved, err = env.c.Save(context.Background(), r) })
	assert.Nil(t, saved)
	assert.ErrorContains(t, err, "record ID")
	assert.Empty(t, env.mem.Keys())
	assert.Zero(t, env.db.Len())
}

func TestModifyRecordsInStorage(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeFile(t, "/src/a.txt", []byte("new"))
	env.putBlob(t, "old.txt", "old")
	env.putBlob(t, "trash/", "")
	env.putBlob(t, "trash/x", "x")

	r := record.NewStorageRecord("docs/a.txt")
	r.SetAsset(record.NewAsset("whatever", "/src/a.txt"))
	folder := record.NewStorageRecord("empty/")
	missing := record.NewStorageRecord("no-asset.txt")

	var (
		saved   []*record.Record
		deleted []record.ID
		final   error
	)
	waitTask(t, env.c.ModifyRecords(context.Background(), []*record.Record{r, missing, folder}, []record.ID{"old.txt", "trash/"}, ExcludeAssets, ModifyRecordsHandlers{
		Completion: func(s []*record.Record, d []record.ID, err error) {
			saved, deleted, final = s, d, err
		},
	}))

	require.Len(t, saved, 2)
	assert.Equal(t, record.ID("docs/a.txt"), saved[0].ID)
	assert.Equal(t, record.ID("empty/"), saved[1].ID)
	assert.NotEmpty(t, saved[0].EntityTag)
	assert.ElementsMatch(t, []record.ID{"old.txt", "trash/"}, deleted)
	assert.Equal(t, []string{"docs/a.txt", "empty/"}, env.mem.Keys())

	pf, ok := rferrors.AsPartialFailure(final)
	require.True(t, ok)
	assert.Equal(t, []string{"no-asset.txt"}, pf.ItemIDs())
	assert.ErrorIs(t, pf.Get("no-asset.txt"), ErrNoAsset)
}

func TestDeleteRecord(t *testing.T) {
	t.Run("database", func(t *testing.T) {
		env := newTestEnv(t, "records")
		env.putRecords(t, record.New("Note", "n1"))
		require.NoError(t, env.c.Delete(context.Background(), "n1"))
		assert.Zero(t, env.db.Len())
	})

	t.Run("storage folder", func(t *testing.T) {
		env := newTestEnv(t, "")
		seedFolder(t, env)
		require.NoError(t, env.c.Delete(context.Background(), "f/"))
		assert.Equal(t, []string{"g"}, env.mem.Keys())
	})
}

func TestAssetStrategyString(t *testing.T) {
	assert.Equal(t, "reference", ReferenceAssets.String())
	assert.Equal(t, "exclude", ExcludeAssets.String())
}
