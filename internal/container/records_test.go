package container

import (
	"context"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/record"
)

// seedNotes stores two notes whose assets overlap: n2's cover is n1's photo.
func seedNotes(t *testing.T, env *testEnv) {
	t.Helper()
	photo := record.NewAssetReference("Note", "n1", "photo")
	scan := record.NewAssetReference("Note", "n2", "scan")

	n1 := record.New("Note", "n1")
	n1.Set("title", "first")
	n1.Set("photo", photo)
	n2 := record.New("Note", "n2")
	n2.Set("title", "second")
	n2.Set("cover", photo)
	n2.Set("scan", scan)
	plain := record.New("Note", "n3")
	plain.Set("title", "no assets")
	env.putRecords(t, n1, n2, plain)

	env.putBlob(t, string(photo.AssetID()), "photo bytes")
	env.putBlob(t, string(scan.AssetID()), "scan bytes")
}

func TestFetchRecordsResolvesReferences(t *testing.T) {
	env := newTestEnv(t, "records")
	seedNotes(t, env)

	var (
		mu        sync.Mutex
		perRecord = make(map[record.ID]int)
		progress  = make(map[record.ID][]float64)
		contents  = make(map[string]string)
		final     map[record.ID]*record.Record
		finalErr  error
	)
	ids := []record.ID{"n1", "n2", "n3", "missing", "n1"}
	waitTask(t, env.c.FetchRecords(context.Background(), ids, nil, FetchRecordsHandlers{
		Progress: func(id record.ID, f float64) {
			mu.Lock()
			progress[id] = append(progress[id], f)
			mu.Unlock()
		},
		PerRecord: func(id record.ID, _ *record.Record, _ error) {
			mu.Lock()
			perRecord[id]++
			mu.Unlock()
		},
		Completion: func(records map[record.ID]*record.Record, err error) {
			final, finalErr = records, err
			for id, r := range records {
				for key, a := range r.Assets() {
					data, err := afero.ReadFile(env.fs, a.Path)
					require.NoError(t, err)
					contents[string(id)+"."+key] = string(data)
				}
			}
		},
	}))

	assert.Equal(t, map[record.ID]int{"n1": 1, "n2": 1, "n3": 1, "missing": 1}, perRecord)
	for _, id := range []record.ID{"n1", "n2", "n3"} {
		got := progress[id]
		require.NotEmpty(t, got, id)
		assert.IsNonDecreasing(t, got, id)
		assert.Equal(t, 1.0, got[len(got)-1], id)
	}
	assert.Empty(t, progress["missing"])

	require.Len(t, final, 3)
	assert.Equal(t, map[string]string{
		"n1.photo": "photo bytes",
		"n2.cover": "photo bytes",
		"n2.scan":  "scan bytes",
	}, contents)
	assert.Equal(t, "second", final["n2"].Get("title"))
	assert.Empty(t, final["n2"].ChangedKeys())

	pf, ok := rferrors.AsPartialFailure(finalErr)
	require.True(t, ok)
	assert.Equal(t, []string{"missing"}, pf.ItemIDs())
	assert.ErrorIs(t, pf.Get("missing"), ErrRecordNotFound)

	for _, r := range final {
		for _, a := range r.Assets() {
			_, err := env.fs.Stat(a.Path)
			assert.Error(t, err, "asset files are removed after completion")
		}
	}
}

func TestFetchRecordsMissingAsset(t *testing.T) {
	env := newTestEnv(t, "records")
	r := record.New("Note", "n1")
	r.Set("photo", record.NewAssetReference("Note", "n1", "photo"))
	env.putRecords(t, r)

	got, err := env.c.Fetch(context.Background(), "n1")
	require.NotNil(t, got)
	pf, ok := rferrors.AsPartialFailure(err)
	require.True(t, ok, "the record's own failure lists the asset")
	assert.Equal(t, []string{"Note.n1.photo"}, pf.ItemIDs())
	_, isRef := got.Get("photo").(record.AssetReference)
	assert.True(t, isRef, "unresolved reference stays in place")
}

func TestFetchRecordProjection(t *testing.T) {
	env := newTestEnv(t, "records")
	seedNotes(t, env)

	records, err := env.c.fetchRecords(context.Background(), env.svc(t), []record.ID{"n2"}, []string{"title"}, nil, nil)
	require.NoError(t, err)
	r := records["n2"]
	require.NotNil(t, r)
	assert.Equal(t, []string{record.FieldRecordID, record.FieldRecordType, "title"}, r.Keys())
	assert.Equal(t, []string{record.FieldRecordType, record.FieldRecordID, "title"}, projection([]string{"title", record.FieldRecordID}))
	assert.Nil(t, projection(nil))
}

func TestFetchNotFound(t *testing.T) {
	env := newTestEnv(t, "records")
	r, err := env.c.Fetch(context.Background(), "nope")
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFetchRecordsFromStorage(t *testing.T) {
	env := newTestEnv(t, "")
	env.putBlob(t, "docs/a.txt", "alpha")

	r, err := env.c.Fetch(context.Background(), "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, record.StorageRecordType, r.Type)
	require.NotNil(t, r.Asset())
	data, err := afero.ReadFile(env.fs, r.Asset().Path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}
