package container

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/metadata"
	"github.com/bleepstore/rfstore/internal/record"
)

func (e *testEnv) putRecords(t *testing.T, records ...*record.Record) {
	t.Helper()
	puts := make([]metadata.Item, len(records))
	for i, r := range records {
		puts[i] = codec.EncodeItem(r.DatabaseFields(nil))
	}
	require.NoError(t, e.db.BatchWrite(context.Background(), puts, nil))
}

func TestPerformStoragePages(t *testing.T) {
	env := newTestEnv(t, "")
	for i := range 7 {
		env.putBlob(t, fmt.Sprintf("k%d", i), "x")
	}

	q := record.NewStorageQuery("", "", "").WithResultsLimit(3)
	var (
		ids    []record.ID
		cursor *record.Cursor
		pages  int
	)
	for {
		var page []*record.Record
		var err error
		if cursor == nil {
			page, cursor, err = env.c.Perform(context.Background(), q, nil)
		} else {
			page, cursor, err = env.c.Perform(context.Background(), nil, cursor)
		}
		require.NoError(t, err)
		pages++
		for _, r := range page {
			assert.Equal(t, record.StorageRecordType, r.Type)
			ids = append(ids, r.ID)
		}
		if cursor == nil {
			break
		}
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []record.ID{"k0", "k1", "k2", "k3", "k4", "k5", "k6"}, ids)
}

func TestPerformStorageCommonPrefixes(t *testing.T) {
	env := newTestEnv(t, "")
	env.putBlob(t, "docs/", "")
	env.putBlob(t, "docs/a.txt", "a")
	env.putBlob(t, "top.txt", "t")

	page, cursor, err := env.c.Perform(context.Background(), record.NewStorageQuery("", "/", ""), nil)
	require.NoError(t, err)
	assert.Nil(t, cursor)
	require.Len(t, page, 2)
	assert.Equal(t, record.ID("top.txt"), page[0].ID)
	assert.Equal(t, record.ID("docs/"), page[1].ID)
	assert.True(t, page[1].ID.IsFolder())
}

func TestPerformDatabasePages(t *testing.T) {
	env := newTestEnv(t, "records")
	var seeded []*record.Record
	for i := range 5 {
		r := record.New("Note", record.ID(fmt.Sprintf("note-%d", i)))
		r.Set("pinned", i%2 == 0)
		seeded = append(seeded, r)
	}
	other := record.New("Task", "task-1")
	env.putRecords(t, append(seeded, other)...)

	q := record.NewQuery("Note", record.Equal("pinned", true)).WithResultsLimit(2)
	var ids []record.ID
	page, cursor, err := env.c.Perform(context.Background(), q, nil)
	for {
		require.NoError(t, err)
		for _, r := range page {
			assert.Equal(t, "Note", r.Type)
			ids = append(ids, r.ID)
		}
		if cursor == nil {
			break
		}
		page, cursor, err = env.c.Perform(context.Background(), nil, cursor)
	}
	assert.Equal(t, []record.ID{"note-0", "note-2", "note-4"}, ids)
}

func TestPerformTypedQueryWithoutDatabase(t *testing.T) {
	env := newTestEnv(t, "")
	_, _, err := env.c.Perform(context.Background(), record.NewQuery("Note", nil), nil)
	assert.ErrorIs(t, err, ErrNoDatabase)

	_, _, err = env.c.Perform(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoQuery)
}

func TestQueryRecordsHandlers(t *testing.T) {
	env := newTestEnv(t, "")
	env.putBlob(t, "a", "1")
	env.putBlob(t, "b", "2")

	var fetched []record.ID
	var completed []*record.Record
	waitTask(t, env.c.QueryRecords(context.Background(), record.NewStorageQuery("", "", ""), nil, QueryHandlers{
		RecordFetched: func(r *record.Record) { fetched = append(fetched, r.ID) },
		Completion: func(records []*record.Record, cursor *record.Cursor, err error) {
			require.NoError(t, err)
			assert.Nil(t, cursor)
			completed = records
		},
	}))
	assert.Equal(t, []record.ID{"a", "b"}, fetched)
	assert.Len(t, completed, 2)
}

func TestCursorTokens(t *testing.T) {
	t.Run("storage", func(t *testing.T) {
		q := record.NewStorageQuery("docs/", "/", "docs/a").WithResultsLimit(10)
		token, err := EncodeCursor(record.NewStorageCursor(q, "docs/m"))
		require.NoError(t, err)

		got, err := DecodeCursor(token, nil)
		require.NoError(t, err)
		assert.Equal(t, "docs/m", got.ContinuationToken())
		assert.Equal(t, "docs/", got.Query().Prefix())
		assert.Equal(t, "/", got.Query().Delimiter())
		assert.Equal(t, record.ID("docs/a"), got.Query().StartAfter())
		assert.Equal(t, 10, got.Query().ResultsLimit())
		assert.True(t, got.Query().IsStorageQuery())
	})

	t.Run("database", func(t *testing.T) {
		q := record.NewQuery("Note", nil).WithResultsLimit(5)
		key := codec.EncodeItem(map[string]any{record.FieldRecordID: "note-3", record.FieldRecordType: "Note"})
		token, err := EncodeCursor(record.NewDatabaseCursor(q, key))
		require.NoError(t, err)

		got, err := DecodeCursor(token, record.Equal("pinned", true))
		require.NoError(t, err)
		assert.Equal(t, "Note", got.Query().RecordType())
		assert.Equal(t, key, got.LastEvaluatedKey())
		assert.False(t, got.Query().IsStorageQuery())
	})

	t.Run("empty", func(t *testing.T) {
		token, err := EncodeCursor(nil)
		require.NoError(t, err)
		assert.Empty(t, token)
		got, err := DecodeCursor("", nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeCursor("not a token!", nil)
		assert.Error(t, err)
	})
}
