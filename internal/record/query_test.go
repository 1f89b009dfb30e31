package record

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
)

func TestPredicates(t *testing.T) {
	r := New("Song", "s1")
	r.Set("artist", "Nina Simone")
	r.Set("year", int64(1965))

	assert.True(t, All()(r))
	assert.True(t, Equal("year", 1965)(r))
	assert.True(t, Equal("year", 1965.0)(r))
	assert.False(t, Equal("year", "1965")(r))
	assert.True(t, HasPrefix("artist", "Nina")(r))
	assert.True(t, Exists("artist")(r))
	assert.False(t, Exists("album")(r))
	assert.True(t, And(Equal("artist", "Nina Simone"), Not(Exists("album")))(r))
	assert.True(t, Or(Equal("year", 1), Equal("year", 1965))(r))
	assert.False(t, Or()(r))
}

func TestQueryModes(t *testing.T) {
	q := NewQuery("Song", nil)
	assert.False(t, q.IsStorageQuery())
	assert.Equal(t, "Song", q.RecordType())
	assert.Equal(t, DefaultResultsLimit, q.ResultsLimit())
	assert.True(t, q.Matches(New("Song", "x")))

	s := NewStorageQuery("photos/", "/", "photos/a.jpg")
	assert.True(t, s.IsStorageQuery())
	assert.Equal(t, StorageRecordType, s.RecordType())
	assert.Equal(t, "photos/", s.Prefix())
	assert.Equal(t, "/", s.Delimiter())
	assert.Equal(t, ID("photos/a.jpg"), s.StartAfter())

	limited := s.WithResultsLimit(10)
	assert.Equal(t, 10, limited.ResultsLimit())
	assert.Equal(t, DefaultResultsLimit, s.ResultsLimit())
	assert.Equal(t, DefaultResultsLimit, s.WithResultsLimit(0).ResultsLimit())
}

func TestCursors(t *testing.T) {
	q := NewStorageQuery("", "", "")
	assert.Nil(t, NewStorageCursor(q, ""))
	c := NewStorageCursor(q, "token-1")
	assert.Same(t, q, c.Query())
	assert.Equal(t, "token-1", c.ContinuationToken())

	dq := NewQuery("Song", nil)
	assert.Nil(t, NewDatabaseCursor(dq, nil))
	key := map[string]types.AttributeValue{FieldRecordID: &types.AttributeValueMemberS{Value: "s9"}}
	dc := NewDatabaseCursor(dq, key)
	assert.Same(t, dq, dc.Query())
	assert.Equal(t, key, dc.LastEvaluatedKey())
}
