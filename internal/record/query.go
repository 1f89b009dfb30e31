package record

import (
	"reflect"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DefaultResultsLimit caps the number of records returned per page.
const DefaultResultsLimit = 1000

// Predicate filters records client-side.
type Predicate func(r *Record) bool

// All matches every record.
func All() Predicate {
	return func(*Record) bool { return true }
}

// Equal matches records whose field key equals want. Numbers compare by value
// regardless of their Go type.
func Equal(key string, want any) Predicate {
	return func(r *Record) bool {
		got := r.Get(key)
		if gf, ok := toFloat(got); ok {
			wf, ok := toFloat(want)
			return ok && gf == wf
		}
		return reflect.DeepEqual(got, want)
	}
}

// HasPrefix matches records whose string field key starts with prefix.
func HasPrefix(key, prefix string) Predicate {
	return func(r *Record) bool {
		s, ok := r.Get(key).(string)
		return ok && strings.HasPrefix(s, prefix)
	}
}

// Exists matches records carrying field key.
func Exists(key string) Predicate {
	return func(r *Record) bool { return r.Get(key) != nil }
}

// And matches records satisfying every predicate.
func And(ps ...Predicate) Predicate {
	return func(r *Record) bool {
		for _, p := range ps {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Or matches records satisfying at least one predicate.
func Or(ps ...Predicate) Predicate {
	return func(r *Record) bool {
		for _, p := range ps {
			if p(r) {
				return true
			}
		}
		return false
	}
}

// Not negates p.
func Not(p Predicate) Predicate {
	return func(r *Record) bool { return !p(r) }
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// Query selects records either from the indexed database (by record type and
// predicate) or from a blob store listing (by prefix). A Query is immutable;
// WithResultsLimit returns a modified copy.
type Query struct {
	recordType string
	predicate  Predicate

	prefix     string
	delimiter  string
	startAfter ID

	storage      bool
	resultsLimit int
}

// NewQuery returns a database query over records of recordType. A nil
// predicate matches everything.
func NewQuery(recordType string, predicate Predicate) *Query {
	if predicate == nil {
		predicate = All()
	}
	return &Query{
		recordType:   recordType,
		predicate:    predicate,
		resultsLimit: DefaultResultsLimit,
	}
}

// NewStorageQuery returns a listing query over blob keys.
func NewStorageQuery(prefix, delimiter string, startAfter ID) *Query {
	return &Query{
		recordType:   StorageRecordType,
		predicate:    All(),
		prefix:       prefix,
		delimiter:    delimiter,
		startAfter:   startAfter,
		storage:      true,
		resultsLimit: DefaultResultsLimit,
	}
}

// WithResultsLimit returns a copy of q with a different page size. Values
// below one select the default.
func (q *Query) WithResultsLimit(n int) *Query {
	c := *q
	if n < 1 {
		n = DefaultResultsLimit
	}
	c.resultsLimit = n
	return &c
}

// RecordType returns the record type the query selects.
func (q *Query) RecordType() string {
	return q.recordType
}

// Prefix returns the key prefix of a storage query.
func (q *Query) Prefix() string {
	return q.prefix
}

// Delimiter returns the grouping delimiter of a storage query.
func (q *Query) Delimiter() string {
	return q.delimiter
}

// StartAfter returns the record ID a storage listing starts after.
func (q *Query) StartAfter() ID {
	return q.startAfter
}

// ResultsLimit returns the maximum page size.
func (q *Query) ResultsLimit() int {
	return q.resultsLimit
}

// IsStorageQuery reports whether q lists the blob store.
func (q *Query) IsStorageQuery() bool {
	return q.storage
}

// Matches applies the query predicate.
func (q *Query) Matches(r *Record) bool {
	return q.predicate(r)
}

// Cursor resumes a query at the page after the one that produced it. It wraps
// either a blob listing continuation token or the last evaluated key of a
// database query, and always carries the query it was created from. A nil
// cursor marks the last page.
type Cursor struct {
	query             *Query
	continuationToken string
	lastEvaluatedKey  map[string]types.AttributeValue
}

// NewStorageCursor returns a cursor continuing a blob listing. It returns nil
// when token is empty.
func NewStorageCursor(q *Query, token string) *Cursor {
	if token == "" {
		return nil
	}
	return &Cursor{query: q, continuationToken: token}
}

// NewDatabaseCursor returns a cursor continuing a database query. It returns
// nil when key is empty.
func NewDatabaseCursor(q *Query, key map[string]types.AttributeValue) *Cursor {
	if len(key) == 0 {
		return nil
	}
	return &Cursor{query: q, lastEvaluatedKey: key}
}

// Query returns the query the cursor was created from.
func (c *Cursor) Query() *Query { return c.query }

// ContinuationToken returns the blob listing token, if any.
func (c *Cursor) ContinuationToken() string { return c.continuationToken }

// LastEvaluatedKey returns the database key to resume after, if any.
func (c *Cursor) LastEvaluatedKey() map[string]types.AttributeValue { return c.lastEvaluatedKey }
