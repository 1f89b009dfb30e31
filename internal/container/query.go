package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/metadata"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/storage"
	"github.com/bleepstore/rfstore/internal/task"
)

// ErrNoQuery is returned when neither a query nor a cursor is given.
var ErrNoQuery = errors.New("a query or a cursor is required")

// QueryHandlers receive the events of QueryRecords.
type QueryHandlers struct {
	RecordFetched func(r *record.Record)
	// Completion receives the page and the cursor of the next page, which is
	// nil on the last page.
	Completion func(records []*record.Record, cursor *record.Cursor, err error)
}

// QueryRecords fetches one page of q, or the page cursor points at when q
// is nil. Storage queries list the blob store; typed queries run on the
// indexed database's RecordType index and are filtered by the query
// predicate.
func (c *Container) QueryRecords(ctx context.Context, q *record.Query, cursor *record.Cursor, h QueryHandlers) *task.Task {
	return c.submit(ctx, task.New("QueryRecords", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			if h.Completion != nil {
				h.Completion(nil, nil, err)
			}
			return err
		}
		records, next, err := c.perform(ctx, svc, q, cursor)
		observe(ctx, "QueryRecords", start, err)
		if ctx.Err() != nil {
			records, next, err = nil, nil, nil
		}
		if h.RecordFetched != nil {
			for _, r := range records {
				h.RecordFetched(r)
			}
		}
		if h.Completion != nil {
			h.Completion(records, next, err)
		}
		return err
	}))
}

// Perform runs one page of a query and returns it with the cursor of the
// next page.
func (c *Container) Perform(ctx context.Context, q *record.Query, cursor *record.Cursor) ([]*record.Record, *record.Cursor, error) {
	svc, err := c.Services(ctx)
	if err != nil {
		return nil, nil, err
	}
	records, next, err := c.perform(ctx, svc, q, cursor)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	return records, next, err
}

func (c *Container) perform(ctx context.Context, svc *Services, q *record.Query, cursor *record.Cursor) ([]*record.Record, *record.Cursor, error) {
	if q == nil {
		if cursor == nil {
			return nil, nil, ErrNoQuery
		}
		q = cursor.Query()
	}
	if q.IsStorageQuery() {
		return c.performStorage(ctx, svc, q, cursor)
	}
	if !c.IsDatabaseOperation() {
		return nil, nil, fmt.Errorf("querying %s records: %w", q.RecordType(), ErrNoDatabase)
	}
	return c.performDatabase(ctx, svc, q, cursor)
}

// performStorage lists one page of keys. Listed objects become storage
// records; common prefixes become folder records after them.
func (c *Container) performStorage(ctx context.Context, svc *Services, q *record.Query, cursor *record.Cursor) ([]*record.Record, *record.Cursor, error) {
	if q == nil {
		q = cursor.Query()
	}
	in := storage.ListInput{
		Prefix:     q.Prefix(),
		Delimiter:  q.Delimiter(),
		StartAfter: string(q.StartAfter()),
		MaxKeys:    q.ResultsLimit(),
	}
	if cursor != nil {
		in.ContinuationToken = cursor.ContinuationToken()
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	out, err := svc.Blobs.List(reqCtx, in)
	if err != nil {
		return nil, nil, fmt.Errorf("listing %q: %w", in.Prefix, err)
	}

	records := make([]*record.Record, 0, len(out.Objects)+len(out.CommonPrefixes))
	for _, obj := range out.Objects {
		r := record.FromObject(obj.Key, obj.LastModified, obj.ETag)
		if q.Matches(r) {
			records = append(records, r)
		}
	}
	for _, p := range out.CommonPrefixes {
		records = append(records, record.NewStorageRecord(record.ID(p)))
	}
	return records, record.NewStorageCursor(q, out.NextContinuationToken), nil
}

func (c *Container) performDatabase(ctx context.Context, svc *Services, q *record.Query, cursor *record.Cursor) ([]*record.Record, *record.Cursor, error) {
	in := metadata.QueryInput{
		RecordType: q.RecordType(),
		Limit:      int32(q.ResultsLimit()),
	}
	if cursor != nil {
		in.ExclusiveStartKey = cursor.LastEvaluatedKey()
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	out, err := svc.Database.Query(reqCtx, in)
	if err != nil {
		return nil, nil, fmt.Errorf("querying %s records: %w", in.RecordType, err)
	}

	records := make([]*record.Record, 0, len(out.Items))
	for _, item := range out.Items {
		r, err := codec.DecodeRecord(item)
		if err != nil {
			c.log.Warn("Skipping undecodable item", "op", "QueryRecords", "error", err)
			continue
		}
		if q.Matches(r) {
			records = append(records, r)
		}
	}
	return records, record.NewDatabaseCursor(q, out.LastEvaluatedKey), nil
}

// cursorToken is the serialized form of a cursor handed to HTTP clients.
type cursorToken struct {
	RecordType        string          `json:"type,omitempty"`
	Prefix            string          `json:"prefix,omitempty"`
	Delimiter         string          `json:"delimiter,omitempty"`
	StartAfter        string          `json:"start_after,omitempty"`
	Limit             int             `json:"limit"`
	Storage           bool            `json:"storage,omitempty"`
	ContinuationToken string          `json:"token,omitempty"`
	LastEvaluatedKey  json.RawMessage `json:"key,omitempty"`
}

// EncodeCursor returns an opaque URL-safe token for cursor. The query
// predicate is not part of the token.
func EncodeCursor(cursor *record.Cursor) (string, error) {
	if cursor == nil {
		return "", nil
	}
	q := cursor.Query()
	tok := cursorToken{
		RecordType:        q.RecordType(),
		Prefix:            q.Prefix(),
		Delimiter:         q.Delimiter(),
		StartAfter:        string(q.StartAfter()),
		Limit:             q.ResultsLimit(),
		Storage:           q.IsStorageQuery(),
		ContinuationToken: cursor.ContinuationToken(),
	}
	if key := cursor.LastEvaluatedKey(); len(key) > 0 {
		raw, err := codec.MarshalItemJSON(key)
		if err != nil {
			return "", fmt.Errorf("encoding cursor key: %w", err)
		}
		tok.LastEvaluatedKey = raw
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a token made by EncodeCursor. predicate filters the
// resumed database query; nil matches every record.
func DecodeCursor(token string, predicate record.Predicate) (*record.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decoding cursor: %w", err)
	}
	var tok cursorToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding cursor: %w", err)
	}

	if tok.Storage {
		q := record.NewStorageQuery(tok.Prefix, tok.Delimiter, record.ID(tok.StartAfter)).WithResultsLimit(tok.Limit)
		if tok.ContinuationToken == "" {
			return nil, errors.New("decoding cursor: missing continuation token")
		}
		return record.NewStorageCursor(q, tok.ContinuationToken), nil
	}

	if predicate == nil {
		predicate = record.All()
	}
	q := record.NewQuery(tok.RecordType, predicate).WithResultsLimit(tok.Limit)
	if len(tok.LastEvaluatedKey) == 0 {
		return nil, errors.New("decoding cursor: missing last evaluated key")
	}
	key, err := codec.UnmarshalItemJSON(tok.LastEvaluatedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding cursor key: %w", err)
	}
	return record.NewDatabaseCursor(q, key), nil
}
