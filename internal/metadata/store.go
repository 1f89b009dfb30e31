// Package metadata defines the indexed database contract that stores record
// fields, and its implementations over DynamoDB, SQLite, Firestore, Cosmos DB
// and memory.
//
// Items are field maps in the DynamoDB attribute-value shape. Every item
// carries the string attributes RecordID (the primary key) and RecordType
// (the key of the RecordType-index).
package metadata

import (
	"context"
	"errors"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/rfstore/internal/record"
)

// RecordTypeIndex is the secondary index queried by record type.
const RecordTypeIndex = "RecordType-index"

// ErrNotFound is returned when a database or table does not exist.
var ErrNotFound = errors.New("metadata: not found")

// Item is one stored record in attribute-value form.
type Item = map[string]types.AttributeValue

// QueryInput selects a page of items of one record type.
type QueryInput struct {
	RecordType string
	// Projection limits the returned attributes. Empty returns all.
	Projection []string
	// ExclusiveStartKey resumes after the item it names.
	ExclusiveStartKey Item
	// Limit caps the number of items evaluated. Zero means no cap.
	Limit int32
}

// QueryOutput is one page of a query. LastEvaluatedKey is nil on the last
// page.
type QueryOutput struct {
	Items            []Item
	LastEvaluatedKey Item
}

// IndexedDB is the database records are kept in. All methods must be safe
// for concurrent use.
type IndexedDB interface {
	// BatchGet returns the items with the given record IDs. Missing IDs are
	// absent from the result, which is in no particular order.
	BatchGet(ctx context.Context, ids []record.ID, projection []string) ([]Item, error)

	// BatchWrite stores puts and removes the items with the given IDs as one
	// logical call.
	BatchWrite(ctx context.Context, puts []Item, deletes []record.ID) error

	// Query pages through items of one record type on RecordTypeIndex in
	// ascending RecordID order.
	Query(ctx context.Context, in QueryInput) (*QueryOutput, error)

	// Scan visits every item in the table.
	Scan(ctx context.Context, fn func(Item) error) error

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// attrString returns the string attribute key of item, or "".
func attrString(item Item, key string) string {
	if s, ok := item[key].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// itemID returns the RecordID of item.
func itemID(item Item) string {
	return attrString(item, record.FieldRecordID)
}

// itemType returns the RecordType of item.
func itemType(item Item) string {
	return attrString(item, record.FieldRecordType)
}

// project returns a copy of item holding only the projected attributes.
func project(item Item, projection []string) Item {
	if len(projection) == 0 {
		return item
	}
	out := make(Item, len(projection))
	for _, k := range projection {
		if v, ok := item[k]; ok {
			out[k] = v
		}
	}
	return out
}

// lastKey builds the LastEvaluatedKey naming item on RecordTypeIndex.
func lastKey(item Item) Item {
	return Item{
		record.FieldRecordID:   &types.AttributeValueMemberS{Value: itemID(item)},
		record.FieldRecordType: &types.AttributeValueMemberS{Value: itemType(item)},
	}
}

// pageItems applies a query page to items of the queried type, which must be
// sorted by RecordID.
func pageItems(items []Item, in QueryInput) *QueryOutput {
	after := itemID(in.ExclusiveStartKey)
	out := &QueryOutput{}
	var last Item
	for _, item := range items {
		if after != "" && itemID(item) <= after {
			continue
		}
		if in.Limit > 0 && int32(len(out.Items)) == in.Limit {
			out.LastEvaluatedKey = lastKey(last)
			return out
		}
		out.Items = append(out.Items, project(item, in.Projection))
		last = item
	}
	return out
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return itemID(items[i]) < itemID(items[j]) })
}
