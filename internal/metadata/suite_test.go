package metadata

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/rfstore/internal/record"
)

func testItem(recordType, id string, extra map[string]types.AttributeValue) Item {
	item := Item{
		record.FieldRecordID:   &types.AttributeValueMemberS{Value: id},
		record.FieldRecordType: &types.AttributeValueMemberS{Value: recordType},
	}
	for k, v := range extra {
		item[k] = v
	}
	return item
}

func idsOf(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, itemID(item))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// runIndexedDBSuite exercises the behavior every IndexedDB must share.
func runIndexedDBSuite(t *testing.T, newDB func(t *testing.T) IndexedDB) {
	ctx := context.Background()

	t.Run("BatchWriteAndGet", func(t *testing.T) {
		db := newDB(t)
		puts := []Item{
			testItem("Note", "a", map[string]types.AttributeValue{"Title": &types.AttributeValueMemberS{Value: "first"}}),
			testItem("Note", "b", map[string]types.AttributeValue{"Count": &types.AttributeValueMemberN{Value: "3"}}),
		}
		if err := db.BatchWrite(ctx, puts, nil); err != nil {
			t.Fatalf("BatchWrite: %v", err)
		}

		got, err := db.BatchGet(ctx, []record.ID{"a", "b", "missing"}, nil)
		if err != nil {
			t.Fatalf("BatchGet: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("BatchGet returned %d items, want 2", len(got))
		}
		sortItems(got)
		if title := attrString(got[0], "Title"); title != "first" {
			t.Errorf("Title = %q, want %q", title, "first")
		}
		n, ok := got[1]["Count"].(*types.AttributeValueMemberN)
		if !ok || n.Value != "3" {
			t.Errorf("Count = %#v, want N 3", got[1]["Count"])
		}
	})

	t.Run("BatchGetProjection", func(t *testing.T) {
		db := newDB(t)
		item := testItem("Note", "p", map[string]types.AttributeValue{
			"Title": &types.AttributeValueMemberS{Value: "x"},
			"Body":  &types.AttributeValueMemberS{Value: "y"},
		})
		if err := db.BatchWrite(ctx, []Item{item}, nil); err != nil {
			t.Fatalf("BatchWrite: %v", err)
		}
		got, err := db.BatchGet(ctx, []record.ID{"p"}, []string{record.FieldRecordID, "Title"})
		if err != nil {
			t.Fatalf("BatchGet: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d items, want 1", len(got))
		}
		if _, ok := got[0]["Body"]; ok {
			t.Error("projection should drop Body")
		}
		if attrString(got[0], "Title") != "x" {
			t.Error("projection should keep Title")
		}
	})

	t.Run("BatchWriteDeletes", func(t *testing.T) {
		db := newDB(t)
		if err := db.BatchWrite(ctx, []Item{testItem("Note", "a", nil), testItem("Note", "b", nil)}, nil); err != nil {
			t.Fatalf("BatchWrite: %v", err)
		}
		// Puts and deletes in the same call.
		if err := db.BatchWrite(ctx, []Item{testItem("Note", "c", nil)}, []record.ID{"a", "nope"}); err != nil {
			t.Fatalf("BatchWrite: %v", err)
		}
		got, err := db.BatchGet(ctx, []record.ID{"a", "b", "c"}, nil)
		if err != nil {
			t.Fatalf("BatchGet: %v", err)
		}
		ids := idsOf(got)
		sortStrings(ids)
		if !equalStrings(ids, []string{"b", "c"}) {
			t.Errorf("ids = %v, want [b c]", ids)
		}
	})

	t.Run("BatchWriteOverwrites", func(t *testing.T) {
		db := newDB(t)
		first := testItem("Note", "a", map[string]types.AttributeValue{"V": &types.AttributeValueMemberS{Value: "1"}})
		second := testItem("Note", "a", map[string]types.AttributeValue{"V": &types.AttributeValueMemberS{Value: "2"}})
		if err := db.BatchWrite(ctx, []Item{first}, nil); err != nil {
			t.Fatal(err)
		}
		if err := db.BatchWrite(ctx, []Item{second}, nil); err != nil {
			t.Fatal(err)
		}
		got, err := db.BatchGet(ctx, []record.ID{"a"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || attrString(got[0], "V") != "2" {
			t.Errorf("got %v, want V=2", got)
		}
	})

	t.Run("QueryPaginates", func(t *testing.T) {
		db := newDB(t)
		var puts []Item
		for i := 0; i < 7; i++ {
			puts = append(puts, testItem("Note", fmt.Sprintf("n%02d", i), nil))
		}
		puts = append(puts, testItem("Other", "n99", nil))
		if err := db.BatchWrite(ctx, puts, nil); err != nil {
			t.Fatalf("BatchWrite: %v", err)
		}

		var all []string
		var start Item
		pages := 0
		for {
			out, err := db.Query(ctx, QueryInput{RecordType: "Note", ExclusiveStartKey: start, Limit: 3})
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			pages++
			all = append(all, idsOf(out.Items)...)
			if out.LastEvaluatedKey == nil {
				break
			}
			start = out.LastEvaluatedKey
			if pages > 10 {
				t.Fatal("query did not terminate")
			}
		}
		want := []string{"n00", "n01", "n02", "n03", "n04", "n05", "n06"}
		if !equalStrings(all, want) {
			t.Errorf("ids = %v, want %v", all, want)
		}
		if pages != 3 {
			t.Errorf("pages = %d, want 3", pages)
		}
	})

	t.Run("QueryExactPageHasNoNextKey", func(t *testing.T) {
		db := newDB(t)
		if err := db.BatchWrite(ctx, []Item{testItem("Note", "a", nil), testItem("Note", "b", nil)}, nil); err != nil {
			t.Fatal(err)
		}
		out, err := db.Query(ctx, QueryInput{RecordType: "Note", Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(out.Items) != 2 || out.LastEvaluatedKey != nil {
			t.Errorf("items=%d lastKey=%v, want 2 and nil", len(out.Items), out.LastEvaluatedKey)
		}
	})

	t.Run("ScanVisitsAll", func(t *testing.T) {
		db := newDB(t)
		if err := db.BatchWrite(ctx, []Item{testItem("A", "1", nil), testItem("B", "2", nil)}, nil); err != nil {
			t.Fatal(err)
		}
		var seen []string
		if err := db.Scan(ctx, func(item Item) error {
			seen = append(seen, itemID(item))
			return nil
		}); err != nil {
			t.Fatalf("Scan: %v", err)
		}
		sortStrings(seen)
		if !equalStrings(seen, []string{"1", "2"}) {
			t.Errorf("seen = %v", seen)
		}
	})

	t.Run("ScanStopsOnError", func(t *testing.T) {
		db := newDB(t)
		if err := db.BatchWrite(ctx, []Item{testItem("A", "1", nil), testItem("A", "2", nil)}, nil); err != nil {
			t.Fatal(err)
		}
		stop := errors.New("stop")
		calls := 0
		err := db.Scan(ctx, func(Item) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("err=%v calls=%d, want stop after 1", err, calls)
		}
	})

	t.Run("RejectsItemWithoutID", func(t *testing.T) {
		db := newDB(t)
		bad := Item{record.FieldRecordType: &types.AttributeValueMemberS{Value: "Note"}}
		if err := db.BatchWrite(ctx, []Item{bad}, nil); err == nil {
			t.Error("expected error for item without RecordID")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		db := newDB(t)
		if err := db.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
