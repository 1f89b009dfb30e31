package metadata

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestEncodeKeyRoundTrip(t *testing.T) {
	for _, key := range []string{"simple", "a/b/c/", "weird?#\\key", "ünïcode"} {
		enc := encodeKey(key)
		if got := decodeKey(enc); got != key {
			t.Errorf("decodeKey(encodeKey(%q)) = %q", key, got)
		}
	}
	// Unpadded input still decodes.
	if got := decodeKey("YQ"); got != "a" {
		t.Errorf("decodeKey(YQ) = %q, want a", got)
	}
}

func TestFirestoreDocument(t *testing.T) {
	item := testItem("Photo", "p1", map[string]types.AttributeValue{
		"Width": &types.AttributeValueMemberN{Value: "640"},
	})
	doc, err := itemToDoc(item)
	if err != nil {
		t.Fatalf("itemToDoc: %v", err)
	}
	if doc["record_id"] != "p1" || doc["record_type"] != "Photo" {
		t.Errorf("indexed fields = %v, %v", doc["record_id"], doc["record_type"])
	}
	back, err := docToItem(doc)
	if err != nil {
		t.Fatalf("docToItem: %v", err)
	}
	if n, ok := back["Width"].(*types.AttributeValueMemberN); !ok || n.Value != "640" {
		t.Errorf("Width = %#v", back["Width"])
	}
	if _, err := docToItem(map[string]interface{}{}); err == nil {
		t.Error("expected error for document without item")
	}
}

func TestCosmosDocument(t *testing.T) {
	item := testItem("Photo", "albums/2024/p1", nil)
	raw, err := newCosmosItem(item)
	if err != nil {
		t.Fatalf("newCosmosItem: %v", err)
	}
	var ci cosmosItem
	if err := json.Unmarshal(raw, &ci); err != nil {
		t.Fatal(err)
	}
	if ci.ID != encodeKey("albums/2024/p1") || ci.Type != cosmosPartition {
		t.Errorf("id=%q type=%q", ci.ID, ci.Type)
	}
	if ci.RecordID != "albums/2024/p1" || ci.RecordType != "Photo" {
		t.Errorf("record fields = %q %q", ci.RecordID, ci.RecordType)
	}
	back, err := decodeCosmosItem(raw)
	if err != nil {
		t.Fatalf("decodeCosmosItem: %v", err)
	}
	if itemID(back) != "albums/2024/p1" {
		t.Errorf("round trip id = %q", itemID(back))
	}
}
