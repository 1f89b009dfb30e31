package record

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reserved field keys and record types. These names are part of the persisted
// format.
const (
	FieldRecordType = "RecordType"
	FieldRecordID   = "RecordID"
	FieldAsset      = "__Asset"

	// StorageRecordType is the type of records synthesized from the blob store.
	StorageRecordType = "__Storage"
)

// RequiredKeys are always projected when reading records from the database.
var RequiredKeys = []string{FieldRecordType, FieldRecordID}

// Record is a typed field map identified by (Type, ID). The RecordType and
// RecordID fields are always present in the map.
//
// Supported field values are []byte, [][]byte, []any and homogeneous slices of
// strings or numbers, bool, Go numeric types, string, AssetReference,
// map[string]any, time.Time and *Asset.
type Record struct {
	Type             string
	ID               ID
	CreationDate     time.Time
	ModificationDate time.Time
	EntityTag        string

	fields  map[string]any
	changed map[string]struct{}
}

// New returns an empty record of the given type.
func New(recordType string, id ID) *Record {
	r := &Record{
		Type:    recordType,
		ID:      id,
		fields:  make(map[string]any),
		changed: make(map[string]struct{}),
	}
	r.fields[FieldRecordType] = recordType
	r.fields[FieldRecordID] = string(id)
	return r
}

// NewStorageRecord returns a record backed only by the blob store.
func NewStorageRecord(id ID) *Record {
	return New(StorageRecordType, id)
}

// FromAsset wraps an asset in a storage record named after it. It returns nil
// for a nil asset.
func FromAsset(a *Asset) *Record {
	if a == nil {
		return nil
	}
	r := NewStorageRecord(ID(a.ID))
	r.fields[FieldAsset] = a
	r.ModificationDate = a.ModificationDate
	r.EntityTag = a.EntityTag
	return r
}

// FromObject builds a storage record from a blob listing entry.
func FromObject(key string, lastModified time.Time, etag string) *Record {
	r := NewStorageRecord(ID(key))
	r.ModificationDate = lastModified
	r.EntityTag = TrimETag(etag)
	return r
}

// FromFields builds a record from a decoded database item. The item must
// carry string RecordType and RecordID fields.
func FromFields(fields map[string]any) (*Record, error) {
	recordType, ok := fields[FieldRecordType].(string)
	if !ok {
		return nil, fmt.Errorf("item is missing string field %q", FieldRecordType)
	}
	recordID, ok := fields[FieldRecordID].(string)
	if !ok {
		return nil, fmt.Errorf("item is missing string field %q", FieldRecordID)
	}
	r := New(recordType, ID(recordID))
	for k, v := range fields {
		r.fields[k] = v
	}
	return r, nil
}

// TrimETag strips the surrounding quotes backends put on entity tags.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// Get returns the value stored under key, or nil.
func (r *Record) Get(key string) any {
	return r.fields[key]
}

// Set stores v under key and marks the key changed. A nil v removes the
// field. The synthetic identity fields cannot be set.
func (r *Record) Set(key string, v any) {
	if key == FieldRecordType || key == FieldRecordID {
		panic(fmt.Sprintf("record: field %q is reserved", key))
	}
	if v == nil {
		delete(r.fields, key)
	} else {
		r.fields[key] = v
	}
	r.changed[key] = struct{}{}
}

// Keys returns every stored field key in sorted order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.fields))
	for k := range r.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChangedKeys returns the keys set since the record was last persisted.
func (r *Record) ChangedKeys() []string {
	keys := make([]string, 0, len(r.changed))
	for k := range r.changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClearChangedKeys forgets all pending changes.
func (r *Record) ClearChangedKeys() {
	clear(r.changed)
}

// Fields returns a shallow copy of the field map.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Asset returns the asset in the record's asset slot, if any.
func (r *Record) Asset() *Asset {
	a, _ := r.fields[FieldAsset].(*Asset)
	return a
}

// SetAsset stores a in the asset slot.
func (r *Record) SetAsset(a *Asset) {
	if a == nil {
		r.Set(FieldAsset, nil)
		return
	}
	r.Set(FieldAsset, a)
}

// Assets returns every asset-valued field keyed by field key.
func (r *Record) Assets() map[string]*Asset {
	out := make(map[string]*Asset)
	for k, v := range r.fields {
		if a, ok := v.(*Asset); ok {
			out[k] = a
		}
	}
	return out
}

// AssetReferences returns the references held directly in the field map.
func (r *Record) AssetReferences() []AssetReference {
	var refs []AssetReference
	for _, k := range r.Keys() {
		if ref, ok := r.fields[k].(AssetReference); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ReferenceFields returns the references held directly in the field map,
// keyed by the field holding them.
func (r *Record) ReferenceFields() map[string]AssetReference {
	out := make(map[string]AssetReference)
	for k, v := range r.fields {
		if ref, ok := v.(AssetReference); ok {
			out[k] = ref
		}
	}
	return out
}

// ResolveReference replaces the reference held in key with the fetched
// asset. The key is not marked changed.
func (r *Record) ResolveReference(key string, a *Asset) {
	if _, ok := r.fields[key].(AssetReference); ok {
		r.fields[key] = a
	}
}

// AssetHandler decides how an asset-valued field is persisted alongside the
// record. Returning ok=false drops the field from the stored item.
type AssetHandler func(key string, a *Asset) (ref AssetReference, ok bool)

// DatabaseFields returns the fields to write to the indexed database. Asset
// values are passed to handler; with a nil handler they are dropped.
func (r *Record) DatabaseFields(handler AssetHandler) map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		a, ok := v.(*Asset)
		if !ok {
			out[k] = v
			continue
		}
		if handler == nil {
			continue
		}
		if ref, keep := handler(k, a); keep {
			out[k] = ref
		}
	}
	return out
}
