package record

import (
	"fmt"
	"strings"
)

// AssetReferencePrefix marks a string attribute as an asset reference.
// The value is part of the persisted format and must not change.
const AssetReferencePrefix = "__Asset:"

const referenceSeparator = "."

// AssetReference points from a record field to the asset holding its bytes.
// Its raw form is "__Asset:<recordType>.<recordID>.<assetKey>" with exactly two
// separators after the prefix. AssetReference is comparable and may be used as
// a map key.
type AssetReference struct {
	raw string
}

// NewAssetReference builds the reference for the asset stored under key in the
// record (recordType, recordID). It panics if the result would not parse back
// into the same three components.
func NewAssetReference(recordType string, recordID ID, assetKey string) AssetReference {
	return ParseAssetReference(AssetReferencePrefix + recordType + referenceSeparator + string(recordID) + referenceSeparator + assetKey)
}

// CheckReferenceParts reports an error when recordType, recordID or assetKey
// contains the reference separator, which NewAssetReference would reject with
// a panic. Callers holding user input check it first.
func CheckReferenceParts(recordType string, recordID ID, assetKey string) error {
	parts := [...]struct{ name, value string }{
		{"record type", recordType},
		{"record ID", string(recordID)},
		{"asset key", assetKey},
	}
	for _, p := range parts {
		if strings.Contains(p.value, referenceSeparator) {
			return fmt.Errorf("%s %q cannot hold assets: it contains %q", p.name, p.value, referenceSeparator)
		}
	}
	return nil
}

// ParseAssetReference wraps a raw reference string. A malformed string is a
// programmer error and panics.
func ParseAssetReference(raw string) AssetReference {
	if !strings.HasPrefix(raw, AssetReferencePrefix) {
		panic(fmt.Sprintf("record: asset reference %q is missing the %q prefix", raw, AssetReferencePrefix))
	}
	if n := strings.Count(raw[len(AssetReferencePrefix):], referenceSeparator); n != 2 {
		panic(fmt.Sprintf("record: asset reference %q has %d separators, want 2", raw, n))
	}
	return AssetReference{raw: raw}
}

// IsAssetReference reports whether s carries the reference prefix.
func IsAssetReference(s string) bool {
	return strings.HasPrefix(s, AssetReferencePrefix)
}

func (r AssetReference) components() []string {
	if r.raw == "" {
		panic("record: use of zero AssetReference")
	}
	return strings.Split(r.raw[len(AssetReferencePrefix):], referenceSeparator)
}

// ParentRecordType returns the record type of the owning record.
func (r AssetReference) ParentRecordType() string {
	return r.components()[0]
}

// ParentRecordID returns the ID of the owning record.
func (r AssetReference) ParentRecordID() ID {
	return ID(r.components()[1])
}

// AssetKey returns the field key the asset is stored under.
func (r AssetReference) AssetKey() string {
	return r.components()[2]
}

// AssetID returns the storage key of the referenced asset.
func (r AssetReference) AssetID() AssetID {
	return AssetID(strings.TrimPrefix(r.raw, AssetReferencePrefix))
}

// String returns the raw, prefixed form.
func (r AssetReference) String() string {
	return r.raw
}
