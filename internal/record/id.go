// Package record defines the entities stored in a container: records, the
// file-backed assets they reference, and the queries and cursors used to page
// through them.
package record

import "strings"

// FolderSeparator terminates the name of a folder-like record or asset.
const FolderSeparator = "/"

// ID uniquely names a record within a container.
type ID string

// IsFolder reports whether the record denotes a container-like node.
func (id ID) IsFolder() bool {
	return strings.HasSuffix(string(id), FolderSeparator)
}

// String returns the record name.
func (id ID) String() string {
	return string(id)
}

// AssetID is the storage key of an asset.
type AssetID string

// IsFolder reports whether the asset denotes a folder marker.
func (id AssetID) IsFolder() bool {
	return strings.HasSuffix(string(id), FolderSeparator)
}

// String returns the storage key.
func (id AssetID) String() string {
	return string(id)
}

// RecordID returns the record ID naming the same storage key.
func (id AssetID) RecordID() ID {
	return ID(id)
}

// AssetID returns the asset ID naming the same storage key.
func (id ID) AssetID() AssetID {
	return AssetID(id)
}

// IDs converts asset IDs into record IDs, preserving order.
func IDs(assetIDs []AssetID) []ID {
	out := make([]ID, len(assetIDs))
	for i, a := range assetIDs {
		out[i] = ID(a)
	}
	return out
}

// AssetIDs converts record IDs into asset IDs, preserving order.
func AssetIDs(ids []ID) []AssetID {
	out := make([]AssetID, len(ids))
	for i, id := range ids {
		out[i] = AssetID(id)
	}
	return out
}
