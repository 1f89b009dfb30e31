package record

import (
	"time"

	"github.com/spf13/afero"
)

// Asset is a file-backed binary payload. Path names a local file, or a local
// directory when the asset is a folder. Assets are never embedded in a
// record's stored form; records point at them with an AssetReference.
type Asset struct {
	ID               AssetID
	Path             string
	ContentType      string
	ModificationDate time.Time
	EntityTag        string
}

// NewAsset returns an asset backed by the file at path.
func NewAsset(id AssetID, path string) *Asset {
	return &Asset{ID: id, Path: path}
}

// IsFolder reports whether the asset is a folder marker.
func (a *Asset) IsFolder() bool {
	return a.ID.IsFolder()
}

// Size stats the backing file on fs. ok is false when the size cannot be
// determined (no path, missing file, or a directory).
func (a *Asset) Size(fs afero.Fs) (size int64, ok bool) {
	if a.Path == "" {
		return 0, false
	}
	info, err := fs.Stat(a.Path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}
