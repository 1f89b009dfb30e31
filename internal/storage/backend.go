// Package storage defines the blob store contract used by containers and its
// implementations over S3, Cloud Storage, Azure Blob Storage, a local
// filesystem and memory.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// MetaModificationDate is the user metadata key carrying the ISO 8601
// modification date of an asset. S3 exposes it as the
// x-amz-meta-modification-date header.
const MetaModificationDate = "modification-date"

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// IsNotFound reports whether err marks a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Object is one entry of a listing.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// GetOutput is the result of Get. The caller closes Body.
type GetOutput struct {
	Body     io.ReadCloser
	Size     int64
	ETag     string
	Metadata map[string]string
}

// ListInput selects a page of keys.
type ListInput struct {
	Prefix            string
	Delimiter         string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListOutput is one page of a listing. NextContinuationToken is empty on the
// last page.
type ListOutput struct {
	Objects               []Object
	CommonPrefixes        []string
	NextContinuationToken string
}

// CompletedPart identifies an uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// BlobStore is the object store a container keeps asset bytes in. All
// methods must be safe for concurrent use.
type BlobStore interface {
	// Get opens the object at key. It returns ErrNotFound (possibly wrapped)
	// when the key does not exist.
	Get(ctx context.Context, key string) (*GetOutput, error)

	// Put writes size bytes from body to key with user metadata and returns
	// the new entity tag. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (etag string, err error)

	// CreateMultipartUpload begins a multipart upload to key.
	CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (uploadID string, err error)

	// UploadPart uploads one part; part numbers start at 1.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (etag string, err error)

	// CompleteMultipartUpload assembles the parts in order and returns the
	// entity tag of the resulting object.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (etag string, err error)

	// AbortMultipartUpload discards an unfinished upload.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// DeleteMany removes keys and returns those that were deleted. Missing
	// keys count as deleted.
	DeleteMany(ctx context.Context, keys []string) (deleted []string, err error)

	// List returns one page of keys in ascending order.
	List(ctx context.Context, in ListInput) (*ListOutput, error)
}

// listSorted pages through a sorted key set the way S3 ListObjectsV2 does.
// The continuation token is the last key (or common prefix) returned.
func listSorted(objects []Object, in ListInput) *ListOutput {
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	after := in.StartAfter
	if in.ContinuationToken != "" {
		after = in.ContinuationToken
	}
	maxKeys := in.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	out := &ListOutput{}
	seenPrefixes := make(map[string]bool)
	var last string
	count := 0
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, in.Prefix) || obj.Key <= after {
			continue
		}
		if in.Delimiter != "" {
			rest := obj.Key[len(in.Prefix):]
			if i := strings.Index(rest, in.Delimiter); i >= 0 {
				cp := in.Prefix + rest[:i+len(in.Delimiter)]
				if seenPrefixes[cp] || cp <= after {
					continue
				}
				if count == maxKeys {
					out.NextContinuationToken = last
					return out
				}
				seenPrefixes[cp] = true
				out.CommonPrefixes = append(out.CommonPrefixes, cp)
				last = cp
				count++
				continue
			}
		}
		if count == maxKeys {
			out.NextContinuationToken = last
			return out
		}
		out.Objects = append(out.Objects, obj)
		last = obj.Key
		count++
	}
	return out
}

// compositeETag derives the entity tag of a multipart object from its part
// tags: the MD5 of the concatenated part digests followed by the part count.
func compositeETag(parts []CompletedPart) string {
	h := md5.New()
	for _, p := range parts {
		raw, err := hex.DecodeString(strings.Trim(p.ETag, `"`))
		if err != nil {
			h.Write([]byte(p.ETag))
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(parts))
}
