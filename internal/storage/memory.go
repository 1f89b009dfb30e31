package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/bleepstore/rfstore/internal/uid"
)

// memObject holds the raw data, precomputed ETag and metadata of an
// in-memory object.
type memObject struct {
	Data     []byte
	ETag     string
	Metadata map[string]string
	Modified time.Time
}

type memUpload struct {
	key      string
	metadata map[string]string
	parts    map[int32][]byte
}

// MemoryStore implements BlobStore using in-memory maps. It is used for
// tests and for containers that do not need durable asset storage.
type MemoryStore struct {
	mu           sync.RWMutex
	objects      map[string]memObject
	uploads      map[string]*memUpload
	currentSize  int64
	maxSizeBytes int64
	now          func() time.Time
}

// NewMemoryStore creates an empty MemoryStore. A maxSizeBytes of zero means
// unlimited.
func NewMemoryStore(maxSizeBytes int64) *MemoryStore {
	return &MemoryStore{
		objects:      make(map[string]memObject),
		uploads:      make(map[string]*memUpload),
		maxSizeBytes: maxSizeBytes,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// Put reads all data from body and stores it.
func (b *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeLocked(key, data, metadata)
}

func (b *MemoryStore) storeLocked(key string, data []byte, metadata map[string]string) (string, error) {
	delta := int64(len(data))
	if existing, found := b.objects[key]; found {
		delta -= int64(len(existing.Data))
	}
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return "", fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}

	etag := computeETag(data)
	b.objects[key] = memObject{Data: data, ETag: etag, Metadata: maps.Clone(metadata), Modified: b.now()}
	b.currentSize += delta
	return etag, nil
}

// Get returns a reader over a copy of the stored data.
func (b *MemoryStore) Get(ctx context.Context, key string) (*GetOutput, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, found := b.objects[key]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)

	return &GetOutput{
		Body:     io.NopCloser(bytes.NewReader(dataCopy)),
		Size:     int64(len(dataCopy)),
		ETag:     obj.ETag,
		Metadata: maps.Clone(obj.Metadata),
	}, nil
}

// CreateMultipartUpload registers a new upload.
func (b *MemoryStore) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uploadID := uid.New()
	b.uploads[uploadID] = &memUpload{key: key, metadata: maps.Clone(metadata), parts: make(map[int32][]byte)}
	return uploadID, nil
}

// UploadPart stores one part of an upload.
func (b *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[uploadID]
	if !ok || up.key != key {
		return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	up.parts[partNumber] = data
	return computeETag(data), nil
}

// CompleteMultipartUpload concatenates the listed parts into the object.
func (b *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[uploadID]
	if !ok || up.key != key {
		return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}

	var assembled bytes.Buffer
	for _, p := range parts {
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return "", fmt.Errorf("part %d of upload %s was never uploaded", p.PartNumber, uploadID)
		}
		if etag := computeETag(data); p.ETag != "" && p.ETag != etag {
			return "", fmt.Errorf("part %d etag mismatch: got %s, want %s", p.PartNumber, p.ETag, etag)
		}
		assembled.Write(data)
	}

	etag, err := b.storeLocked(key, assembled.Bytes(), up.metadata)
	if err != nil {
		return "", err
	}
	delete(b.uploads, uploadID)
	return etag, nil
}

// AbortMultipartUpload drops an upload and its parts.
func (b *MemoryStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.uploads, uploadID)
	return nil
}

// DeleteMany removes keys. Missing keys count as deleted.
func (b *MemoryStore) DeleteMany(ctx context.Context, keys []string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	deleted := make([]string, 0, len(keys))
	for _, k := range keys {
		if obj, found := b.objects[k]; found {
			b.currentSize -= int64(len(obj.Data))
			delete(b.objects, k)
		}
		deleted = append(deleted, k)
	}
	return deleted, nil
}

// List returns one page of keys in ascending order.
func (b *MemoryStore) List(ctx context.Context, in ListInput) (*ListOutput, error) {
	b.mu.RLock()
	objects := make([]Object, 0, len(b.objects))
	for key, obj := range b.objects {
		objects = append(objects, Object{Key: key, Size: int64(len(obj.Data)), ETag: obj.ETag, LastModified: obj.Modified})
	}
	b.mu.RUnlock()
	return listSorted(objects, in), nil
}

// Keys returns every stored key in ascending order.
func (b *MemoryStore) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the total number of stored bytes.
func (b *MemoryStore) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSize
}

// Ensure MemoryStore implements BlobStore at compile time.
var _ BlobStore = (*MemoryStore)(nil)
