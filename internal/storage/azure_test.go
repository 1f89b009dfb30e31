package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	mu sync.Mutex
	// blobs stores all blobs keyed by "container/blobName".
	blobs    map[string][]byte
	metadata map[string]map[string]*string
	// stagedBlocks maps "container/blobName" to blockID -> data.
	stagedBlocks map[string]map[string][]byte
	// commitBlockListCalls tracks the number of CommitBlockList operations.
	commitBlockListCalls int
	lastList             AzureListInput
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{
		blobs:        make(map[string][]byte),
		metadata:     make(map[string]map[string]*string),
		stagedBlocks: make(map[string]map[string][]byte),
	}
}

func (m *mockAzureClient) blobKey(containerName, blobName string) string {
	return containerName + "/" + blobName
}

func mockAzureETag(data []byte) string {
	return fmt.Sprintf("0x%X", md5.Sum(data))
}

func (m *mockAzureClient) UploadStream(ctx context.Context, containerName, blobName string, body io.Reader, metadata map[string]*string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.blobKey(containerName, blobName)
	m.blobs[key] = data
	m.metadata[key] = metadata
	return mockAzureETag(data), nil
}

func (m *mockAzureClient) DownloadStream(ctx context.Context, containerName, blobName string) (*AzureBlob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.blobKey(containerName, blobName)
	data, ok := m.blobs[key]
	if !ok {
		return nil, errors.New("BlobNotFound: the specified blob does not exist")
	}
	// Azure hands metadata names back with their first letter upper-cased.
	md := make(map[string]*string)
	for k, v := range m.metadata[key] {
		md[strings.ToUpper(k[:1])+k[1:]] = v
	}
	return &AzureBlob{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data)), ETag: mockAzureETag(data), Metadata: md}, nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.blobKey(containerName, blobName)
	if _, ok := m.blobs[key]; !ok {
		return errors.New("BlobNotFound: the specified blob does not exist")
	}
	delete(m.blobs, key)
	delete(m.metadata, key)
	return nil
}

func (m *mockAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.blobKey(containerName, blobName)
	if m.stagedBlocks[key] == nil {
		m.stagedBlocks[key] = make(map[string][]byte)
	}
	m.stagedBlocks[key][blockID] = append([]byte(nil), data...)
	return nil
}

func (m *mockAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, metadata map[string]*string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitBlockListCalls++
	key := m.blobKey(containerName, blobName)
	var assembled bytes.Buffer
	for _, id := range blockIDs {
		data, ok := m.stagedBlocks[key][id]
		if !ok {
			return "", fmt.Errorf("InvalidBlockList: block %s not staged", id)
		}
		assembled.Write(data)
	}
	m.blobs[key] = assembled.Bytes()
	m.metadata[key] = metadata
	delete(m.stagedBlocks, key)
	return mockAzureETag(assembled.Bytes()), nil
}

// ListBlobs pages by treating the marker as the last name returned.
func (m *mockAzureClient) ListBlobs(ctx context.Context, containerName string, in AzureListInput) (*AzureListPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastList = in
	var objects []Object
	for key, data := range m.blobs {
		name, ok := strings.CutPrefix(key, containerName+"/")
		if ok {
			objects = append(objects, Object{Key: name, Size: int64(len(data)), ETag: mockAzureETag(data)})
		}
	}
	out := listSorted(objects, ListInput{Prefix: in.Prefix, Delimiter: in.Delimiter, ContinuationToken: in.Marker, MaxKeys: int(in.MaxResults)})
	page := &AzureListPage{Prefixes: out.CommonPrefixes, NextMarker: out.NextContinuationToken}
	for _, o := range out.Objects {
		page.Blobs = append(page.Blobs, AzureBlobItem{Name: o.Key, Size: o.Size, ETag: o.ETag})
	}
	return page, nil
}

func newTestAzureStore(t *testing.T) (*AzureStore, *mockAzureClient) {
	t.Helper()
	mock := newMockAzureClient()
	return NewAzureStoreWithClient("assets", "https://account.blob.core.windows.net", "rf/", mock), mock
}

func TestAzurePutAndGet(t *testing.T) {
	store, mock := newTestAzureStore(t)
	ctx := context.Background()

	content := "Hello, Azure!"
	etag, err := store.Put(ctx, "Note.A1.Attachment", strings.NewReader(content), int64(len(content)),
		map[string]string{MetaModificationDate: "2024-03-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if etag == "" {
		t.Error("etag is empty")
	}
	md := mock.metadata["assets/rf/Note.A1.Attachment"]
	if _, ok := md["modification_date"]; !ok {
		t.Errorf("metadata name not mapped to an Azure identifier: %v", md)
	}

	out, err := store.Get(ctx, "Note.A1.Attachment")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer out.Body.Close()
	data, _ := io.ReadAll(out.Body)
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
	if out.ETag != etag {
		t.Errorf("Get etag = %q, want %q", out.ETag, etag)
	}
	if got := out.Metadata[MetaModificationDate]; got != "2024-03-01T10:00:00Z" {
		t.Errorf("metadata = %v", out.Metadata)
	}
}

func TestAzureGetNotFound(t *testing.T) {
	store, _ := newTestAzureStore(t)
	if _, err := store.Get(context.Background(), "missing"); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAzureDeleteManyIgnoresMissing(t *testing.T) {
	store, mock := newTestAzureStore(t)
	ctx := context.Background()
	store.Put(ctx, "a", strings.NewReader("1"), 1, nil)

	deleted, err := store.DeleteMany(ctx, []string{"a", "gone"})
	if err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if len(deleted) != 2 {
		t.Errorf("deleted = %v", deleted)
	}
	if len(mock.blobs) != 0 {
		t.Errorf("blobs left: %v", azureKeysOf(mock.blobs))
	}
}

func TestAzureMultipart(t *testing.T) {
	store, mock := newTestAzureStore(t)
	ctx := context.Background()

	uploadID, err := store.CreateMultipartUpload(ctx, "big", map[string]string{MetaModificationDate: "d"})
	if err != nil {
		t.Fatalf("CreateMultipartUpload failed: %v", err)
	}
	chunks := []string{"one|", "two|", "three"}
	var parts []CompletedPart
	// Upload out of order; completion follows the part list.
	for _, i := range []int{2, 0, 1} {
		etag, err := store.UploadPart(ctx, "big", uploadID, int32(i+1), strings.NewReader(chunks[i]), int64(len(chunks[i])))
		if err != nil {
			t.Fatalf("UploadPart %d failed: %v", i+1, err)
		}
		parts = append(parts, CompletedPart{PartNumber: int32(i + 1), ETag: etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	etag, err := store.CompleteMultipartUpload(ctx, "big", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipartUpload failed: %v", err)
	}
	if etag == "" {
		t.Error("etag is empty")
	}
	if mock.commitBlockListCalls != 1 {
		t.Errorf("commitBlockListCalls = %d, want 1", mock.commitBlockListCalls)
	}
	if got := string(mock.blobs["assets/rf/big"]); got != "one|two|three" {
		t.Errorf("assembled = %q", got)
	}
	if _, err := store.UploadPart(ctx, "big", uploadID, 4, strings.NewReader("x"), 1); !IsNotFound(err) {
		t.Errorf("upload still open after completion: %v", err)
	}
}

func TestAzureUploadPartWrongKey(t *testing.T) {
	store, _ := newTestAzureStore(t)
	ctx := context.Background()
	uploadID, _ := store.CreateMultipartUpload(ctx, "big", nil)
	if _, err := store.UploadPart(ctx, "other", uploadID, 1, strings.NewReader("x"), 1); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAzureListUsesMarkers(t *testing.T) {
	store, mock := newTestAzureStore(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		store.Put(ctx, k, strings.NewReader(k), 1, nil)
	}

	out, err := store.List(ctx, ListInput{MaxKeys: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(out.Objects) != 2 || out.NextContinuationToken == "" {
		t.Fatalf("first page = %+v", out)
	}
	out, err = store.List(ctx, ListInput{MaxKeys: 2, ContinuationToken: out.NextContinuationToken})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(out.Objects) != 1 || out.Objects[0].Key != "c" || out.NextContinuationToken != "" {
		t.Errorf("second page = %+v", out)
	}
	if mock.lastList.Prefix != "rf/" || mock.lastList.MaxResults != 2 {
		t.Errorf("list input = %+v", mock.lastList)
	}
}

func TestAzureListStartAfterAndDelimiter(t *testing.T) {
	store, _ := newTestAzureStore(t)
	ctx := context.Background()
	for _, k := range []string{"docs/a", "docs/b", "docs/sub/c"} {
		store.Put(ctx, k, strings.NewReader(k), 1, nil)
	}
	out, err := store.List(ctx, ListInput{Prefix: "docs/", Delimiter: "/", StartAfter: "docs/a"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(out.Objects) != 1 || out.Objects[0].Key != "docs/b" {
		t.Errorf("objects = %+v", out.Objects)
	}
	if len(out.CommonPrefixes) != 1 || out.CommonPrefixes[0] != "docs/sub/" {
		t.Errorf("prefixes = %v", out.CommonPrefixes)
	}
}

func TestAzureBlockIDFormat(t *testing.T) {
	id := blockID("abc123", 7)
	decoded, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		t.Fatalf("block ID not base64: %v", err)
	}
	if string(decoded) != "abc123:00007" {
		t.Errorf("decoded = %q", decoded)
	}
	if len(blockID("abc123", 1)) != len(blockID("abc123", 10000)) {
		t.Error("block IDs differ in length")
	}
	if blockID("u1", 1) == blockID("u2", 1) {
		t.Error("block IDs collide across uploads")
	}
}

func TestAzureMetadataMapping(t *testing.T) {
	md := toAzureMetadata(map[string]string{"modification-date": "x"})
	if v := md["modification_date"]; v == nil || *v != "x" {
		t.Fatalf("toAzureMetadata = %v", md)
	}
	back := fromAzureMetadata(map[string]*string{"Modification_date": md["modification_date"]})
	if back["modification-date"] != "x" {
		t.Errorf("fromAzureMetadata = %v", back)
	}
	if toAzureMetadata(nil) != nil {
		t.Error("empty metadata should map to nil")
	}
}

func TestAzureIsAzureNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("BlobNotFound"), true},
		{errors.New("RESPONSE 404: 404 The specified blob does not exist."), true},
		{errors.New("AuthorizationFailure"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isAzureNotFound(tt.err); got != tt.want {
			t.Errorf("isAzureNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func azureKeysOf(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
