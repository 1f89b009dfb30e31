package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLitePutGetDelete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	etag, err := store.Put(ctx, "Note.A1.Attachment", strings.NewReader("payload"), 7,
		map[string]string{MetaModificationDate: "2024-03-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if etag != computeETag([]byte("payload")) {
		t.Errorf("etag = %q", etag)
	}

	out, err := store.Get(ctx, "Note.A1.Attachment")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := readAll(t, out); got != "payload" {
		t.Errorf("data = %q", got)
	}
	if out.Metadata[MetaModificationDate] != "2024-03-01T10:00:00Z" {
		t.Errorf("metadata = %v", out.Metadata)
	}

	if _, err := store.DeleteMany(ctx, []string{"Note.A1.Attachment", "missing"}); err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if _, err := store.Get(ctx, "Note.A1.Attachment"); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteMultipart(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	uploadID, err := store.CreateMultipartUpload(ctx, "big", nil)
	if err != nil {
		t.Fatalf("CreateMultipartUpload failed: %v", err)
	}
	var parts []CompletedPart
	for i, c := range []string{"ab", "cd", "ef"} {
		etag, err := store.UploadPart(ctx, "big", uploadID, int32(i+1), strings.NewReader(c), 2)
		if err != nil {
			t.Fatalf("UploadPart failed: %v", err)
		}
		parts = append(parts, CompletedPart{PartNumber: int32(i + 1), ETag: etag})
	}
	etag, err := store.CompleteMultipartUpload(ctx, "big", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipartUpload failed: %v", err)
	}
	if etag != compositeETag(parts) {
		t.Errorf("etag = %q, want %q", etag, compositeETag(parts))
	}
	out, err := store.Get(ctx, "big")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := readAll(t, out); got != "abcdef" {
		t.Errorf("data = %q", got)
	}
	if _, err := store.UploadPart(ctx, "big", uploadID, 4, strings.NewReader("x"), 1); !IsNotFound(err) {
		t.Errorf("upload still open after completion: %v", err)
	}
}

func TestSQLiteListPrefixAndPaging(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		store.Put(ctx, k, strings.NewReader(k), 3, nil)
	}

	out, err := store.List(ctx, ListInput{Prefix: "a/", MaxKeys: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(out.Objects) != 2 || out.NextContinuationToken != "a/2" {
		t.Fatalf("first page = %+v", out)
	}
	out, err = store.List(ctx, ListInput{Prefix: "a/", MaxKeys: 2, ContinuationToken: out.NextContinuationToken})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(out.Objects) != 1 || out.Objects[0].Key != "a/3" || out.NextContinuationToken != "" {
		t.Errorf("second page = %+v", out)
	}
	if out.Objects[0].LastModified.IsZero() {
		t.Error("LastModified not parsed")
	}
}
