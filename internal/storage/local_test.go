package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func newTestLocalStore(t *testing.T) (*LocalStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := NewLocalStore(fsys, "/data")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return store, fsys
}

func readAll(t *testing.T, out *GetOutput) string {
	t.Helper()
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return string(data)
}

func TestLocalPutAndGet(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx := context.Background()

	content := "Hello, container!"
	meta := map[string]string{MetaModificationDate: "2024-03-01T10:00:00Z"}
	etag, err := store.Put(ctx, "Note.A1.Attachment", strings.NewReader(content), int64(len(content)), meta)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	want := fmt.Sprintf(`"%x"`, md5.Sum([]byte(content)))
	if etag != want {
		t.Errorf("etag = %q, want %q", etag, want)
	}

	out, err := store.Get(ctx, "Note.A1.Attachment")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", out.Size, len(content))
	}
	if out.ETag != want {
		t.Errorf("Get etag = %q, want %q", out.ETag, want)
	}
	if got := out.Metadata[MetaModificationDate]; got != "2024-03-01T10:00:00Z" {
		t.Errorf("metadata = %q", got)
	}
	if got := readAll(t, out); got != content {
		t.Errorf("data = %q, want %q", got, content)
	}
}

func TestLocalGetNotFound(t *testing.T) {
	store, _ := newTestLocalStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalKeysWithSlashes(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx := context.Background()
	for _, key := range []string{"photos/", "photos/a.jpg", "photos/b/c.jpg"} {
		if _, err := store.Put(ctx, key, strings.NewReader(key), int64(len(key)), nil); err != nil {
			t.Fatalf("Put %q failed: %v", key, err)
		}
	}

	out, err := store.List(ctx, ListInput{Prefix: "photos/", Delimiter: "/"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var keys []string
	for _, o := range out.Objects {
		keys = append(keys, o.Key)
	}
	if strings.Join(keys, ",") != "photos/,photos/a.jpg" {
		t.Errorf("objects = %v", keys)
	}
	if len(out.CommonPrefixes) != 1 || out.CommonPrefixes[0] != "photos/b/" {
		t.Errorf("common prefixes = %v", out.CommonPrefixes)
	}
}

func TestLocalOverwrite(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx := context.Background()
	store.Put(ctx, "k", strings.NewReader("first"), 5, nil)
	store.Put(ctx, "k", strings.NewReader("second"), 6, nil)

	out, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := readAll(t, out); got != "second" {
		t.Errorf("data = %q, want %q", got, "second")
	}
}

func TestLocalDeleteMany(t *testing.T) {
	store, fsys := newTestLocalStore(t)
	ctx := context.Background()
	store.Put(ctx, "a", strings.NewReader("1"), 1, nil)
	store.Put(ctx, "b", strings.NewReader("2"), 1, nil)

	deleted, err := store.DeleteMany(ctx, []string{"a", "b", "never-existed"})
	if err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if len(deleted) != 3 {
		t.Errorf("deleted = %v, want all three keys", deleted)
	}
	if ok, _ := afero.Exists(fsys, store.metaPath("a")); ok {
		t.Error("metadata sidecar survived delete")
	}
	out, _ := store.List(ctx, ListInput{})
	if len(out.Objects) != 0 {
		t.Errorf("objects after delete = %v", out.Objects)
	}
}

func TestLocalMultipart(t *testing.T) {
	store, fsys := newTestLocalStore(t)
	ctx := context.Background()

	uploadID, err := store.CreateMultipartUpload(ctx, "big", map[string]string{MetaModificationDate: "d"})
	if err != nil {
		t.Fatalf("CreateMultipartUpload failed: %v", err)
	}
	chunks := []string{"part-one|", "part-two|", "part-three"}
	var parts []CompletedPart
	for i, c := range chunks {
		etag, err := store.UploadPart(ctx, "big", uploadID, int32(i+1), strings.NewReader(c), int64(len(c)))
		if err != nil {
			t.Fatalf("UploadPart %d failed: %v", i+1, err)
		}
		parts = append(parts, CompletedPart{PartNumber: int32(i + 1), ETag: etag})
	}

	etag, err := store.CompleteMultipartUpload(ctx, "big", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipartUpload failed: %v", err)
	}
	composite := md5.New()
	for _, c := range chunks {
		sum := md5.Sum([]byte(c))
		composite.Write(sum[:])
	}
	if want := fmt.Sprintf(`"%x-3"`, composite.Sum(nil)); etag != want {
		t.Errorf("etag = %q, want %q", etag, want)
	}

	out, err := store.Get(ctx, "big")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Metadata[MetaModificationDate] != "d" {
		t.Errorf("metadata not carried from upload: %v", out.Metadata)
	}
	if got := readAll(t, out); got != strings.Join(chunks, "") {
		t.Errorf("data = %q", got)
	}
	if ok, _ := afero.DirExists(fsys, store.uploadDir(uploadID)); ok {
		t.Error("parts directory survived completion")
	}
}

func TestLocalAbortMultipart(t *testing.T) {
	store, fsys := newTestLocalStore(t)
	ctx := context.Background()
	uploadID, _ := store.CreateMultipartUpload(ctx, "big", nil)
	store.UploadPart(ctx, "big", uploadID, 1, strings.NewReader("x"), 1)

	if err := store.AbortMultipartUpload(ctx, "big", uploadID); err != nil {
		t.Fatalf("AbortMultipartUpload failed: %v", err)
	}
	if ok, _ := afero.DirExists(fsys, store.uploadDir(uploadID)); ok {
		t.Error("parts directory survived abort")
	}
	if _, err := store.UploadPart(ctx, "big", uploadID, 2, strings.NewReader("y"), 1); !IsNotFound(err) {
		t.Errorf("UploadPart after abort: got %v, want ErrNotFound", err)
	}
}

func TestLocalCleanTempFiles(t *testing.T) {
	store, fsys := newTestLocalStore(t)
	leftover := filepath.Join("/data", ".tmp", "tmp-orphan")
	afero.WriteFile(fsys, leftover, []byte("partial"), 0o644)

	if err := store.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}
	if ok, _ := afero.Exists(fsys, leftover); ok {
		t.Error("temp file survived cleanup")
	}
}

func TestLocalCancelledPutLeavesNothing(t *testing.T) {
	store, _ := newTestLocalStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Put(ctx, "k", strings.NewReader("data"), 4, nil); err == nil {
		t.Fatal("expected error from cancelled Put")
	}
	if _, err := store.Get(context.Background(), "k"); !IsNotFound(err) {
		t.Errorf("object exists after cancelled Put: %v", err)
	}
}
