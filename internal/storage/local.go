package storage

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/bleepstore/rfstore/internal/uid"
)

// LocalStore implements BlobStore on a filesystem. Each object is one file
// named by its escaped key under objects/, with a JSON sidecar under meta/
// holding the entity tag and user metadata. Writes go to .tmp/ first and are
// renamed into place.
type LocalStore struct {
	fs      afero.Fs
	rootDir string
}

type localMeta struct {
	ETag     string            `json:"etag"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Key      string            `json:"key,omitempty"`
}

// NewLocalStore creates a LocalStore rooted at rootDir on the given
// filesystem, creating its directories if they do not exist.
func NewLocalStore(fsys afero.Fs, rootDir string) (*LocalStore, error) {
	for _, dir := range []string{"objects", "meta", ".tmp", ".multipart"} {
		p := filepath.Join(rootDir, dir)
		if err := fsys.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory %q: %w", p, err)
		}
	}
	return &LocalStore{fs: fsys, rootDir: rootDir}, nil
}

// NewOSLocalStore creates a LocalStore on the operating system filesystem.
func NewOSLocalStore(rootDir string) (*LocalStore, error) {
	return NewLocalStore(afero.NewOsFs(), rootDir)
}

// CleanTempFiles removes files left in .tmp by interrupted writes.
func (b *LocalStore) CleanTempFiles() error {
	tmpDir := filepath.Join(b.rootDir, ".tmp")
	entries, err := afero.ReadDir(b.fs, tmpDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			b.fs.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalStore) objectPath(key string) string {
	return filepath.Join(b.rootDir, "objects", url.PathEscape(key))
}

func (b *LocalStore) metaPath(key string) string {
	return filepath.Join(b.rootDir, "meta", url.PathEscape(key)+".json")
}

func (b *LocalStore) uploadDir(uploadID string) string {
	return filepath.Join(b.rootDir, ".multipart", uploadID)
}

func (b *LocalStore) tempPath() string {
	return filepath.Join(b.rootDir, ".tmp", "tmp-"+uid.New())
}

// writeAtomic copies r to path through a temp file and returns the MD5 of
// what was written.
func (b *LocalStore) writeAtomic(ctx context.Context, path string, r io.Reader) ([]byte, int64, error) {
	tmpPath := b.tempPath()
	tmpFile, err := b.fs.Create(tmpPath)
	if err != nil {
		return nil, 0, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(tmpFile, io.TeeReader(r, h))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tmpFile.Close()
		b.fs.Remove(tmpPath)
		return nil, 0, fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		b.fs.Remove(tmpPath)
		return nil, 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		b.fs.Remove(tmpPath)
		return nil, 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := b.fs.Rename(tmpPath, path); err != nil {
		b.fs.Remove(tmpPath)
		return nil, 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return h.Sum(nil), n, nil
}

func (b *LocalStore) writeMeta(path string, m localMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return afero.WriteFile(b.fs, path, data, 0o644)
}

func (b *LocalStore) readMeta(path string) (localMeta, error) {
	var m localMeta
	data, err := afero.ReadFile(b.fs, path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding metadata %q: %w", path, err)
	}
	return m, nil
}

// Put writes body to the object file and its metadata sidecar.
func (b *LocalStore) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	sum, _, err := b.writeAtomic(ctx, b.objectPath(key), body)
	if err != nil {
		return "", fmt.Errorf("putting %q: %w", key, err)
	}
	etag := fmt.Sprintf(`"%x"`, sum)
	if err := b.writeMeta(b.metaPath(key), localMeta{ETag: etag, Metadata: metadata}); err != nil {
		return "", fmt.Errorf("putting %q: %w", key, err)
	}
	return etag, nil
}

// Get opens the object file. The caller closes the returned body.
func (b *LocalStore) Get(ctx context.Context, key string) (*GetOutput, error) {
	file, err := b.fs.Open(b.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening object %q: %w", key, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat object %q: %w", key, err)
	}
	meta, err := b.readMeta(b.metaPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		file.Close()
		return nil, err
	}
	return &GetOutput{Body: file, Size: info.Size(), ETag: meta.ETag, Metadata: meta.Metadata}, nil
}

// CreateMultipartUpload makes a parts directory for a new upload.
func (b *LocalStore) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	uploadID := uid.New()
	dir := b.uploadDir(uploadID)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating part directory: %w", err)
	}
	if err := b.writeMeta(filepath.Join(dir, "upload.json"), localMeta{Key: key, Metadata: metadata}); err != nil {
		return "", err
	}
	return uploadID, nil
}

// UploadPart writes one part file.
func (b *LocalStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	dir := b.uploadDir(uploadID)
	if _, err := b.fs.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	sum, _, err := b.writeAtomic(ctx, filepath.Join(dir, fmt.Sprintf("%05d", partNumber)), body)
	if err != nil {
		return "", fmt.Errorf("uploading part %d: %w", partNumber, err)
	}
	return fmt.Sprintf(`"%x"`, sum), nil
}

// CompleteMultipartUpload concatenates parts into the object. The entity tag
// is the MD5 of the part MD5s followed by the part count.
func (b *LocalStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	dir := b.uploadDir(uploadID)
	upload, err := b.readMeta(filepath.Join(dir, "upload.json"))
	if err != nil {
		return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}

	var opened []afero.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, p := range parts {
		f, err := b.fs.Open(filepath.Join(dir, fmt.Sprintf("%05d", p.PartNumber)))
		if err != nil {
			return "", fmt.Errorf("opening part %d: %w", p.PartNumber, err)
		}
		opened = append(opened, f)
	}

	composite := md5.New()
	partSums := make([]io.Reader, len(opened))
	for i, f := range opened {
		partSums[i] = &hashingReader{r: f, part: md5.New(), composite: composite}
	}
	if _, _, err := b.writeAtomic(ctx, b.objectPath(key), io.MultiReader(partSums...)); err != nil {
		return "", fmt.Errorf("assembling %q: %w", key, err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(parts))
	if err := b.writeMeta(b.metaPath(key), localMeta{ETag: etag, Metadata: upload.Metadata}); err != nil {
		return "", err
	}
	b.fs.RemoveAll(dir)
	return etag, nil
}

// hashingReader hashes one part and feeds its digest to composite at EOF.
type hashingReader struct {
	r         io.Reader
	part      hash.Hash
	composite hash.Hash
	done      bool
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.part.Write(p[:n])
	if err == io.EOF && !hr.done {
		hr.done = true
		hr.composite.Write(hr.part.Sum(nil))
	}
	return n, err
}

// AbortMultipartUpload removes the parts directory.
func (b *LocalStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := b.fs.RemoveAll(b.uploadDir(uploadID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing upload %q: %w", uploadID, err)
	}
	return nil
}

// DeleteMany removes object files and sidecars. Missing keys count as deleted.
func (b *LocalStore) DeleteMany(ctx context.Context, keys []string) ([]string, error) {
	deleted := make([]string, 0, len(keys))
	var errs []error
	for _, key := range keys {
		if err := b.fs.Remove(b.objectPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %q: %w", key, err))
			continue
		}
		b.fs.Remove(b.metaPath(key))
		deleted = append(deleted, key)
	}
	return deleted, errors.Join(errs...)
}

// List reads the objects directory and pages through it.
func (b *LocalStore) List(ctx context.Context, in ListInput) (*ListOutput, error) {
	entries, err := afero.ReadDir(b.fs, filepath.Join(b.rootDir, "objects"))
	if err != nil {
		return nil, fmt.Errorf("reading objects directory: %w", err)
	}
	objects := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil || !strings.HasPrefix(key, in.Prefix) {
			continue
		}
		meta, _ := b.readMeta(b.metaPath(key))
		objects = append(objects, Object{Key: key, Size: e.Size(), ETag: meta.ETag, LastModified: e.ModTime().UTC()})
	}
	return listSorted(objects, in), nil
}

// HealthCheck verifies that the storage root is accessible.
func (b *LocalStore) HealthCheck(ctx context.Context) error {
	_, err := b.fs.Stat(b.rootDir)
	return err
}

var _ BlobStore = (*LocalStore)(nil)
