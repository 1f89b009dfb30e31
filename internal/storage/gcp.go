package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bleepstore/rfstore/internal/uid"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// GCSAPI defines the subset of the GCS client that GCSStore uses. This allows
// mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given object carrying metadata.
	NewWriter(ctx context.Context, bucket, object string, metadata map[string]string) GCSWriter
	// NewReader returns a reader for the given object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Compose composes source objects into dstObject with metadata.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, metadata map[string]string) (*GCSAttrs, error)
	// ListObjects returns up to limit objects under prefix whose names are
	// strictly greater than after, in ascending order, and whether more
	// remain.
	ListObjects(ctx context.Context, bucket, prefix, after string, limit int) ([]GCSAttrs, bool, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Name     string
	Size     int64
	MD5      []byte // raw MD5 hash bytes, absent on composite objects
	Etag     string
	Metadata map[string]string
	Updated  time.Time
}

func (a *GCSAttrs) etag() string {
	if len(a.MD5) > 0 {
		return fmt.Sprintf(`"%x"`, a.MD5)
	}
	if a.Metadata != nil && a.Metadata[gcsMetaETag] != "" {
		return a.Metadata[gcsMetaETag]
	}
	return `"` + a.Etag + `"`
}

// gcsMetaETag stores the composite entity tag on assembled objects.
const gcsMetaETag = "rf-etag"

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func convertGCSAttrs(attrs *gcs.ObjectAttrs) *GCSAttrs {
	return &GCSAttrs{
		Name:     attrs.Name,
		Size:     attrs.Size,
		MD5:      attrs.MD5,
		Etag:     attrs.Etag,
		Metadata: attrs.Metadata,
		Updated:  attrs.Updated,
	}
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, metadata map[string]string) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.Metadata = metadata
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return convertGCSAttrs(attrs), nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, metadata map[string]string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	var srcs []*gcs.ObjectHandle
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	composer := dst.ComposerFrom(srcs...)
	composer.Metadata = metadata
	attrs, err := composer.Run(ctx)
	if err != nil {
		return nil, err
	}
	return convertGCSAttrs(attrs), nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix, after string, limit int) ([]GCSAttrs, bool, error) {
	q := &gcs.Query{Prefix: prefix}
	if after != "" {
		// StartOffset is inclusive.
		q.StartOffset = after + "\x00"
	}
	it := c.client.Bucket(bucket).Objects(ctx, q)
	var out []GCSAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, *convertGCSAttrs(attrs))
	}
}

// GCSOptions configures NewGCSStore.
type GCSOptions struct {
	Bucket          string
	Project         string
	Prefix          string
	CredentialsFile string
}

// GCSStore implements BlobStore over a single GCS bucket.
//
// Key mapping:
//
//	Assets:  {prefix}{key}
//	Parts:   {prefix}.parts/{upload_id}/{part_number}
//	Upload:  {prefix}.parts/{upload_id}/upload (carries the final metadata)
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server) unless a
// credentials file is configured.
type GCSStore struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	client GCSAPI
}

// NewGCSStore creates a GCSStore and verifies that the bucket is reachable.
func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCSStoreWithClient(opts.Bucket, opts.Prefix, &realGCSClient{client: client})
	if _, _, err := b.client.ListObjects(ctx, opts.Bucket, "\x00nonexistent\x00", "", 1); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("GCS blob store initialized", "bucket", opts.Bucket, "project", opts.Project, "prefix", opts.Prefix)
	return b, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client.
func NewGCSStoreWithClient(bucket, prefix string, client GCSAPI) *GCSStore {
	return &GCSStore{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *GCSStore) gcsKey(key string) string {
	return b.Prefix + key
}

func (b *GCSStore) partKey(uploadID string, partNumber int32) string {
	return fmt.Sprintf("%s.parts/%s/%d", b.Prefix, uploadID, partNumber)
}

func (b *GCSStore) uploadKey(uploadID string) string {
	return fmt.Sprintf("%s.parts/%s/upload", b.Prefix, uploadID)
}

// write streams body into object, hashing it for a consistent ETag.
func (b *GCSStore) write(ctx context.Context, object string, body io.Reader, metadata map[string]string) (string, error) {
	h := md5.New()
	w := b.client.NewWriter(ctx, b.Bucket, object, metadata)
	if _, err := io.Copy(w, io.TeeReader(body, h)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

// Put uploads body to the object named by key.
func (b *GCSStore) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	return b.write(ctx, b.gcsKey(key), body, metadata)
}

// Get opens the object named by key.
func (b *GCSStore) Get(ctx context.Context, key string) (*GetOutput, error) {
	name := b.gcsKey(key)
	attrs, err := b.client.Attrs(ctx, b.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting object attrs from GCS: %w", err)
	}
	reader, err := b.client.NewReader(ctx, b.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting object from GCS: %w", err)
	}

	metadata := make(map[string]string, len(attrs.Metadata))
	for k, v := range attrs.Metadata {
		if k != gcsMetaETag {
			metadata[k] = v
		}
	}
	return &GetOutput{Body: reader, Size: attrs.Size, ETag: attrs.etag(), Metadata: metadata}, nil
}

// CreateMultipartUpload writes an upload marker carrying the final metadata.
func (b *GCSStore) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	uploadID := uid.New()
	if _, err := b.write(ctx, b.uploadKey(uploadID), strings.NewReader(key), metadata); err != nil {
		return "", fmt.Errorf("creating upload marker: %w", err)
	}
	return uploadID, nil
}

// UploadPart stores a part as a temporary object.
func (b *GCSStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	if _, err := b.client.Attrs(ctx, b.Bucket, b.uploadKey(uploadID)); err != nil {
		if isGCSNotFound(err) {
			return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
		}
		return "", err
	}
	etag, err := b.write(ctx, b.partKey(uploadID, partNumber), body, nil)
	if err != nil {
		return "", fmt.Errorf("uploading part %d: %w", partNumber, err)
	}
	return etag, nil
}

// CompleteMultipartUpload composes the parts into the final object. More
// than 32 parts are composed in chained batches.
func (b *GCSStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	marker, err := b.client.Attrs(ctx, b.Bucket, b.uploadKey(uploadID))
	if err != nil {
		if isGCSNotFound(err) {
			return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
		}
		return "", err
	}

	etag := compositeETag(parts)
	metadata := make(map[string]string, len(marker.Metadata)+1)
	for k, v := range marker.Metadata {
		metadata[k] = v
	}
	metadata[gcsMetaETag] = etag

	sourceNames := make([]string, len(parts))
	for i, p := range parts {
		sourceNames[i] = b.partKey(uploadID, p.PartNumber)
	}

	finalName := b.gcsKey(key)
	intermediates, err := b.chainCompose(ctx, sourceNames, finalName, metadata)
	for _, name := range intermediates {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil {
			slog.Warn("Failed to clean up intermediate compose object", "object", name, "error", delErr)
		}
	}
	if err != nil {
		return "", err
	}

	if err := b.deleteUpload(ctx, uploadID); err != nil {
		slog.Warn("Failed to clean up multipart parts", "upload_id", uploadID, "error", err)
	}
	return etag, nil
}

// chainCompose composes sourceNames into finalName, batching by 32.
// Returns a list of intermediate object names that should be cleaned up.
func (b *GCSStore) chainCompose(ctx context.Context, sourceNames []string, finalName string, metadata map[string]string) ([]string, error) {
	var allIntermediates []string
	currentSources := sourceNames

	generation := 0
	for len(currentSources) > maxComposeSources {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := min(i+maxComposeSources, len(currentSources))
			batch := currentSources[i:end]
			if len(batch) == 1 {
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, intermediateName, batch, nil); err != nil {
				return allIntermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
			allIntermediates = append(allIntermediates, intermediateName)
		}
		currentSources = nextSources
		generation++
	}

	if _, err := b.client.Compose(ctx, b.Bucket, finalName, currentSources, metadata); err != nil {
		return allIntermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return allIntermediates, nil
}

func (b *GCSStore) deleteUpload(ctx context.Context, uploadID string) error {
	prefix := b.Prefix + ".parts/" + uploadID + "/"
	after := ""
	for {
		page, more, err := b.client.ListObjects(ctx, b.Bucket, prefix, after, 1000)
		if err != nil {
			return fmt.Errorf("listing parts for upload %s: %w", uploadID, err)
		}
		for _, obj := range page {
			if err := b.client.Delete(ctx, b.Bucket, obj.Name); err != nil && !isGCSNotFound(err) {
				return fmt.Errorf("deleting part %s: %w", obj.Name, err)
			}
			after = obj.Name
		}
		if !more {
			return nil
		}
	}
}

// AbortMultipartUpload deletes the upload marker and every part.
func (b *GCSStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return b.deleteUpload(ctx, uploadID)
}

// DeleteMany deletes objects one by one. GCS reports missing objects as
// errors, which count as deleted here.
func (b *GCSStore) DeleteMany(ctx context.Context, keys []string) ([]string, error) {
	deleted := make([]string, 0, len(keys))
	var errs []error
	for _, key := range keys {
		if err := b.client.Delete(ctx, b.Bucket, b.gcsKey(key)); err != nil && !isGCSNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errors.Join(errs...)
}

// List returns one page of keys. Delimited listings are collapsed locally,
// so the continuation token may name a key inside a common prefix.
func (b *GCSStore) List(ctx context.Context, in ListInput) (*ListOutput, error) {
	maxKeys := in.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	after := in.StartAfter
	if in.ContinuationToken != "" {
		after = in.ContinuationToken
	}
	gcsAfter := ""
	if after != "" {
		gcsAfter = b.gcsKey(after)
	}

	page, more, err := b.client.ListObjects(ctx, b.Bucket, b.gcsKey(in.Prefix), gcsAfter, maxKeys)
	if err != nil {
		return nil, fmt.Errorf("listing GCS objects: %w", err)
	}

	objects := make([]Object, 0, len(page))
	for i := range page {
		attrs := &page[i]
		key := strings.TrimPrefix(attrs.Name, b.Prefix)
		if strings.HasPrefix(key, ".parts/") {
			continue
		}
		objects = append(objects, Object{Key: key, Size: attrs.Size, ETag: attrs.etag(), LastModified: attrs.Updated})
	}

	out := listSorted(objects, ListInput{Prefix: in.Prefix, Delimiter: in.Delimiter, StartAfter: after, MaxKeys: maxKeys})
	if out.NextContinuationToken == "" && more && len(page) > 0 {
		out.NextContinuationToken = strings.TrimPrefix(page[len(page)-1].Name, b.Prefix)
	}
	return out, nil
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ BlobStore = (*GCSStore)(nil)
