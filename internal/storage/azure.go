package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/bleepstore/rfstore/internal/uid"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client that
// AzureStore uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadStream uploads body to a blob, overwriting it, and returns the
	// new ETag.
	UploadStream(ctx context.Context, containerName, blobName string, body io.Reader, metadata map[string]*string) (string, error)
	// DownloadStream opens a blob.
	DownloadStream(ctx context.Context, containerName, blobName string) (*AzureBlob, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// StageBlock stages a block on a blob for later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, metadata map[string]*string) (string, error)
	// ListBlobs returns one page of blobs.
	ListBlobs(ctx context.Context, containerName string, in AzureListInput) (*AzureListPage, error)
}

// AzureBlob is an opened blob. The caller closes Body.
type AzureBlob struct {
	Body     io.ReadCloser
	Size     int64
	ETag     string
	Metadata map[string]*string
}

// AzureListInput selects one page of a blob listing. An empty Delimiter
// lists flat.
type AzureListInput struct {
	Prefix     string
	Delimiter  string
	Marker     string
	MaxResults int32
}

// AzureListPage is one page of a blob listing.
type AzureListPage struct {
	Blobs      []AzureBlobItem
	Prefixes   []string
	NextMarker string
}

// AzureOptions configures NewAzureStore.
type AzureOptions struct {
	Container          string
	AccountURL         string
	Prefix             string
	ConnectionString   string
	UseManagedIdentity bool
}

// AzureStore implements BlobStore over an Azure Blob Storage container.
//
// Key mapping:
//
//	Assets:  {prefix}{key}
//
// Multipart uploads use Block Blob primitives: each part is a StageBlock on
// the final blob and completion is a CommitBlockList. Aborted uploads leave
// uncommitted blocks behind, which Azure expires after 7 days.
//
// Continuation tokens are Azure list markers.
type AzureStore struct {
	// Container is the Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is prepended to every blob name.
	Prefix string
	client AzureBlobAPI

	mu      sync.Mutex
	uploads map[string]azureUpload
}

type azureUpload struct {
	key      string
	metadata map[string]*string
}

// NewAzureStore creates an AzureStore and verifies the container is
// reachable.
func NewAzureStore(ctx context.Context, opts AzureOptions) (*AzureStore, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureStoreWithClient(opts.Container, opts.AccountURL, opts.Prefix, client)
	if _, err := client.ListBlobs(ctx, opts.Container, AzureListInput{Prefix: "\x00nonexistent\x00", MaxResults: 1}); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure blob store initialized", "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return b, nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured client.
func NewAzureStoreWithClient(containerName, accountURL, prefix string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{
		Container:  containerName,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
		uploads:    make(map[string]azureUpload),
	}
}

func (b *AzureStore) blobName(key string) string {
	return b.Prefix + key
}

// blockID generates a block ID for Azure staged blocks.
// Block IDs must be base64-encoded and the same length for all blocks
// in a blob. Includes uploadID to avoid collisions between concurrent
// multipart uploads to the same key.
func blockID(uploadID string, partNumber int32) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)),
	)
}

// toAzureMetadata maps user metadata to Azure names, which must be valid C#
// identifiers, so dashes become underscores.
func toAzureMetadata(metadata map[string]string) map[string]*string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		out[strings.ReplaceAll(k, "-", "_")] = &v
	}
	return out
}

// fromAzureMetadata reverses toAzureMetadata. Azure may return names with
// altered case.
func fromAzureMetadata(metadata map[string]*string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if v == nil {
			continue
		}
		out[strings.ReplaceAll(strings.ToLower(k), "_", "-")] = *v
	}
	return out
}

// Put uploads body to the blob named by key.
func (b *AzureStore) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	etag, err := b.client.UploadStream(ctx, b.Container, b.blobName(key), body, toAzureMetadata(metadata))
	if err != nil {
		return "", fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return etag, nil
}

// Get opens the blob named by key.
func (b *AzureStore) Get(ctx context.Context, key string) (*GetOutput, error) {
	blob, err := b.client.DownloadStream(ctx, b.Container, b.blobName(key))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return &GetOutput{Body: blob.Body, Size: blob.Size, ETag: blob.ETag, Metadata: fromAzureMetadata(blob.Metadata)}, nil
}

// CreateMultipartUpload registers an upload. Metadata is applied on commit.
func (b *AzureStore) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	uploadID := uid.New()
	b.mu.Lock()
	b.uploads[uploadID] = azureUpload{key: key, metadata: toAzureMetadata(metadata)}
	b.mu.Unlock()
	return uploadID, nil
}

func (b *AzureStore) upload(key, uploadID string) (azureUpload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[uploadID]
	if !ok || up.key != key {
		return azureUpload{}, fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	return up, nil
}

// UploadPart stages a block on the final blob.
func (b *AzureStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	if _, err := b.upload(key, uploadID); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	id := blockID(uploadID, partNumber)
	if err := b.client.StageBlock(ctx, b.Container, b.blobName(key), id, data); err != nil {
		return "", fmt.Errorf("staging block for part %d: %w", partNumber, err)
	}
	return id, nil
}

// CompleteMultipartUpload commits the staged blocks in part order.
func (b *AzureStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	up, err := b.upload(key, uploadID)
	if err != nil {
		return "", err
	}
	blockIDs := make([]string, len(parts))
	for i, p := range parts {
		blockIDs[i] = blockID(uploadID, p.PartNumber)
	}
	etag, err := b.client.CommitBlockList(ctx, b.Container, b.blobName(key), blockIDs, up.metadata)
	if err != nil {
		return "", fmt.Errorf("committing block list: %w", err)
	}
	b.mu.Lock()
	delete(b.uploads, uploadID)
	b.mu.Unlock()
	return etag, nil
}

// AbortMultipartUpload forgets the upload.
func (b *AzureStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	b.mu.Lock()
	delete(b.uploads, uploadID)
	b.mu.Unlock()
	return nil
}

// DeleteMany deletes blobs one by one. Missing blobs count as deleted.
func (b *AzureStore) DeleteMany(ctx context.Context, keys []string) ([]string, error) {
	deleted := make([]string, 0, len(keys))
	var errs []error
	for _, key := range keys {
		if err := b.client.DeleteBlob(ctx, b.Container, b.blobName(key)); err != nil && !isAzureNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errors.Join(errs...)
}

// List returns one page of blobs. StartAfter is applied locally since Azure
// only resumes from its own markers.
func (b *AzureStore) List(ctx context.Context, in ListInput) (*ListOutput, error) {
	maxKeys := in.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	page, err := b.client.ListBlobs(ctx, b.Container, AzureListInput{
		Prefix:     b.blobName(in.Prefix),
		Delimiter:  in.Delimiter,
		Marker:     in.ContinuationToken,
		MaxResults: int32(maxKeys),
	})
	if err != nil {
		return nil, fmt.Errorf("listing Azure blobs: %w", err)
	}

	out := &ListOutput{NextContinuationToken: page.NextMarker}
	for _, item := range page.Blobs {
		key := strings.TrimPrefix(item.Name, b.Prefix)
		if key <= in.StartAfter {
			continue
		}
		out.Objects = append(out.Objects, Object{Key: key, Size: item.Size, ETag: item.ETag, LastModified: item.LastModified})
	}
	for _, p := range page.Prefixes {
		cp := strings.TrimPrefix(p, b.Prefix)
		if cp <= in.StartAfter {
			continue
		}
		out.CommonPrefixes = append(out.CommonPrefixes, cp)
	}
	return out, nil
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

var _ BlobStore = (*AzureStore)(nil)
