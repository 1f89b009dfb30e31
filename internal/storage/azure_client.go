package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. If connectionString is
// non-empty, it uses connection string auth. If useManagedIdentity is true, it
// uses managed identity credentials. Otherwise it falls back to
// DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func etagString(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func (c *realAzureClient) UploadStream(ctx context.Context, containerName, blobName string, body io.Reader, metadata map[string]*string) (string, error) {
	resp, err := c.client.UploadStream(ctx, containerName, blobName, body, &azblob.UploadStreamOptions{Metadata: metadata})
	if err != nil {
		return "", err
	}
	return etagString(resp.ETag), nil
}

func (c *realAzureClient) DownloadStream(ctx context.Context, containerName, blobName string) (*AzureBlob, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	blob := &AzureBlob{Body: resp.Body, ETag: etagString(resp.ETag), Metadata: resp.Metadata}
	if resp.ContentLength != nil {
		blob.Size = *resp.ContentLength
	}
	return blob, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := bbClient.StageBlock(ctx, blockID, body, nil)
	return err
}

func (c *realAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, metadata map[string]*string) (string, error) {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	resp, err := bbClient.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{Metadata: metadata})
	if err != nil {
		return "", err
	}
	return etagString(resp.ETag), nil
}

func blobItem(name *string, props *container.BlobProperties) AzureBlobItem {
	item := AzureBlobItem{Name: *name}
	if props != nil {
		if props.ContentLength != nil {
			item.Size = *props.ContentLength
		}
		item.ETag = etagString(props.ETag)
		if props.LastModified != nil {
			item.LastModified = props.LastModified.UTC()
		}
	}
	return item
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName string, in AzureListInput) (*AzureListPage, error) {
	cc := c.client.ServiceClient().NewContainerClient(containerName)
	var marker *string
	if in.Marker != "" {
		marker = to.Ptr(in.Marker)
	}
	page := &AzureListPage{}

	if in.Delimiter == "" {
		pager := cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			Prefix:     to.Ptr(in.Prefix),
			Marker:     marker,
			MaxResults: to.Ptr(in.MaxResults),
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, it := range resp.Segment.BlobItems {
			page.Blobs = append(page.Blobs, blobItem(it.Name, it.Properties))
		}
		if resp.NextMarker != nil {
			page.NextMarker = *resp.NextMarker
		}
		return page, nil
	}

	pager := cc.NewListBlobsHierarchyPager(in.Delimiter, &container.ListBlobsHierarchyOptions{
		Prefix:     to.Ptr(in.Prefix),
		Marker:     marker,
		MaxResults: to.Ptr(in.MaxResults),
	})
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, err
	}
	for _, it := range resp.Segment.BlobItems {
		page.Blobs = append(page.Blobs, blobItem(it.Name, it.Properties))
	}
	for _, p := range resp.Segment.BlobPrefixes {
		if p.Name != nil {
			page.Prefixes = append(page.Prefixes, *p.Name)
		}
	}
	if resp.NextMarker != nil {
		page.NextMarker = *resp.NextMarker
	}
	return page, nil
}

// AzureBlobItem is one blob of a listing page.
type AzureBlobItem struct {
	Name         string
	Size         int64
	ETag         string
	LastModified time.Time
}
