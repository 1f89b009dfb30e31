// S3 blob store.
//
// Keys map one-to-one onto objects in a single bucket, optionally under a key
// prefix. Asset metadata travels as S3 user metadata, so the modification
// date arrives as the x-amz-meta-modification-date header.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// maxDeleteObjects is the S3 limit on keys per DeleteObjects call.
const maxDeleteObjects = 1000

// S3API defines the subset of the AWS S3 client interface that the store
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures NewS3Store.
type S3Options struct {
	Bucket       string
	Region       string
	Prefix       string
	EndpointURL  string
	UsePathStyle bool
	// Credentials overrides the default credential chain when set.
	Credentials aws.CredentialsProvider
}

// S3Store implements BlobStore on an Amazon S3 bucket.
type S3Store struct {
	// Bucket is the S3 bucket holding every key of the container.
	Bucket string
	// Prefix is prepended to every key.
	Prefix string
	client S3API
}

// NewS3Store creates an S3Store using the default AWS configuration chain
// with optional overrides for endpoint, path-style addressing and
// credentials.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(opts.Credentials))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	slog.Info("S3 blob store initialized", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return NewS3StoreWithClient(opts.Bucket, opts.Prefix, s3.NewFromConfig(cfg, s3Opts...)), nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured client. This
// is primarily used for testing with mock clients.
func NewS3StoreWithClient(bucket, prefix string, client S3API) *S3Store {
	return &S3Store{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *S3Store) s3Key(key string) string {
	return b.Prefix + key
}

func (b *S3Store) userKey(s3key string) string {
	return strings.TrimPrefix(s3key, b.Prefix)
}

// Get opens an object.
func (b *S3Store) Get(ctx context.Context, key string) (*GetOutput, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}

	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return &GetOutput{
		Body:     resp.Body,
		Size:     size,
		ETag:     aws.ToString(resp.ETag),
		Metadata: resp.Metadata,
	}, nil
}

// Put uploads an object in a single request.
func (b *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.s3Key(key)),
		Body:     body,
		Metadata: metadata,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	resp, err := b.client.PutObject(ctx, in)
	if err != nil {
		return "", fmt.Errorf("uploading to S3: %w", err)
	}
	return aws.ToString(resp.ETag), nil
}

// CreateMultipartUpload starts a native S3 multipart upload.
func (b *S3Store) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.s3Key(key)),
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("creating S3 multipart upload: %w", err)
	}
	return aws.ToString(resp.UploadId), nil
}

// UploadPart uploads one part of a multipart upload.
func (b *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	in := &s3.UploadPartInput{
		Bucket:     aws.String(b.Bucket),
		Key:        aws.String(b.s3Key(key)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	resp, err := b.client.UploadPart(ctx, in)
	if err != nil {
		return "", fmt.Errorf("uploading part %d: %w", partNumber, err)
	}
	return aws.ToString(resp.ETag), nil
}

// CompleteMultipartUpload assembles the uploaded parts.
func (b *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}
	resp, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.s3Key(key)),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("completing S3 multipart upload: %w", err)
	}
	return aws.ToString(resp.ETag), nil
}

// AbortMultipartUpload discards an unfinished multipart upload.
func (b *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.s3Key(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("aborting S3 multipart upload: %w", err)
	}
	return nil
}

// DeleteMany removes keys in batches of up to 1000. Per-key failures are
// joined into the returned error; the keys S3 confirmed are still returned.
func (b *S3Store) DeleteMany(ctx context.Context, keys []string) ([]string, error) {
	var deleted []string
	var errs []error
	for start := 0; start < len(keys); start += maxDeleteObjects {
		end := min(start+maxDeleteObjects, len(keys))
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(b.s3Key(k))})
		}

		resp, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting objects from S3: %w", err)
		}
		for _, d := range resp.Deleted {
			deleted = append(deleted, b.userKey(aws.ToString(d.Key)))
		}
		for _, e := range resp.Errors {
			errs = append(errs, fmt.Errorf("deleting %s: %s: %s", b.userKey(aws.ToString(e.Key)), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}
	return deleted, errors.Join(errs...)
}

// List returns one page of a ListObjectsV2 listing.
func (b *S3Store) List(ctx context.Context, in ListInput) (*ListOutput, error) {
	req := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(b.s3Key(in.Prefix)),
	}
	if in.Delimiter != "" {
		req.Delimiter = aws.String(in.Delimiter)
	}
	if in.StartAfter != "" {
		req.StartAfter = aws.String(b.s3Key(in.StartAfter))
	}
	if in.ContinuationToken != "" {
		req.ContinuationToken = aws.String(in.ContinuationToken)
	}
	if in.MaxKeys > 0 {
		req.MaxKeys = aws.Int32(int32(in.MaxKeys))
	}

	resp, err := b.client.ListObjectsV2(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing objects in S3: %w", err)
	}

	out := &ListOutput{}
	for _, obj := range resp.Contents {
		o := Object{
			Key:  b.userKey(aws.ToString(obj.Key)),
			ETag: aws.ToString(obj.ETag),
			Size: aws.ToInt64(obj.Size),
		}
		if obj.LastModified != nil {
			o.LastModified = *obj.LastModified
		}
		out.Objects = append(out.Objects, o)
	}
	for _, cp := range resp.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, b.userKey(aws.ToString(cp.Prefix)))
	}
	if aws.ToBool(resp.IsTruncated) {
		out.NextContinuationToken = aws.ToString(resp.NextContinuationToken)
	}
	return out, nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchUpload" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// Ensure S3Store implements BlobStore at compile time.
var _ BlobStore = (*S3Store)(nil)
