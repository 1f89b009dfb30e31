package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/record"
)

const (
	// DynamoDB service limits per request.
	maxBatchGet   = 100
	maxBatchWrite = 25

	maxUnprocessedRetries = 8
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoOptions configures NewDynamoStore.
type DynamoOptions struct {
	Table       string
	Region      string
	EndpointURL string
	// Credentials overrides the default credential chain when set.
	Credentials aws.CredentialsProvider
}

// DynamoStore implements IndexedDB on a DynamoDB table keyed by RecordID
// with a RecordTypeIndex global secondary index.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	// backoff is the base delay between retries of unprocessed items.
	backoff time.Duration
}

func NewDynamoStore(ctx context.Context, opts DynamoOptions) (*DynamoStore, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(opts.Credentials))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if opts.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(opts.EndpointURL)
	}

	slog.Info("DynamoDB store initialized", "table", opts.Table, "region", region)
	return NewDynamoStoreWithClient(opts.Table, dynamodb.NewFromConfig(awsCfg)), nil
}

// NewDynamoStoreWithClient creates a DynamoStore with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewDynamoStoreWithClient(table string, client DynamoAPI) *DynamoStore {
	return &DynamoStore{client: client, tableName: table, backoff: 50 * time.Millisecond}
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil && isResourceNotFound(err) {
		return fmt.Errorf("%w: table %s", ErrNotFound, s.tableName)
	}
	return err
}

func (s *DynamoStore) Close() error {
	return nil
}

func isResourceNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf) || strings.Contains(err.Error(), "ResourceNotFoundException")
}

// projectionExpression builds a projection with placeholder names, since
// record fields may collide with reserved words.
func projectionExpression(projection []string) (*string, map[string]string) {
	if len(projection) == 0 {
		return nil, nil
	}
	names := make(map[string]string, len(projection))
	parts := make([]string, len(projection))
	for i, field := range projection {
		p := fmt.Sprintf("#p%d", i)
		names[p] = field
		parts[i] = p
	}
	return aws.String(strings.Join(parts, ", ")), names
}

// wait sleeps before retry attempt n, or returns early on cancellation.
func (s *DynamoStore) wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(s.backoff * time.Duration(1<<attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *DynamoStore) BatchGet(ctx context.Context, ids []record.ID, projection []string) ([]Item, error) {
	expr, names := projectionExpression(projection)
	var out []Item

	for start := 0; start < len(ids); start += maxBatchGet {
		end := min(start+maxBatchGet, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, codec.StringKey(id))
		}
		request := map[string]types.KeysAndAttributes{
			s.tableName: {
				Keys:                     keys,
				ProjectionExpression:     expr,
				ExpressionAttributeNames: names,
			},
		}

		for attempt := 0; len(request) > 0; attempt++ {
			if attempt > maxUnprocessedRetries {
				return out, fmt.Errorf("batch get: unprocessed keys remain after %d retries", maxUnprocessedRetries)
			}
			if attempt > 0 {
				if err := s.wait(ctx, attempt); err != nil {
					return out, err
				}
			}
			resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return out, fmt.Errorf("batch get: %w", err)
			}
			out = append(out, resp.Responses[s.tableName]...)
			request = resp.UnprocessedKeys
		}
	}
	return out, nil
}

// BatchWrite splits the call into requests of at most 25 writes and retries
// unprocessed writes until the whole set is applied.
func (s *DynamoStore) BatchWrite(ctx context.Context, puts []Item, deletes []record.ID) error {
	writes := make([]types.WriteRequest, 0, len(puts)+len(deletes))
	for _, item := range puts {
		if itemID(item) == "" {
			return fmt.Errorf("item without %s", record.FieldRecordID)
		}
		writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	for _, id := range deletes {
		writes = append(writes, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: codec.StringKey(id)}})
	}

	for start := 0; start < len(writes); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(writes))
		request := map[string][]types.WriteRequest{s.tableName: writes[start:end]}

		for attempt := 0; len(request) > 0; attempt++ {
			if attempt > maxUnprocessedRetries {
				return fmt.Errorf("batch write: unprocessed items remain after %d retries", maxUnprocessedRetries)
			}
			if attempt > 0 {
				if err := s.wait(ctx, attempt); err != nil {
					return err
				}
			}
			resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: request})
			if err != nil {
				return fmt.Errorf("batch write: %w", err)
			}
			request = resp.UnprocessedItems
		}
	}
	return nil
}

func (s *DynamoStore) Query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	expr, names := projectionExpression(in.Projection)
	if names == nil {
		names = map[string]string{}
	}
	names["#t"] = record.FieldRecordType

	params := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(RecordTypeIndex),
		KeyConditionExpression: aws.String("#t = :RecordType"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":RecordType": &types.AttributeValueMemberS{Value: in.RecordType},
		},
		ExpressionAttributeNames: names,
		ProjectionExpression:     expr,
		ExclusiveStartKey:        in.ExclusiveStartKey,
	}
	if in.Limit > 0 {
		params.Limit = aws.Int32(in.Limit)
	}

	resp, err := s.client.Query(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", RecordTypeIndex, err)
	}
	return &QueryOutput{Items: resp.Items, LastEvaluatedKey: resp.LastEvaluatedKey}, nil
}

func (s *DynamoStore) Scan(ctx context.Context, fn func(Item) error) error {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scanning table %s: %w", s.tableName, err)
		}
		for _, item := range page.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ IndexedDB = (*DynamoStore)(nil)
