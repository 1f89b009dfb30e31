package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/record"
)

const (
	cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

	// cosmosPartition is the single logical partition every record lives in.
	cosmosPartition = "record"
)

// CosmosOptions configures NewCosmosStore.
type CosmosOptions struct {
	Endpoint  string
	MasterKey string
	Database  string
	Container string
}

// CosmosStore implements IndexedDB on an Azure Cosmos DB container.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

func NewCosmosStore(ctx context.Context, opts CosmosOptions) (*CosmosStore, error) {
	if opts.Endpoint == "" && opts.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint or master key is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if opts.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	var cred azcosmos.KeyCredential
	if opts.MasterKey != "" {
		var err error
		cred, err = azcosmos.NewKeyCredential(opts.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
	}

	client, err := azcosmos.NewClientWithKey(opts.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}

	containerClient, err := dbClient.NewContainer(opts.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	slog.Info("Cosmos DB store initialized", "database", opts.Database, "container", opts.Container)
	return &CosmosStore{
		client:    containerClient,
		database:  opts.Database,
		container: opts.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	if err != nil && isCosmosNotFound(err) {
		return fmt.Errorf("%w: container %s", ErrNotFound, s.container)
	}
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

func cosmosNow() string {
	return time.Now().UTC().Format(cosmosTimeFormat)
}

func isCosmosNotFound(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

func partitionKey() azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(cosmosPartition)
}

// cosmosItem is the stored document. Item holds the DynamoDB JSON of the
// record.
type cosmosItem struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	RecordID   string          `json:"record_id"`
	RecordType string          `json:"record_type"`
	Item       json.RawMessage `json:"item"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
}

// cosmosDocID maps a record ID to a document ID. Cosmos rejects '/', '\',
// '?' and '#' in IDs, all of which may appear in record IDs.
func cosmosDocID(id string) string {
	return encodeKey(id)
}

func newCosmosItem(item Item) ([]byte, error) {
	data, err := codec.MarshalItemJSON(item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cosmosItem{
		ID:         cosmosDocID(itemID(item)),
		Type:       cosmosPartition,
		RecordID:   itemID(item),
		RecordType: itemType(item),
		Item:       data,
		UpdatedAt:  cosmosNow(),
	})
}

func decodeCosmosItem(raw []byte) (Item, error) {
	var ci cosmosItem
	if err := json.Unmarshal(raw, &ci); err != nil {
		return nil, fmt.Errorf("unmarshaling document: %w", err)
	}
	return codec.UnmarshalItemJSON(ci.Item)
}

func (s *CosmosStore) BatchGet(ctx context.Context, ids []record.ID, projection []string) ([]Item, error) {
	var out []Item
	for _, id := range ids {
		resp, err := s.client.ReadItem(ctx, partitionKey(), cosmosDocID(string(id)), nil)
		if err != nil {
			if isCosmosNotFound(err) {
				continue
			}
			return out, fmt.Errorf("reading %q: %w", id, err)
		}
		item, err := decodeCosmosItem(resp.Value)
		if err != nil {
			return out, err
		}
		out = append(out, project(item, projection))
	}
	return out, nil
}

func (s *CosmosStore) BatchWrite(ctx context.Context, puts []Item, deletes []record.ID) error {
	for _, item := range puts {
		id := itemID(item)
		if id == "" {
			return fmt.Errorf("item without %s", record.FieldRecordID)
		}
		data, err := newCosmosItem(item)
		if err != nil {
			return fmt.Errorf("encoding item %q: %w", id, err)
		}
		if _, err := s.client.UpsertItem(ctx, partitionKey(), data, nil); err != nil {
			return fmt.Errorf("putting item %q: %w", id, err)
		}
	}
	for _, id := range deletes {
		_, err := s.client.DeleteItem(ctx, partitionKey(), cosmosDocID(string(id)), nil)
		if err != nil && !isCosmosNotFound(err) {
			return fmt.Errorf("deleting item %q: %w", id, err)
		}
	}
	return nil
}

func (s *CosmosStore) Query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	query := "SELECT * FROM c WHERE c.type = @type AND c.record_type = @recordType AND c.record_id > @after ORDER BY c.record_id"
	opts := &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{
			{Name: "@type", Value: cosmosPartition},
			{Name: "@recordType", Value: in.RecordType},
			{Name: "@after", Value: itemID(in.ExclusiveStartKey)},
		},
	}
	if in.Limit > 0 {
		opts.PageSizeHint = in.Limit + 1
	}

	var items []Item
	pager := s.client.NewQueryItemsPager(query, partitionKey(), opts)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", RecordTypeIndex, err)
		}
		for _, raw := range resp.Items {
			item, err := decodeCosmosItem(raw)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		if in.Limit > 0 && int32(len(items)) > in.Limit {
			break
		}
	}
	return pageItems(items, QueryInput{Projection: in.Projection, Limit: in.Limit}), nil
}

func (s *CosmosStore) Scan(ctx context.Context, fn func(Item) error) error {
	pager := s.client.NewQueryItemsPager("SELECT * FROM c WHERE c.type = @type", partitionKey(), &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{{Name: "@type", Value: cosmosPartition}},
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scanning container %s: %w", s.container, err)
		}
		for _, raw := range resp.Items {
			item, err := decodeCosmosItem(raw)
			if err != nil {
				return err
			}
			if err := fn(item); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ IndexedDB = (*CosmosStore)(nil)
