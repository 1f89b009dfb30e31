package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/record"
)

const (
	firestoreTimeFormat = "2006-01-02T15:04:05.000Z"

	// maxFirestoreBatch is the write limit of one Firestore batch.
	maxFirestoreBatch = 500
)

// FirestoreOptions configures NewFirestoreStore.
type FirestoreOptions struct {
	ProjectID       string
	CredentialsFile string
	// Collection holds one document per record.
	Collection string
}

// FirestoreStore implements IndexedDB on a Firestore collection. Each
// document stores the item as DynamoDB JSON next to the indexed record_id
// and record_type fields.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func encodeKey(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func decodeKey(encoded string) string {
	padding := 4 - len(encoded)%4
	if padding != 4 {
		encoded += strings.Repeat("=", padding)
	}
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return encoded
	}
	return string(decoded)
}

func NewFirestoreStore(ctx context.Context, opts FirestoreOptions) (*FirestoreStore, error) {
	if opts.Collection == "" {
		return nil, fmt.Errorf("firestore collection is required")
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, opts.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	slog.Info("Firestore store initialized", "project", opts.ProjectID, "collection", opts.Collection)
	return &FirestoreStore{
		client:     client,
		collection: opts.Collection,
	}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.collectionRef().Doc(encodeKey(id))
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func firestoreNow() string {
	return time.Now().UTC().Format(firestoreTimeFormat)
}

// itemToDoc builds the document stored for item.
func itemToDoc(item Item) (map[string]interface{}, error) {
	data, err := codec.MarshalItemJSON(item)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"record_id":   itemID(item),
		"record_type": itemType(item),
		"item":        string(data),
		"updated_at":  firestoreNow(),
	}, nil
}

// docToItem decodes the item held by a stored document.
func docToItem(m map[string]interface{}) (Item, error) {
	raw, _ := m["item"].(string)
	if raw == "" {
		return nil, fmt.Errorf("document without item")
	}
	return codec.UnmarshalItemJSON([]byte(raw))
}

func (s *FirestoreStore) BatchGet(ctx context.Context, ids []record.ID, projection []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = s.docRef(string(id))
	}

	docs, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("batch get: %w", err)
	}
	var out []Item
	for _, doc := range docs {
		if !doc.Exists() {
			continue
		}
		item, err := docToItem(doc.Data())
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", decodeKey(doc.Ref.ID), err)
		}
		out = append(out, project(item, projection))
	}
	return out, nil
}

// BatchWrite commits puts and deletes in batches of at most 500 writes.
func (s *FirestoreStore) BatchWrite(ctx context.Context, puts []Item, deletes []record.ID) error {
	batch := s.client.Batch()
	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		batch = s.client.Batch()
		pending = 0
		return nil
	}

	for _, item := range puts {
		id := itemID(item)
		if id == "" {
			return fmt.Errorf("item without %s", record.FieldRecordID)
		}
		doc, err := itemToDoc(item)
		if err != nil {
			return fmt.Errorf("encoding item %q: %w", id, err)
		}
		batch.Set(s.docRef(id), doc)
		if pending++; pending == maxFirestoreBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	for _, id := range deletes {
		batch.Delete(s.docRef(string(id)))
		if pending++; pending == maxFirestoreBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (s *FirestoreStore) Query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	query := s.collectionRef().
		Where("record_type", "==", in.RecordType).
		OrderBy("record_id", firestore.Asc)
	if after := itemID(in.ExclusiveStartKey); after != "" {
		query = query.StartAfter(after)
	}
	if in.Limit > 0 {
		query = query.Limit(int(in.Limit) + 1)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", RecordTypeIndex, err)
	}
	items := make([]Item, 0, len(docs))
	for _, doc := range docs {
		item, err := docToItem(doc.Data())
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", decodeKey(doc.Ref.ID), err)
		}
		items = append(items, item)
	}
	return pageItems(items, QueryInput{Projection: in.Projection, Limit: in.Limit}), nil
}

func (s *FirestoreStore) Scan(ctx context.Context, fn func(Item) error) error {
	iter := s.collectionRef().OrderBy("record_id", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: collection %s", ErrNotFound, s.collection)
			}
			return fmt.Errorf("scanning collection %s: %w", s.collection, err)
		}
		item, err := docToItem(doc.Data())
		if err != nil {
			return fmt.Errorf("decoding %s: %w", decodeKey(doc.Ref.ID), err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

var _ IndexedDB = (*FirestoreStore)(nil)
