package metadata

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/bleepstore/rfstore/internal/record"
)

// MemoryStore implements IndexedDB with an in-memory map. It is used in
// tests and for throwaway containers.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) BatchGet(ctx context.Context, ids []record.ID, projection []string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.items[string(id)]; ok {
			out = append(out, project(maps.Clone(item), projection))
		}
	}
	return out, nil
}

func (s *MemoryStore) BatchWrite(ctx context.Context, puts []Item, deletes []record.ID) error {
	for _, item := range puts {
		if itemID(item) == "" {
			return fmt.Errorf("item without %s", record.FieldRecordID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range puts {
		s.items[itemID(item)] = maps.Clone(item)
	}
	for _, id := range deletes {
		delete(s.items, string(id))
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	s.mu.RLock()
	var matched []Item
	for _, item := range s.items {
		if itemType(item) == in.RecordType {
			matched = append(matched, maps.Clone(item))
		}
	}
	s.mu.RUnlock()

	sortItems(matched)
	return pageItems(matched, in), nil
}

func (s *MemoryStore) Scan(ctx context.Context, fn func(Item) error) error {
	s.mu.RLock()
	all := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		all = append(all, maps.Clone(item))
	}
	s.mu.RUnlock()

	sortItems(all)
	for _, item := range all {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored items.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

var _ IndexedDB = (*MemoryStore)(nil)
