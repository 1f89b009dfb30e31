package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bleepstore/rfstore/internal/record"
)

// newTestStore creates a SQLiteStore backed by a temporary database file.
// The database is automatically cleaned up when the test finishes.
func newTestStore(t *testing.T, table string) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath, table)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runIndexedDBSuite(t, func(t *testing.T) IndexedDB {
		return newTestStore(t, "records")
	})
}

func TestSQLiteTablesAreIsolated(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteStore(dbPath, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewSQLiteStore(dbPath, "beta")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.BatchWrite(ctx, []Item{testItem("Note", "x", nil)}, nil); err != nil {
		t.Fatal(err)
	}
	got, err := b.BatchGet(ctx, []record.ID{"x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("table beta sees %d items from alpha", len(got))
	}
}

func TestSQLiteReopenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteStore(dbPath, "records")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.BatchWrite(ctx, []Item{testItem("Note", "kept", nil)}, nil); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(dbPath, "records")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.BatchGet(ctx, []record.ID{"kept"}, nil)
	if err != nil || len(got) != 1 {
		t.Fatalf("after reopen got %d items, err %v", len(got), err)
	}
}

func TestNewSQLiteStoreRequiresTable(t *testing.T) {
	if _, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), ""); err == nil {
		t.Error("expected error for empty table name")
	}
}
