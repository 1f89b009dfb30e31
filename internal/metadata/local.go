package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/record"
)

// jsonlEntry is one line of a table journal. Data holds the item as
// DynamoDB JSON; deletions carry only the record ID.
type jsonlEntry struct {
	RecordID string          `json:"record_id"`
	Data     json.RawMessage `json:"data,omitempty"`
	Deleted  bool            `json:"_deleted,omitempty"`
}

// LocalOptions configures NewLocalStore.
type LocalOptions struct {
	RootDir string
	Table   string
	// CompactOnStartup rewrites the journal with live items only.
	CompactOnStartup bool
}

// LocalStore implements IndexedDB as an append-only JSONL journal per table,
// replayed into memory when opened.
type LocalStore struct {
	mu      sync.Mutex
	fs      afero.Fs
	rootDir string
	table   string
	mem     *MemoryStore
}

// NewLocalStore opens the journal of opts.Table under opts.RootDir on fs.
func NewLocalStore(fs afero.Fs, opts LocalOptions) (*LocalStore, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("local table name is required")
	}
	if opts.RootDir == "" {
		opts.RootDir = "./data/metadata"
	}

	if err := fs.MkdirAll(opts.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	s := &LocalStore{
		fs:      fs,
		rootDir: opts.RootDir,
		table:   opts.Table,
		mem:     NewMemoryStore(),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if opts.CompactOnStartup {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata: %w", err)
		}
	}
	return s, nil
}

func (s *LocalStore) path() string {
	return filepath.Join(s.rootDir, s.table+".jsonl")
}

func (s *LocalStore) load() error {
	f, err := s.fs.Open(s.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		// A torn trailing line from a crash is skipped.
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Deleted {
			s.mem.BatchWrite(ctx, nil, []record.ID{record.ID(entry.RecordID)})
			continue
		}
		item, err := codec.UnmarshalItemJSON(entry.Data)
		if err != nil {
			return fmt.Errorf("decoding %q: %w", entry.RecordID, err)
		}
		if err := s.mem.BatchWrite(ctx, []Item{item}, nil); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func writeJSONLLine(w io.Writer, entry jsonlEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = w.Write(append(line, '\n'))
	return err
}

func itemEntry(item Item) (jsonlEntry, error) {
	data, err := codec.MarshalItemJSON(item)
	if err != nil {
		return jsonlEntry{}, err
	}
	return jsonlEntry{RecordID: itemID(item), Data: data}, nil
}

// compact rewrites the journal through a temp file and rename.
func (s *LocalStore) compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path()
	tmpPath := path + ".tmp"
	f, err := s.fs.Create(tmpPath)
	if err != nil {
		return err
	}

	err = s.mem.Scan(context.Background(), func(item Item) error {
		entry, err := itemEntry(item)
		if err != nil {
			return err
		}
		return writeJSONLLine(f, entry)
	})
	if err == nil {
		err = f.Sync()
	}
	f.Close()
	if err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	return s.fs.Rename(tmpPath, path)
}

func (s *LocalStore) Ping(ctx context.Context) error {
	_, err := s.fs.Stat(s.rootDir)
	return err
}

func (s *LocalStore) Close() error {
	return nil
}

func (s *LocalStore) BatchGet(ctx context.Context, ids []record.ID, projection []string) ([]Item, error) {
	return s.mem.BatchGet(ctx, ids, projection)
}

// BatchWrite appends every change to the journal before applying it in
// memory.
func (s *LocalStore) BatchWrite(ctx context.Context, puts []Item, deletes []record.ID) error {
	var buf strings.Builder
	for _, item := range puts {
		if itemID(item) == "" {
			return fmt.Errorf("item without %s", record.FieldRecordID)
		}
		entry, err := itemEntry(item)
		if err != nil {
			return fmt.Errorf("encoding item %q: %w", itemID(item), err)
		}
		if err := writeJSONLLine(&buf, entry); err != nil {
			return err
		}
	}
	for _, id := range deletes {
		if err := writeJSONLLine(&buf, jsonlEntry{RecordID: string(id), Deleted: true}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(buf.String())); err != nil {
		f.Close()
		return fmt.Errorf("appending to journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.mem.BatchWrite(ctx, puts, deletes)
}

func (s *LocalStore) Query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	return s.mem.Query(ctx, in)
}

func (s *LocalStore) Scan(ctx context.Context, fn func(Item) error) error {
	return s.mem.Scan(ctx, fn)
}

var _ IndexedDB = (*LocalStore)(nil)
