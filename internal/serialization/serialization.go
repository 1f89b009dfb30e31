// Package serialization exports and imports the records of an indexed
// database as JSON lines.
//
// The first line is a header object; every following line is one item in
// DynamoDB JSON form, so a dump taken from one engine loads into any other.
package serialization

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/metadata"
	"github.com/bleepstore/rfstore/internal/record"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// headerKey names the header object on the first line.
const headerKey = "rfstore_export"

// importBatchSize is the number of items written per BatchWrite call.
const importBatchSize = 25

// maxLineBytes bounds a single exported item.
const maxLineBytes = 16 << 20

// ExportOptions configures what to export.
type ExportOptions struct {
	// RecordTypes limits the export to these types. Empty exports all.
	RecordTypes []string
	// DatabaseID is recorded in the header.
	DatabaseID string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace removes every existing item first. Otherwise items whose
	// RecordID already exists are skipped.
	Replace bool
}

// ImportResult holds the result of an import, keyed by record type.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// Export writes every item of db to w and returns the number of items
// written.
func Export(ctx context.Context, db metadata.IndexedDB, w io.Writer, opts *ExportOptions) (int, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}
	bw := bufio.NewWriter(w)

	header, err := marshalSorted(map[string]any{
		headerKey: map[string]any{
			"version":     ExportVersion,
			"exported_at": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"database_id": opts.DatabaseID,
			"source":      "go/" + Version,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("encoding header: %w", err)
	}
	if err := writeLine(bw, header); err != nil {
		return 0, err
	}

	n := 0
	err = db.Scan(ctx, func(item metadata.Item) error {
		if len(opts.RecordTypes) > 0 && !slices.Contains(opts.RecordTypes, stringAttr(item, record.FieldRecordType)) {
			return nil
		}
		line, err := codec.MarshalItemJSON(item)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", stringAttr(item, record.FieldRecordID), err)
		}
		if err := writeLine(bw, line); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("scanning database: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("writing export: %w", err)
	}
	return n, nil
}

// Import loads an export made by Export into db.
func Import(ctx context.Context, db metadata.IndexedDB, r io.Reader, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading header: %w", err)
		}
		return nil, errors.New("reading header: empty input")
	}
	if err := checkHeader(sc.Bytes()); err != nil {
		return nil, err
	}

	if opts.Replace {
		if err := clearDatabase(ctx, db); err != nil {
			return nil, err
		}
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}
	var batch []metadata.Item
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		defer func() { batch = batch[:0] }()
		puts := batch
		if !opts.Replace {
			var err error
			if puts, err = withoutExisting(ctx, db, batch, result); err != nil {
				return err
			}
		}
		if len(puts) == 0 {
			return nil
		}
		if err := db.BatchWrite(ctx, puts, nil); err != nil {
			return fmt.Errorf("writing %d items: %w", len(puts), err)
		}
		for _, item := range puts {
			result.Counts[stringAttr(item, record.FieldRecordType)]++
		}
		return nil
	}

	line := 1
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		item, err := codec.UnmarshalItemJSON(sc.Bytes())
		if err != nil || stringAttr(item, record.FieldRecordID) == "" {
			result.Skipped[""]++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped line %d: not a record item", line))
			continue
		}
		batch = append(batch, item)
		if len(batch) == importBatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return result, fmt.Errorf("reading line %d: %w", line+1, err)
	}
	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

func checkHeader(line []byte) error {
	var data map[string]any
	if err := json.Unmarshal(line, &data); err != nil {
		return fmt.Errorf("parsing header: %w", err)
	}
	envelope, _ := data[headerKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return fmt.Errorf("unsupported export version: %v", version)
	}
	return nil
}

// clearDatabase deletes every item of db in batches.
func clearDatabase(ctx context.Context, db metadata.IndexedDB) error {
	var ids []record.ID
	err := db.Scan(ctx, func(item metadata.Item) error {
		ids = append(ids, record.ID(stringAttr(item, record.FieldRecordID)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning database: %w", err)
	}
	for chunk := range slices.Chunk(ids, importBatchSize) {
		if err := db.BatchWrite(ctx, nil, chunk); err != nil {
			return fmt.Errorf("deleting %d items: %w", len(chunk), err)
		}
	}
	return nil
}

// withoutExisting drops the items of batch whose RecordID is already stored
// and counts them as skipped.
func withoutExisting(ctx context.Context, db metadata.IndexedDB, batch []metadata.Item, result *ImportResult) ([]metadata.Item, error) {
	ids := make([]record.ID, len(batch))
	for i, item := range batch {
		ids[i] = record.ID(stringAttr(item, record.FieldRecordID))
	}
	existing, err := db.BatchGet(ctx, ids, record.RequiredKeys)
	if err != nil {
		return nil, fmt.Errorf("reading %d items: %w", len(ids), err)
	}
	stored := make(map[string]bool, len(existing))
	for _, item := range existing {
		stored[stringAttr(item, record.FieldRecordID)] = true
	}

	out := make([]metadata.Item, 0, len(batch))
	for _, item := range batch {
		if stored[stringAttr(item, record.FieldRecordID)] {
			result.Skipped[stringAttr(item, record.FieldRecordType)]++
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func stringAttr(item metadata.Item, key string) string {
	if s, ok := item[key].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func writeLine(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

// marshalSorted produces compact JSON with sorted keys.
func marshalSorted(data map[string]any) ([]byte, error) {
	return sortedMap(data).MarshalJSON()
}

// sortedMap is a map that marshals with sorted keys.
type sortedMap map[string]any

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')

		valBytes, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func marshalValue(v any) ([]byte, error) {
	if val, ok := v.(map[string]any); ok {
		return sortedMap(val).MarshalJSON()
	}
	return json.Marshal(v)
}
