package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/bleepstore/rfstore/internal/codec"
	"github.com/bleepstore/rfstore/internal/record"
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore implements IndexedDB on SQLite. Several tables share one file;
// each row holds an item encoded as DynamoDB JSON.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore opens the database at dsn and scopes the store to table.
func NewSQLiteStore(dsn, table string) (*SQLiteStore, error) {
	if table == "" {
		return nil, fmt.Errorf("sqlite table name is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db, table: table}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the items table and its index.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS items (
			table_name  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			record_type TEXT NOT NULL,
			item        TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (table_name, record_id)
		);

		CREATE INDEX IF NOT EXISTS "RecordType-index" ON items(table_name, record_type, record_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanItem(raw string) (Item, error) {
	item, err := codec.UnmarshalItemJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding stored item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) BatchGet(ctx context.Context, ids []record.ID, projection []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.table)
	for _, id := range ids {
		args = append(args, string(id))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item FROM items WHERE table_name = ? AND record_id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("batch get: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		item, err := scanItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, project(item, projection))
	}
	return out, rows.Err()
}

// BatchWrite applies puts and deletes in one transaction.
func (s *SQLiteStore) BatchWrite(ctx context.Context, puts []Item, deletes []record.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	for _, item := range puts {
		id := itemID(item)
		if id == "" {
			return fmt.Errorf("item without %s", record.FieldRecordID)
		}
		data, err := codec.MarshalItemJSON(item)
		if err != nil {
			return fmt.Errorf("encoding item %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO items (table_name, record_id, record_type, item, updated_at) VALUES (?, ?, ?, ?, ?)`,
			s.table, id, itemType(item), string(data), now,
		); err != nil {
			return fmt.Errorf("putting item %q: %w", id, err)
		}
	}
	for _, id := range deletes {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM items WHERE table_name = ? AND record_id = ?`, s.table, string(id),
		); err != nil {
			return fmt.Errorf("deleting item %q: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Query(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	query := `SELECT item FROM items WHERE table_name = ? AND record_type = ? AND record_id > ? ORDER BY record_id`
	args := []any{s.table, in.RecordType, itemID(in.ExclusiveStartKey)}
	if in.Limit > 0 {
		// One extra row tells whether another page exists.
		query += ` LIMIT ?`
		args = append(args, in.Limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", RecordTypeIndex, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		item, err := scanItem(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pageItems(items, QueryInput{Projection: in.Projection, Limit: in.Limit}), nil
}

func (s *SQLiteStore) Scan(ctx context.Context, fn func(Item) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item FROM items WHERE table_name = ? ORDER BY record_id`, s.table)
	if err != nil {
		return fmt.Errorf("scanning table %s: %w", s.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scanning item: %w", err)
		}
		item, err := scanItem(raw)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ IndexedDB = (*SQLiteStore)(nil)
