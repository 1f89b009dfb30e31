package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/bleepstore/rfstore/internal/uid"
)

// SQLiteStore implements BlobStore with asset bytes kept as BLOBs in SQLite.
// It suits small assets in single-node or embedded deployments.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite blob database: %w", err)
	}

	b := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite blob database: %w", err)
	}
	return b, nil
}

// initDB applies PRAGMAs and creates the required tables.
func (b *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blob_data (
			key      TEXT PRIMARY KEY,
			data     BLOB NOT NULL,
			etag     TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			modified TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS uploads (
			upload_id TEXT PRIMARY KEY,
			key       TEXT NOT NULL,
			metadata  TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS part_data (
			upload_id   TEXT    NOT NULL,
			part_number INTEGER NOT NULL,
			data        BLOB    NOT NULL,
			etag        TEXT    NOT NULL,
			PRIMARY KEY (upload_id, part_number)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating blob schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	return string(data), err
}

func decodeMetadata(raw string) map[string]string {
	m := map[string]string{}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *SQLiteStore) store(ctx context.Context, db sqlExecer, key string, data []byte, etag, metadata string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blob_data (key, data, etag, metadata, modified) VALUES (?, ?, ?, ?, ?)`,
		key, data, etag, metadata, b.now().Format(time.RFC3339Nano),
	)
	return err
}

// Put reads all data and stores it under key. INSERT OR REPLACE makes
// re-uploads overwrite the existing row.
func (b *SQLiteStore) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}
	md, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}
	etag := computeETag(data)
	if err := b.store(ctx, b.db, key, data, etag, md); err != nil {
		return "", fmt.Errorf("putting %q: %w", key, err)
	}
	return etag, nil
}

// Get reads the row for key.
func (b *SQLiteStore) Get(ctx context.Context, key string) (*GetOutput, error) {
	var (
		data     []byte
		etag, md string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT data, etag, metadata FROM blob_data WHERE key = ?`, key,
	).Scan(&data, &etag, &md)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %q: %w", key, err)
	}
	return &GetOutput{
		Body:     io.NopCloser(bytes.NewReader(data)),
		Size:     int64(len(data)),
		ETag:     etag,
		Metadata: decodeMetadata(md),
	}, nil
}

// CreateMultipartUpload records a new upload.
func (b *SQLiteStore) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	md, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}
	uploadID := uid.New()
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO uploads (upload_id, key, metadata) VALUES (?, ?, ?)`, uploadID, key, md,
	); err != nil {
		return "", fmt.Errorf("creating upload for %q: %w", key, err)
	}
	return uploadID, nil
}

func (b *SQLiteStore) uploadMetadata(ctx context.Context, key, uploadID string) (string, error) {
	var storedKey, md string
	err := b.db.QueryRowContext(ctx,
		`SELECT key, metadata FROM uploads WHERE upload_id = ?`, uploadID,
	).Scan(&storedKey, &md)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && storedKey != key) {
		return "", fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	return md, err
}

// UploadPart stores one part; re-uploading a part number replaces it.
func (b *SQLiteStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	if _, err := b.uploadMetadata(ctx, key, uploadID); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	etag := computeETag(data)
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO part_data (upload_id, part_number, data, etag) VALUES (?, ?, ?, ?)`,
		uploadID, partNumber, data, etag,
	)
	if err != nil {
		return "", fmt.Errorf("putting part %d for upload %q: %w", partNumber, uploadID, err)
	}
	return etag, nil
}

// CompleteMultipartUpload concatenates the parts in the given order inside a
// transaction and drops the upload.
func (b *SQLiteStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	md, err := b.uploadMetadata(ctx, key, uploadID)
	if err != nil {
		return "", err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var assembled bytes.Buffer
	for _, p := range parts {
		var data []byte
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM part_data WHERE upload_id = ? AND part_number = ?`,
			uploadID, p.PartNumber,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("part %d not found for upload %q", p.PartNumber, uploadID)
		}
		if err != nil {
			return "", fmt.Errorf("reading part %d for upload %q: %w", p.PartNumber, uploadID, err)
		}
		assembled.Write(data)
	}

	etag := compositeETag(parts)
	if err := b.store(ctx, tx, key, assembled.Bytes(), etag, md); err != nil {
		return "", fmt.Errorf("storing assembled %q: %w", key, err)
	}
	if err := deleteUploadRows(ctx, tx, uploadID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing assembled %q: %w", key, err)
	}
	return etag, nil
}

func deleteUploadRows(ctx context.Context, db sqlExecer, uploadID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM part_data WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting parts for upload %q: %w", uploadID, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM uploads WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting upload %q: %w", uploadID, err)
	}
	return nil
}

// AbortMultipartUpload removes all rows of the upload.
func (b *SQLiteStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return deleteUploadRows(ctx, b.db, uploadID)
}

// DeleteMany removes rows in one statement. Missing keys count as deleted.
func (b *SQLiteStore) DeleteMany(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM blob_data WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("deleting %d keys: %w", len(keys), err)
	}
	return append([]string(nil), keys...), nil
}

// List pages through keys in order. Delimiters are collapsed over the rows
// after the cursor.
func (b *SQLiteStore) List(ctx context.Context, in ListInput) (*ListOutput, error) {
	after := in.StartAfter
	if in.ContinuationToken != "" {
		after = in.ContinuationToken
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, length(data), etag, modified FROM blob_data
		 WHERE key > ? AND substr(key, 1, ?) = ? ORDER BY key`,
		after, len(in.Prefix), in.Prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		var (
			obj      Object
			modified string
		)
		if err := rows.Scan(&obj.Key, &obj.Size, &obj.ETag, &modified); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		obj.LastModified, _ = time.Parse(time.RFC3339Nano, modified)
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return listSorted(objects, in), nil
}

// HealthCheck pings the database.
func (b *SQLiteStore) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

var _ BlobStore = (*SQLiteStore)(nil)
