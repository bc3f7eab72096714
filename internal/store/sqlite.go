package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS uploads (
    user_key TEXT PRIMARY KEY,
    study_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    document BLOB NOT NULL,
    records INTEGER NOT NULL DEFAULT 0,
    upload_count INTEGER NOT NULL DEFAULT 1,
    received_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_uploads_study ON uploads(study_id);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) SaveUpload(ctx context.Context, u *Upload) error {
	receivedAt := u.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	// Full-history resends overwrite the previous document
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (user_key, study_id, filename, document, records, upload_count, received_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(user_key) DO UPDATE SET
		     study_id = excluded.study_id,
		     filename = excluded.filename,
		     document = excluded.document,
		     records = excluded.records,
		     upload_count = uploads.upload_count + 1,
		     received_at = excluded.received_at`,
		u.UserKey, u.StudyID, u.Filename, u.Document, u.Records, receivedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, userKey string) (*Upload, error) {
	var u Upload
	var receivedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT user_key, study_id, filename, document, records, upload_count, received_at
		 FROM uploads WHERE user_key = ?`, userKey,
	).Scan(&u.UserKey, &u.StudyID, &u.Filename, &u.Document, &u.Records, &u.UploadCount, &receivedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}

	u.ReceivedAt = time.Unix(receivedAt, 0)
	return &u, nil
}

func (s *SQLiteStore) ListUploads(ctx context.Context) ([]*UploadSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_key, study_id, records, upload_count, length(document), received_at
		 FROM uploads ORDER BY received_at DESC, user_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*UploadSummary
	for rows.Next() {
		var u UploadSummary
		var receivedAt int64
		if err := rows.Scan(&u.UserKey, &u.StudyID, &u.Records, &u.UploadCount, &u.Bytes, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		u.ReceivedAt = time.Unix(receivedAt, 0)
		uploads = append(uploads, &u)
	}

	return uploads, rows.Err()
}

func (s *SQLiteStore) CountUploads(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count uploads: %w", err)
	}
	return n, nil
}

// SizeBytes reports the database size for health checks
func (s *SQLiteStore) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	row := s.db.QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to read database size: %w", err)
	}
	return size, nil
}

// Path returns the file the store was opened from
func (s *SQLiteStore) Path() string {
	return s.path
}
