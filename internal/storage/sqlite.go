package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Write transactions take the database
// lock up front so concurrent writers wait on busy_timeout instead of failing mid-transaction.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS index_records (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		total_chunks INTEGER NOT NULL DEFAULT 0,
		completed_chunks INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		page_count INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		indexed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_scope_status ON index_records(scope_id, status);

	CREATE TABLE IF NOT EXISTS content_units (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		raw_text TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (record_id) REFERENCES index_records(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_units_record ON content_units(record_id, page_number);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		sequence_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		char_start INTEGER NOT NULL,
		char_end INTEGER NOT NULL,
		vector BLOB,
		scale REAL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (parent_id, sequence_index),
		FOREIGN KEY (parent_id) REFERENCES content_units(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_scope ON chunks(scope_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_record ON chunks(record_id);

	CREATE TABLE IF NOT EXISTS index_jobs (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		FOREIGN KEY (record_id) REFERENCES index_records(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON index_jobs(state, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_scope_state ON index_jobs(scope_id, state);
	CREATE INDEX IF NOT EXISTS idx_jobs_record ON index_jobs(record_id);

	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		at TIMESTAMP NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) timestamp() time.Time {
	return s.now().UTC()
}

// inTx runs fn inside a write transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func marshalMetadata(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) map[string]interface{} {
	if s == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
