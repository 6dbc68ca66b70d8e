package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DocStore is the SQLite-backed document store. It owns the documents table
// and its FTS5 mirror; the mirror is kept in sync by triggers so callers
// never write to it directly.
type DocStore struct {
	db     *sql.DB
	config Config
	logger Logger
	mu     sync.RWMutex
	closed bool
}

// New creates a document store at the given path with default configuration
func New(path string) (*DocStore, error) {
	config := DefaultConfig()
	config.Path = path

	return NewWithConfig(config)
}

// NewWithConfig creates a document store with custom configuration
func NewWithConfig(config Config) (*DocStore, error) {
	if config.Path == "" {
		return nil, wrapError("init", fmt.Errorf("database path cannot be empty"))
	}
	if config.Logger == nil {
		config.Logger = NopLogger()
	}

	return &DocStore{
		config: config,
		logger: config.Logger,
	}, nil
}

// Init opens the SQLite database and creates the schema
func (s *DocStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("init", ErrStoreClosed)
	}

	// Open database connection
	// _journal_mode=WAL: Better concurrency
	// _synchronous=NORMAL: Good balance of safety and speed
	// _busy_timeout=5000: Wait up to 5s for lock instead of failing immediately
	// _cache_size=-2000: Use 2MB of memory for cache (negative value = kb)
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", s.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return wrapError("init", fmt.Errorf("failed to open database: %w", err))
	}

	// Configure connection pool with sensible defaults
	// Allow more open connections for read concurrency
	db.SetMaxOpenConns(25)
	// Keep enough idle connections to avoid reconnection overhead
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	s.db = db

	if err := s.createTables(ctx); err != nil {
		return wrapError("init", err)
	}

	return nil
}

// createTables creates the documents table and its FTS5 mirror
func (s *DocStore) createTables(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at REAL,
		updated_at REAL
	);

	-- FTS5 mirror for BM25 keyword search.
	-- 'content' option references the documents table so text is not duplicated;
	-- triggers below keep the index in sync on every write.
	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		text,
		content='documents',
		content_rowid='id',
		tokenize='unicode61'
	);

	CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	  INSERT INTO documents_fts(rowid, text) VALUES (new.id, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
	  INSERT INTO documents_fts(documents_fts, rowid, text) VALUES('delete', old.id, old.text);
	END;
	CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
	  INSERT INTO documents_fts(documents_fts, rowid, text) VALUES('delete', old.id, old.text);
	  INSERT INTO documents_fts(rowid, text) VALUES (new.id, new.text);
	END;
	`

	_, err := s.db.ExecContext(ctx, createTableSQL)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// DB exposes the underlying connection for transactional composition by the
// memory manager. Callers must not close it.
func (s *DocStore) DB() *sql.DB {
	return s.db
}

// Logger returns the store's logger.
func (s *DocStore) Logger() Logger {
	return s.logger
}

// Close closes the store and releases resources
func (s *DocStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return wrapError("close", err)
		}
	}
	return nil
}

// isClosed reports whether Close has been called.
func (s *DocStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
