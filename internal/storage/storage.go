package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sandwichfarm/wotsync/internal/config"
)

// ErrNotFound is returned when a keyed row does not exist
var ErrNotFound = errors.New("not found")

// Storage holds the daemon's own state: JSON documents, trust records,
// per-pubkey sync cursors and the index of mirrored events. Mirrored events
// themselves live in the mirror target, not here.
type Storage struct {
	db     *sqlx.DB
	config *config.Storage
}

// New opens (or creates) the SQLite state database and runs migrations
func New(ctx context.Context, cfg *config.Storage) (*Storage, error) {
	if cfg == nil || cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	dsn := cfg.SQLitePath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Storage{db: db, config: cfg}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// DB returns the underlying database connection
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		key        TEXT PRIMARY KEY,
		body       BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trust_records (
		pubkey           TEXT PRIMARY KEY,
		score            INTEGER NOT NULL,
		followers        INTEGER NOT NULL,
		following        INTEGER NOT NULL,
		wot_depth        INTEGER NOT NULL,
		is_likely_bot    INTEGER NOT NULL,
		discount_percent INTEGER NOT NULL,
		strategy         TEXT NOT NULL,
		last_calculated  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		pubkey     TEXT PRIMARY KEY,
		since      INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mirror_retention (
		event_id    TEXT PRIMARY KEY,
		author      TEXT NOT NULL,
		kind        INTEGER NOT NULL,
		tier        INTEGER NOT NULL,
		retention   TEXT NOT NULL,
		mirrored_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mirror_retention_policy ON mirror_retention(retention, mirrored_at)`,
}

func (s *Storage) runMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// GetDocument returns the body stored under key, or ErrNotFound
func (s *Storage) GetDocument(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.GetContext(ctx, &body, `SELECT body FROM documents WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", key, err)
	}
	return body, nil
}

// PutDocument replaces the whole document stored under key
func (s *Storage) PutDocument(ctx context.Context, key string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, key, body, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write document %s: %w", key, err)
	}
	return nil
}
