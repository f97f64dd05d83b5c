package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/taskchat/internal/retry"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tc-v1-2026-09-28-conversations"

	// v2: pending_confirmations.executed_at claim column.
	schemaVersionV2  = 2
	schemaChecksumV2 = "tc-v2-2026-10-02-confirmation-claim"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

type Store struct {
	db    *sql.DB
	retry retry.Policy
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, retry: retry.StorePolicy()}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// exec runs a write, retrying on SQLITE_BUSY/LOCKED.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return retry.Do(ctx, s.retry, retry.SQLiteBusy, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, query, args...)
	})
}

// inTx runs f in a transaction, retrying the whole transaction on busy errors.
func (s *Store) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retry.Exec(ctx, s.retry, retry.SQLiteBusy, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion > 0 {
		want := map[int]string{schemaVersionV1: schemaChecksumV1, schemaVersionV2: schemaChecksumV2}[maxVersion]
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			metadata JSON,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high')),
			completed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tool_call_logs (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			conversation_id TEXT,
			trace_id TEXT,
			confirmation_id TEXT,
			tool_name TEXT NOT NULL CHECK(tool_name IN ('add', 'list', 'update', 'complete', 'delete')),
			params JSON NOT NULL DEFAULT '{}',
			result JSON,
			error_details TEXT,
			status TEXT NOT NULL CHECK(status IN ('success', 'error', 'pending')),
			created_at DATETIME NOT NULL,
			CHECK (
				(status = 'success' AND result IS NOT NULL AND error_details IS NULL) OR
				(status = 'error' AND error_details IS NOT NULL AND result IS NULL) OR
				(status = 'pending' AND result IS NULL AND error_details IS NULL)
			)
		);`,
		`CREATE TRIGGER IF NOT EXISTS tool_call_logs_write_once
			BEFORE UPDATE ON tool_call_logs
			BEGIN
				SELECT RAISE(ABORT, 'tool_call_logs rows are write-once');
			END;`,
		`CREATE TABLE IF NOT EXISTS pending_confirmations (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			conversation_id TEXT,
			operation TEXT NOT NULL,
			params JSON NOT NULL DEFAULT '{}',
			summary TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'approved', 'rejected', 'expired')),
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			resolved_at DATETIME
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2 backfill; a fresh v1 table lacks the column too.
	if _, err := tx.ExecContext(ctx, `ALTER TABLE pending_confirmations ADD COLUMN executed_at DATETIME;`); err != nil && !isDuplicateColumn(err) {
		return fmt.Errorf("add pending_confirmations.executed_at: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations(owner, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner_updated ON tasks(owner, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_call_logs_owner_time ON tool_call_logs(owner, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_owner_status ON pending_confirmations(owner, status, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_status_expires ON pending_confirmations(status, expires_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	for _, m := range []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
	} {
		if m.version <= maxVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// utc normalizes timestamps so lexical DATETIME comparisons stay ordered.
func utc(t time.Time) time.Time {
	return t.UTC()
}
