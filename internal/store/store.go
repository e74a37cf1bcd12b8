// Package store is the durable persistence layer: work items, the
// per-faculty message queue, the work ledger, and skill records, all in one
// SQLite database. The store is the only writer to these tables; every
// mutation goes through its API and the work state machine is enforced at
// write time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animusworks/animus/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "animus-v1-work-queue-ledger"

	defaultMaxAttempts = 3

	// DefaultVisibilitySeconds is the claim visibility timeout when the
	// caller passes zero.
	DefaultVisibilitySeconds = 60
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests

	// maxAttemptsFor resolves a faculty's configured retry cap
	// (recover.max_attempts). Nil or a non-positive return falls back to
	// defaultMaxAttempts.
	maxAttemptsFor func(faculty string) int
}

// SetMaxAttemptsResolver installs the faculty lookup Submit uses to
// default MaxAttempts when the caller leaves it unset.
func (s *Store) SetMaxAttemptsResolver(fn func(faculty string) int) {
	s.maxAttemptsFor = fn
}

// DefaultDBPath returns the default SQLite database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".animus", "animus.db")
}

// Open opens (creating if needed) the database at path and runs migrations.
// path accepts a bare filesystem path or a sqlite:// URL, matching what
// DATABASE_URL carries.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	path = normalizePath(path)
	if path == "" {
		path = DefaultDBPath()
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

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func normalizePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "sqlite://") || strings.HasPrefix(raw, "sqlite3://") {
		if u, err := url.Parse(raw); err == nil {
			if u.Path != "" {
				return u.Path
			}
			return u.Opaque
		}
	}
	return raw
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
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

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's 5s
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
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
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS work_items (
	id TEXT PRIMARY KEY,
	faculty TEXT NOT NULL,
	skill TEXT NOT NULL DEFAULT '',
	dedup_key TEXT,
	source TEXT NOT NULL,
	trigger_info TEXT NOT NULL DEFAULT '',
	params TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	submitted_priority INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	merged_into TEXT,
	parent_id TEXT REFERENCES work_items(id),
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	outcome_data TEXT,
	outcome_error TEXT,
	outcome_ms INTEGER,
	queue_message_id INTEGER,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_work_items_dedup
	ON work_items (faculty, dedup_key)
	WHERE dedup_key IS NOT NULL AND state NOT IN ('completed', 'dead', 'merged');

CREATE INDEX IF NOT EXISTS ix_work_items_state ON work_items (state);
CREATE INDEX IF NOT EXISTS ix_work_items_parent
	ON work_items (parent_id) WHERE parent_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS work_ledger (
	id TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_items(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	entry_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (work_item_id, seq)
);

CREATE TABLE IF NOT EXISTS queues (
	name TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_messages (
	msg_id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue TEXT NOT NULL,
	payload TEXT NOT NULL,
	read_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at DATETIME NOT NULL,
	visible_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_queue_messages_visible
	ON queue_messages (queue, visible_at);

CREATE TABLE IF NOT EXISTS queue_messages_archive (
	msg_id INTEGER PRIMARY KEY,
	queue TEXT NOT NULL,
	payload TEXT NOT NULL,
	read_count INTEGER NOT NULL,
	enqueued_at DATETIME NOT NULL,
	archived_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS skill_activations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	skill_name TEXT NOT NULL,
	work_item_id TEXT NOT NULL,
	faculty TEXT NOT NULL,
	activation_type TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS skill_provenance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	skill_name TEXT NOT NULL,
	skill_version TEXT NOT NULL,
	work_item_id TEXT NOT NULL,
	ledger_seq INTEGER NOT NULL,
	snippet TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`
