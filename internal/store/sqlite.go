// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	counters *counterTable
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:       db,
		logger:   logger,
		counters: newCounterTable(),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// dsn builds the connection string. Pragmas go in the DSN so every pooled
// connection gets them, and write transactions take the lock up front so a
// read-then-write append never hits a snapshot upgrade failure.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			runtime_status  TEXT NOT NULL DEFAULT '',
			runtime_id      TEXT NOT NULL DEFAULT '',
			session_id      TEXT NOT NULL DEFAULT '',
			session_api_key TEXT NOT NULL DEFAULT '',
			runtime_url     TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('created', 'starting', 'running', 'stopped', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS conversation_events (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			event_id        INTEGER NOT NULL,
			kind            TEXT NOT NULL,
			timestamp_ns    INTEGER NOT NULL,
			payload         TEXT NOT NULL,

			PRIMARY KEY (conversation_id, event_id),
			CHECK (event_id >= 0),
			CHECK (kind <> '')
		);

		CREATE INDEX IF NOT EXISTS idx_events_sort
			ON conversation_events(timestamp_ns, conversation_id, event_id);
		CREATE INDEX IF NOT EXISTS idx_events_kind
			ON conversation_events(kind, timestamp_ns);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		// vscode_url was added after the first release of the conversations table
		{
			table:  "conversations",
			column: "vscode_url",
			apply:  `ALTER TABLE conversations ADD COLUMN vscode_url TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database connection is alive
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
