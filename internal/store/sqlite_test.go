// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers database creation, schema idempotence, and health checks

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	first.Close()

	// Schema creation and migrations must be idempotent
	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer second.Close()
}

func TestNewSQLiteStore_MigratesConversationsWithoutVSCodeURL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening raw database: %v", err)
	}
	_, err = raw.Exec(`
		CREATE TABLE conversations (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			runtime_status  TEXT NOT NULL DEFAULT '',
			runtime_id      TEXT NOT NULL DEFAULT '',
			session_id      TEXT NOT NULL DEFAULT '',
			session_api_key TEXT NOT NULL DEFAULT '',
			runtime_url     TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
		INSERT INTO conversations (id, status, created_at, updated_at)
		VALUES ('old', 'stopped', '2024-01-01T00:00:00.000000000Z', '2024-01-01T00:00:00.000000000Z');
	`)
	raw.Close()
	if err != nil {
		t.Fatalf("creating old schema: %v", err)
	}

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	conv, err := store.GetConversation(ctx, "old")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.VSCodeURL != "" {
		t.Errorf("expected empty vscode url, got %q", conv.VSCodeURL)
	}

	conv.VSCodeURL = "http://runtime:3001"
	if err := store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}
	got, err := store.GetConversation(ctx, "old")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.VSCodeURL != "http://runtime:3001" {
		t.Errorf("expected migrated column to persist, got %q", got.VSCodeURL)
	}
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateConversation(ctx, &Conversation{ID: "mem"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, err := store.AppendEvents(ctx, "mem", []NewEvent{{Kind: "message"}}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}
}

func TestPing(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
