package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// createTestConversation inserts a conversation with the given id.
func createTestConversation(t *testing.T, s ConversationStore, id string) *Conversation {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	conv := &Conversation{
		ID:        id,
		Status:    ConversationStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func TestStore_CreateConversation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := &Conversation{
		ID:        "conv-123",
		Title:     "fix the build",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}

	err := store.CreateConversation(ctx, conv)
	require.NoError(t, err)

	retrieved, err := store.GetConversation(ctx, "conv-123")
	require.NoError(t, err)
	assert.Equal(t, "conv-123", retrieved.ID)
	assert.Equal(t, "fix the build", retrieved.Title)
	assert.Equal(t, ConversationStatusCreated, retrieved.Status)
	assert.True(t, retrieved.CreatedAt.Equal(conv.CreatedAt))
}

func TestStore_CreateConversation_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestConversation(t, store, "conv-dup")

	err := store.CreateConversation(ctx, &Conversation{ID: "conv-dup"})
	assert.ErrorIs(t, err, ErrDuplicateConversation, "duplicate conversation creation should fail")
}

func TestStore_CreateConversation_RejectsSeparator(t *testing.T) {
	store := setupTestStore(t)

	err := store.CreateConversation(context.Background(), &Conversation{ID: "a:b"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = store.CreateConversation(context.Background(), &Conversation{ID: ""})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStore_GetConversation_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetConversation(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_UpdateConversation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := createTestConversation(t, store, "conv-upd")

	conv.Status = ConversationStatusRunning
	conv.RuntimeID = "rt-1"
	conv.SessionID = "sess-1"
	conv.SessionAPIKey = "key-1"
	conv.RuntimeURL = "http://runtime:8000"
	conv.VSCodeURL = "http://runtime:8001"
	conv.UpdatedAt = conv.UpdatedAt.Add(time.Hour)
	require.NoError(t, store.UpdateConversation(ctx, conv))

	got, err := store.GetConversation(ctx, "conv-upd")
	require.NoError(t, err)
	assert.Equal(t, ConversationStatusRunning, got.Status)
	assert.Equal(t, "rt-1", got.RuntimeID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "key-1", got.SessionAPIKey)
	assert.Equal(t, "http://runtime:8000", got.RuntimeURL)
	assert.Equal(t, "http://runtime:8001", got.VSCodeURL)
	assert.True(t, got.UpdatedAt.Equal(conv.UpdatedAt))
}

func TestStore_UpdateConversation_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpdateConversation(context.Background(), &Conversation{
		ID:     "missing",
		Status: ConversationStatusStopped,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListConversations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"old", "mid", "new"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateConversation(ctx, &Conversation{
			ID:        id,
			CreatedAt: ts,
			UpdatedAt: ts,
		}))
	}

	convs, err := store.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, "new", convs[0].ID)
	assert.Equal(t, "mid", convs[1].ID)
	assert.Equal(t, "old", convs[2].ID)

	convs, err = store.ListConversations(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}

func TestParseCompositeID(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		convID string
		id     int64
		ok     bool
	}{
		{"valid", "a:1", "a", 1, true},
		{"zero id", "conv-9:0", "conv-9", 0, true},
		{"no separator", "bogus", "", 0, false},
		{"empty conversation", ":1", "", 0, false},
		{"empty id", "a:", "", 0, false},
		{"non-numeric id", "a:x", "", 0, false},
		{"negative id", "a:-1", "", 0, false},
		{"separator in conversation", "a:b:1", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			convID, id, ok := ParseCompositeID(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.convID, convID)
			assert.Equal(t, tt.id, id)
		})
	}

	assert.Equal(t, "c1:42", FormatCompositeID("c1", 42))
}

func TestParseSortOrder(t *testing.T) {
	order, err := ParseSortOrder("")
	require.NoError(t, err)
	assert.Equal(t, SortAscending, order)

	order, err = ParseSortOrder("DESC")
	require.NoError(t, err)
	assert.Equal(t, SortDescending, order)

	_, err = ParseSortOrder("sideways")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
