// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Runs the same id-assignment and paging scenarios against both implementations

package store

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bothStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestMockStore_MatchesSQLite_IDAssignment(t *testing.T) {
	for name, s := range bothStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createTestConversation(t, s, "c1")

			first, err := s.AppendEvents(ctx, "c1", autoEvents(2, "message"))
			require.NoError(t, err)
			assert.Equal(t, []int64{0, 1}, ids(first))

			_, err = s.AppendEvents(ctx, "c1", []NewEvent{{ID: int64Ptr(10), Kind: "message"}})
			require.NoError(t, err)

			next, err := s.AppendEvents(ctx, "c1", autoEvents(1, "message"))
			require.NoError(t, err)
			assert.Equal(t, []int64{11}, ids(next))

			_, err = s.AppendEvents(ctx, "c1", []NewEvent{
				{ID: int64Ptr(1), Kind: "finish", Payload: json.RawMessage(`{"done":true}`)},
			})
			require.NoError(t, err)

			ev, err := s.GetEvent(ctx, "c1", 1)
			require.NoError(t, err)
			assert.Equal(t, "finish", ev.Kind)
			assert.JSONEq(t, `{"done":true}`, string(ev.Payload))

			count, err := s.CountEvents(ctx, EventFilter{ConversationID: "c1"})
			require.NoError(t, err)
			assert.Equal(t, 4, count)
		})
	}
}

func TestMockStore_MatchesSQLite_IDSpaceUpperBound(t *testing.T) {
	for name, s := range bothStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createTestConversation(t, s, "c1")

			_, err := s.AppendEvents(ctx, "c1", []NewEvent{{ID: int64Ptr(math.MaxInt64), Kind: "a"}})
			require.ErrorIs(t, err, ErrInvalidArgument)

			_, err = s.AppendEvents(ctx, "c1", []NewEvent{{ID: int64Ptr(math.MaxInt64 - 1), Kind: "a"}})
			require.NoError(t, err)

			_, err = s.AppendEvents(ctx, "c1", autoEvents(1, "b"))
			require.ErrorIs(t, err, ErrOutOfRange)

			count, err := s.CountEvents(ctx, EventFilter{ConversationID: "c1"})
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestMockStore_MatchesSQLite_Paging(t *testing.T) {
	for name, s := range bothStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createTestConversation(t, s, "c1")

			_, err := s.AppendEvents(ctx, "c1", autoEvents(5, "message"))
			require.NoError(t, err)

			page, err := s.SearchEvents(ctx, EventFilter{ConversationID: "c1"}, SortDescending, "", 2)
			require.NoError(t, err)
			require.NotEmpty(t, page.NextCursor)

			page, err = s.SearchEvents(ctx, EventFilter{ConversationID: "c1"}, SortDescending, page.NextCursor, 2)
			require.NoError(t, err)
			require.Len(t, page.Items, 2)
			assert.NotEmpty(t, page.NextCursor)

			_, err = s.SearchEvents(ctx, EventFilter{}, SortAscending, "", 0)
			assert.ErrorIs(t, err, ErrOutOfRange)

			w, err := s.ReadWindow(ctx, WindowQuery{ConversationID: "c1", StartID: 1, EndID: int64Ptr(4), Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, ids(w.Events))
			assert.True(t, w.HasMore)

			got, err := s.BatchGetEvents(ctx, []string{"c1:4", "c1", "c1:0"})
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, int64(4), got[0].ID)
			assert.Nil(t, got[1])
			assert.Equal(t, int64(0), got[2].ID)
		})
	}
}

func TestMockStore_CreateConversation_Duplicate(t *testing.T) {
	store := NewMockStore()
	createTestConversation(t, store, "c1")

	err := store.CreateConversation(context.Background(), &Conversation{ID: "c1"})
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	createTestConversation(t, store, "c1")

	got, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	got.Status = ConversationStatusError

	again, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ConversationStatusCreated, again.Status)
}
