// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory conversations and event logs with the same id and paging rules as SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation   // keyed by conversation ID
	events        map[string]map[int64]Event // keyed by conversation ID, then event ID
	nextID        map[string]int64           // keyed by conversation ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		events:        make(map[string]map[int64]Event),
		nextID:        make(map[string]int64),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := ValidateConversationID(conv.ID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusCreated
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[conv.ID] = &c
	m.events[conv.ID] = make(map[int64]Event)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// UpdateConversation replaces a stored conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	c := *conv
	c.CreatedAt = existing.CreatedAt
	m.conversations[conv.ID] = &c
	return nil
}

// ListConversations returns conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		c := *conv
		convs = append(convs, &c)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// AppendEvents assigns ids and upserts events under the store lock.
func (m *MockStore) AppendEvents(ctx context.Context, conversationID string, events []NewEvent) ([]Event, error) {
	prepared, err := prepareEvents(events)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}

	log := m.events[conversationID]
	next := m.nextID[conversationID]
	byID := make(map[int64]Event, len(prepared))
	for _, ev := range prepared {
		var id int64
		id, next, err = assignID(ev, next)
		if err != nil {
			return nil, err
		}
		stored := Event{
			ConversationID: conversationID,
			ID:             id,
			Kind:           ev.Kind,
			Timestamp:      ev.Timestamp,
			Payload:        ev.Payload,
		}
		byID[id] = stored
	}
	for id, ev := range byID {
		log[id] = ev
	}
	m.nextID[conversationID] = next
	if len(prepared) > 0 {
		conv.UpdatedAt = time.Now().UTC()
	}

	out := make([]Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetEvent retrieves a single event.
func (m *MockStore) GetEvent(ctx context.Context, conversationID string, id int64) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[conversationID][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

// SearchEvents filters, sorts and pages the in-memory events.
func (m *MockStore) SearchEvents(ctx context.Context, filter EventFilter, order SortOrder, cursor string, limit int) (*EventPage, error) {
	if limit < MinPageLimit || limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit must be between %d and %d, got %d", ErrOutOfRange, MinPageLimit, MaxPageLimit, limit)
	}
	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	matched := m.filter(filter)
	sort.Slice(matched, func(i, j int) bool {
		if order == SortDescending {
			return eventLess(matched[j], matched[i])
		}
		return eventLess(matched[i], matched[j])
	})

	page := &EventPage{Items: []Event{}}
	if offset >= len(matched) {
		return page, nil
	}
	rest := matched[offset:]
	if len(rest) > limit {
		page.Items = rest[:limit]
		page.NextCursor = EncodeCursor(offset + limit)
	} else {
		page.Items = rest
	}
	return page, nil
}

// CountEvents counts matching events.
func (m *MockStore) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	return len(m.filter(filter)), nil
}

// ReadWindow reads by id bounds.
func (m *MockStore) ReadWindow(ctx context.Context, q WindowQuery) (*Window, error) {
	if q.StartID < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: start_id and limit must be non-negative", ErrInvalidArgument)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.events[q.ConversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, q.ConversationID)
	}

	events := []Event{}
	for id, ev := range log {
		if id < q.StartID || (q.EndID != nil && id >= *q.EndID) {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if q.Reverse {
			return events[i].ID > events[j].ID
		}
		return events[i].ID < events[j].ID
	})

	w := &Window{Events: events}
	if q.Limit > 0 && len(events) > q.Limit {
		w.Events = events[:q.Limit]
		w.HasMore = true
	}
	return w, nil
}

// BatchGetEvents resolves composite ids in input order.
func (m *MockStore) BatchGetEvents(ctx context.Context, compositeIDs []string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Event, len(compositeIDs))
	for i, cid := range compositeIDs {
		conversationID, id, ok := ParseCompositeID(cid)
		if !ok {
			continue
		}
		if ev, found := m.events[conversationID][id]; found {
			results[i] = &ev
		}
	}
	return results, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) filter(f EventFilter) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for conversationID, log := range m.events {
		if f.ConversationID != "" && f.ConversationID != conversationID {
			continue
		}
		for _, ev := range log {
			if f.Kind != "" && f.Kind != ev.Kind {
				continue
			}
			if f.TimestampGTE != nil && ev.Timestamp.Before(*f.TimestampGTE) {
				continue
			}
			if f.TimestampLT != nil && !ev.Timestamp.Before(*f.TimestampLT) {
				continue
			}
			out = append(out, ev)
		}
	}
	return out
}

// eventLess orders by (timestamp, conversation_id, event_id)
func eventLess(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if c := strings.Compare(a.ConversationID, b.ConversationID); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
