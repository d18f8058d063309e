// ABOUTME: Per-conversation event id counters guarding append atomicity
// ABOUTME: Seeded lazily from MAX(event_id)+1 and advanced only after a commit succeeds

package store

import "sync"

// idCounter serializes appends to one conversation and caches its next id.
type idCounter struct {
	mu     sync.Mutex
	next   int64
	loaded bool
}

// counterTable hands out one idCounter per conversation id. Different
// conversations never contend on the same counter.
type counterTable struct {
	mu       sync.Mutex
	counters map[string]*idCounter
}

func newCounterTable() *counterTable {
	return &counterTable{counters: make(map[string]*idCounter)}
}

// get returns the counter for conversationID, creating it if needed.
func (t *counterTable) get(conversationID string) *idCounter {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.counters[conversationID]
	if !ok {
		c = &idCounter{}
		t.counters[conversationID] = c
	}
	return c
}
