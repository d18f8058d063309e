// ABOUTME: Append-only per-conversation event log on SQLite
// ABOUTME: Id assignment with upsert-by-id, offset search paging, window reads and batch lookups

package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const eventColumns = `conversation_id, event_id, kind, timestamp_ns, payload`

// emptyPayload is stored when a producer omits the payload
var emptyPayload = json.RawMessage(`{}`)

// AppendEvents persists a batch of events for one conversation in a single
// transaction. Events without an id get the next id from the conversation's
// counter; events with an id replace any stored record with that id. The
// returned records are sorted by ascending id, one per distinct id.
func (s *SQLiteStore) AppendEvents(ctx context.Context, conversationID string, events []NewEvent) ([]Event, error) {
	prepared, err := prepareEvents(events)
	if err != nil {
		return nil, err
	}

	counter := s.counters.get(conversationID)
	counter.mu.Lock()
	defer counter.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}

	if len(prepared) == 0 {
		return []Event{}, nil
	}

	next := counter.next
	if !counter.loaded {
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(event_id) + 1, 0) FROM conversation_events WHERE conversation_id = ?`,
			conversationID,
		).Scan(&next)
		if err != nil {
			return nil, fmt.Errorf("seeding event counter: %w", err)
		}
	}

	upsert := `
		INSERT INTO conversation_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, event_id) DO UPDATE SET
			kind = excluded.kind,
			timestamp_ns = excluded.timestamp_ns,
			payload = excluded.payload
	`

	byID := make(map[int64]Event, len(prepared))
	for _, ev := range prepared {
		var id int64
		id, next, err = assignID(ev, next)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, upsert,
			conversationID, id, ev.Kind, ev.Timestamp.UnixNano(), string(ev.Payload))
		if err != nil {
			return nil, fmt.Errorf("writing event %d: %w", id, err)
		}

		byID[id] = Event{
			ConversationID: conversationID,
			ID:             id,
			Kind:           ev.Kind,
			Timestamp:      ev.Timestamp,
			Payload:        ev.Payload,
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), conversationID)
	if err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	counter.next = next
	counter.loaded = true

	stored := make([]Event, 0, len(byID))
	for _, ev := range byID {
		stored = append(stored, ev)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })

	s.logger.Debug("appended events",
		"conversation_id", conversationID,
		"count", len(stored),
		"next_id", next,
	)
	return stored, nil
}

// assignID picks the id for ev given the conversation's next free id and
// returns the advanced counter. math.MaxInt64 is never handed out, so the
// counter cannot overflow.
func assignID(ev NewEvent, next int64) (int64, int64, error) {
	if ev.ID != nil {
		id := *ev.ID
		if id >= next {
			next = id + 1
		}
		return id, next, nil
	}
	if next == math.MaxInt64 {
		return 0, next, fmt.Errorf("%w: event id space exhausted", ErrOutOfRange)
	}
	return next, next + 1, nil
}

// prepareEvents validates a batch and fills in defaults without touching the database
func prepareEvents(events []NewEvent) ([]NewEvent, error) {
	now := time.Now().UTC()
	out := make([]NewEvent, len(events))

	for i, ev := range events {
		if strings.TrimSpace(ev.Kind) == "" {
			return nil, fmt.Errorf("%w: event %d has no kind", ErrInvalidArgument, i)
		}
		if ev.ID != nil && *ev.ID < 0 {
			return nil, fmt.Errorf("%w: event %d has negative id %d", ErrInvalidArgument, i, *ev.ID)
		}
		if ev.ID != nil && *ev.ID == math.MaxInt64 {
			return nil, fmt.Errorf("%w: event %d id %d is reserved", ErrInvalidArgument, i, *ev.ID)
		}

		payload, err := canonicalPayload(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d payload: %v", ErrInvalidArgument, i, err)
		}

		ts := ev.Timestamp
		if ts.IsZero() {
			ts = now
		}

		out[i] = NewEvent{
			ID:        ev.ID,
			Kind:      ev.Kind,
			Timestamp: ts.UTC(),
			Payload:   payload,
		}
	}
	return out, nil
}

// canonicalPayload returns the compacted form of a JSON document
func canonicalPayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return emptyPayload, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// GetEvent retrieves a single event by conversation and id
func (s *SQLiteStore) GetEvent(ctx context.Context, conversationID string, id int64) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM conversation_events WHERE conversation_id = ? AND event_id = ?`

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, conversationID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

// SearchEvents returns one page of events matching filter, ordered by
// (timestamp, conversation_id, event_id) in the requested direction.
func (s *SQLiteStore) SearchEvents(ctx context.Context, filter EventFilter, order SortOrder, cursor string, limit int) (*EventPage, error) {
	if limit < MinPageLimit || limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit must be between %d and %d, got %d", ErrOutOfRange, MinPageLimit, MaxPageLimit, limit)
	}

	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	dir := "ASC"
	switch order {
	case SortAscending, "":
	case SortDescending:
		dir = "DESC"
	default:
		return nil, fmt.Errorf("%w: unknown sort order %q", ErrInvalidArgument, order)
	}

	where, args := filterClause(filter)
	query := `SELECT ` + eventColumns + ` FROM conversation_events` + where +
		fmt.Sprintf(` ORDER BY timestamp_ns %[1]s, conversation_id %[1]s, event_id %[1]s`, dir) +
		` LIMIT ? OFFSET ?`
	args = append(args, limit+1, offset)

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &EventPage{Items: events}
	if len(events) > limit {
		page.Items = events[:limit]
		page.NextCursor = EncodeCursor(offset + limit)
	}
	return page, nil
}

// CountEvents returns how many events match filter
func (s *SQLiteStore) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	where, args := filterClause(filter)

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

// filterClause renders the shared WHERE clause for search and count
func filterClause(f EventFilter) (string, []any) {
	var conds []string
	var args []any

	if f.ConversationID != "" {
		conds = append(conds, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.TimestampGTE != nil {
		conds = append(conds, "timestamp_ns >= ?")
		args = append(args, f.TimestampGTE.UnixNano())
	}
	if f.TimestampLT != nil {
		conds = append(conds, "timestamp_ns < ?")
		args = append(args, f.TimestampLT.UnixNano())
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ReadWindow reads a conversation's events between explicit id bounds
func (s *SQLiteStore) ReadWindow(ctx context.Context, q WindowQuery) (*Window, error) {
	if q.StartID < 0 {
		return nil, fmt.Errorf("%w: start_id must be non-negative", ErrInvalidArgument)
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be non-negative", ErrInvalidArgument)
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, q.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, q.ConversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM conversation_events WHERE conversation_id = ? AND event_id >= ?`
	args := []any{q.ConversationID, q.StartID}
	if q.EndID != nil {
		query += ` AND event_id < ?`
		args = append(args, *q.EndID)
	}
	if q.Reverse {
		query += ` ORDER BY event_id DESC`
	} else {
		query += ` ORDER BY event_id ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit+1)
	}

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	w := &Window{Events: events}
	if q.Limit > 0 && len(events) > q.Limit {
		w.Events = events[:q.Limit]
		w.HasMore = true
	}
	return w, nil
}

// BatchGetEvents resolves composite ids in input order. Malformed or unknown
// ids yield a nil slot. One query is issued per distinct conversation.
func (s *SQLiteStore) BatchGetEvents(ctx context.Context, compositeIDs []string) ([]*Event, error) {
	results := make([]*Event, len(compositeIDs))

	// conversation -> event id -> positions in the input
	wanted := make(map[string]map[int64][]int)
	var order []string
	for i, cid := range compositeIDs {
		conversationID, eventID, ok := ParseCompositeID(cid)
		if !ok {
			continue
		}
		ids, seen := wanted[conversationID]
		if !seen {
			ids = make(map[int64][]int)
			wanted[conversationID] = ids
			order = append(order, conversationID)
		}
		ids[eventID] = append(ids[eventID], i)
	}

	for _, conversationID := range order {
		ids := wanted[conversationID]

		args := make([]any, 0, len(ids)+1)
		args = append(args, conversationID)
		for id := range ids {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

		query := `SELECT ` + eventColumns + ` FROM conversation_events
			WHERE conversation_id = ? AND event_id IN (` + placeholders + `)`

		events, err := s.queryEvents(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for i := range events {
			for _, pos := range ids[events[i].ID] {
				ev := events[i]
				results[pos] = &ev
			}
		}
	}

	return results, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var tsNano int64
	var payload string

	if err := row.Scan(&ev.ConversationID, &ev.ID, &ev.Kind, &tsNano, &payload); err != nil {
		return nil, err
	}

	ev.Timestamp = time.Unix(0, tsNano).UTC()
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}
