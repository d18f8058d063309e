// ABOUTME: Store interface and data types for convo-gateway persistence
// ABOUTME: Defines Conversation, Event, query/result types and the sentinel error taxonomy

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested conversation or event does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidArgument is returned for malformed input (empty kind, bad cursor, bad ids)
var ErrInvalidArgument = errors.New("invalid argument")

// ErrOutOfRange is returned when a page limit falls outside the allowed bounds
var ErrOutOfRange = errors.New("out of range")

// ErrDuplicateConversation is returned when creating a conversation whose id is taken
var ErrDuplicateConversation = errors.New("conversation already exists")

// CompositeIDSeparator joins a conversation id and an event id into a
// globally addressable event identifier. It is rejected inside conversation ids.
const CompositeIDSeparator = ":"

// Search page bounds
const (
	MinPageLimit = 1
	MaxPageLimit = 100
)

// ConversationStatus is the conversation-level lifecycle state
type ConversationStatus string

const (
	ConversationStatusCreated  ConversationStatus = "created"
	ConversationStatusStarting ConversationStatus = "starting"
	ConversationStatusRunning  ConversationStatus = "running"
	ConversationStatusStopped  ConversationStatus = "stopped"
	ConversationStatusError    ConversationStatus = "error"
)

// Conversation is the mutable runtime record an event log is attached to
type Conversation struct {
	ID            string             `json:"id"`
	Title         string             `json:"title,omitempty"`
	Status        ConversationStatus `json:"status"`
	RuntimeStatus string             `json:"runtime_status,omitempty"` // backend-reported, opaque to the gateway
	RuntimeID     string             `json:"runtime_id,omitempty"`
	SessionID     string             `json:"session_id,omitempty"`
	SessionAPIKey string             `json:"session_api_key,omitempty"`
	RuntimeURL    string             `json:"runtime_url,omitempty"`
	VSCodeURL     string             `json:"vscode_url,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Event is one persisted entry of a conversation's ordered log
type Event struct {
	ConversationID string          `json:"conversation_id"`
	ID             int64           `json:"id"`
	Kind           string          `json:"kind"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"` // canonical (compacted) JSON
}

// CompositeID returns the globally addressable "<conversation_id>:<event_id>" form
func (e *Event) CompositeID() string {
	return FormatCompositeID(e.ConversationID, e.ID)
}

// NewEvent is the producer-side shape of an event submitted for append.
// A nil ID asks the store to assign the next id; a zero Timestamp means "now".
type NewEvent struct {
	ID        *int64          `json:"id,omitempty"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SortOrder selects the direction of the (timestamp, conversation_id, event_id) sort key
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// ParseSortOrder maps a request value to a SortOrder; empty defaults to ascending
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(s) {
	case "", "asc", "timestamp":
		return SortAscending, nil
	case "desc", "timestamp_desc":
		return SortDescending, nil
	default:
		return "", fmt.Errorf("%w: sort_order must be asc or desc, got %q", ErrInvalidArgument, s)
	}
}

// EventFilter narrows Search and Count. Zero values mean "no constraint".
// The timestamp range is half-open: [TimestampGTE, TimestampLT).
type EventFilter struct {
	ConversationID string
	Kind           string
	TimestampGTE   *time.Time
	TimestampLT    *time.Time
}

// EventPage is one page of SearchEvents results
type EventPage struct {
	Items      []Event
	NextCursor string // empty when there are no further pages
}

// WindowQuery reads a conversation's events by explicit id bounds
type WindowQuery struct {
	ConversationID string
	StartID        int64  // inclusive
	EndID          *int64 // exclusive, optional
	Reverse        bool
	Limit          int // 0 means unbounded
}

// Window is the result of ReadWindow
type Window struct {
	Events  []Event
	HasMore bool
}

// ConversationStore persists conversation runtime records
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
}

// EventStore is the append-only, per-conversation ordered event log
type EventStore interface {
	AppendEvents(ctx context.Context, conversationID string, events []NewEvent) ([]Event, error)
	GetEvent(ctx context.Context, conversationID string, id int64) (*Event, error)
	SearchEvents(ctx context.Context, filter EventFilter, order SortOrder, cursor string, limit int) (*EventPage, error)
	CountEvents(ctx context.Context, filter EventFilter) (int, error)
	ReadWindow(ctx context.Context, q WindowQuery) (*Window, error)
	BatchGetEvents(ctx context.Context, compositeIDs []string) ([]*Event, error)
}

// FormatCompositeID joins a conversation id and event id with CompositeIDSeparator
func FormatCompositeID(conversationID string, eventID int64) string {
	return conversationID + CompositeIDSeparator + strconv.FormatInt(eventID, 10)
}

// ParseCompositeID splits "<conversation_id>:<event_id>". The event id is taken
// from after the last separator so malformed input never panics.
func ParseCompositeID(s string) (string, int64, bool) {
	i := strings.LastIndex(s, CompositeIDSeparator)
	if i <= 0 || i == len(s)-1 {
		return "", 0, false
	}
	conversationID := s[:i]
	if strings.Contains(conversationID, CompositeIDSeparator) {
		return "", 0, false
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || id < 0 {
		return "", 0, false
	}
	return conversationID, id, true
}

// ValidateConversationID rejects ids that could not round-trip through a composite id
func ValidateConversationID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidArgument)
	}
	if strings.Contains(id, CompositeIDSeparator) {
		return fmt.Errorf("%w: conversation id must not contain %q", ErrInvalidArgument, CompositeIDSeparator)
	}
	return nil
}

// Store is everything the gateway needs from persistence
type Store interface {
	ConversationStore
	EventStore

	// Ping checks that the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
