// ABOUTME: Conversation Service drives lifecycle transitions and the event append path
// ABOUTME: Events are persisted first, then published in ascending id order

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/convo-gateway/internal/runtime"
	"github.com/2389/convo-gateway/internal/store"
)

// Event kinds written by the service itself
const (
	KindStatusUpdate = "status_update"
)

// stopPayload is the body of the event appended when a conversation stops
var stopPayload = json.RawMessage(`{"status":"stopped"}`)

// Service is the conversation layer: it owns lifecycle transitions and makes
// sure every appended event is persisted before it is published.
type Service struct {
	store       store.Store
	notifier    Notifier
	provisioner runtime.Provisioner
	lifecycle   keyedMutex
	logger      *slog.Logger
}

// keyedMutex serializes callers that share a key. Entries live only while
// some caller holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until key is free and returns its release function
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// New creates a new conversation Service. A nil notifier disables live
// publishing; a nil logger uses the default.
func New(s store.Store, notifier Notifier, provisioner runtime.Provisioner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		store:       s,
		notifier:    notifier,
		provisioner: provisioner,
		logger:      logger.With("component", "conversation"),
	}
}

// CreateRequest describes a new conversation
type CreateRequest struct {
	ID    string // optional; a UUID is allocated when empty
	Title string
}

// Create records a new conversation in the created state
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Conversation, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        id,
		Title:     req.Title,
		Status:    store.ConversationStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("conversation created", "conversation_id", id)
	return conv, nil
}

// Get returns a conversation's runtime state
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List returns the most recently updated conversations
func (s *Service) List(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// Start attaches a runtime session and moves the conversation to running.
// A conversation that is already running is returned unchanged. Start and
// Stop calls for one conversation run one at a time, so concurrent Starts
// provision a single session. When the provisioner fails the conversation
// is left in the error state.
func (s *Service) Start(ctx context.Context, id string) (*store.Conversation, error) {
	unlock := s.lifecycle.lock(id)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.ConversationStatusRunning {
		return conv, nil
	}

	conv.Status = store.ConversationStatusStarting
	conv.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("marking conversation starting: %w", err)
	}
	s.appendStatus(ctx, conv.ID, conv.Status)

	sess, err := s.provisioner.Provision(ctx, conv.ID)
	if err != nil {
		s.logger.Error("runtime provisioning failed", "conversation_id", conv.ID, "error", err)

		conv.Status = store.ConversationStatusError
		conv.RuntimeStatus = ""
		conv.UpdatedAt = time.Now().UTC()
		// Record the failure even if the request context is gone
		bg := context.WithoutCancel(ctx)
		if uerr := s.store.UpdateConversation(bg, conv); uerr != nil {
			s.logger.Error("failed to record start failure", "conversation_id", conv.ID, "error", uerr)
		}
		s.appendStatus(bg, conv.ID, conv.Status)
		return nil, fmt.Errorf("starting runtime: %w", err)
	}

	conv.Status = store.ConversationStatusRunning
	conv.RuntimeStatus = sess.Status
	conv.RuntimeID = sess.RuntimeID
	conv.SessionID = sess.SessionID
	conv.SessionAPIKey = sess.SessionAPIKey
	conv.RuntimeURL = sess.RuntimeURL
	conv.VSCodeURL = sess.VSCodeURL
	conv.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("marking conversation running: %w", err)
	}
	s.appendStatus(ctx, conv.ID, conv.Status)

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"runtime_id", conv.RuntimeID)
	return conv, nil
}

// Stop moves the conversation to stopped regardless of its current state,
// releases any runtime session and appends a terminating status event.
func (s *Service) Stop(ctx context.Context, id string) (*store.Conversation, error) {
	unlock := s.lifecycle.lock(id)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	if conv.RuntimeID != "" {
		if err := s.provisioner.Release(ctx, conv.ID, conv.RuntimeID); err != nil {
			s.logger.Warn("runtime release failed",
				"conversation_id", conv.ID,
				"runtime_id", conv.RuntimeID,
				"error", err)
		}
	}

	conv.Status = store.ConversationStatusStopped
	conv.RuntimeStatus = ""
	conv.SessionAPIKey = ""
	conv.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("marking conversation stopped: %w", err)
	}

	if _, err := s.AppendEvents(ctx, conv.ID, []store.NewEvent{{
		Kind:    KindStatusUpdate,
		Payload: stopPayload,
	}}); err != nil {
		return nil, fmt.Errorf("recording stop event: %w", err)
	}

	s.logger.Info("conversation stopped", "conversation_id", conv.ID)
	return conv, nil
}

// appendStatus records a lifecycle transition. Failures are logged only.
func (s *Service) appendStatus(ctx context.Context, id string, status store.ConversationStatus) {
	payload, _ := json.Marshal(map[string]string{"status": string(status)})
	if _, err := s.AppendEvents(ctx, id, []store.NewEvent{{Kind: KindStatusUpdate, Payload: payload}}); err != nil {
		s.logger.Warn("failed to record status event",
			"conversation_id", id,
			"status", status,
			"error", err)
	}
}

// AppendEvents persists a batch and then publishes each stored event, in
// ascending id order, to the notifier.
func (s *Service) AppendEvents(ctx context.Context, conversationID string, events []store.NewEvent) ([]store.Event, error) {
	stored, err := s.store.AppendEvents(ctx, conversationID, events)
	if err != nil {
		return nil, err
	}

	for i := range stored {
		payload, err := json.Marshal(&stored[i])
		if err != nil {
			s.logger.Error("failed to encode event for publish",
				"conversation_id", conversationID,
				"event_id", stored[i].ID,
				"error", err)
			continue
		}
		s.notifier.Publish(ctx, conversationID, payload)
	}
	return stored, nil
}

// SearchEvents pages through events matching filter
func (s *Service) SearchEvents(ctx context.Context, filter store.EventFilter, order store.SortOrder, cursor string, limit int) (*store.EventPage, error) {
	return s.store.SearchEvents(ctx, filter, order, cursor, limit)
}

// CountEvents counts events matching filter
func (s *Service) CountEvents(ctx context.Context, filter store.EventFilter) (int, error) {
	return s.store.CountEvents(ctx, filter)
}

// ReadWindow reads a conversation's events by id bounds
func (s *Service) ReadWindow(ctx context.Context, q store.WindowQuery) (*store.Window, error) {
	return s.store.ReadWindow(ctx, q)
}

// BatchGetEvents resolves composite event ids
func (s *Service) BatchGetEvents(ctx context.Context, compositeIDs []string) ([]*store.Event, error) {
	return s.store.BatchGetEvents(ctx, compositeIDs)
}

// GetEvent returns a single event
func (s *Service) GetEvent(ctx context.Context, conversationID string, id int64) (*store.Event, error) {
	return s.store.GetEvent(ctx, conversationID, id)
}
