// ABOUTME: HTTP API handlers for conversations and their event logs
// ABOUTME: Maps store and service errors onto JSON error responses

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/conversation"
	"github.com/2389/convo-gateway/internal/relay"
	"github.com/2389/convo-gateway/internal/store"
)

const (
	// maxBodyBytes bounds request bodies on the API
	maxBodyBytes = 4 << 20

	// maxBatchIDs bounds a single BatchGet request
	maxBatchIDs = 100
)

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// AppendEventsResponse is the JSON response for POST /api/conversations/{id}/events.
type AppendEventsResponse struct {
	Events []store.Event `json:"events"`
}

// WindowResponse is the JSON response for GET /api/conversations/{id}/events.
type WindowResponse struct {
	Events  []store.Event `json:"events"`
	HasMore bool          `json:"has_more"`
}

// SearchResponse is the JSON response for GET /api/events/search.
type SearchResponse struct {
	Items          []store.Event `json:"items"`
	NextPageCursor string        `json:"next_page_cursor,omitempty"`
}

// CountResponse is the JSON response for GET /api/events/count.
type CountResponse struct {
	Count int `json:"count"`
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// errorStatus maps an error to its HTTP status
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, store.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicateConversation):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Internal failures are logged and
// their details are not exposed.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{store.ErrInvalidArgument}, args...)...)
}

// handleCreateConversation handles POST /api/conversations.
// An empty body creates a conversation with a generated id.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.conversation.Create(r.Context(), conversation.CreateRequest{ID: req.ID, Title: req.Title})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, conv)
}

// handleListConversations handles GET /api/conversations?limit=N.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	convs, err := g.conversation.List(r.Context(), limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleStartConversation handles POST /api/conversations/{id}/start.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleStopConversation handles POST /api/conversations/{id}/stop.
func (g *Gateway) handleStopConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleAppendEvents handles POST /api/conversations/{id}/events.
// The body is a JSON array of events; ids and timestamps are optional.
func (g *Gateway) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	var events []store.NewEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&events); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body: expected an array of events")
		return
	}

	stored, err := g.conversation.AppendEvents(r.Context(), r.PathValue("id"), events)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, AppendEventsResponse{Events: nonNilEvents(stored)})
}

// handleGetEvent handles GET /api/conversations/{id}/events/{event_id}.
func (g *Gateway) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(r.PathValue("event_id"), 10, 64)
	if err != nil || eventID < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "event_id must be a non-negative integer")
		return
	}

	ev, err := g.conversation.GetEvent(r.Context(), r.PathValue("id"), eventID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ev)
}

// handleReadWindow handles GET /api/conversations/{id}/events?start_id&end_id&reverse&limit.
func (g *Gateway) handleReadWindow(w http.ResponseWriter, r *http.Request) {
	q, err := parseWindowQuery(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	win, err := g.conversation.ReadWindow(r.Context(), q)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, WindowResponse{Events: nonNilEvents(win.Events), HasMore: win.HasMore})
}

// handleSearchEvents handles GET /api/events/search.
func (g *Gateway) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	order, err := store.ParseSortOrder(r.URL.Query().Get("sort_order"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", store.MaxPageLimit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	page, err := g.conversation.SearchEvents(r.Context(), filter, order, r.URL.Query().Get("page_cursor"), limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, SearchResponse{Items: nonNilEvents(page.Items), NextPageCursor: page.NextCursor})
}

// handleCountEvents handles GET /api/events/count.
func (g *Gateway) handleCountEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	n, err := g.conversation.CountEvents(r.Context(), filter)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleBatchGetEvents handles GET /api/events?ids=c1:0&ids=c2:5.
// The response keeps the request order with null for every miss.
func (g *Gateway) handleBatchGetEvents(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["ids"]
	if len(ids) > maxBatchIDs {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d ids per request", maxBatchIDs))
		return
	}

	events, err := g.conversation.BatchGetEvents(r.Context(), ids)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	g.writeJSON(w, http.StatusOK, events)
}

func nonNilEvents(events []store.Event) []store.Event {
	if events == nil {
		return []store.Event{}
	}
	return events
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer", name)
	}
	return v, nil
}

// queryTime parses an optional RFC 3339 timestamp query parameter
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, badRequest("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	gte, err := queryTime(r, "timestamp_gte")
	if err != nil {
		return store.EventFilter{}, err
	}
	lt, err := queryTime(r, "timestamp_lt")
	if err != nil {
		return store.EventFilter{}, err
	}
	return store.EventFilter{
		ConversationID: r.URL.Query().Get("conversation_id"),
		Kind:           r.URL.Query().Get("kind"),
		TimestampGTE:   gte,
		TimestampLT:    lt,
	}, nil
}

func parseWindowQuery(r *http.Request) (store.WindowQuery, error) {
	q := store.WindowQuery{ConversationID: r.PathValue("id")}
	query := r.URL.Query()

	if raw := query.Get("start_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return q, badRequest("start_id must be a non-negative integer")
		}
		q.StartID = v
	}
	if raw := query.Get("end_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return q, badRequest("end_id must be a non-negative integer")
		}
		q.EndID = &v
	}
	if raw := query.Get("reverse"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return q, badRequest("reverse must be a boolean")
		}
		q.Reverse = v
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return q, err
	}
	if limit < 0 {
		return q, badRequest("limit must not be negative")
	}
	q.Limit = limit
	return q, nil
}
