// ABOUTME: Live conversation websocket: replays stored events then pushes new ones
// ABOUTME: Subscribes before replaying and drops only exact repeats of replayed events

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"

	"github.com/2389/convo-gateway/internal/conversation"
	"github.com/2389/convo-gateway/internal/store"
)

const (
	liveReplayPage  = 100
	liveQueueSize   = 64
	liveWriteWait   = 10 * time.Second
	livePongWait    = 60 * time.Second
	livePingPeriod  = (livePongWait * 9) / 10
	liveMaxReadSize = 4096

	// liveOverlapWindow is how long after replay a live payload identical
	// to a replayed event is still treated as a repeat.
	liveOverlapWindow = 5 * time.Second
)

// liveSession streams one conversation to one websocket client
type liveSession struct {
	g              *Gateway
	conn           *websocket.Conn
	conversationID string
	startID        int64
	next           int64 // replay position

	// digests of replayed events by id, until the overlap window closes
	replayed map[int64]uint64
}

// handleLive handles GET /api/conversations/{id}/live?start_id=N.
func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var startID int64
	if raw := r.URL.Query().Get("start_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "start_id must be a non-negative integer")
			return
		}
		startID = v
	}

	// Unknown conversations are rejected before the upgrade
	if _, err := g.conversation.Get(r.Context(), conversationID); err != nil {
		g.writeError(w, r, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("live upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := newLiveSession(g, conn, conversationID, startID)
	if err := sess.run(ctx, cancel); err != nil {
		g.logger.Debug("live session ended",
			"conversation_id", conversationID,
			"error", err)
	}
}

func newLiveSession(g *Gateway, conn *websocket.Conn, conversationID string, startID int64) *liveSession {
	return &liveSession{
		g:              g,
		conn:           conn,
		conversationID: conversationID,
		startID:        startID,
		next:           startID,
		replayed:       make(map[int64]uint64),
	}
}

// run subscribes, replays history from startID, then forwards live events
// until the client leaves or the subscription ends.
func (s *liveSession) run(ctx context.Context, cancel context.CancelFunc) error {
	sink := conversation.NewChannelSink(liveQueueSize)
	if _, err := s.g.broadcaster.Subscribe(ctx, s.conversationID, sink); err != nil {
		s.closeWith(websocket.CloseTryAgainLater, "too many subscribers")
		return err
	}

	go s.readLoop(cancel)

	if err := s.replay(ctx); err != nil {
		s.closeWith(websocket.CloseInternalServerErr, "replay failed")
		return err
	}

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	overlap := time.NewTimer(liveOverlapWindow)
	defer overlap.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sink.C():
			if !ok {
				s.closeWith(websocket.CloseGoingAway, "server shutting down")
				return nil
			}
			if err := s.forward(payload); err != nil {
				return err
			}
		case <-overlap.C:
			s.replayed = nil
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return err
			}
		}
	}
}

// replay sends stored events from next onwards in id order
func (s *liveSession) replay(ctx context.Context) error {
	for {
		win, err := s.g.conversation.ReadWindow(ctx, store.WindowQuery{
			ConversationID: s.conversationID,
			StartID:        s.next,
			Limit:          liveReplayPage,
		})
		if err != nil {
			return err
		}
		for i := range win.Events {
			data, err := json.Marshal(&win.Events[i])
			if err != nil {
				return err
			}
			if err := s.write(data); err != nil {
				return err
			}
			s.replayed[win.Events[i].ID] = xxhash.Sum64(data)
			s.next = win.Events[i].ID + 1
		}
		if !win.HasMore {
			return nil
		}
	}
}

// forward sends a live payload. Ids below startID are outside the
// requested range. A payload for a replayed id is skipped only when it is
// the exact record replay already sent; any other version is an upsert and
// goes out, after which that id is no longer tracked.
func (s *liveSession) forward(payload []byte) error {
	var head struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return err
	}
	if head.ID < s.startID {
		return nil
	}
	if sum, ok := s.replayed[head.ID]; ok {
		delete(s.replayed, head.ID)
		if sum == xxhash.Sum64(payload) {
			return nil
		}
	}
	return s.write(payload)
}

func (s *liveSession) write(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop drains client frames so control frames are processed. The
// session ends when the client closes or stops answering pings.
func (s *liveSession) readLoop(cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadLimit(liveMaxReadSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(livePongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				s.g.logger.Debug("live client read failed",
					"conversation_id", s.conversationID,
					"error", err)
			}
			return
		}
	}
}

func (s *liveSession) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(liveWriteWait))
}
