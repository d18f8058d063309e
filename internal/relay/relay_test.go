// ABOUTME: Tests for the websocket relay
// ABOUTME: Uses httptest echo backends to check frame fidelity, close propagation and dial failures

package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendServer is a scripted websocket backend
type backendServer struct {
	*httptest.Server
	requests chan *http.Request
	closes   chan *websocket.CloseError
	conns    chan *websocket.Conn
}

// newEchoBackend echoes every message with its original type and reports
// the close it receives.
func newEchoBackend(t *testing.T, subprotocols ...string) *backendServer {
	t.Helper()
	b := &backendServer{
		requests: make(chan *http.Request, 4),
		closes:   make(chan *websocket.CloseError, 4),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{Subprotocols: subprotocols}

	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests <- r.Clone(context.Background())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b.conns <- conn

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					b.closes <- ce
				}
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(b.Close)
	return b
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newRelayServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	r, err := New(cfg, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/sockets/", r)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialRelay(t *testing.T, srv *httptest.Server, path string, header http.Header, subprotocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	conn, resp, err := d.Dial(wsURL(srv.URL)+path, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRelay_TextAndBinaryFidelity(t *testing.T) {
	backend := newEchoBackend(t)
	srv := newRelayServer(t, Config{BackendURL: backend.URL})

	conn := dialRelay(t, srv, "/sockets/events/c1", nil)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	text := `{"kind":"message","payload":{"x":1}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, text, string(data))

	binary := []byte{0x00, 0xff, 0x10, 0x80}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, binary))
	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, binary, data)
}

func TestRelay_LargeMessage(t *testing.T) {
	backend := newEchoBackend(t)
	srv := newRelayServer(t, Config{BackendURL: backend.URL, BufferSize: 1024})

	conn := dialRelay(t, srv, "/sockets/events/c1", nil)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	big := strings.Repeat("abcdefgh", 64*1024)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, big, string(data))
}

func TestRelay_ReplaysPathQueryAndHeaders(t *testing.T) {
	backend := newEchoBackend(t)
	srv := newRelayServer(t, Config{BackendURL: backend.URL + "/base"})

	header := http.Header{}
	header.Set("X-Session-API-Key", "secret")
	header.Set("Keep-Alive", "timeout=5")
	dialRelay(t, srv, "/sockets/events/c1?latest_event_id=4", header)

	select {
	case req := <-backend.requests:
		assert.Equal(t, "/base/sockets/events/c1", req.URL.Path)
		assert.Equal(t, "latest_event_id=4", req.URL.RawQuery)
		assert.Equal(t, "secret", req.Header.Get("X-Session-API-Key"))
		assert.Empty(t, req.Header.Get("Keep-Alive"))
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw the request")
	}
}

func TestRelay_EchoesBackendSubprotocol(t *testing.T) {
	backend := newEchoBackend(t, "events.v1")
	srv := newRelayServer(t, Config{BackendURL: backend.URL})

	conn := dialRelay(t, srv, "/sockets/events/c1", nil, "events.v2", "events.v1")
	assert.Equal(t, "events.v1", conn.Subprotocol())
}

func TestRelay_ClientCloseReachesBackend(t *testing.T) {
	backend := newEchoBackend(t)
	srv := newRelayServer(t, Config{BackendURL: backend.URL})

	conn := dialRelay(t, srv, "/sockets/events/c1", nil)
	msg := websocket.FormatCloseMessage(4001, "client done")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case ce := <-backend.closes:
		assert.Equal(t, 4001, ce.Code)
		assert.Equal(t, "client done", ce.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("backend did not receive close")
	}
}

func TestRelay_BackendCloseReachesClient(t *testing.T) {
	backend := newEchoBackend(t)
	srv := newRelayServer(t, Config{BackendURL: backend.URL})

	conn := dialRelay(t, srv, "/sockets/events/c1", nil)

	var backendConn *websocket.Conn
	select {
	case backendConn = <-backend.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("backend connection not established")
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "runtime stopped")
	require.NoError(t, backendConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "runtime stopped", ce.Text)
}

func TestRelay_BackendUnavailable(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backendURL := backend.URL
	backend.Close()

	srv := newRelayServer(t, Config{BackendURL: backendURL, DialTimeout: time.Second})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/sockets/events/c1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRelay_RequiresUpgrade(t *testing.T) {
	backend := newEchoBackend(t)
	srv := newRelayServer(t, Config{BackendURL: backend.URL})

	resp, err := http.Get(srv.URL + "/sockets/events/c1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_ContextCancelClosesBothLegs(t *testing.T) {
	backend := newEchoBackend(t)
	r, err := New(Config{BackendURL: backend.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewUnstartedServer(r)
	srv.Config.BaseContext = func(_ net.Listener) context.Context { return ctx }
	srv.Start()
	t.Cleanup(srv.Close)

	conn := dialRelay(t, srv, "/sockets/events/c1", nil)
	select {
	case <-backend.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("backend connection not established")
	}

	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "client leg should be closed, not time out")
	}
}

func TestRelay_KeepalivePings(t *testing.T) {
	backend := newEchoBackend(t)
	srv := newRelayServer(t, Config{
		BackendURL:   backend.URL,
		PongWait:     200 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})

	conn := dialRelay(t, srv, "/sockets/events/c1", nil)
	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Reading drives the ping handler
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping received")
	}
}

func TestNew_ValidatesBackend(t *testing.T) {
	_, err := New(Config{BackendURL: "ftp://runtime"}, nil)
	assert.Error(t, err)

	_, err = New(Config{BackendURL: "ws://"}, nil)
	assert.Error(t, err)

	r, err := New(Config{BackendURL: "https://runtime.example.com"}, nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/sockets/events/c1?a=1", nil)
	assert.Equal(t, "wss://runtime.example.com/sockets/events/c1?a=1", r.TargetURL(req))
}

func TestTargetURL_StripPrefix(t *testing.T) {
	r, err := New(Config{BackendURL: "ws://runtime:3000/api", StripPrefix: "/relay"}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/relay/sockets/events/c1", nil)
	assert.Equal(t, "ws://runtime:3000/api/sockets/events/c1", r.TargetURL(req))
}

func TestForwardHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Upgrade", "websocket")
	in.Set("Connection", "Upgrade, X-Hop")
	in.Set("Sec-WebSocket-Key", "abc")
	in.Set("Sec-WebSocket-Version", "13")
	in.Set("Sec-WebSocket-Extensions", "permessage-deflate")
	in.Set("Sec-WebSocket-Protocol", "events.v1")
	in.Set("X-Hop", "1")
	in.Set("Authorization", "Bearer tok")
	in.Set("Cookie", "a=b")

	out := forwardHeaders(in)
	for _, h := range []string{"Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version",
		"Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol", "X-Hop"} {
		assert.Empty(t, out.Get(h), h)
	}
	assert.Equal(t, "Bearer tok", out.Get("Authorization"))
	assert.Equal(t, "a=b", out.Get("Cookie"))
	// The input is not modified
	assert.Equal(t, "websocket", in.Get("Upgrade"))
}

func TestClosePayload(t *testing.T) {
	assert.Empty(t, closePayload(&websocket.CloseError{Code: websocket.CloseNoStatusReceived}))
	assert.Empty(t, closePayload(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.Equal(t,
		websocket.FormatCloseMessage(4000, "bye"),
		closePayload(&websocket.CloseError{Code: 4000, Text: "bye"}))
}
