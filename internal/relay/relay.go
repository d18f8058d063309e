// ABOUTME: Byte-transparent websocket relay between gateway clients and the runtime backend
// ABOUTME: Dials the backend before upgrading, then pumps frames both ways until either side closes

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// ErrTransport is returned when either relay leg fails
var ErrTransport = errors.New("transport error")

// errClosed ends the bridge after a close frame was forwarded
var errClosed = errors.New("relay closed")

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultBufferSize   = 32 * 1024
)

// Config configures a Relay
type Config struct {
	// BackendURL is the backend base, e.g. ws://runtime:3000. http and
	// https are accepted and mapped to ws and wss.
	BackendURL string

	// StripPrefix is removed from the inbound path before it is appended
	// to the backend base path.
	StripPrefix string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration // defaults to 9/10 of PongWait

	BufferSize int

	// AllowedOrigins lists accepted Origin values; "*" accepts any. Empty
	// keeps the same-origin check.
	AllowedOrigins []string
}

// handshakeHeaders are set by the dialer itself and must not be replayed
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// hopHeaders apply to a single transport hop
var hopHeaders = []string{
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
}

// Relay forwards websocket sessions to a fixed backend
type Relay struct {
	backend  *url.URL
	strip    string
	cfg      Config
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New validates cfg and creates a Relay. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	switch backend.Scheme {
	case "ws", "wss":
	case "http":
		backend.Scheme = "ws"
	case "https":
		backend.Scheme = "wss"
	default:
		return nil, fmt.Errorf("backend url scheme must be ws, wss, http or https, got %q", backend.Scheme)
	}
	if backend.Host == "" {
		return nil, fmt.Errorf("backend url host is required")
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	r := &Relay{
		backend: backend,
		strip:   cfg.StripPrefix,
		cfg:     cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   cfg.BufferSize,
			WriteBufferSize:  cfg.BufferSize,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   cfg.BufferSize,
			WriteBufferSize:  cfg.BufferSize,
		},
		logger: logger.With("component", "relay"),
	}
	if len(cfg.AllowedOrigins) > 0 {
		r.upgrader.CheckOrigin = r.checkOrigin
	}
	return r, nil
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(r.cfg.AllowedOrigins, "*") || slices.Contains(r.cfg.AllowedOrigins, origin)
}

// TargetURL returns the backend URL for an inbound request
func (r *Relay) TargetURL(req *http.Request) string {
	target := *r.backend
	suffix := strings.TrimPrefix(req.URL.Path, r.strip)
	if suffix != "" && !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	target.Path = strings.TrimRight(r.backend.Path, "/") + suffix
	target.RawPath = ""
	target.RawQuery = req.URL.RawQuery
	return target.String()
}

// forwardHeaders copies the inbound headers the backend should see
func forwardHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, h := range handshakeHeaders {
		out.Del(h)
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}
	// Headers named in Connection are hop-by-hop too
	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" && !strings.EqualFold(name, "upgrade") {
				out.Del(name)
			}
		}
	}
	out.Del("Host")
	return out
}

// ServeHTTP dials the backend, upgrades the client and bridges the two
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	target := r.TargetURL(req)
	dialer := r.dialer
	dialer.Subprotocols = websocket.Subprotocols(req)

	dialCtx, cancel := context.WithTimeout(req.Context(), r.cfg.DialTimeout)
	backend, resp, err := dialer.DialContext(dialCtx, target, forwardHeaders(req.Header))
	cancel()
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		r.logger.Warn("backend dial failed",
			"target", target,
			"status", status,
			"error", fmt.Errorf("%w: %v", ErrTransport, err))
		http.Error(w, "backend unavailable", http.StatusBadGateway)
		return
	}

	var respHeader http.Header
	if proto := backend.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}

	client, err := r.upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		// Upgrade has already written the error response
		r.logger.Debug("client upgrade failed", "error", err)
		backend.Close()
		return
	}

	r.logger.Info("relay opened", "target", target, "remote", req.RemoteAddr)
	err = r.Bridge(req.Context(), client, backend)
	if err != nil {
		r.logger.Info("relay closed with error", "target", target, "error", err)
		return
	}
	r.logger.Info("relay closed", "target", target)
}

// Bridge pumps messages between two open connections until either side
// closes, a leg fails or ctx is cancelled. Both connections are closed on
// return. A forwarded close handshake returns nil.
func (r *Relay) Bridge(ctx context.Context, client, backend *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the sockets unblocks any pending reads
	stop := context.AfterFunc(gctx, func() {
		client.Close()
		backend.Close()
	})
	defer func() {
		stop()
		client.Close()
		backend.Close()
	}()

	for _, conn := range []*websocket.Conn{client, backend} {
		r.keepReading(conn)
		g.Go(func() error { return r.pingLoop(gctx, conn) })
	}
	g.Go(func() error { return r.pump(client, backend, "client->backend") })
	g.Go(func() error { return r.pump(backend, client, "backend->client") })

	err := g.Wait()
	if errors.Is(err, errClosed) {
		return nil
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// keepReading arms the read deadline and refreshes it on every pong
func (r *Relay) keepReading(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	})
}

func (r *Relay) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(r.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: ping: %v", ErrTransport, err)
			}
		}
	}
}

// pump copies messages from src to dst one at a time
func (r *Relay) pump(src, dst *websocket.Conn, direction string) error {
	buf := make([]byte, r.cfg.BufferSize)
	for {
		messageType, reader, err := src.NextReader()
		if err != nil {
			return r.forwardClose(dst, err, direction)
		}
		_ = src.SetReadDeadline(time.Now().Add(r.cfg.PongWait))

		_ = dst.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
		writer, err := dst.NextWriter(messageType)
		if err != nil {
			return fmt.Errorf("%w: %s write: %v", ErrTransport, direction, err)
		}
		if _, err := io.CopyBuffer(writer, reader, buf); err != nil {
			writer.Close()
			return fmt.Errorf("%w: %s copy: %v", ErrTransport, direction, err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("%w: %s flush: %v", ErrTransport, direction, err)
		}
	}
}

// forwardClose relays a close frame received on one leg to the other. Read
// errors that are not close frames end the bridge as transport failures.
func (r *Relay) forwardClose(dst *websocket.Conn, readErr error, direction string) error {
	var closeErr *websocket.CloseError
	if !errors.As(readErr, &closeErr) {
		_ = dst.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(r.cfg.WriteTimeout))
		return fmt.Errorf("%w: %s read: %v", ErrTransport, direction, readErr)
	}

	msg := closePayload(closeErr)
	err := dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		r.logger.Debug("forwarding close failed", "direction", direction, "error", err)
	}

	r.logger.Debug("close forwarded",
		"direction", direction,
		"code", closeErr.Code,
		"reason", closeErr.Text)
	return errClosed
}

// closePayload rebuilds the close frame body for a received close. Codes
// that may not appear on the wire become an empty close body.
func closePayload(ce *websocket.CloseError) []byte {
	switch ce.Code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return []byte{}
	default:
		return websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
}
