// ABOUTME: Gateway orchestrator that wires the store, conversation service, notifiers and relay
// ABOUTME: Owns the HTTP server lifecycle on TCP or tailnet listeners

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/config"
	"github.com/2389/convo-gateway/internal/conversation"
	"github.com/2389/convo-gateway/internal/relay"
	"github.com/2389/convo-gateway/internal/runtime"
	"github.com/2389/convo-gateway/internal/store"
)

// Gateway orchestrates the convo-gateway server components.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	conversation *conversation.Service
	broadcaster  *conversation.EventBroadcaster
	provisioner  *runtime.StaticProvisioner
	relay        *relay.Relay
	auth         *auth.Middleware
	upgrader     websocket.Upgrader

	// redis is set when cross-instance fan-out is enabled
	redisClient   *redis.Client
	redisNotifier *conversation.RedisNotifier

	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore creates the SQLite store named by the config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initAuth builds the API middleware; an empty secret disables auth.
func initAuth(cfg *config.Config, s store.ConversationStore, logger *slog.Logger) (*auth.Middleware, error) {
	sessionKeys := func(ctx context.Context, id string) (string, error) {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return "", err
		}
		return conv.SessionAPIKey, nil
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return auth.NewMiddleware(nil, sessionKeys, logger), nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("HTTP auth middleware enabled")
	return auth.NewMiddleware(verifier, sessionKeys, logger), nil
}

// initNotifier picks the notifier the service publishes to. With Redis
// subscribe mode every instance, including this one, feeds its local
// broadcaster from Redis, so the service publishes to Redis only.
func (g *Gateway) initNotifier(cfg config.NotifierConfig) conversation.Notifier {
	if !cfg.Redis.Enabled {
		return g.broadcaster
	}

	g.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	g.redisNotifier = conversation.NewRedisNotifier(g.redisClient, conversation.RedisNotifierConfig{
		Prefix:         cfg.Redis.Prefix,
		PublishTimeout: cfg.Redis.Timeout,
		MaxInFlight:    cfg.Redis.MaxInFlight,
		MaxQueued:      cfg.Redis.QueueSize,
	}, g.logger)

	if cfg.Redis.Subscribe {
		return g.redisNotifier
	}
	return conversation.MultiNotifier{g.broadcaster, g.redisNotifier}
}

func broadcasterOptions(cfg config.NotifierConfig) []conversation.BroadcasterOption {
	var opts []conversation.BroadcasterOption
	if cfg.MaxSubscribers > 0 {
		opts = append(opts, conversation.WithMaxSubscribers(cfg.MaxSubscribers))
	}
	if cfg.QueueSize > 0 {
		opts = append(opts, conversation.WithQueueSize(cfg.QueueSize))
	}
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, conversation.WithDeliveryTimeout(cfg.DeliveryTimeout))
	}
	return opts
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config: cfg,
		store:  s,
		logger: logger.With("component", "gateway"),
	}

	g.provisioner, err = runtime.NewStaticProvisioner(runtime.StaticConfig{
		BaseURL:   cfg.Runtime.BaseURL,
		VSCodeURL: cfg.Runtime.VSCodeURL,
	}, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating provisioner: %w", err)
	}

	g.auth, err = initAuth(cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Relay.BackendURL != "" {
		g.relay, err = relay.New(relay.Config{
			BackendURL:     cfg.Relay.BackendURL,
			StripPrefix:    cfg.Relay.StripPrefix,
			DialTimeout:    cfg.Relay.DialTimeout,
			WriteTimeout:   cfg.Relay.WriteTimeout,
			PongWait:       cfg.Relay.PongWait,
			BufferSize:     cfg.Relay.BufferSize,
			AllowedOrigins: cfg.Relay.AllowedOrigins,
		}, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating relay: %w", err)
		}
	}

	g.broadcaster = conversation.NewEventBroadcaster(logger, broadcasterOptions(cfg.Notifier)...)
	g.conversation = conversation.New(s, g.initNotifier(cfg.Notifier), g.provisioner, logger)

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(cfg.Relay.AllowedOrigins) > 0 {
		g.upgrader.CheckOrigin = originChecker(cfg.Relay.AllowedOrigins)
	}

	g.handler = g.routes()
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// routes registers every HTTP endpoint on a fresh mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	api := func(h http.HandlerFunc) http.Handler { return g.auth.RequireToken(h) }
	scoped := func(h http.HandlerFunc) http.Handler { return g.auth.RequireTokenOrSessionKey(h) }

	mux.Handle("POST /api/conversations", api(g.handleCreateConversation))
	mux.Handle("GET /api/conversations", api(g.handleListConversations))
	mux.Handle("GET /api/conversations/{id}", api(g.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/start", api(g.handleStartConversation))
	mux.Handle("POST /api/conversations/{id}/stop", api(g.handleStopConversation))
	mux.Handle("POST /api/conversations/{id}/events", scoped(g.handleAppendEvents))
	mux.Handle("GET /api/conversations/{id}/events", scoped(g.handleReadWindow))
	mux.Handle("GET /api/conversations/{id}/events/{event_id}", scoped(g.handleGetEvent))
	mux.Handle("GET /api/conversations/{id}/live", scoped(g.handleLive))
	mux.Handle("GET /api/events/search", api(g.handleSearchEvents))
	mux.Handle("GET /api/events/count", api(g.handleCountEvents))
	mux.Handle("GET /api/events", api(g.handleBatchGetEvents))

	if g.relay != nil {
		mux.Handle("GET /sockets/{path...}", api(g.relay.ServeHTTP))
		g.logger.Info("relay enabled", "backend", g.config.Relay.BackendURL)
	}

	return mux
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServers starts the HTTP server and the Redis subscriber in
// goroutines, returning the error channel.
func (g *Gateway) startServers(ctx context.Context, ln net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.redisNotifier != nil && g.config.Notifier.Redis.Subscribe {
		go func() {
			if err := g.redisNotifier.Subscribe(ctx, g.redisClient, g.broadcaster); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("redis subscribe: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	// Hijacked websocket connections only see cancellation through the
	// base context, so relays and live sessions end with the gateway.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.httpServer.BaseContext = func(net.Listener) context.Context { return runCtx }

	errCh := g.startServers(runCtx, ln)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "convo-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Ends live sessions still attached to the broadcaster
	g.broadcaster.Close()

	if g.redisNotifier != nil {
		errs = appendCloseError(errs, "redis notifier", g.redisNotifier.Close())
	}
	if g.redisClient != nil {
		errs = appendCloseError(errs, "redis close", g.redisClient.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the database answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	if g.redisClient != nil {
		if err := g.redisClient.Ping(ctx).Err(); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d runtimes)", g.provisioner.Active())
}
