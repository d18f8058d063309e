// ABOUTME: Runtime provisioner contract used by conversation Start/Stop
// ABOUTME: StaticProvisioner assigns sessions on a single, statically configured backend

package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidBackend is returned when a backend URL cannot be used
var ErrInvalidBackend = errors.New("invalid runtime backend")

// Session describes a backend session attached to a conversation
type Session struct {
	RuntimeID     string
	SessionID     string
	SessionAPIKey string
	RuntimeURL    string
	VSCodeURL     string
	Status        string // backend-level status, opaque to the gateway
}

// Provisioner attaches and detaches backend sessions
type Provisioner interface {
	// Provision returns a ready session for the conversation
	Provision(ctx context.Context, conversationID string) (*Session, error)

	// Release tells the backend the session for runtimeID is no longer needed
	Release(ctx context.Context, conversationID, runtimeID string) error
}

// StaticConfig configures a StaticProvisioner
type StaticConfig struct {
	BaseURL   string // backend http(s) base, e.g. http://localhost:3000
	VSCodeURL string // optional editor url exposed to clients
}

// StaticProvisioner hands out sessions on one fixed backend. Session api
// keys are generated per session and remembered until released.
type StaticProvisioner struct {
	baseURL   string
	vscodeURL string
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]string // runtimeID -> conversationID
}

// NewStaticProvisioner validates the backend URL and creates a provisioner
func NewStaticProvisioner(cfg StaticConfig, logger *slog.Logger) (*StaticProvisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackend, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidBackend, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidBackend)
	}

	return &StaticProvisioner{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		vscodeURL: cfg.VSCodeURL,
		logger:    logger.With("component", "runtime"),
		active:    make(map[string]string),
	}, nil
}

// Provision creates a new session record on the static backend
func (p *StaticProvisioner) Provision(ctx context.Context, conversationID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session api key: %w", err)
	}

	sess := &Session{
		RuntimeID:     uuid.New().String(),
		SessionID:     uuid.New().String(),
		SessionAPIKey: key,
		RuntimeURL:    p.baseURL,
		VSCodeURL:     p.vscodeURL,
		Status:        "running",
	}

	p.mu.Lock()
	p.active[sess.RuntimeID] = conversationID
	p.mu.Unlock()

	p.logger.Info("session provisioned",
		"conversation_id", conversationID,
		"runtime_id", sess.RuntimeID,
		"session_id", sess.SessionID)
	return sess, nil
}

// Release forgets the session. Unknown runtime ids are not an error.
func (p *StaticProvisioner) Release(ctx context.Context, conversationID, runtimeID string) error {
	p.mu.Lock()
	_, ok := p.active[runtimeID]
	delete(p.active, runtimeID)
	p.mu.Unlock()

	if ok {
		p.logger.Info("session released", "conversation_id", conversationID, "runtime_id", runtimeID)
	}
	return nil
}

// Active returns the number of sessions not yet released
func (p *StaticProvisioner) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
