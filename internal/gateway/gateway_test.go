// ABOUTME: Tests for Gateway construction, health endpoints and server lifecycle
// ABOUTME: Runs the real HTTP server on a loopback port to check graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convo-gateway/internal/config"
)

const testSecret = "gateway-test-secret-0123456789ab"

// testConfig creates a minimal config backed by a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "convo.db")},
		Runtime:  config.RuntimeConfig{BaseURL: "http://runtime:3000", VSCodeURL: "http://runtime:3001"},
		Logging:  config.LoggingConfig{Level: "info", Format: "text"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a gateway from cfg and serves its handler.
func newTestServer(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

func TestGatewayNew(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.conversation)
	assert.NotNil(t, gw.broadcaster)
	assert.Nil(t, gw.relay, "relay is only built when a backend is configured")
	assert.Nil(t, gw.redisClient)
	assert.False(t, gw.auth.Enabled())
}

func TestGatewayNew_InvalidRuntime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.BaseURL = "ftp://runtime"

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestGatewayNew_ShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestGatewayNew_RedisModes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notifier.Redis = config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	require.NotNil(t, gw.redisNotifier)
	assert.Equal(t, "convo:events:c1", gw.redisNotifier.Channel("c1"))
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestReady(t *testing.T) {
	gw, srv := newTestServer(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A closed database is not ready
	require.NoError(t, gw.store.Close())
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReady_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notifier.Redis = config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}
	_, srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestGatewayRun_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = freeAddr(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = http.Get(url)
	assert.Error(t, err, "server should no longer accept connections")
}

func TestGatewayRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	assert.Error(t, err)
}
