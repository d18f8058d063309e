// ABOUTME: Entry point for the convo-gateway conversation server
// ABOUTME: Provides serve, init, token, health and tail subcommands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/convo-gateway/internal/config"
	"github.com/2389/convo-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ ___  _ ____   _____         __ _  __ _| |_ _____      ____ _ _   _
 / __/ _ \| '_ \ \ / / _ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| (_) | | | \ V / (_) |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___\___/|_| |_|\_/ \___/       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                 |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: CONVO_CONFIG env var > XDG_CONFIG_HOME/convo/gateway.yaml > ~/.config/convo/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "convo", "gateway.yaml")
}

// getDataPath returns the path to the convo data directory.
// Priority: XDG_DATA_HOME/convo > ~/.local/share/convo
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "convo")
}

func usage() {
	fmt.Println("Usage: convo-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the gateway server")
	fmt.Println("  init                        Write a starter config with a random JWT secret")
	fmt.Println("  token [--subject S] [--ttl D]  Mint a bearer token from the configured secret")
	fmt.Println("  health                      Check gateway readiness")
	fmt.Println("  tail ID [--start-id N]      Stream a conversation's events")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "tail":
		err = runTail(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Runtime:   %s\n", cfg.Runtime.BaseURL)
	if cfg.Relay.BackendURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Relay:     /sockets/ -> %s\n", cfg.Relay.BackendURL)
	}
	if cfg.Notifier.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s", cfg.Notifier.Redis.Addr)
		if cfg.Notifier.Redis.Subscribe {
			yellow.Print(" [subscribe]")
		}
		fmt.Println()
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: no jwt_secret configured")
	}

	fmt.Println()

	logger.Info("starting convo-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInit writes a starter config next to a fresh data directory.
// It refuses to overwrite an existing file.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := renderStarterConfig(filepath.Join(dataPath, "convo.db"), secret)
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Data directory: %s\n", dataPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    convo-gateway token    # mint a bearer token")
	fmt.Println("    convo-gateway serve    # start the gateway")
	return nil
}

func renderStarterConfig(dbPath, secret string) string {
	return fmt.Sprintf(`# convo-gateway configuration
# Generated by convo-gateway init

server:
  http_addr: "localhost:8080"
  shutdown_timeout: "10s"

database:
  path: %q

auth:
  jwt_secret: %q

runtime:
  base_url: "http://localhost:3000"

relay:
  backend_url: ""

notifier:
  max_subscribers: 64
  queue_size: 256
  delivery_timeout: "5s"
  redis:
    enabled: false
    addr: "localhost:6379"

logging:
  level: "info"
  format: "text"
`, dbPath, secret)
}
