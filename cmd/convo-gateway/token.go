// ABOUTME: token subcommand that mints HS256 bearer tokens
// ABOUTME: Uses the jwt_secret from the gateway config

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/config"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (default: random uuid)")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := mintToken(cfg.Auth.JWTSecret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(secret, subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	if subject == "" {
		subject = uuid.NewString()
	}

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
