// ABOUTME: tail subcommand that streams a conversation's events over websocket
// ABOUTME: Prints one event per line as they are replayed and then pushed live

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/config"
	"github.com/2389/convo-gateway/internal/store"
)

func runTail(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	startID := fs.Int64("start-id", 0, "first event id to replay")
	token := fs.String("token", os.Getenv("CONVO_TOKEN"), "bearer token")
	sessionKey := fs.String("session-key", "", "conversation session API key")
	addr := fs.String("addr", "", "gateway address (default: server.http_addr from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: convo-gateway tail [flags] CONVERSATION_ID")
	}

	if *addr == "" {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		*addr = cfg.Server.HTTPAddr
	}

	target := liveURL(*addr, fs.Arg(0), *startID)
	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}
	if *sessionKey != "" {
		header.Set(auth.SessionKeyHeader, *sessionKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	return printEvents(ctx, conn, os.Stdout)
}

func liveURL(addr, conversationID string, startID int64) string {
	u := url.URL{
		Scheme: "ws",
		Host:   addr,
		Path:   "/api/conversations/" + url.PathEscape(conversationID) + "/live",
	}
	if startID > 0 {
		u.RawQuery = url.Values{"start_id": {strconv.FormatInt(startID, 10)}}.Encode()
	}
	return u.String()
}

func printEvents(ctx context.Context, conn *websocket.Conn, out io.Writer) error {
	kind := color.New(color.FgCyan)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("stream closed: %d %s", ce.Code, ce.Text)
			}
			return err
		}

		var ev store.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(out, "? %s\n", data)
			continue
		}
		fmt.Fprintf(out, "%s %4d %s %s\n",
			ev.Timestamp.Format("15:04:05.000"), ev.ID, kind.Sprint(ev.Kind), ev.Payload)
	}
}
