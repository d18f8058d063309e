// ABOUTME: Minimal fake runtime backend for relay testing; echoes websocket frames back.
// ABOUTME: Usage: fake-runtime [-addr localhost:3000] [-prefix "echo: "]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:3000", "listen address")
	prefix := flag.String("prefix", "echo: ", "prefix added to echoed text frames")
	flag.Parse()

	if err := run(*addr, *prefix); err != nil {
		log.Fatal(err)
	}
}

func run(addr, prefix string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})
	mux.Handle("/", echoHandler(prefix))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("fake runtime listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// echoHandler upgrades every request and writes each frame back.
// Text frames get the prefix; binary frames are returned untouched.
func echoHandler(prefix string) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		log.Printf("connection on %s", r.URL.RequestURI())

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("read error: %v", err)
				}
				return
			}
			if mt == websocket.TextMessage {
				data = append([]byte(prefix), data...)
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				log.Printf("write error: %v", err)
				return
			}
		}
	})
}
