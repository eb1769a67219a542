package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubShutdownReleasesHandlers(t *testing.T) {
	hub := NewHub(slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(runDone)
	}()

	completions := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r)
		completions <- struct{}{}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("hub did not stop on context cancel")
	}

	// The stopped hub must close the registered client out.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed after shutdown")
	}

	// A client arriving after shutdown must not strand its handler on
	// the register channel.
	if late, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		late.Close()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-completions:
		case <-time.After(5 * time.Second):
			t.Fatalf("handler %d did not return after hub shutdown", i+1)
		}
	}
}
