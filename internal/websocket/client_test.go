package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/tillscan/internal/protocol"
)

// A peer that never reads never answers pings. The server side must give up
// on it and return from Run even though the request context stays alive.
func TestRunEndsWhenPeerStopsAnsweringPings(t *testing.T) {
	hub := NewHub(nil, nil)
	returned := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{Subprotocols: []string{protocol.Subprotocol}})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		c := NewClient(hub, conn, RolePhone)
		c.pingEvery = 20 * time.Millisecond
		c.pongWait = 50 * time.Millisecond
		c.Run(r.Context(), func(protocol.Message) {})
		close(returned)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := ws.Dial(ctx, url, &ws.DialOptions{Subprotocols: []string{protocol.Subprotocol}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.CloseNow()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after pings went unanswered")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected client to be unregistered, got %d", got)
	}
}
