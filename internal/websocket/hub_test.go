package websocket

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/dukerupert/tillscan/internal/metrics"
	"github.com/dukerupert/tillscan/internal/protocol"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, role Role) *Client {
	return &Client{
		id:   uuid.NewString(),
		role: role,
		hub:  hub,
		conn: nil,
		send: make(chan protocol.Message, sendBufferSize),
		done: make(chan struct{}),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(nil, slog.Default())

	c1 := mockClient(hub, RoleDesktop)
	c2 := mockClient(hub, RolePhone)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if got := hub.Count(RolePhone); got != 1 {
		t.Fatalf("expected 1 phone, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	if got := hub.Count(RoleDesktop); got != 0 {
		t.Fatalf("expected 0 desktops, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(metrics.New(), slog.Default())
	c := mockClient(hub, RolePhone)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestSendAfterClose(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	c := mockClient(hub, RoleDesktop)

	if !c.Send(protocol.New(protocol.TypeAck, "tok", "")) {
		t.Fatal("send on open client should succeed")
	}

	c.Close()
	c.Close() // idempotent

	if c.Send(protocol.New(protocol.TypeScan, "tok", "123")) {
		t.Error("send after close should fail")
	}
	select {
	case <-c.Done():
	default:
		t.Error("done should be closed")
	}
}

func TestSendFullBuffer(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	c := mockClient(hub, RoleDesktop)

	for i := 0; i < sendBufferSize; i++ {
		if !c.Send(protocol.New(protocol.TypeScan, "tok", "x")) {
			t.Fatalf("send %d should fit in the buffer", i)
		}
	}

	// This should report failure, not block
	if c.Send(protocol.New(protocol.TypeScan, "tok", "dropped")) {
		t.Error("send to a full buffer should fail")
	}
	if len(c.send) != sendBufferSize {
		t.Errorf("expected %d queued messages, got %d", sendBufferSize, len(c.send))
	}
}

func TestCloseAll(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	clients := []*Client{mockClient(hub, RoleDesktop), mockClient(hub, RolePhone)}
	for _, c := range clients {
		hub.Register(c)
	}

	hub.CloseAll()

	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			t.Errorf("client %s not closed", c.ID())
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(nil, slog.Default())
	var wg sync.WaitGroup

	// Spawn goroutines that register, send, and unregister concurrently
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, RolePhone)
			hub.Register(c)
			c.Send(protocol.New(protocol.TypePong, "", ""))
			_ = hub.Count(RolePhone)
			hub.Unregister(c)
			c.Close()
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
