package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/dukerupert/tillscan/internal/protocol"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
	writeTimeout   = 5 * time.Second
	maxFrameBytes  = 4 << 10
)

// Role distinguishes the two ends of a relay.
type Role string

const (
	RoleDesktop Role = "desktop"
	RolePhone   Role = "phone"
)

// Client is one relay connection. It implements pairing.Peer.
//
// send is never closed; done signals shutdown. After Close the write pump
// flushes whatever was already queued and then closes the socket, so a
// terminal notice queued just before Close still reaches the peer.
type Client struct {
	id   string
	role Role
	hub  *Hub
	conn *ws.Conn
	send chan protocol.Message

	pingEvery time.Duration
	pongWait  time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, role Role) *Client {
	return &Client{
		id:        uuid.NewString(),
		role:      role,
		hub:       hub,
		conn:      conn,
		send:      make(chan protocol.Message, sendBufferSize),
		pingEvery: pingInterval,
		pongWait:  writeTimeout,
		done:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Role returns whether this is a desktop or phone connection.
func (c *Client) Role() Role { return c.role }

// Send queues msg without blocking. It returns false if the client is closed
// or its buffer is full.
func (c *Client) Send(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close asks the client to flush and disconnect. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run registers the client, starts the write pump, and runs the read pump,
// passing each decoded message to handle. It blocks until the connection is
// closed, then unregisters.
func (c *Client) Run(ctx context.Context, handle func(protocol.Message)) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	c.readPump(ctx, handle)
	c.Close()
	cancel()
	<-writerDone
	_ = c.conn.Close(ws.StatusNormalClosure, "bye")
}

// readPump decodes messages until the connection fails or the client is
// closed. Malformed frames are answered with an error and skipped.
func (c *Client) readPump(ctx context.Context, handle func(protocol.Message)) {
	c.conn.SetReadLimit(maxFrameBytes)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(protocol.NewError("", protocol.KindBadMessage))
			continue
		}

		select {
		case <-c.done:
			// Closed by the broker: discard anything still arriving.
			continue
		default:
		}
		handle(msg)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				c.abandon()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.pongWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.abandon()
				return
			}
		case <-c.done:
			c.flush(ctx)
			_ = c.conn.Close(ws.StatusNormalClosure, "session closed")
			return
		case <-ctx.Done():
			return
		}
	}
}

// abandon drops a connection whose peer stopped answering. Closing the
// socket outright unblocks the read pump so Run can return.
func (c *Client) abandon() {
	c.Close()
	_ = c.conn.CloseNow()
}

func (c *Client) flush(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}
