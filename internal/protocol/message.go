// Package protocol defines the relay wire contract shared by the server,
// the phone scanner page and the desktop client.
package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Version is embedded into every message.
const Version = 1

// Subprotocol is negotiated on every relay websocket.
const Subprotocol = "tillscan.relay.v1"

// Client -> server.
const (
	TypeBind = "bind"
	TypeScan = "scan"
	TypeStop = "stop"
	TypePing = "ping"
)

// Server -> client. TypeScan is reused for forwarded scans.
const (
	TypeAck       = "ack"
	TypeConnected = "connected"
	TypeError     = "error"
	TypeClosed    = "closed"
	TypePong      = "pong"
)

// Error kinds carried in the payload of an error message.
const (
	KindNotFound       = "NotFound"
	KindExpired        = "Expired"
	KindTimedOut       = "TimedOut"
	KindAlreadyClaimed = "AlreadyClaimed"
	KindNotConnected   = "NotConnected"
	KindIssuanceFailed = "IssuanceFailed"
	KindClosed         = "Closed"
	KindBadMessage     = "BadMessage"
	KindRateLimited    = "RateLimited"
	KindTransport      = "Transport"
)

// Message is the relay envelope.
type Message struct {
	V       int       `json:"v"`
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Token   string    `json:"token,omitempty"`
	Payload string    `json:"payload,omitempty"`
	Seq     int64     `json:"seq,omitempty"`
	TS      time.Time `json:"ts"`
}

// New builds a message with a fresh id and timestamp.
func New(typ, token, payload string) Message {
	now := time.Now().UTC()
	return Message{
		V:       Version,
		ID:      NewID(now),
		Type:    typ,
		Token:   token,
		Payload: payload,
		TS:      now,
	}
}

// NewError builds an error message carrying kind.
func NewError(token, kind string) Message {
	return New(TypeError, token, kind)
}

// NewID returns a ULID for message ids. It falls back to an empty id only if
// the system random source fails.
func NewID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ""
	}
	return id.String()
}

// Validate checks structure of an inbound (client -> server) message.
func (m Message) Validate() error {
	if m.V != Version {
		return fmt.Errorf("unsupported protocol version: %d", m.V)
	}
	switch m.Type {
	case TypeBind, TypeScan:
		if strings.TrimSpace(m.Token) == "" {
			return errors.New("missing token")
		}
	case TypeStop, TypePing:
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unknown type: %q", m.Type)
	}
	return nil
}
