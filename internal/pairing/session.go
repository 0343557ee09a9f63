// Package pairing implements remote-scanner pairing: the token issuer, the
// in-memory session store, the relay broker and the expiry sweeper.
//
// A desktop terminal asks for a session and gets a one-time scanner URL. The
// first phone that presents the token claims the session, after which its
// scans are relayed to the desktop in the order they were accepted.
package pairing

import (
	"encoding/hex"
	"time"

	"github.com/dukerupert/tillscan/internal/protocol"
	"golang.org/x/crypto/blake2b"
)

// State is the server-side session state.
type State string

const (
	StateUnclaimed State = "unclaimed"
	StateConnected State = "connected"
	StateClosed    State = "closed"
)

// Peer is one end of a relay. Send must not block; it reports false when the
// message could not be queued (peer closed or its queue is full).
type Peer interface {
	ID() string
	Send(msg protocol.Message) bool
	Close()
}

// Session is a snapshot of a pairing session record.
type Session struct {
	Token          string
	State          State
	Owner          string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	Desktop        Peer
	Phone          Peer
	ScannedCount   int64
}

// Expired reports whether an unclaimed session is past its claim deadline.
func (s Session) Expired(now time.Time) bool {
	return s.State == StateUnclaimed && !now.Before(s.ExpiresAt)
}

// Ticket is what the issuer hands back to the desktop.
type Ticket struct {
	Token      string    `json:"token"`
	ScannerURL string    `json:"scanner_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Fingerprint returns a short, non-reversible identifier for a token, safe to
// put in logs and metrics labels.
func Fingerprint(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
