package pairing

import (
	"errors"

	"github.com/dukerupert/tillscan/internal/protocol"
)

var (
	ErrDuplicateToken = errors.New("pairing: duplicate token")
	ErrIssuanceFailed = errors.New("pairing: session issuance failed")
	ErrNotFound       = errors.New("pairing: session not found")
	ErrExpired        = errors.New("pairing: session expired")
	ErrAlreadyClaimed = errors.New("pairing: session already claimed")
	ErrNotConnected   = errors.New("pairing: session not connected")

	ErrNotOwner       = errors.New("pairing: session owned by another terminal")
	ErrPeerAttached   = errors.New("pairing: desktop already attached")
	ErrInvalidPayload = errors.New("pairing: invalid scan payload")
)

// KindOf maps an error to the wire error kind sent to peers.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotOwner):
		// A foreign terminal learns nothing about sessions it does not own.
		return protocol.KindNotFound
	case errors.Is(err, ErrExpired):
		return protocol.KindExpired
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrPeerAttached):
		return protocol.KindAlreadyClaimed
	case errors.Is(err, ErrNotConnected):
		return protocol.KindNotConnected
	case errors.Is(err, ErrDuplicateToken), errors.Is(err, ErrIssuanceFailed):
		return protocol.KindIssuanceFailed
	case errors.Is(err, ErrInvalidPayload):
		return protocol.KindBadMessage
	default:
		return protocol.KindTransport
	}
}
