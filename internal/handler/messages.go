package handler

import "github.com/dukerupert/tillscan/internal/protocol"

// phoneMessages are the texts the scanner page shows, keyed by error kind
// plus a few page states.
var phoneMessages = map[string]string{
	protocol.KindNotFound:       "This pairing link is invalid. Ask the cashier for a new QR code.",
	protocol.KindExpired:        "This pairing link has expired. Ask the cashier for a new QR code.",
	protocol.KindAlreadyClaimed: "This pairing link is already in use by another phone.",
	protocol.KindTimedOut:       "The scanning session ended after a period of inactivity.",
	protocol.KindClosed:         "The till ended the scanning session.",
	protocol.KindNotConnected:   "This phone is not connected to a till.",
	protocol.KindIssuanceFailed: "The till could not start a scanning session.",
	protocol.KindTransport:      "Lost the connection to the till.",
	protocol.KindRateLimited:    "Scanning too fast. Some scans were skipped.",
	protocol.KindBadMessage:     "The till did not understand the last scan.",
	"Connected":                 "Connected. Point the camera at a barcode.",
	"NoCamera":                  "Camera unavailable. Type barcodes below instead.",
}

// PhoneMessage returns the human-readable text for an error kind.
func PhoneMessage(kind string) string {
	if m, ok := phoneMessages[kind]; ok {
		return m
	}
	return phoneMessages[protocol.KindTransport]
}
