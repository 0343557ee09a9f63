package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/skip2/go-qrcode"

	"github.com/dukerupert/tillscan/internal/auth"
	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/protocol"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

// PairingHandler serves the terminal-facing pairing API.
type PairingHandler struct {
	broker *pairing.Broker
	issuer *pairing.Issuer
	logger *slog.Logger
}

func NewPairingHandler(broker *pairing.Broker, issuer *pairing.Issuer, logger *slog.Logger) *PairingHandler {
	return &PairingHandler{broker: broker, issuer: issuer, logger: logger}
}

// Create handles POST /api/pairing/sessions.
func (h *PairingHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := auth.TerminalID(r.Context())

	ticket, err := h.broker.StartSession(r.Context(), owner)
	if err != nil {
		if errors.Is(err, pairing.ErrIssuanceFailed) {
			writeError(w, http.StatusServiceUnavailable, "could not start a pairing session", protocol.KindIssuanceFailed)
			return
		}
		writeError(w, http.StatusInternalServerError, "could not start a pairing session", "")
		return
	}

	writeJSON(w, http.StatusCreated, ticket)
}

// Delete handles DELETE /api/pairing/sessions/{token}. Deleting an unknown
// or already closed session succeeds, so terminals can retry freely.
func (h *PairingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	s, err := h.broker.Store().Get(token)
	if err == nil && s.Owner != auth.TerminalID(r.Context()) {
		writeError(w, http.StatusNotFound, "session not found", protocol.KindNotFound)
		return
	}
	if err == nil {
		h.broker.Stop(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

// QR handles GET /api/pairing/sessions/{token}/qr.png and renders the
// pairing URL. ?size= sets the edge length in pixels.
func (h *PairingHandler) QR(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	s, err := h.broker.Store().Get(token)
	if err != nil || s.Owner != auth.TerminalID(r.Context()) {
		writeError(w, http.StatusNotFound, "session not found", protocol.KindNotFound)
		return
	}

	size := defaultQRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > maxQRSize {
			writeError(w, http.StatusBadRequest, "size must be between 64 and 1024", "")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(h.issuer.ScannerURL(token), qrcode.Medium, size)
	if err != nil {
		h.logger.Error("render qr", "session", pairing.Fingerprint(token), "error", err)
		writeError(w, http.StatusInternalServerError, "could not render QR code", "")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
