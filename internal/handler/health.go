package handler

import (
	"database/sql"
	"net/http"

	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/websocket"
)

type HealthHandler struct {
	db    *sql.DB
	store *pairing.Store
	hub   *websocket.Hub
}

func NewHealthHandler(db *sql.DB, store *pairing.Store, hub *websocket.Hub) *HealthHandler {
	return &HealthHandler{db: db, store: store, hub: hub}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.store.Len(),
		"peers":    h.hub.ClientCount(),
	})
}
