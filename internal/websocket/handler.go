package websocket

import (
	"context"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/tillscan/internal/auth"
	"github.com/dukerupert/tillscan/internal/middleware"
	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/protocol"
)

// Handler upgrades relay connections and routes their messages to the broker.
type Handler struct {
	broker  *pairing.Broker
	hub     *Hub
	limiter *middleware.RateLimiter
	origins []string
	logger  *slog.Logger
}

// NewHandler creates a relay handler. limiter bounds scans per phone
// connection and may be nil. origins are host patterns allowed to open
// cross-origin sockets; same-origin is always allowed.
func NewHandler(broker *pairing.Broker, hub *Hub, limiter *middleware.RateLimiter, origins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broker:  broker,
		hub:     hub,
		limiter: limiter,
		origins: origins,
		logger:  logger,
	}
}

// Hub returns the connection registry.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// HandleDesktop serves GET /ws/desktop?token=. The request must already carry
// an authenticated terminal.
func (h *Handler) HandleDesktop(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	owner := auth.TerminalID(r.Context())
	if owner == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, ok := h.accept(w, r)
	if !ok {
		return
	}
	client := NewClient(h.hub, conn, RoleDesktop)
	logger := h.logger.With("peer", client.ID(), "role", RoleDesktop, "session", pairing.Fingerprint(token))

	if err := h.broker.AttachDesktop(token, owner, client); err != nil {
		client.Send(protocol.NewError(token, pairing.KindOf(err)))
		client.Close()
		client.Run(r.Context(), func(protocol.Message) {})
		return
	}

	logger.Debug("desktop connected")
	client.Run(r.Context(), func(msg protocol.Message) {
		if err := msg.Validate(); err != nil {
			client.Send(protocol.NewError(token, protocol.KindBadMessage))
			return
		}
		switch msg.Type {
		case protocol.TypePing:
			if err := h.broker.Heartbeat(token); err != nil {
				return
			}
			client.Send(protocol.New(protocol.TypePong, token, ""))
		case protocol.TypeStop:
			h.broker.Stop(token)
		default:
			client.Send(protocol.NewError(token, protocol.KindBadMessage))
		}
	})

	h.broker.Disconnect(token, client.ID())
	logger.Debug("desktop disconnected")
}

// HandlePhone serves GET /ws/phone. The first message must be a bind; after
// a successful bind the connection carries scans for that session only.
func (h *Handler) HandlePhone(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.accept(w, r)
	if !ok {
		return
	}
	client := NewClient(h.hub, conn, RolePhone)
	logger := h.logger.With("peer", client.ID(), "role", RolePhone)

	// Only the read pump touches bound, so it needs no lock.
	var bound string
	client.Run(r.Context(), func(msg protocol.Message) {
		if err := msg.Validate(); err != nil {
			client.Send(protocol.NewError(msg.Token, protocol.KindBadMessage))
			return
		}

		switch msg.Type {
		case protocol.TypeBind:
			if bound != "" {
				client.Send(protocol.NewError(msg.Token, protocol.KindAlreadyClaimed))
				return
			}
			if err := h.broker.Bind(msg.Token, client); err != nil {
				client.Close()
				return
			}
			bound = msg.Token
			logger.Debug("phone bound", "session", pairing.Fingerprint(bound))
		case protocol.TypeScan:
			if bound == "" || msg.Token != bound {
				return
			}
			if h.limiter != nil && !h.limiter.Allow(client.ID()) {
				client.Send(protocol.NewError(bound, protocol.KindRateLimited))
				return
			}
			_, _ = h.broker.Scan(bound, client, msg.Payload)
		case protocol.TypePing:
			if bound != "" {
				if err := h.broker.Heartbeat(bound); err != nil {
					return
				}
			}
			client.Send(protocol.New(protocol.TypePong, bound, ""))
		case protocol.TypeStop:
			if bound != "" {
				h.broker.Disconnect(bound, client.ID())
			}
			client.Close()
		}
	})

	if h.limiter != nil {
		h.limiter.Forget(client.ID())
	}
	if bound != "" {
		h.broker.Disconnect(bound, client.ID())
	}
}

// accept upgrades the request and enforces the relay subprotocol.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) (*ws.Conn, bool) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		Subprotocols:   []string{protocol.Subprotocol},
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept", "error", err, "remote", middleware.RealIP(r))
		return nil, false
	}
	if sp := conn.Subprotocol(); sp != protocol.Subprotocol {
		h.logger.Info("websocket rejected", "reason", "subprotocol", "got", sp)
		_ = conn.Close(ws.StatusPolicyViolation, "subprotocol "+protocol.Subprotocol+" required")
		return nil, false
	}
	return conn, true
}

// Shutdown closes every open relay connection.
func (h *Handler) Shutdown(context.Context) {
	h.hub.CloseAll()
}
