package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/tillscan/internal/auth"
	"github.com/dukerupert/tillscan/internal/config"
	"github.com/dukerupert/tillscan/internal/handler"
	"github.com/dukerupert/tillscan/internal/metrics"
	"github.com/dukerupert/tillscan/internal/middleware"
	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/store"
	ws "github.com/dukerupert/tillscan/internal/websocket"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg         *config.Config
	keys        *auth.Keyring
	metrics     *metrics.Metrics
	store       *pairing.Store
	broker      *pairing.Broker
	sweeper     *pairing.Sweeper
	hub         *ws.Hub
	relayH      *ws.Handler
	pairingH    *handler.PairingHandler
	scannerH    *handler.ScannerHandler
	productH    *handler.ProductHandler
	healthH     *handler.HealthHandler
	httpLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(cfg *config.Config, db *sql.DB, keys *auth.Keyring, logger *slog.Logger) *Server {
	m := metrics.New()

	sessionStore := pairing.NewStore(cfg.IdleTimeout)
	issuer := pairing.NewIssuer(sessionStore, pairing.IssuerConfig{
		BaseURL: cfg.BaseURL,
		TTL:     cfg.SessionTTL,
	}, logger.With("component", "issuer"))
	broker := pairing.NewBroker(sessionStore, issuer, m, logger.With("component", "broker"))
	sweeper := pairing.NewSweeper(sessionStore, broker, cfg.SweepInterval, logger.With("component", "sweeper"))

	hub := ws.NewHub(m, logger.With("component", "websocket"))

	var scanLimiter *middleware.RateLimiter
	if cfg.ScanRateLimit > 0 {
		scanLimiter = middleware.NewRateLimiter(cfg.ScanRateLimit, time.Second)
		sweeper.OnTick(scanLimiter.Cleanup)
	}
	var httpLimiter *middleware.RateLimiter
	if cfg.HTTPRateLimit > 0 {
		httpLimiter = middleware.NewRateLimiter(cfg.HTTPRateLimit, time.Minute)
		sweeper.OnTick(httpLimiter.Cleanup)
	}

	return &Server{
		cfg:         cfg,
		keys:        keys,
		metrics:     m,
		store:       sessionStore,
		broker:      broker,
		sweeper:     sweeper,
		hub:         hub,
		relayH:      ws.NewHandler(broker, hub, scanLimiter, cfg.OriginPatterns(), logger.With("component", "relay")),
		pairingH:    handler.NewPairingHandler(broker, issuer, logger.With("component", "pairing")),
		scannerH:    handler.NewScannerHandler(sessionStore, logger.With("component", "scanner")),
		productH:    handler.NewProductHandler(store.NewProductStore(db), logger.With("component", "product")),
		healthH:     handler.NewHealthHandler(db, sessionStore, hub),
		httpLimiter: httpLimiter,
		logger:      logger,
	}
}

// Broker returns the relay broker.
func (s *Server) Broker() *pairing.Broker {
	return s.broker
}

// Sweeper returns the expiry sweeper. Run starts and stops it.
func (s *Server) Sweeper() *pairing.Sweeper {
	return s.sweeper
}

// Hub returns the relay connection registry.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthH.Health)
	outerMux.Handle("GET /metrics", s.metrics.Handler())
	outerMux.Handle("GET /scan/{token}", s.rateLimited(http.HandlerFunc(s.scannerH.Page)))
	outerMux.Handle("GET /ws/phone", s.rateLimited(http.HandlerFunc(s.relayH.HandlePhone)))

	// Terminal routes, wrapped with RequireTerminal middleware
	protectedMux := http.NewServeMux()
	s.registerTerminalRoutes(protectedMux)

	authMiddleware := middleware.RequireTerminal(s.keys, s.logger.With("component", "auth"))
	outerMux.Handle("/", authMiddleware(protectedMux))

	// Apply request logging middleware
	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerTerminalRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/pairing/sessions", s.pairingH.Create)
	mux.HandleFunc("DELETE /api/pairing/sessions/{token}", s.pairingH.Delete)
	mux.HandleFunc("GET /api/pairing/sessions/{token}/qr.png", s.pairingH.QR)
	mux.HandleFunc("GET /api/products/{barcode}", s.productH.Get)
	mux.HandleFunc("GET /ws/desktop", s.relayH.HandleDesktop)
}

func (s *Server) rateLimited(h http.Handler) http.Handler {
	if s.httpLimiter == nil {
		return h
	}
	return middleware.RateLimit(s.httpLimiter)(h)
}

// Run serves on ln and runs the sweeper until ctx is canceled, then shuts
// both down and closes any relay connections still open.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("tillscan listening", "addr", ln.Addr().String(), "base_url", s.cfg.BaseURL)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.sweeper.Start(ctx)
		<-ctx.Done()
		s.sweeper.Stop()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.relayH.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
