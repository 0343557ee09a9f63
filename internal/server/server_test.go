package server

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/tillscan/internal/auth"
	"github.com/dukerupert/tillscan/internal/config"
	"github.com/dukerupert/tillscan/internal/database"
	"github.com/dukerupert/tillscan/internal/model"
	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/protocol"
	"github.com/dukerupert/tillscan/internal/store"
)

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	key      string
	otherKey string
	ps       *store.ProductStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	key, hash, err := auth.GenerateKey("till-1", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherKey, otherHash, _ := auth.GenerateKey("till-2", bcrypt.MinCost)
	keys := auth.NewKeyring(map[string]string{"till-1": hash, "till-2": otherHash})

	cfg := &config.Config{
		BaseURL:       "https://till.example",
		SessionTTL:    5 * time.Minute,
		IdleTimeout:   2 * time.Minute,
		SweepInterval: time.Second,
		HTTPRateLimit: 100,
		ScanRateLimit: 20,
	}
	srv := New(cfg, db, keys, slog.New(slog.NewTextHandler(io.Discard, nil)))
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Hub().CloseAll()
		hs.Close()
	})
	return &testEnv{srv: srv, http: hs, key: key, otherKey: otherKey, ps: store.NewProductStore(db)}
}

func (e *testEnv) do(t *testing.T, method, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) createSession(t *testing.T) pairing.Ticket {
	t.Helper()
	resp := e.do(t, "POST", "/api/pairing/sessions", e.key)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	var ticket pairing.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	return ticket
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestTerminalRoutesRequireKey(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{"POST", "/api/pairing/sessions"},
		{"GET", "/api/products/123"},
		{"GET", "/ws/desktop?token=x"},
	} {
		resp := env.do(t, tc.method, tc.path, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.createSession(t)

	if !strings.HasPrefix(ticket.ScannerURL, "https://till.example/scan/") {
		t.Errorf("scanner url = %q", ticket.ScannerURL)
	}
	if ticket.Token == "" || ticket.ExpiresAt.IsZero() {
		t.Errorf("ticket = %+v", ticket)
	}
	s, err := env.srv.Broker().Store().Get(ticket.Token)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if s.Owner != "till-1" {
		t.Errorf("owner = %q, want till-1", s.Owner)
	}
}

func TestScannerPage(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.createSession(t)

	resp := env.do(t, "GET", "/scan/"+ticket.Token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("/ws/phone")) {
		t.Error("page should open the phone relay socket")
	}

	resp = env.do(t, "GET", "/scan/not-a-token", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown token: status = %d, want 404", resp.StatusCode)
	}
	body, _ = io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("This pairing link is invalid")) {
		t.Error("unknown token page should explain the failure")
	}

	// Claimed sessions are gone for everybody else.
	if _, err := env.srv.Broker().Store().TryClaim(ticket.Token, fakePeer{}, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	resp = env.do(t, "GET", "/scan/"+ticket.Token, "")
	if resp.StatusCode != http.StatusGone {
		t.Errorf("claimed token: status = %d, want 410", resp.StatusCode)
	}
}

func TestScannerPageAfterSweep(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.createSession(t)

	if n := env.srv.Sweeper().Sweep(ticket.ExpiresAt.Add(time.Second)); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}

	resp := env.do(t, "GET", "/scan/"+ticket.Token, "")
	if resp.StatusCode != http.StatusGone {
		t.Errorf("status = %d, want 410", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("This pairing link has expired")) {
		t.Error("page should say the link expired, not that it is invalid")
	}
}

func TestQRCode(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.createSession(t)

	resp := env.do(t, "GET", "/api/pairing/sessions/"+ticket.Token+"/qr.png?size=128", env.key)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 128 {
		t.Errorf("width = %d, want 128", img.Bounds().Dx())
	}

	resp = env.do(t, "GET", "/api/pairing/sessions/"+ticket.Token+"/qr.png?size=5", env.key)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad size: status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.createSession(t)

	// Another terminal can neither see nor close the session.
	resp := env.do(t, "DELETE", "/api/pairing/sessions/"+ticket.Token, env.otherKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete: status = %d, want 404", resp.StatusCode)
	}
	resp = env.do(t, "GET", "/api/pairing/sessions/"+ticket.Token+"/qr.png", env.otherKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign qr: status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, "DELETE", "/api/pairing/sessions/"+ticket.Token, env.key)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if env.srv.Broker().Store().Len() != 0 {
		t.Error("session should be closed")
	}

	// Idempotent
	resp = env.do(t, "DELETE", "/api/pairing/sessions/"+ticket.Token, env.key)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("second delete: status = %d, want 204", resp.StatusCode)
	}
}

func TestProductLookup(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ps.Upsert("8901234567890", "Basmati Rice 1kg", 349, 4); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := env.do(t, "GET", "/api/products/8901234567890", env.key)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var p model.Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Name != "Basmati Rice 1kg" || p.PriceCents != 349 {
		t.Errorf("product = %+v", p)
	}

	resp = env.do(t, "GET", "/api/products/000", env.key)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown barcode: status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	resp := env.do(t, "GET", "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("tillscan_sessions_issued_total 1")) {
		t.Errorf("metrics missing issued counter:\n%s", body)
	}
}

type fakePeer struct{}

func (fakePeer) ID() string                 { return "fake-phone" }
func (fakePeer) Send(protocol.Message) bool { return true }
func (fakePeer) Close()                     {}
