package pairing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStartSession(t *testing.T) {
	rig := newTestRig(t)

	ticket, err := rig.issuer.StartSession(context.Background(), "terminal-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(ticket.Token)
	if err != nil {
		t.Fatalf("token is not base64url: %v", err)
	}
	if len(raw) != tokenBytes {
		t.Errorf("token entropy = %d bytes, want %d", len(raw), tokenBytes)
	}

	if want := "https://till.example/scan/" + ticket.Token; ticket.ScannerURL != want {
		t.Errorf("scanner url = %q, want %q", ticket.ScannerURL, want)
	}
	if want := rig.clock.Now().Add(5 * time.Minute); !ticket.ExpiresAt.Equal(want) {
		t.Errorf("expires at = %v, want %v", ticket.ExpiresAt, want)
	}

	s, err := rig.store.Get(ticket.Token)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if s.State != StateUnclaimed || s.Owner != "terminal-1" {
		t.Errorf("session = %+v", s)
	}
}

func TestStartSessionTokensUnique(t *testing.T) {
	rig := newTestRig(t)

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		ticket, err := rig.issuer.StartSession(context.Background(), "terminal-1")
		if err != nil {
			t.Fatalf("start session %d: %v", i, err)
		}
		if _, dup := seen[ticket.Token]; dup {
			t.Fatalf("duplicate token issued: %s", ticket.Token)
		}
		seen[ticket.Token] = struct{}{}
	}
	if rig.store.Len() != 500 {
		t.Errorf("live sessions = %d, want 500", rig.store.Len())
	}
}

func TestStartSessionRetriesCollisionOnce(t *testing.T) {
	store := NewStore(time.Minute)
	is := NewIssuer(store, IssuerConfig{BaseURL: "http://x"}, slog.Default())

	taken := bytes.Repeat([]byte{0xAA}, tokenBytes)
	fresh := bytes.Repeat([]byte{0xBB}, tokenBytes)
	_ = store.Create(Session{Token: base64.RawURLEncoding.EncodeToString(taken), ExpiresAt: time.Now().Add(time.Hour)})

	is.random = io.MultiReader(bytes.NewReader(taken), bytes.NewReader(fresh))
	ticket, err := is.StartSession(context.Background(), "t")
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if ticket.Token != base64.RawURLEncoding.EncodeToString(fresh) {
		t.Errorf("token = %s, want the regenerated one", ticket.Token)
	}
}

func TestStartSessionFailsAfterSecondCollision(t *testing.T) {
	store := NewStore(time.Minute)
	is := NewIssuer(store, IssuerConfig{BaseURL: "http://x"}, slog.Default())

	taken := bytes.Repeat([]byte{0xAA}, tokenBytes)
	_ = store.Create(Session{Token: base64.RawURLEncoding.EncodeToString(taken), ExpiresAt: time.Now().Add(time.Hour)})

	is.random = io.MultiReader(bytes.NewReader(taken), bytes.NewReader(taken))
	_, err := is.StartSession(context.Background(), "t")
	if !errors.Is(err, ErrIssuanceFailed) {
		t.Fatalf("err = %v, want ErrIssuanceFailed", err)
	}
}

func TestStartSessionRandomFailure(t *testing.T) {
	store := NewStore(time.Minute)
	is := NewIssuer(store, IssuerConfig{BaseURL: "http://x"}, slog.Default())
	is.random = strings.NewReader("short")

	if _, err := is.StartSession(context.Background(), "t"); !errors.Is(err, ErrIssuanceFailed) {
		t.Fatalf("err = %v, want ErrIssuanceFailed", err)
	}
	if store.Len() != 0 {
		t.Errorf("len = %d, want 0", store.Len())
	}
}

func TestStartSessionCanceled(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := rig.issuer.StartSession(ctx, "t"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("token-a")
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(a))
	}
	if a != Fingerprint("token-a") {
		t.Error("fingerprint must be deterministic")
	}
	if a == Fingerprint("token-b") {
		t.Error("different tokens should not share a fingerprint")
	}
	if strings.Contains(a, "token") {
		t.Error("fingerprint leaks the token")
	}
}
