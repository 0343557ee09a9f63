package pairing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	// 32 bytes = 256 bits of entropy, well above what brute force can reach
	// within a session TTL.
	tokenBytes = 32

	DefaultTTL = 5 * time.Minute
)

// IssuerConfig configures the token issuer.
type IssuerConfig struct {
	BaseURL string
	TTL     time.Duration
}

// Issuer creates sessions and their pairing URLs.
type Issuer struct {
	store   *Store
	baseURL string
	ttl     time.Duration
	random  io.Reader
	now     func() time.Time
	logger  *slog.Logger
}

// NewIssuer creates an issuer that inserts sessions into store.
func NewIssuer(store *Store, cfg IssuerConfig, logger *slog.Logger) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:   store,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.TTL,
		random:  rand.Reader,
		now:     time.Now,
		logger:  logger,
	}
}

// TTL returns the claim deadline applied to new sessions.
func (is *Issuer) TTL() time.Duration {
	return is.ttl
}

// ScannerURL returns the pairing URL for token.
func (is *Issuer) ScannerURL(token string) string {
	return is.baseURL + "/scan/" + token
}

// StartSession creates a new unclaimed session owned by the given terminal.
// A token collision is retried once; a second failure is ErrIssuanceFailed.
func (is *Issuer) StartSession(ctx context.Context, owner string) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := is.newToken()
		if err != nil {
			lastErr = err
			break
		}

		now := is.now().UTC()
		s := Session{
			Token:          token,
			State:          StateUnclaimed,
			Owner:          owner,
			CreatedAt:      now,
			ExpiresAt:      now.Add(is.ttl),
			LastActivityAt: now,
		}

		err = is.store.Create(s)
		if err == nil {
			is.logger.Info("session issued", "session", Fingerprint(token), "owner", owner, "expires_at", s.ExpiresAt)
			return Ticket{
				Token:      token,
				ScannerURL: is.ScannerURL(token),
				ExpiresAt:  s.ExpiresAt,
			}, nil
		}
		if !errors.Is(err, ErrDuplicateToken) {
			lastErr = err
			break
		}
		is.logger.Warn("token collision, regenerating", "attempt", attempt+1)
		lastErr = err
	}

	return Ticket{}, fmt.Errorf("%w: %v", ErrIssuanceFailed, lastErr)
}

func (is *Issuer) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(is.random, b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
