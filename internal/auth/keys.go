package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blake2b"
)

// A terminal key has the form "<terminal id>.<secret>". Only a bcrypt hash of
// the secret is configured on the server.
const keySep = "."

var (
	ErrMalformedKey = errors.New("auth: malformed terminal key")
	ErrUnknownKey   = errors.New("auth: unknown terminal key")
)

// Keyring holds the configured terminal key hashes by terminal id.
type Keyring struct {
	hashes map[string][]byte

	// verified maps a digest of a key that passed bcrypt to its terminal
	// id. Failures are never cached.
	mu       sync.RWMutex
	verified map[[blake2b.Size256]byte]string
}

// NewKeyring builds a keyring from terminal id -> bcrypt hash.
func NewKeyring(hashes map[string]string) *Keyring {
	k := &Keyring{
		hashes:   make(map[string][]byte, len(hashes)),
		verified: make(map[[blake2b.Size256]byte]string),
	}
	for id, h := range hashes {
		k.hashes[id] = []byte(h)
	}
	return k
}

// ParseKeyring parses entries of the form "id:hash" separated by commas.
func ParseKeyring(entries string) (*Keyring, error) {
	hashes := make(map[string]string)
	for _, part := range strings.Split(entries, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, hash, ok := strings.Cut(part, ":")
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("auth: invalid keyring entry %q", part)
		}
		if strings.Contains(id, keySep) {
			return nil, fmt.Errorf("auth: terminal id %q must not contain %q", id, keySep)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("auth: terminal %s: %w", id, err)
		}
		hashes[id] = hash
	}
	return NewKeyring(hashes), nil
}

// Len returns the number of configured terminals.
func (k *Keyring) Len() int {
	return len(k.hashes)
}

// IDs returns the configured terminal ids in sorted order.
func (k *Keyring) IDs() []string {
	ids := make([]string, 0, len(k.hashes))
	for id := range k.hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Authenticate verifies a presented terminal key. A key is checked against
// its bcrypt hash once; later calls with the same key are served from memory.
func (k *Keyring) Authenticate(key string) (Terminal, error) {
	id, secret, ok := strings.Cut(key, keySep)
	if !ok || id == "" || secret == "" {
		return Terminal{}, ErrMalformedKey
	}
	hash, ok := k.hashes[id]
	if !ok {
		return Terminal{}, ErrUnknownKey
	}

	sum := blake2b.Sum256([]byte(key))
	k.mu.RLock()
	cached, hit := k.verified[sum]
	k.mu.RUnlock()
	if hit && cached == id {
		return Terminal{ID: id}, nil
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return Terminal{}, ErrUnknownKey
	}
	k.mu.Lock()
	k.verified[sum] = id
	k.mu.Unlock()
	return Terminal{ID: id}, nil
}

// GenerateKey creates a new key for terminal id and returns the key to hand
// to the terminal together with the hash to configure on the server.
func GenerateKey(id string, cost int) (key, hash string, err error) {
	if id == "" || strings.Contains(id, keySep) {
		return "", "", fmt.Errorf("auth: invalid terminal id %q", id)
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(b)

	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash secret: %w", err)
	}
	return id + keySep + secret, string(h), nil
}
