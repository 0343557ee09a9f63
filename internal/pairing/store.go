package pairing

import (
	"sync"
	"time"
)

const defaultIdleTimeout = 2 * time.Minute

// entry holds one session record. Every state change on a token happens
// inside a single critical section on entry.mu.
type entry struct {
	mu   sync.Mutex
	s    Session
	gone tombstone // set when s.State becomes StateClosed
}

// tombstone remembers enough of a retired session to tell a stale link from
// an unknown one.
type tombstone struct {
	until     time.Time // forget the token after this
	expiresAt time.Time
	claimed   bool
	// expired is set when the sweeper reclaimed the session unclaimed past
	// its deadline.
	expired bool
}

// err is the error a lookup of the retired token reports at now.
func (t tombstone) err(now time.Time) error {
	if t.until.IsZero() {
		return ErrNotFound // never issued, or long forgotten
	}
	if t.expired || (!t.claimed && !now.Before(t.expiresAt)) {
		return ErrExpired
	}
	return ErrNotFound
}

// Store is the process-wide registry of live sessions, keyed by token.
//
// Lock order: Store.mu before entry.mu. Paths that only touch one record take
// the map read lock just long enough to find the entry and then lock the
// entry alone.
type Store struct {
	idleTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	retired map[string]tombstone
}

// NewStore creates an empty store. Sessions whose last activity is older than
// idleTimeout are reclaimed by SweepExpired regardless of state.
func NewStore(idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Store{
		idleTimeout: idleTimeout,
		entries:     make(map[string]*entry),
		retired:     make(map[string]tombstone),
	}
}

// IdleTimeout returns the configured idle timeout.
func (st *Store) IdleTimeout() time.Duration {
	return st.idleTimeout
}

// Create inserts a new session. Tokens of live or recently closed sessions
// are rejected with ErrDuplicateToken.
func (st *Store) Create(s Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.entries[s.Token]; ok {
		return ErrDuplicateToken
	}
	if _, ok := st.retired[s.Token]; ok {
		return ErrDuplicateToken
	}

	if s.State == "" {
		s.State = StateUnclaimed
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = s.CreatedAt
	}
	st.entries[s.Token] = &entry{s: s}
	return nil
}

// Get returns a snapshot of the session.
// Tokens the sweeper reclaimed as expired report ErrExpired.
func (st *Store) Get(token string) (Session, error) {
	e, t, ok := st.find(token)
	if !ok {
		if t.expired {
			return Session{}, ErrExpired
		}
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State == StateClosed {
		if e.gone.expired {
			return Session{}, ErrExpired
		}
		return Session{}, ErrNotFound
	}
	return e.s, nil
}

// Check reports whether a phone could claim token at now: nil for a live
// unclaimed session, otherwise the error TryClaim would return. It does not
// change the session.
func (st *Store) Check(token string, now time.Time) (Session, error) {
	e, t, ok := st.find(token)
	if !ok {
		return Session{}, t.err(now)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.s.State == StateClosed:
		return Session{}, e.gone.err(now)
	case e.s.State == StateConnected:
		return e.s, ErrAlreadyClaimed
	case e.s.Expired(now):
		return e.s, ErrExpired
	}
	return e.s, nil
}

// TryClaim binds phone to an unclaimed, unexpired session. It is a single
// compare-and-set: of any number of concurrent callers on one token, at most
// one succeeds.
//
// A token past its deadline reports ErrExpired whether or not the sweeper has
// already reclaimed it.
func (st *Store) TryClaim(token string, phone Peer, now time.Time) (Session, error) {
	e, t, ok := st.find(token)
	if !ok {
		return Session{}, t.err(now)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.s.State == StateClosed:
		return Session{}, e.gone.err(now)
	case e.s.State == StateConnected:
		return Session{}, ErrAlreadyClaimed
	case e.s.Expired(now):
		return Session{}, ErrExpired
	}

	e.s.State = StateConnected
	e.s.Phone = phone
	e.s.LastActivityAt = now
	return e.s, nil
}

// AttachDesktop registers the desktop peer of a session. Only the owning
// terminal may attach, and only once.
func (st *Store) AttachDesktop(token, owner string, desktop Peer, now time.Time) (Session, error) {
	e := st.lookup(token)
	if e == nil {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.s.State == StateClosed:
		return Session{}, ErrNotFound
	case e.s.Owner != owner:
		return Session{}, ErrNotOwner
	case e.s.Desktop != nil:
		return Session{}, ErrPeerAttached
	case e.s.Expired(now):
		return Session{}, ErrExpired
	}

	e.s.Desktop = desktop
	e.s.LastActivityAt = now
	return e.s, nil
}

// RecordScan counts one scan from the bound phone and returns the new count
// together with the desktop peer to deliver to. The count doubles as the
// per-session sequence number.
func (st *Store) RecordScan(token, phoneID string, now time.Time) (int64, Peer, error) {
	e := st.lookup(token)
	if e == nil {
		return 0, nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != StateConnected || e.s.Phone == nil || e.s.Phone.ID() != phoneID {
		return 0, nil, ErrNotConnected
	}

	e.s.ScannedCount++
	e.s.LastActivityAt = now
	return e.s.ScannedCount, e.s.Desktop, nil
}

// Touch refreshes the last activity time of a live session.
func (st *Store) Touch(token string, now time.Time) error {
	e := st.lookup(token)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State == StateClosed {
		return ErrNotFound
	}
	if now.After(e.s.LastActivityAt) {
		e.s.LastActivityAt = now
	}
	return nil
}

// Close marks the session closed, detaches its peers and removes it. It is
// idempotent. The returned snapshot is the record as it was just before
// closing; ok is false when there was nothing live to close.
func (st *Store) Close(token string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closeLocked(token, nil, time.Time{})
}

// Release closes the session only if peerID is one of its attached peers.
// Claim-race losers and stale connections therefore cannot tear down a
// session they never owned.
func (st *Store) Release(token, peerID string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closeLocked(token, func(s *Session) bool {
		return (s.Desktop != nil && s.Desktop.ID() == peerID) ||
			(s.Phone != nil && s.Phone.ID() == peerID)
	}, time.Time{})
}

// SweepExpired removes and returns every session that is unclaimed past its
// deadline or idle for longer than the idle timeout. Snapshots carry the
// state the session had when it was reclaimed.
func (st *Store) SweepExpired(now time.Time) []Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []Session
	for token := range st.entries {
		s, ok := st.closeLocked(token, func(s *Session) bool {
			return s.Expired(now) || !now.Before(s.LastActivityAt.Add(st.idleTimeout))
		}, now)
		if ok {
			out = append(out, s)
		}
	}

	for token, t := range st.retired {
		if !now.Before(t.until) {
			delete(st.retired, token)
		}
	}
	return out
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

func (st *Store) lookup(token string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.entries[token]
}

// find returns the live entry for token, or its tombstone when there is none.
func (st *Store) find(token string) (*entry, tombstone, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if e, ok := st.entries[token]; ok {
		return e, tombstone{}, true
	}
	return nil, st.retired[token], false
}

// closeLocked requires st.mu held for writing. sweptAt is the sweep time when
// the sweeper is closing the session and zero otherwise.
func (st *Store) closeLocked(token string, cond func(*Session) bool, sweptAt time.Time) (Session, bool) {
	e, ok := st.entries[token]
	if !ok {
		return Session{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State == StateClosed {
		return Session{}, false
	}
	if cond != nil && !cond(&e.s) {
		return Session{}, false
	}

	before := e.s
	e.s.State = StateClosed
	e.s.Desktop = nil
	e.s.Phone = nil

	delete(st.entries, token)

	until := before.ExpiresAt
	if before.LastActivityAt.After(until) {
		until = before.LastActivityAt
	}
	e.gone = tombstone{
		until:     until.Add(st.idleTimeout),
		expiresAt: before.ExpiresAt,
		claimed:   before.State == StateConnected,
		expired:   !sweptAt.IsZero() && before.Expired(sweptAt),
	}
	st.retired[token] = e.gone
	return before, true
}
