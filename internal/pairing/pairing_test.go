package pairing

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/tillscan/internal/protocol"
)

// fakePeer records what it is sent and has no connection behind it.
type fakePeer struct {
	id string

	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
	full   bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.full {
		return false
	}
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) messages() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.msgs...)
}

func (p *fakePeer) types() []string {
	var out []string
	for _, m := range p.messages() {
		out = append(out, m.Type)
	}
	return out
}

func (p *fakePeer) last() protocol.Message {
	msgs := p.messages()
	if len(msgs) == 0 {
		return protocol.Message{}
	}
	return msgs[len(msgs)-1]
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testRig struct {
	store   *Store
	issuer  *Issuer
	broker  *Broker
	sweeper *Sweeper
	clock   *fakeClock
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	clock := newFakeClock()
	logger := slog.Default()

	store := NewStore(2 * time.Minute)
	issuer := NewIssuer(store, IssuerConfig{BaseURL: "https://till.example/", TTL: 5 * time.Minute}, logger)
	issuer.now = clock.Now
	broker := NewBroker(store, issuer, nil, logger)
	broker.now = clock.Now

	return &testRig{
		store:   store,
		issuer:  issuer,
		broker:  broker,
		sweeper: NewSweeper(store, broker, time.Second, logger),
		clock:   clock,
	}
}
