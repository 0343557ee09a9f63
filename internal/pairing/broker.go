package pairing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dukerupert/tillscan/internal/metrics"
	"github.com/dukerupert/tillscan/internal/protocol"
)

// MaxScanChars bounds the decoded text of a single scan.
const MaxScanChars = 256

// Broker relays messages between the desktop and phone peers of a session.
// The peers never address each other; every message passes through the
// store, which is the only place holding both handles.
type Broker struct {
	store   *Store
	issuer  *Issuer
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewBroker creates a broker. m may be nil.
func NewBroker(store *Store, issuer *Issuer, m *metrics.Metrics, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:   store,
		issuer:  issuer,
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
}

// Store returns the underlying session store.
func (b *Broker) Store() *Store {
	return b.store
}

// StartSession issues a new session for the owning terminal.
func (b *Broker) StartSession(ctx context.Context, owner string) (Ticket, error) {
	t, err := b.issuer.StartSession(ctx, owner)
	if err != nil {
		b.logger.Error("issue session", "owner", owner, "error", err)
		return Ticket{}, err
	}
	b.metrics.SessionIssued()
	b.metrics.SetLiveSessions(b.store.Len())
	return t, nil
}

// AttachDesktop registers the desktop peer and acknowledges with the pairing
// URL. From here on the desktop observes state changes of the session.
func (b *Broker) AttachDesktop(token, owner string, desktop Peer) error {
	s, err := b.store.AttachDesktop(token, owner, desktop, b.now())
	if err != nil {
		b.logger.Info("desktop attach rejected", "session", Fingerprint(token), "error", err)
		return err
	}

	ack := protocol.New(protocol.TypeAck, token, b.issuer.ScannerURL(token))
	if s.State == StateConnected {
		// Phone won the race before the desktop socket came up.
		desktop.Send(ack)
		desktop.Send(protocol.New(protocol.TypeConnected, token, ""))
		return nil
	}
	desktop.Send(ack)
	return nil
}

// Bind claims the session for phone. On failure the error kind goes to the
// phone only; the desktop and any winning phone are untouched.
func (b *Broker) Bind(token string, phone Peer) error {
	s, err := b.store.TryClaim(token, phone, b.now())
	if err != nil {
		kind := KindOf(err)
		b.metrics.Claim(kind)
		b.logger.Info("bind rejected", "session", Fingerprint(token), "peer", phone.ID(), "kind", kind)
		phone.Send(protocol.NewError(token, kind))
		return err
	}

	b.metrics.Claim("ok")
	b.logger.Info("phone bound", "session", Fingerprint(token), "peer", phone.ID())

	phone.Send(protocol.New(protocol.TypeConnected, token, ""))
	if s.Desktop != nil {
		if !s.Desktop.Send(protocol.New(protocol.TypeConnected, token, "")) {
			b.closeSession(token, "disconnected", protocol.KindClosed)
		}
	}
	return nil
}

// Scan forwards one decoded barcode from the bound phone to the desktop.
// Failures are returned for logging only; callers must not report them to
// the phone mid-stream.
func (b *Broker) Scan(token string, phone Peer, payload string) (int64, error) {
	text, err := NormalizeScan(payload)
	if err != nil {
		b.metrics.ScanDropped()
		return 0, err
	}

	seq, desktop, err := b.store.RecordScan(token, phone.ID(), b.now())
	if err != nil {
		b.metrics.ScanDropped()
		b.logger.Debug("scan dropped", "session", Fingerprint(token), "error", err)
		return 0, err
	}
	if desktop == nil {
		b.metrics.ScanDropped()
		return seq, nil
	}

	msg := protocol.New(protocol.TypeScan, token, text)
	msg.Seq = seq
	if !desktop.Send(msg) {
		// A desktop that cannot keep up would otherwise see gaps.
		b.logger.Warn("desktop send failed, closing session", "session", Fingerprint(token), "seq", seq)
		b.closeSession(token, "disconnected", protocol.KindClosed)
		return seq, ErrNotConnected
	}

	b.metrics.ScanRelayed()
	return seq, nil
}

// Heartbeat refreshes the session's activity time.
func (b *Broker) Heartbeat(token string) error {
	return b.store.Touch(token, b.now())
}

// Stop closes the session on behalf of the desktop. Both peers receive a
// terminal closed notice. Stopping an unknown or closed session is a no-op.
func (b *Broker) Stop(token string) {
	b.closeSession(token, "stopped", protocol.KindClosed)
}

// Disconnect is called when a peer's connection ends. It closes the session
// only if peerID is attached to it; the surviving peer is notified.
func (b *Broker) Disconnect(token, peerID string) {
	s, ok := b.store.Release(token, peerID)
	if !ok {
		return
	}
	b.logger.Info("session closed", "session", Fingerprint(token), "reason", "disconnected", "peer", peerID)
	b.metrics.SessionClosed("disconnected")
	b.metrics.SetLiveSessions(b.store.Len())

	for _, p := range []Peer{s.Desktop, s.Phone} {
		if p == nil || p.ID() == peerID {
			continue
		}
		p.Send(protocol.New(protocol.TypeClosed, token, protocol.KindClosed))
		p.Close()
	}
}

// Expire notifies the peers of sessions reclaimed by the sweeper. The desktop
// gets an error so it does not wait forever; the phone gets a closed notice.
func (b *Broker) Expire(sessions []Session, now time.Time) {
	for _, s := range sessions {
		kind, reason := protocol.KindTimedOut, "timed_out"
		if s.Expired(now) {
			kind, reason = protocol.KindExpired, "expired"
		}

		b.logger.Info("session reclaimed", "session", Fingerprint(s.Token), "reason", reason, "state", s.State)
		b.metrics.SessionClosed(reason)

		if s.Desktop != nil {
			s.Desktop.Send(protocol.NewError(s.Token, kind))
			s.Desktop.Close()
		}
		if s.Phone != nil {
			s.Phone.Send(protocol.New(protocol.TypeClosed, s.Token, kind))
			s.Phone.Close()
		}
	}
	b.metrics.SetLiveSessions(b.store.Len())
}

func (b *Broker) closeSession(token, reason, kind string) {
	s, ok := b.store.Close(token)
	if !ok {
		return
	}
	b.logger.Info("session closed", "session", Fingerprint(token), "reason", reason, "scans", s.ScannedCount)
	b.metrics.SessionClosed(reason)
	b.metrics.SetLiveSessions(b.store.Len())

	for _, p := range []Peer{s.Phone, s.Desktop} {
		if p == nil {
			continue
		}
		p.Send(protocol.New(protocol.TypeClosed, token, kind))
		p.Close()
	}
}

// NormalizeScan trims decoded barcode text and rejects empty, oversized or
// control-character payloads.
func NormalizeScan(payload string) (string, error) {
	text := strings.TrimSpace(payload)
	if text == "" || !utf8.ValidString(text) {
		return "", ErrInvalidPayload
	}
	if utf8.RuneCountInString(text) > MaxScanChars {
		return "", ErrInvalidPayload
	}
	// GS1 data carries FNC1 as ASCII 29 (group separator); keep it.
	for _, r := range text {
		if unicode.IsControl(r) && r != 0x1d {
			return "", ErrInvalidPayload
		}
	}
	return text, nil
}

// IsClientError reports whether err is a validation failure local to a peer.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotOwner) || errors.Is(err, ErrPeerAttached) ||
		errors.Is(err, ErrInvalidPayload)
}
