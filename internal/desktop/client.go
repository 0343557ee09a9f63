// Package desktop is the terminal side of scanner pairing. A Client asks the
// server for a session, holds the relay socket open while a phone pairs,
// and delivers the phone's scans on a channel.
package desktop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/protocol"
)

// State represents the pairing state seen by the terminal.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateWaiting    State = "waiting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

const (
	defaultHeartbeat  = 20 * time.Second
	defaultGrace      = 5 * time.Second
	defaultScanBuffer = 64
	deleteTimeout     = 5 * time.Second
)

var (
	ErrBusy    = errors.New("desktop: a pairing session is already active")
	ErrStopped = errors.New("desktop: stopped")
)

// Status is a snapshot of the client.
type Status struct {
	State        State     `json:"state"`
	ScannedCount int64     `json:"scanned_count"`
	ScannerURL   string    `json:"scanner_url,omitempty"`
	Token        string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	// Err is the error kind in StateError, e.g. "Expired" or "Transport".
	Err string `json:"error,omitempty"`
}

// StatusCallback is called whenever the status changes. It runs with the
// client's lock held and must not call back into the Client.
type StatusCallback func(Status)

// Scan is one barcode received from the paired phone.
type Scan struct {
	Seq  int64
	Code string
	At   time.Time
}

// Pairing describes a started session.
type Pairing struct {
	Token      string
	ScannerURL string
	ExpiresAt  time.Time
	// Scans is closed when the session ends or Stop returns.
	Scans <-chan Scan
}

// Config tunes the client. Zero values get defaults.
type Config struct {
	// Heartbeat is how often a ping is sent on the relay socket.
	Heartbeat time.Duration
	// Grace is added to the session deadline before the client gives up
	// waiting for a phone on its own.
	Grace      time.Duration
	ScanBuffer int
}

// Client drives one pairing session at a time.
type Client struct {
	transport Transport
	cfg       Config
	callback  StatusCallback
	logger    *slog.Logger

	mu     sync.RWMutex
	status Status
	cur    *run
}

// run is one Start attempt and, if it succeeds, its reader loop.
type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	scans   chan Scan
	token   string
	conn    Conn
	stopped bool
}

// NewClient creates a client. cb may be nil.
func NewClient(t Transport, cfg Config, cb StatusCallback, logger *slog.Logger) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.ScanBuffer <= 0 {
		cfg.ScanBuffer = defaultScanBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: t,
		cfg:       cfg,
		callback:  cb,
		logger:    logger,
		status:    Status{State: StateIdle},
	}
}

// Status returns the current status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start creates a session and waits for the server to acknowledge the relay
// socket. It is allowed from idle and error. ctx bounds the start-up only;
// the session itself runs until it ends or Stop is called.
func (c *Client) Start(ctx context.Context) (Pairing, error) {
	c.mu.Lock()
	if c.status.State != StateIdle && c.status.State != StateError {
		c.mu.Unlock()
		return Pairing{}, ErrBusy
	}
	prev := c.cur
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.cur = r
	c.setState(Status{State: StateConnecting})
	c.mu.Unlock()

	if prev != nil {
		// A failed session may still hold a server-side record.
		c.finish(prev)
	}

	startCtx, stopStart := context.WithCancel(ctx)
	defer stopStart()
	unhook := context.AfterFunc(runCtx, stopStart)
	defer unhook()

	ticket, err := c.transport.Create(startCtx)
	if err != nil {
		return c.abort(r, KindOf(err), err)
	}

	c.mu.Lock()
	if r.stopped {
		c.mu.Unlock()
		c.deleteSession(ticket.Token)
		close(r.done)
		return Pairing{}, ErrStopped
	}
	r.token = ticket.Token
	c.mu.Unlock()

	conn, err := c.transport.Connect(startCtx, ticket.Token)
	if err != nil {
		c.deleteSession(ticket.Token)
		return c.abort(r, KindOf(err), err)
	}

	ack, err := conn.Read(startCtx)
	if err == nil && ack.Type == protocol.TypeError {
		err = &RemoteError{Kind: ack.Payload}
	} else if err == nil && ack.Type != protocol.TypeAck {
		err = &RemoteError{Kind: protocol.KindBadMessage}
	}
	if err != nil {
		conn.Close()
		c.deleteSession(ticket.Token)
		return c.abort(r, KindOf(err), err)
	}

	c.mu.Lock()
	if r.stopped {
		c.mu.Unlock()
		conn.Close()
		close(r.done)
		return Pairing{}, ErrStopped
	}
	r.conn = conn
	r.scans = make(chan Scan, c.cfg.ScanBuffer)
	c.setState(Status{
		State:      StateWaiting,
		ScannerURL: ticket.ScannerURL,
		Token:      ticket.Token,
		ExpiresAt:  ticket.ExpiresAt,
	})
	c.mu.Unlock()

	go c.loop(runCtx, r, ticket.ExpiresAt)

	c.logger.Info("pairing session started", "session", pairing.Fingerprint(ticket.Token), "expires_at", ticket.ExpiresAt)
	return Pairing{
		Token:      ticket.Token,
		ScannerURL: ticket.ScannerURL,
		ExpiresAt:  ticket.ExpiresAt,
		Scans:      r.scans,
	}, nil
}

// abort ends a Start attempt that never reached the reader loop.
func (c *Client) abort(r *run, kind string, err error) (Pairing, error) {
	c.mu.Lock()
	stopped := r.stopped
	if !stopped {
		c.setState(Status{State: StateError, Err: kind})
	}
	c.mu.Unlock()
	close(r.done)

	if stopped {
		return Pairing{}, ErrStopped
	}
	c.logger.Warn("pairing start failed", "kind", kind, "error", err)
	return Pairing{}, err
}

// Stop ends the current session from any state and returns to idle. The
// server is asked to close the session; once Stop returns no further scan is
// delivered and the scan channel is closed.
func (c *Client) Stop() {
	c.mu.Lock()
	r := c.cur
	c.cur = nil
	if r != nil {
		r.stopped = true
	}
	c.setState(Status{State: StateIdle, ScannedCount: c.status.ScannedCount})
	c.mu.Unlock()

	if r != nil {
		c.finish(r)
	}
}

// finish closes the server-side session of r and waits for r to wind down.
// r must already be detached from c.cur or stopped.
func (c *Client) finish(r *run) {
	c.mu.RLock()
	token := r.token
	c.mu.RUnlock()

	if token != "" {
		c.deleteSession(token)
	}
	r.cancel()
	<-r.done

	if r.scans != nil {
		for range r.scans {
			// Discard anything buffered before the loop saw the stop.
		}
	}
}

func (c *Client) deleteSession(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := c.transport.Delete(ctx, token); err != nil {
		c.logger.Warn("close session on server", "session", pairing.Fingerprint(token), "error", err)
	}
}

// loop reads relay notices until the session ends. It owns r.scans and
// r.conn and closes both on exit.
func (c *Client) loop(ctx context.Context, r *run, expiresAt time.Time) {
	defer close(r.done)
	defer close(r.scans)
	defer r.conn.Close()
	defer r.cancel()

	go c.heartbeat(ctx, r)

	wait := time.AfterFunc(time.Until(expiresAt.Add(c.cfg.Grace)), func() {
		c.mu.Lock()
		waiting := c.cur == r && !r.stopped && c.status.State == StateWaiting
		if waiting {
			c.setState(Status{State: StateError, Err: protocol.KindExpired, Token: r.token})
		}
		c.mu.Unlock()
		if waiting {
			c.logger.Info("no phone paired before the deadline", "session", pairing.Fingerprint(r.token))
			r.cancel()
		}
	})
	defer wait.Stop()

	for {
		msg, err := r.conn.Read(ctx)
		if err != nil {
			c.fail(r, protocol.KindTransport)
			return
		}

		switch msg.Type {
		case protocol.TypeConnected:
			wait.Stop()
			c.mu.Lock()
			if c.cur == r && !r.stopped && c.status.State == StateWaiting {
				s := c.status
				s.State = StateConnected
				c.setState(s)
			}
			c.mu.Unlock()

		case protocol.TypeScan:
			sc, ok := c.recordScan(r, msg)
			if !ok {
				continue
			}
			select {
			case r.scans <- sc:
			case <-ctx.Done():
				return
			}

		case protocol.TypeError:
			c.fail(r, msg.Payload)
			return

		case protocol.TypeClosed:
			c.mu.Lock()
			if c.cur == r && !r.stopped {
				c.cur = nil
				// Keep the count so callers can report how the session went.
				c.setState(Status{State: StateIdle, ScannedCount: c.status.ScannedCount})
			}
			c.mu.Unlock()
			c.logger.Info("pairing session closed", "session", pairing.Fingerprint(r.token), "reason", msg.Payload)
			return
		}
	}
}

// recordScan counts a scan if the session is connected and not stopped.
func (c *Client) recordScan(r *run, msg protocol.Message) (Scan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != r || r.stopped || c.status.State != StateConnected {
		return Scan{}, false
	}
	s := c.status
	s.ScannedCount++
	c.setState(s)
	return Scan{Seq: msg.Seq, Code: msg.Payload, At: msg.TS}, true
}

// fail moves to the error state unless the run was already stopped or
// ended some other way.
func (c *Client) fail(r *run, kind string) {
	c.mu.Lock()
	if c.cur == r && !r.stopped && c.status.State != StateError {
		s := c.status
		s.State = StateError
		s.Err = kind
		c.setState(s)
	}
	c.mu.Unlock()
}

func (c *Client) heartbeat(ctx context.Context, r *run) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.conn.Write(ctx, protocol.New(protocol.TypePing, r.token, "")); err != nil {
				return
			}
		}
	}
}

// setState requires c.mu held for writing.
func (c *Client) setState(s Status) {
	c.status = s
	if c.callback != nil {
		c.callback(s)
	}
}
