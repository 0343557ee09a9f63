package desktop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/tillscan/internal/model"
	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/protocol"
)

const maxResponseBytes = 64 << 10

// ErrUnauthorized is returned when the server rejects the terminal key.
var ErrUnauthorized = errors.New("desktop: terminal key rejected")

// RemoteError is an error reported by the server, either in an HTTP error
// body or as a relay error notice.
type RemoteError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *RemoteError) Error() string {
	switch {
	case e.Msg != "":
		return fmt.Sprintf("server: %s (%s)", e.Msg, e.Kind)
	case e.Status != 0:
		return fmt.Sprintf("server: status %d (%s)", e.Status, e.Kind)
	default:
		return "server: " + e.Kind
	}
}

// KindOf maps an error from a Transport to an error kind.
func KindOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) && re.Kind != "" {
		return re.Kind
	}
	return protocol.KindTransport
}

// Conn is a relay socket as seen by the terminal.
type Conn interface {
	Read(ctx context.Context) (protocol.Message, error)
	Write(ctx context.Context, msg protocol.Message) error
	Close() error
}

// Transport talks to the pairing server.
type Transport interface {
	Create(ctx context.Context) (pairing.Ticket, error)
	Connect(ctx context.Context, token string) (Conn, error)
	Delete(ctx context.Context, token string) error
}

// HTTPTransport is the Transport used against a real server. Every request
// carries the terminal key as a bearer token.
type HTTPTransport struct {
	base   *url.URL
	key    string
	client *http.Client
}

// NewHTTPTransport creates a transport for the server at serverURL. client
// may be nil.
func NewHTTPTransport(serverURL, terminalKey string, client *http.Client) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https: %q", serverURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{base: base, key: terminalKey, client: client}, nil
}

func (t *HTTPTransport) endpoint(path string) string {
	u := *t.base
	u.Path = t.base.Path + path
	return u.String()
}

func (t *HTTPTransport) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.key)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// Create asks the server for a new pairing session.
func (t *HTTPTransport) Create(ctx context.Context) (pairing.Ticket, error) {
	resp, err := t.do(ctx, http.MethodPost, "/api/pairing/sessions")
	if err != nil {
		return pairing.Ticket{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return pairing.Ticket{}, responseError(resp)
	}
	var ticket pairing.Ticket
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&ticket); err != nil {
		return pairing.Ticket{}, fmt.Errorf("decode ticket: %w", err)
	}
	return ticket, nil
}

// Delete closes a session. Unknown sessions count as closed.
func (t *HTTPTransport) Delete(ctx context.Context, token string) error {
	resp, err := t.do(ctx, http.MethodDelete, "/api/pairing/sessions/"+url.PathEscape(token))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return responseError(resp)
	}
	return nil
}

// Connect opens the desktop relay socket for token.
func (t *HTTPTransport) Connect(ctx context.Context, token string) (Conn, error) {
	u := *t.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = t.base.Path + "/ws/desktop"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.key)

	conn, resp, err := ws.Dial(ctx, u.String(), &ws.DialOptions{
		HTTPClient:   t.client,
		HTTPHeader:   header,
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		conn.Close(ws.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("relay did not accept %s", protocol.Subprotocol)
	}
	conn.SetReadLimit(maxResponseBytes)
	return &wsConn{conn: conn}, nil
}

// Product looks up a barcode in the server catalog. It returns nil, nil
// when the barcode is unknown.
func (t *HTTPTransport) Product(ctx context.Context, barcode string) (*model.Product, error) {
	resp, err := t.do(ctx, http.MethodGet, "/api/products/"+url.PathEscape(barcode))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, responseError(resp)
	}
	var p model.Product
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode product: %w", err)
	}
	return &p, nil
}

func responseError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body)
	if body.Kind == "" {
		body.Kind = protocol.KindTransport
	}
	return &RemoteError{Status: resp.StatusCode, Kind: body.Kind, Msg: body.Error}
}

type wsConn struct {
	conn *ws.Conn
}

func (c *wsConn) Read(ctx context.Context) (protocol.Message, error) {
	var msg protocol.Message
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, &RemoteError{Kind: protocol.KindBadMessage, Msg: err.Error()}
	}
	return msg, nil
}

func (c *wsConn) Write(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, ws.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(ws.StatusNormalClosure, "")
}
