package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// DefaultReadLimit is the largest message accepted by default.
	DefaultReadLimit = 16 * 1024 * 1024

	// DefaultDialTimeout bounds the websocket opening handshake.
	DefaultDialTimeout = 10 * time.Second
)

// DialOptions configures a WebSocketDialer.
type DialOptions struct {
	// Timeout bounds the opening handshake. Zero uses DefaultDialTimeout.
	Timeout time.Duration

	// ReadLimit is the largest message accepted. Zero uses DefaultReadLimit.
	ReadLimit int64

	// HTTPClient carries the upgrade request. Direct mode passes a client
	// whose dialer only reaches private addresses.
	HTTPClient *http.Client

	// ProxyURL routes relay sockets through an HTTP proxy.
	ProxyURL string

	// Header is added to the upgrade request.
	Header http.Header
}

// WebSocketDialer dials sockets with nhooyr.io/websocket.
type WebSocketDialer struct {
	opts DialOptions
}

// NewWebSocketDialer creates a dialer.
func NewWebSocketDialer(opts DialOptions) *WebSocketDialer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDialTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	return &WebSocketDialer{opts: opts}
}

// Dial opens a websocket to rawURL.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	httpClient, err := d.httpClient()
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: d.opts.Header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", redactURL(rawURL), resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", redactURL(rawURL), err)
	}
	conn.SetReadLimit(d.opts.ReadLimit)

	return &WebSocketConn{conn: conn}, nil
}

func (d *WebSocketDialer) httpClient() (*http.Client, error) {
	if d.opts.HTTPClient != nil {
		return d.opts.HTTPClient, nil
	}
	if d.opts.ProxyURL == "" {
		return nil, nil
	}

	proxyURL, err := url.Parse(d.opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy URL: %w", err)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}, nil
}

// AcceptOptions configures Accept.
type AcceptOptions struct {
	ReadLimit int64
}

// Accept upgrades an HTTP request to a socket. It is the server half used
// by test hosts and relays.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*WebSocketConn, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	conn.SetReadLimit(opts.ReadLimit)
	return &WebSocketConn{conn: conn}, nil
}

// WebSocketConn implements Socket over one websocket connection.
type WebSocketConn struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

// Read returns the next text or binary message.
func (c *WebSocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write sends msg as a text message.
func (c *WebSocketConn) Write(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return ErrSocketClosed
	}
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Close closes the connection with a normal closure.
func (c *WebSocketConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// CloseWithReason closes the connection with a policy violation status.
func (c *WebSocketConn) CloseWithReason(reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusPolicyViolation, reason)
}

// CloseStatus returns the websocket close code carried by err, or -1.
func CloseStatus(err error) int {
	return int(websocket.CloseStatus(err))
}

// IsNormalClosure reports whether err is a clean close by either side.
func IsNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// IsPolicyViolation reports whether the remote side closed the socket for a
// policy violation, which relays and hosts use to reject credentials.
func IsPolicyViolation(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}

// redactURL drops the query string, which may carry secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
