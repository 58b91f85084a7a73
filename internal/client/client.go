// Package client is the application root of pairlink. A Client owns the
// credential store, the session manager, the live connection, the request
// correlator and the update dispatcher, and offers one API over direct and
// relay mode.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/pairlink/internal/config"
	"github.com/postalsys/pairlink/internal/direct"
	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/rpc"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/store"
	"github.com/postalsys/pairlink/internal/transport"
	"github.com/postalsys/pairlink/internal/updates"
)

var (
	// ErrNotPaired is returned when no credential exists for the selected
	// mode.
	ErrNotPaired = errors.New("not paired")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// Options contains the dependencies of a Client.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config

	// Store persists the credential, the relay identity and the device id.
	Store store.KV

	// DirectDialer and RelayDialer override the websocket dialers.
	DirectDialer transport.Dialer
	RelayDialer  transport.Dialer

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is the pairlink communication layer.
type Client struct {
	cfg          *config.Config
	kv           store.KV
	deviceID     identity.DeviceID
	directDialer transport.Dialer
	relayDialer  transport.Dialer
	logger       *slog.Logger
	metrics      *metrics.Metrics

	sessions   *session.Manager
	direct     *direct.Client
	correlator *rpc.Correlator
	updates    *updates.Dispatcher

	mu     sync.Mutex
	mode   link.ModeKind
	conn   *link.Connection
	closed bool
}

// New creates a client and restores any stored pairing.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	logger := logging.OrNop(opts.Logger)

	deviceID, created, err := identity.LoadOrCreateDeviceID(opts.Store)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("created device id", logging.KeyDeviceID, deviceID.ShortString())
	}

	c := &Client{
		cfg:      cfg,
		kv:       opts.Store,
		deviceID: deviceID,
		logger:   logger,
		metrics:  opts.Metrics,
	}

	c.sessions, err = session.NewManager(session.ManagerConfig{
		Policy: session.Policy{
			Timeout:          cfg.Session.Timeout,
			RefreshThreshold: cfg.Session.RefreshThreshold,
		},
		Store:              opts.Store,
		MinRefreshInterval: cfg.Session.MinRefreshInterval,
		Now:                opts.Now,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	scheme := signing.SchemeHMAC
	if cfg.Direct.LegacySignatures {
		scheme = signing.SchemeLegacy
	}
	c.direct = direct.New(direct.Config{
		Credentials:       c.sessions,
		Scheme:            scheme,
		RequestTimeout:    cfg.Direct.RequestTimeout,
		DialTimeout:       cfg.Connection.DialTimeout,
		ProbeTimeout:      cfg.Direct.ProbeTimeout,
		StreamIdleTimeout: cfg.RPC.StreamIdleTimeout,
		StreamMaxDuration: cfg.RPC.StreamMaxDuration,
		MaxBodySize:       int64(cfg.Direct.MaxBodySize),
		OnUnauthorized:    func(err error) { c.authRejected(link.ModeDirect, err) },
		Now:               opts.Now,
		Logger:            logger,
		Metrics:           opts.Metrics,
	})
	c.sessions.SetRefresher(c.direct)

	c.correlator, err = rpc.New(rpc.Config{
		Sender:            rpc.SenderFunc(c.send),
		CallTimeout:       cfg.RPC.CallTimeout,
		StreamIdleTimeout: cfg.RPC.StreamIdleTimeout,
		StreamMaxDuration: cfg.RPC.StreamMaxDuration,
		MaxBufferedChunks: cfg.RPC.MaxBufferedChunks,
		Logger:            logger,
		Metrics:           opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.updates = updates.New(updates.Config{Logger: logger, Metrics: opts.Metrics})

	c.directDialer = opts.DirectDialer
	if c.directDialer == nil {
		c.directDialer = transport.NewWebSocketDialer(transport.DialOptions{
			Timeout:    cfg.Connection.DialTimeout,
			ReadLimit:  int64(cfg.Connection.ReadLimit),
			HTTPClient: transport.NewLocalHTTPClient(cfg.Connection.DialTimeout, 0),
		})
	}
	c.relayDialer = opts.RelayDialer
	if c.relayDialer == nil {
		c.relayDialer = transport.NewWebSocketDialer(transport.DialOptions{
			Timeout:   cfg.Connection.DialTimeout,
			ReadLimit: int64(cfg.Connection.ReadLimit),
			ProxyURL:  cfg.Connection.Proxy,
		})
	}

	c.mode, err = c.restoreMode()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeviceID returns this device's identifier.
func (c *Client) DeviceID() identity.DeviceID {
	return c.deviceID
}

// Mode returns the selected transport mode, or "" when unpaired.
func (c *Client) Mode() link.ModeKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Connect opens the connection for the selected mode and waits for it to
// be usable. After a terminal failure it starts over.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Connect(); err != nil {
		return err
	}
	return conn.WaitConnected(ctx)
}

// Disconnect closes the connection. Pending calls and streams are rejected
// with link.ErrTransportClosed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}

// Close releases the client. The store is not closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.correlator.RejectAll(ErrClosed)
	c.updates.Close()
	return nil
}

// Request performs one API call on the host. Direct mode sends a signed
// HTTP request; relay mode tunnels it through the encrypted channel and
// connects first when needed.
func (c *Client) Request(ctx context.Context, method, path string, body json.RawMessage) (*rpc.Response, error) {
	mode, err := c.requireMode()
	if err != nil {
		return nil, err
	}

	if mode == link.ModeDirect {
		return c.direct.Do(ctx, method, path, body)
	}

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return c.correlator.Call(ctx, method, path, body)
}

// Stream performs a call whose answer is streamed. onChunk receives the
// payloads in order; Stream returns when the stream ends.
func (c *Client) Stream(ctx context.Context, method, path string, body json.RawMessage, onChunk rpc.ChunkFunc) error {
	mode, err := c.requireMode()
	if err != nil {
		return err
	}

	if mode == link.ModeDirect {
		return c.direct.Stream(ctx, method, path, body, onChunk)
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	return c.correlator.StreamCall(ctx, method, path, body, onChunk)
}

// SendEvent sends a fire-and-forget event to the host over the live
// connection, connecting first when needed.
func (c *Client) SendEvent(ctx context.Context, kind string, fields any) error {
	ev, err := protocol.NewEvent(kind, fields)
	if err != nil {
		return err
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	return c.send(ctx, ev)
}

// Subscribe registers fn for every pushed message that is not a response
// to a call. Messages reach fn in arrival order.
func (c *Client) Subscribe(fn updates.Handler) (unsubscribe func()) {
	return c.updates.AddHandler(fn)
}

// connection returns the live connection, creating it for the selected
// mode when there is none.
func (c *Client) connection() (*link.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	if c.mode == "" {
		return nil, ErrNotPaired
	}

	conn, err := c.newConnection(c.mode)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return conn.EnsureConnected(ctx)
}

// current returns the live connection without creating one.
func (c *Client) current() *link.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// send is the correlator's path to the socket.
func (c *Client) send(ctx context.Context, p protocol.Payload) error {
	conn := c.current()
	if conn == nil {
		return link.ErrNotConnected
	}
	return conn.Send(ctx, p)
}

func (c *Client) requireMode() (link.ModeKind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}
	if c.mode == "" {
		return "", ErrNotPaired
	}
	return c.mode, nil
}

// newConnection builds a connection for kind. The caller holds c.mu.
func (c *Client) newConnection(kind link.ModeKind) (*link.Connection, error) {
	var (
		mode   link.Mode
		dialer transport.Dialer
		err    error
	)
	switch kind {
	case link.ModeDirect:
		dialer = c.directDialer
		mode, err = link.NewDirectMode(link.DirectConfig{
			Credentials: c.sessions,
			Prober:      c.direct,
			Logger:      c.logger,
		})
	case link.ModeRelay:
		dialer = c.relayDialer
		mode, err = link.NewRelayMode(link.RelayConfig{
			Identity: func() (*identity.Relay, error) { return identity.LoadRelay(c.kv) },
			Logger:   c.logger,
			Metrics:  c.metrics,
		})
	default:
		return nil, fmt.Errorf("unknown mode %q", kind)
	}
	if err != nil {
		return nil, err
	}

	cc := c.cfg.Connection
	return link.New(link.Config{
		Mode:             mode,
		Dialer:           dialer,
		Keepalive:        cc.Keepalive,
		ConnectWait:      cc.ConnectWait,
		HandshakeTimeout: cc.HandshakeTimeout,
		DialTimeout:      cc.DialTimeout,
		Reconnect: link.ReconnectConfig{
			InitialDelay: cc.Reconnect.InitialDelay,
			MaxDelay:     cc.Reconnect.MaxDelay,
			Multiplier:   cc.Reconnect.Multiplier,
			MaxAttempts:  cc.Reconnect.MaxAttempts,
			Jitter:       cc.Reconnect.Jitter,
		},
		OnPayload:       c.route,
		OnProtocolError: func(id string, err error) { c.correlator.Reject(id, err) },
		OnClose:         c.correlator.RejectAll,
		OnAuthRejected:  func(err error) { c.authRejected(kind, err) },
		Logger:          c.logger,
		Metrics:         c.metrics,
	})
}

// route hands inbound payloads to the correlator, and everything it does
// not claim to the subscribers.
func (c *Client) route(p protocol.Payload) {
	if c.correlator.Handle(p) {
		return
	}
	c.updates.Dispatch(p)
}

// authRejected discards the credential the remote side refused. The user
// has to pair again.
func (c *Client) authRejected(kind link.ModeKind, err error) {
	c.logger.Warn("credential rejected, pairing required",
		logging.KeyMode, string(kind),
		logging.KeyError, err)

	var clearErr error
	switch kind {
	case link.ModeDirect:
		clearErr = c.sessions.Clear()
	case link.ModeRelay:
		clearErr = identity.ClearRelay(c.kv)
	}
	if clearErr != nil {
		c.logger.Warn("failed to clear rejected credential", logging.KeyError, clearErr)
	}
}
