package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/recovery"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/transport"
)

var (
	// ErrNotConnected is returned when sending without a live socket or
	// when waiting for the connection gives up.
	ErrNotConnected = errors.New("not connected")

	// ErrTransportClosed rejects work that was in flight when the socket
	// went away.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRetriesExhausted is the sticky error after the configured number
	// of consecutive connection failures.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrAuthRejected is returned when the relay or host refuses the
	// credential. The credential must not be retried.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")
)

// Defaults for Config.
const (
	DefaultKeepalive        = 30 * time.Second
	DefaultConnectWait      = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)

// Inbound is the result of opening one socket frame. Payload is set for
// frames the caller must route. Reply is written back on the socket.
type Inbound struct {
	Payload protocol.Payload
	Reply   []byte
}

// Mode is the transport-specific half of a connection.
type Mode interface {
	Kind() ModeKind

	// Prepare validates stored credentials, runs any reachability check
	// and returns the socket URL to dial.
	Prepare(ctx context.Context) (string, error)

	// Handshake authenticates a freshly dialed socket. It returns only
	// after the remote side acknowledged the credential.
	Handshake(ctx context.Context, sock transport.Socket) error

	// Seal encodes an outbound payload as a socket frame.
	Seal(p protocol.Payload) ([]byte, error)

	// Open decodes an inbound socket frame.
	Open(frame []byte) (Inbound, error)

	// Ping returns a keepalive frame.
	Ping() ([]byte, error)
}

// Checker is implemented by modes that re-validate their credential on
// every keepalive tick.
type Checker interface {
	Check(ctx context.Context) error
}

// Config contains configuration for a connection.
type Config struct {
	Mode   Mode
	Dialer transport.Dialer

	Keepalive        time.Duration
	ConnectWait      time.Duration
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	Reconnect        ReconnectConfig

	// OnPayload receives inbound payloads in arrival order, from the
	// socket's read goroutine.
	OnPayload func(protocol.Payload)

	// OnProtocolError receives inbound answers that name a request but
	// could not be decoded. Other undecodable frames are logged and
	// dropped.
	OnProtocolError func(requestID string, err error)

	// OnClose is called whenever a live session ends or Disconnect is
	// called. err wraps ErrTransportClosed.
	OnClose func(err error)

	// OnAuthRejected is called once when the credential is refused.
	OnAuthRejected func(err error)

	// OnStateChange observes every state transition.
	OnStateChange func(state State, err error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type stateEvent struct {
	state State
	err   error
}

// Connection is the live link to the paired host. Exactly one socket is
// open at a time. It is re-created, not reconfigured, when the mode
// changes.
type Connection struct {
	cfg     Config
	mode    Mode
	logger  *slog.Logger
	metrics *metrics.Metrics
	backoff *Backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	lastErr      error
	terminal     bool
	gen          uint64
	sock         transport.Socket
	sockCancel   context.CancelFunc
	failures     int
	retry        *time.Timer
	retryPending bool
	since        time.Time
	changed      chan struct{}
	events       []stateEvent
	closed       bool
}

// New creates a disconnected connection.
func New(cfg Config) (*Connection, error) {
	if cfg.Mode == nil {
		return nil, errors.New("mode is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = DefaultConnectWait
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:     cfg,
		mode:    cfg.Mode,
		metrics: cfg.Metrics,
		backoff: NewBackoff(cfg.Reconnect),
		logger: logging.OrNop(cfg.Logger).With(
			logging.KeyComponent, "link",
			logging.KeyMode, string(cfg.Mode.Kind())),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		changed: make(chan struct{}),
	}
	c.metrics.SetConnectionState(string(cfg.Mode.Kind()), int(StateDisconnected))
	return c, nil
}

// Mode returns the transport variant.
func (c *Connection) Mode() ModeKind {
	return c.mode.Kind()
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the connection.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Mode:           c.mode.Kind(),
		State:          c.state,
		Err:            c.lastErr,
		Failures:       c.failures,
		Terminal:       c.terminal,
		RetryPending:   c.retryPending,
		ConnectedSince: c.since,
	}
}

// PeerStatus returns the last peer presence report from the relay. ok is
// false in direct mode or before the first report.
func (c *Connection) PeerStatus() (protocol.PeerStatus, bool) {
	if r, ok := c.mode.(*RelayMode); ok {
		return r.PeerStatus()
	}
	return protocol.PeerStatus{}, false
}

// Connect starts connecting in the background. It is a no-op while
// connecting or connected. Calling it after a terminal error clears the
// failure count and tries again.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.stopRetryLocked()
	c.failures = 0
	c.terminal = false
	gen := c.beginAttemptLocked()
	c.unlock()

	go c.attempt(gen)
	return nil
}

// EnsureConnected starts a connection when idle and waits for the
// connected state. After a terminal failure it returns that failure
// without retrying; only Connect starts over.
func (c *Connection) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	st, terminal, pending, lastErr := c.state, c.terminal, c.retryPending, c.lastErr
	c.mu.Unlock()

	if terminal {
		return lastErr
	}
	if st == StateDisconnected && !pending {
		if err := c.Connect(); err != nil {
			return err
		}
	}
	return c.WaitConnected(ctx)
}

// WaitConnected blocks until the connection is connected, fails for good,
// or ConnectWait elapses.
func (c *Connection) WaitConnected(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.ConnectWait)
	defer timer.Stop()

	for {
		c.mu.Lock()
		st, lastErr, terminal, pending, closed, ch := c.state, c.lastErr, c.terminal, c.retryPending, c.closed, c.changed
		c.mu.Unlock()

		switch {
		case closed:
			return ErrClosed
		case st == StateConnected:
			return nil
		case st == StateExpired:
			return lastErr
		case st == StateError && terminal:
			return lastErr
		case st == StateDisconnected && !pending:
			return ErrNotConnected
		}

		select {
		case <-ch:
		case <-timer.C:
			return fmt.Errorf("%w: still %s after %s", ErrNotConnected, st, c.cfg.ConnectWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send seals p and writes it to the socket. It fails with ErrNotConnected
// unless the connection is connected.
func (c *Connection) Send(ctx context.Context, p protocol.Payload) error {
	c.mu.Lock()
	st, sock := c.state, c.sock
	c.mu.Unlock()

	if st != StateConnected || sock == nil {
		return ErrNotConnected
	}

	frame, err := c.mode.Seal(p)
	if err != nil {
		return fmt.Errorf("seal %s: %w", p.Type(), err)
	}
	if err := sock.Write(ctx, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	c.metrics.RecordFrameSent(p.Type())
	return nil
}

// Disconnect closes the socket, cancels any pending reconnect and rejects
// in-flight work through OnClose. The connection can be connected again.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.stopRetryLocked()
	c.gen++
	hadSocket := c.sock != nil
	c.dropSocketLocked()
	c.failures = 0
	c.terminal = false
	c.setStateLocked(StateDisconnected, nil)
	c.unlock()

	if hadSocket {
		c.metrics.RecordDisconnect(string(c.mode.Kind()), "local")
	}
	c.notifyClosed(ErrTransportClosed)
}

// Close disconnects and releases the connection for good.
func (c *Connection) Close() error {
	c.Disconnect()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return nil
}

// beginAttemptLocked starts a new generation in the connecting state.
func (c *Connection) beginAttemptLocked() uint64 {
	c.gen++
	c.setStateLocked(StateConnecting, nil)
	return c.gen
}

// attempt runs one connection attempt for generation gen.
func (c *Connection) attempt(gen uint64) {
	defer recovery.RecoverWithLog(c.logger, "link.attempt")

	start := time.Now()
	sock, err := c.establish()
	if err != nil {
		c.failed(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		sock.Close()
		return
	}
	sockCtx, sockCancel := context.WithCancel(c.ctx)
	c.sock = sock
	c.sockCancel = sockCancel
	c.failures = 0
	c.since = time.Now()
	c.setStateLocked(StateConnected, nil)
	c.unlock()

	mode := string(c.mode.Kind())
	c.metrics.RecordConnect(mode)
	c.metrics.RecordHandshake(mode, time.Since(start).Seconds())

	go c.readLoop(sockCtx, gen, sock)
	go c.keepaliveLoop(sockCtx, gen, sock)
}

// establish prepares, dials and authenticates a socket.
func (c *Connection) establish() (transport.Socket, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	url, err := c.mode.Prepare(ctx)
	if err != nil {
		return nil, err
	}

	sock, err := c.cfg.Dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	hctx, hcancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer hcancel()

	if err := c.mode.Handshake(hctx, sock); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

type failureKind int

const (
	failTransient failureKind = iota
	failAuth
	failExpired
	failPermanent
)

func (k failureKind) String() string {
	switch k {
	case failAuth:
		return "auth"
	case failExpired:
		return "expired"
	case failPermanent:
		return "invalid"
	default:
		return "transport"
	}
}

func classify(err error) failureKind {
	switch {
	case errors.Is(err, ErrAuthRejected), transport.IsPolicyViolation(err):
		return failAuth
	case errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrNoCredential):
		return failExpired
	case errors.Is(err, signing.ErrEndpointNotAllowed),
		errors.Is(err, identity.ErrNoRelayIdentity),
		errors.Is(err, identity.ErrInvalidRelayIdentity):
		return failPermanent
	default:
		return failTransient
	}
}

// failed handles a failed attempt of generation gen.
func (c *Connection) failed(gen uint64, err error) {
	kind := classify(err)
	if kind == failAuth && !errors.Is(err, ErrAuthRejected) {
		err = fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}

	switch kind {
	case failAuth, failPermanent:
		c.terminal = true
		c.setStateLocked(StateError, err)
	case failExpired:
		c.terminal = true
		c.setStateLocked(StateExpired, err)
	default:
		c.failures++
		if c.backoff.Exhausted(c.failures) {
			c.terminal = true
			c.setStateLocked(StateError, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.failures, err))
		} else {
			c.setStateLocked(StateError, err)
			c.scheduleRetryLocked(c.backoff.Delay(c.failures - 1))
		}
	}
	c.unlock()

	c.metrics.RecordHandshakeError(string(c.mode.Kind()), kind.String())
	if kind == failAuth && c.cfg.OnAuthRejected != nil {
		c.safeCall("link.OnAuthRejected", func() { c.cfg.OnAuthRejected(err) })
	}
}

// lost handles the end of a live session of generation gen.
func (c *Connection) lost(gen uint64, err error) {
	kind := classify(err)
	if kind == failAuth && !errors.Is(err, ErrAuthRejected) {
		err = fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	c.mu.Lock()
	if gen != c.gen || c.sock == nil {
		c.mu.Unlock()
		return
	}
	c.dropSocketLocked()
	c.gen++

	switch kind {
	case failAuth, failPermanent:
		c.terminal = true
		c.setStateLocked(StateError, err)
	case failExpired:
		c.terminal = true
		c.setStateLocked(StateExpired, err)
	default:
		c.setStateLocked(StateDisconnected, err)
		if !c.closed {
			c.scheduleRetryLocked(c.backoff.Delay(0))
		}
	}
	c.unlock()

	c.metrics.RecordDisconnect(string(c.mode.Kind()), kind.String())
	c.notifyClosed(fmt.Errorf("%w: %v", ErrTransportClosed, err))
	if kind == failAuth && c.cfg.OnAuthRejected != nil {
		c.safeCall("link.OnAuthRejected", func() { c.cfg.OnAuthRejected(err) })
	}
}

func (c *Connection) scheduleRetryLocked(delay time.Duration) {
	gen := c.gen
	c.retryPending = true
	c.retry = time.AfterFunc(delay, func() { c.retryAttempt(gen) })

	c.logger.Info("scheduling reconnect",
		logging.KeyAttempt, c.failures+1,
		logging.KeyDelay, delay)
}

func (c *Connection) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.retryPending = false
}

func (c *Connection) retryAttempt(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.terminal {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.retryPending = false
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	next := c.beginAttemptLocked()
	c.unlock()

	c.metrics.RecordReconnectAttempt(string(c.mode.Kind()))
	c.attempt(next)
}

func (c *Connection) dropSocketLocked() {
	if c.sockCancel != nil {
		c.sockCancel()
		c.sockCancel = nil
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.since = time.Time{}
}

// setStateLocked records a transition. Observers run on unlock.
func (c *Connection) setStateLocked(s State, err error) {
	if s == c.state && err == c.lastErr {
		return
	}
	c.state = s
	c.lastErr = err
	close(c.changed)
	c.changed = make(chan struct{})
	c.events = append(c.events, stateEvent{state: s, err: err})
	c.metrics.SetConnectionState(string(c.mode.Kind()), int(s))
}

// unlock releases the mutex and then reports queued transitions.
func (c *Connection) unlock() {
	events := c.events
	c.events = nil
	c.mu.Unlock()

	for _, ev := range events {
		if ev.err != nil {
			c.logger.Info("connection state changed",
				logging.KeyState, ev.state.String(),
				logging.KeyError, ev.err)
		} else {
			c.logger.Info("connection state changed",
				logging.KeyState, ev.state.String())
		}
		if c.cfg.OnStateChange != nil {
			c.safeCall("link.OnStateChange", func() { c.cfg.OnStateChange(ev.state, ev.err) })
		}
	}
}

func (c *Connection) notifyClosed(err error) {
	if c.cfg.OnClose != nil {
		c.safeCall("link.OnClose", func() { c.cfg.OnClose(err) })
	}
}

func (c *Connection) safeCall(name string, fn func()) {
	_ = recovery.Call(c.logger, name, func() error {
		fn()
		return nil
	})
}

// readLoop reads frames until the socket fails.
func (c *Connection) readLoop(ctx context.Context, gen uint64, sock transport.Socket) {
	defer recovery.RecoverWithLog(c.logger, "link.readLoop")

	for {
		data, err := sock.Read(ctx)
		if err != nil {
			c.lost(gen, err)
			return
		}

		in, err := c.mode.Open(data)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				c.lost(gen, err)
				return
			}
			var mal *protocol.MalformedError
			if errors.As(err, &mal) && c.cfg.OnProtocolError != nil {
				c.logger.Warn("rejecting malformed answer",
					logging.KeyRequestID, mal.RequestID,
					logging.KeyError, err)
				c.safeCall("link.OnProtocolError", func() { c.cfg.OnProtocolError(mal.RequestID, err) })
				continue
			}
			c.logger.Warn("dropping inbound frame", logging.KeyError, err)
			continue
		}

		if in.Reply != nil {
			if err := sock.Write(ctx, in.Reply); err != nil {
				c.logger.Debug("reply failed", logging.KeyError, err)
			}
		}
		if in.Payload == nil {
			c.metrics.RecordFrameReceived("control")
			continue
		}

		c.metrics.RecordFrameReceived(frameLabel(in.Payload))
		if c.cfg.OnPayload != nil {
			p := in.Payload
			c.safeCall("link.OnPayload", func() { c.cfg.OnPayload(p) })
		}
	}
}

// keepaliveLoop pings on every tick. A missing pong is not fatal; only
// socket errors end the session. Modes implementing Checker re-validate
// their credential on each tick.
func (c *Connection) keepaliveLoop(ctx context.Context, gen uint64, sock transport.Socket) {
	defer recovery.RecoverWithLog(c.logger, "link.keepaliveLoop")

	ticker := time.NewTicker(c.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if checker, ok := c.mode.(Checker); ok {
			if err := checker.Check(ctx); err != nil {
				if classify(err) != failTransient {
					c.lost(gen, err)
					return
				}
				c.logger.Warn("credential check failed", logging.KeyError, err)
			}
		}

		frame, err := c.mode.Ping()
		if err != nil {
			continue
		}
		if err := sock.Write(ctx, frame); err != nil {
			c.logger.Debug("keepalive failed", logging.KeyError, err)
			continue
		}
		c.metrics.RecordKeepaliveSent(string(c.mode.Kind()))
	}
}

// frameLabel bounds metric label cardinality: events are one label.
func frameLabel(p protocol.Payload) string {
	switch p.(type) {
	case *protocol.HTTPRequest, *protocol.HTTPResponse, *protocol.StreamChunk:
		return p.Type()
	default:
		return "event"
	}
}
