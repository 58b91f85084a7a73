// Package direct talks to the paired host over the local network: signed
// API calls, server-sent event streams, the reachability probe, pairing
// and token refresh.
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/recovery"
	"github.com/postalsys/pairlink/internal/rpc"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/transport"
)

// API paths below transport.DirectAPIPrefix.
const (
	HealthPath  = "/health"
	PairPath    = "/pair"
	RefreshPath = "/auth/refresh"
)

// Defaults for Config.
const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultProbeTimeout   = 3 * time.Second
	DefaultMaxBodySize    = 16 << 20
)

var (
	// ErrUnauthorized is returned when the host refuses the token or the
	// pairing code.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProbeFailed is returned when the host does not answer the
	// reachability probe.
	ErrProbeFailed = errors.New("host unreachable")
)

// Credentials supplies the current credential. *session.Manager
// implements it.
type Credentials interface {
	Acquire(ctx context.Context) (session.Credential, error)
}

// Config contains configuration for a Client.
type Config struct {
	// Credentials is required for Do and Stream. Probe, Pair and Refresh
	// work without it.
	Credentials Credentials

	Scheme            signing.Scheme
	RequestTimeout    time.Duration
	DialTimeout       time.Duration
	ProbeTimeout      time.Duration
	StreamIdleTimeout time.Duration
	StreamMaxDuration time.Duration
	MaxBodySize       int64

	// OnUnauthorized is called when the host rejects the token on a signed
	// call.
	OnUnauthorized func(err error)

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is the direct-mode HTTP client. Every connection it opens is
// checked against the private-range allowlist at dial time.
type Client struct {
	cfg     Config
	signer  signing.Signer
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = transport.DefaultDialTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = rpc.DefaultStreamIdleTimeout
	}
	if cfg.StreamMaxDuration <= 0 {
		cfg.StreamMaxDuration = rpc.DefaultStreamMaxDuration
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	stream := transport.NewLocalHTTPClient(cfg.DialTimeout, cfg.RequestTimeout)
	stream.Timeout = 0

	return &Client{
		cfg:     cfg,
		signer:  signing.Signer{Scheme: cfg.Scheme, Now: cfg.Now},
		http:    transport.NewLocalHTTPClient(cfg.DialTimeout, cfg.RequestTimeout),
		stream:  stream,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyComponent, "direct"),
		metrics: cfg.Metrics,
	}
}

// Do performs a signed API call. A status of 400 or above returns a
// *rpc.RemoteError; 401 and 403 return ErrUnauthorized.
func (c *Client) Do(ctx context.Context, method, path string, body json.RawMessage) (*rpc.Response, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return nil, err
	}

	resp, id, err := c.send(ctx, c.http, cred, method, path, body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Body, c.cfg.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if err := c.checkStatus(resp.StatusCode, id, data, true); err != nil {
		return nil, err
	}
	return &rpc.Response{RequestID: id, Status: resp.StatusCode, Body: jsonBody(data)}, nil
}

// Stream performs a signed call whose answer is a server-sent event
// stream. Each event's data is passed to onChunk in order. The stream ends
// at a "data: [DONE]" event or when the host closes the connection. An
// "error" event fails the stream with a *rpc.RemoteError.
func (c *Client) Stream(ctx context.Context, method, path string, body json.RawMessage, onChunk rpc.ChunkFunc) error {
	cred, err := c.credential(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StreamMaxDuration)
	defer cancel()

	var idleFired atomic.Bool
	idle := time.AfterFunc(c.cfg.StreamIdleTimeout, func() {
		idleFired.Store(true)
		cancel()
	})
	defer idle.Stop()

	resp, id, err := c.send(ctx, c.stream, cred, method, path, body, "text/event-stream")
	if err != nil {
		return c.streamError(ctx, id, err, &idleFired)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := readBody(resp.Body, 4096)
		return c.checkStatus(resp.StatusCode, id, data, true)
	}

	scanner := newSSEScanner(resp.Body)
	for scanner.Next() {
		idle.Reset(c.cfg.StreamIdleTimeout)

		ev := scanner.Event()
		if ev.Data == doneMarker {
			return nil
		}
		if ev.Type == "error" {
			return &rpc.RemoteError{RequestID: id, Message: errorMessage([]byte(ev.Data))}
		}

		payload := jsonBody([]byte(ev.Data))
		err := recovery.Call(c.logger, "direct.onChunk", func() error {
			onChunk(payload)
			return nil
		})
		if err != nil {
			c.metrics.RecordHandlerFailure()
		}
	}
	if err := scanner.Err(); err != nil {
		return c.streamError(ctx, id, err, &idleFired)
	}
	if ctx.Err() != nil {
		return c.streamError(ctx, id, ctx.Err(), &idleFired)
	}
	return nil
}

// Probe checks that a host answers on ep. The health endpoint is not
// signed.
func (c *Client) Probe(ctx context.Context, ep signing.Endpoint) error {
	url, err := transport.DirectAPIURL(ep, HealthPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrProbeFailed, resp.StatusCode)
	}
	return nil
}

func (c *Client) credential(ctx context.Context) (session.Credential, error) {
	if c.cfg.Credentials == nil {
		return session.Credential{}, session.ErrNoCredential
	}
	return c.cfg.Credentials.Acquire(ctx)
}

// send signs and performs one request. The returned id is the request
// nonce, used to correlate log lines and errors.
func (c *Client) send(ctx context.Context, hc *http.Client, cred session.Credential, method, path string, body []byte, accept string) (*http.Response, string, error) {
	url, err := transport.DirectAPIURL(cred.Endpoint, path)
	if err != nil {
		return nil, "", err
	}

	headers, err := c.signer.Headers(method, url, body, cred.Token)
	if err != nil {
		return nil, "", err
	}
	id := headers.Get(signing.HeaderNonce)

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, id, fmt.Errorf("create request: %w", err)
	}
	maps.Copy(req.Header, headers)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.RecordDirectRequest(method, "error", elapsed.Seconds())
		c.logger.Debug("direct request failed",
			logging.KeyMethod, method,
			logging.KeyPath, path,
			logging.KeyError, err)
		return nil, id, fmt.Errorf("%s %s: %w", method, path, err)
	}

	c.metrics.RecordDirectRequest(method, strconv.Itoa(resp.StatusCode), elapsed.Seconds())
	c.logger.Debug("direct request",
		logging.KeyMethod, method,
		logging.KeyPath, path,
		logging.KeyStatus, resp.StatusCode,
		logging.KeyDuration, elapsed)
	return resp, id, nil
}

// checkStatus maps an error status to ErrUnauthorized or *rpc.RemoteError.
func (c *Client) checkStatus(status int, id string, data []byte, notify bool) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err := fmt.Errorf("%w: status %d: %s", ErrUnauthorized, status, errorMessage(data))
		if notify && c.cfg.OnUnauthorized != nil {
			_ = recovery.Call(c.logger, "direct.OnUnauthorized", func() error {
				c.cfg.OnUnauthorized(err)
				return nil
			})
		}
		return err
	case status >= 400:
		return &rpc.RemoteError{RequestID: id, Status: status, Message: errorMessage(data)}
	default:
		return nil
	}
}

func (c *Client) streamError(ctx context.Context, id string, err error, idleFired *atomic.Bool) error {
	switch {
	case idleFired.Load():
		return &rpc.TimeoutError{RequestID: id, Kind: rpc.KindStream, After: c.cfg.StreamIdleTimeout}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &rpc.TimeoutError{RequestID: id, Kind: rpc.KindStream, After: c.cfg.StreamMaxDuration}
	default:
		return err
	}
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}

// jsonBody returns data as JSON. Non-JSON text is wrapped as a JSON string.
func jsonBody(data []byte) json.RawMessage {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// errorMessage extracts a message from an error body such as
// {"error":"..."}, {"error":{"message":"..."}} or {"message":"..."}.
func errorMessage(data []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		var s string
		if json.Unmarshal(body.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		if body.Message != "" {
			return body.Message
		}
	}

	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
