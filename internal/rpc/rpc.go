// Package rpc correlates tunneled calls and streamed responses with the
// requests that started them.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/protocol"
)

// Defaults for Config.
const (
	DefaultCallTimeout       = 15 * time.Second
	DefaultStreamIdleTimeout = 30 * time.Second
	DefaultStreamMaxDuration = 120 * time.Second

	// DefaultMaxBufferedChunks bounds the out-of-order buffer of one stream.
	DefaultMaxBufferedChunks = 1024
)

// Kinds of correlated work, used in errors and metrics.
const (
	KindCall   = "call"
	KindStream = "stream"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled is used by RejectAll when no reason is given.
	ErrCancelled = errors.New("request cancelled")

	// ErrStreamOverflow ends a stream whose out-of-order buffer is full.
	ErrStreamOverflow = errors.New("stream reorder buffer full")
)

// TimeoutError reports a call or stream that got no answer in time.
type TimeoutError struct {
	RequestID string
	Kind      string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Kind, e.RequestID, e.After)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteError is an error answer from the host: a response with an error
// message or a status of 400 or above, or a failed stream chunk.
type RemoteError struct {
	RequestID string
	Status    int
	Message   string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Status != 0 {
		return fmt.Sprintf("request %s: status %d: %s", e.RequestID, e.Status, msg)
	}
	return fmt.Sprintf("request %s: %s", e.RequestID, msg)
}

// Response is a successful answer to a call.
type Response struct {
	RequestID string
	Status    int
	Body      json.RawMessage
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("request %s: empty response body", r.RequestID)
	}
	return json.Unmarshal(r.Body, v)
}

// Sender delivers a payload to the peer. *link.Connection implements it.
type Sender interface {
	Send(ctx context.Context, p protocol.Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p protocol.Payload) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, p protocol.Payload) error {
	return f(ctx, p)
}

// Config contains configuration for a Correlator.
type Config struct {
	Sender Sender

	CallTimeout       time.Duration
	StreamIdleTimeout time.Duration
	StreamMaxDuration time.Duration
	MaxBufferedChunks int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type callResult struct {
	resp *Response
	err  error
}

type pendingCall struct {
	id    string
	start time.Time
	timer *time.Timer
	done  chan callResult
}

// Correlator tracks outstanding calls and streams by request id. It is
// safe for concurrent use; Handle is expected to be called from a single
// receive goroutine.
type Correlator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	calls   map[string]*pendingCall
	streams map[string]*pendingStream
}

// New creates a Correlator.
func New(cfg Config) (*Correlator, error) {
	if cfg.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if cfg.StreamMaxDuration <= 0 {
		cfg.StreamMaxDuration = DefaultStreamMaxDuration
	}
	if cfg.MaxBufferedChunks <= 0 {
		cfg.MaxBufferedChunks = DefaultMaxBufferedChunks
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return &Correlator{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyComponent, "rpc"),
		metrics: cfg.Metrics,
		calls:   make(map[string]*pendingCall),
		streams: make(map[string]*pendingStream),
	}, nil
}

// Call sends a tunneled request and waits for the matching response. It
// fails with a *TimeoutError after CallTimeout, with a *RemoteError when
// the host answers with an error, and with the teardown error passed to
// RejectAll if the transport goes away first. Cancelling ctx abandons the
// call and removes its pending entry.
func (c *Correlator) Call(ctx context.Context, method, endpoint string, body json.RawMessage) (*Response, error) {
	id := uuid.NewString()
	pc := &pendingCall{
		id:    id,
		start: time.Now(),
		done:  make(chan callResult, 1),
	}

	timeout := c.cfg.CallTimeout
	c.mu.Lock()
	c.calls[id] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		c.finishCall(id, callResult{err: &TimeoutError{RequestID: id, Kind: KindCall, After: timeout}})
	})
	c.mu.Unlock()
	c.metrics.RecordCallStarted()

	c.logger.Debug("call started",
		logging.KeyRequestID, id,
		logging.KeyMethod, method,
		logging.KeyPath, endpoint)

	req := &protocol.HTTPRequest{RequestID: id, Method: method, Endpoint: endpoint, Body: body}
	if err := c.cfg.Sender.Send(ctx, req); err != nil {
		c.finishCall(id, callResult{err: err})
	}

	select {
	case r := <-pc.done:
		return r.resp, r.err
	case <-ctx.Done():
		c.finishCall(id, callResult{err: ctx.Err()})
		r := <-pc.done
		return r.resp, r.err
	}
}

// Handle routes a correlated payload to its pending call or stream. It
// reports whether p was a response or stream chunk; other payloads are
// left for the update dispatcher. Responses for unknown or finished
// requests are dropped.
func (c *Correlator) Handle(p protocol.Payload) bool {
	switch p := p.(type) {
	case *protocol.HTTPResponse:
		c.handleResponse(p)
		return true
	case *protocol.StreamChunk:
		c.handleChunk(p)
		return true
	case *protocol.HTTPRequest, *protocol.Event:
	}
	return false
}

// Reject fails the pending call or stream with the given id. It is used for
// answers that name a request but cannot be decoded. It reports whether a
// request with that id was pending.
func (c *Correlator) Reject(id string, err error) bool {
	c.mu.Lock()
	_, isCall := c.calls[id]
	_, isStream := c.streams[id]
	c.mu.Unlock()

	switch {
	case isCall:
		c.finishCall(id, callResult{err: err})
	case isStream:
		c.finishStream(id, err)
	default:
		c.logger.Debug("no pending request to reject",
			logging.KeyRequestID, id,
			logging.KeyError, err)
		return false
	}
	return true
}

// RejectAll fails every outstanding call and stream with err. It is called
// when the transport is torn down.
func (c *Correlator) RejectAll(err error) {
	if err == nil {
		err = ErrCancelled
	}

	c.mu.Lock()
	calls := make([]string, 0, len(c.calls))
	for id := range c.calls {
		calls = append(calls, id)
	}
	streams := make([]string, 0, len(c.streams))
	for id := range c.streams {
		streams = append(streams, id)
	}
	c.mu.Unlock()

	for _, id := range calls {
		c.finishCall(id, callResult{err: err})
	}
	for _, id := range streams {
		c.finishStream(id, err)
	}

	if n := len(calls) + len(streams); n > 0 {
		c.logger.Info("rejected pending requests",
			logging.KeyCount, n,
			logging.KeyError, err)
	}
}

// Pending returns the number of outstanding calls and streams.
func (c *Correlator) Pending() (calls, streams int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls), len(c.streams)
}

func (c *Correlator) handleResponse(resp *protocol.HTTPResponse) {
	if resp.Error != "" || resp.Status >= 400 {
		c.finishCall(resp.RequestID, callResult{err: &RemoteError{
			RequestID: resp.RequestID,
			Status:    resp.Status,
			Message:   resp.Error,
		}})
		return
	}
	c.finishCall(resp.RequestID, callResult{resp: &Response{
		RequestID: resp.RequestID,
		Status:    resp.Status,
		Body:      resp.Body,
	}})
}

// finishCall removes the call and delivers r. Only the caller that removed
// the entry delivers, so each call completes exactly once.
func (c *Correlator) finishCall(id string, r callResult) {
	c.mu.Lock()
	pc, ok := c.calls[id]
	if ok {
		delete(c.calls, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request", logging.KeyRequestID, id)
		return
	}
	pc.timer.Stop()
	c.metrics.RecordCallFinished(KindCall, outcome(r.err), time.Since(pc.start).Seconds())
	pc.done <- r
}

// outcome labels a result for metrics.
func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}
