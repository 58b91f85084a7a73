package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/protocol"
)

// captureSender records outbound requests.
type captureSender struct {
	reqs chan *protocol.HTTPRequest
	err  error
}

func newCaptureSender() *captureSender {
	return &captureSender{reqs: make(chan *protocol.HTTPRequest, 128)}
}

func (s *captureSender) Send(ctx context.Context, p protocol.Payload) error {
	if s.err != nil {
		return s.err
	}
	s.reqs <- p.(*protocol.HTTPRequest)
	return nil
}

func (s *captureSender) next(t *testing.T) *protocol.HTTPRequest {
	t.Helper()
	select {
	case r := <-s.reqs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no request sent")
		return nil
	}
}

func newTestCorrelator(t *testing.T, s Sender, mutate func(*Config)) (*Correlator, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := Config{Sender: s, Metrics: m}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, m
}

type callOutcome struct {
	resp *Response
	err  error
}

func goCall(ctx context.Context, c *Correlator, method, endpoint string) chan callOutcome {
	out := make(chan callOutcome, 1)
	go func() {
		resp, err := c.Call(ctx, method, endpoint, nil)
		out <- callOutcome{resp, err}
	}()
	return out
}

func await[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		var zero T
		return zero
	}
}

func TestNew_RequiresSender(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without sender should fail")
	}
}

func TestCall_Success(t *testing.T) {
	s := newCaptureSender()
	c, m := newTestCorrelator(t, s, nil)

	out := goCall(context.Background(), c, "GET", "/states")
	req := s.next(t)
	if req.Method != "GET" || req.Endpoint != "/states" || req.RequestID == "" {
		t.Fatalf("sent request = %+v", req)
	}

	handled := c.Handle(&protocol.HTTPResponse{
		RequestID: req.RequestID,
		Status:    200,
		Body:      json.RawMessage(`{"count":3}`),
	})
	if !handled {
		t.Error("Handle() = false for a response")
	}

	r := await(t, out)
	if r.err != nil {
		t.Fatalf("Call() error = %v", r.err)
	}
	var body struct{ Count int }
	if err := r.resp.Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if r.resp.Status != 200 || body.Count != 3 {
		t.Errorf("Call() = %+v, body %+v", r.resp, body)
	}

	if calls, _ := c.Pending(); calls != 0 {
		t.Errorf("Pending() calls = %d", calls)
	}
	if v := testutil.ToFloat64(m.RPCCalls.WithLabelValues(KindCall, "ok")); v != 1 {
		t.Errorf("ok calls = %v", v)
	}
	if v := testutil.ToFloat64(m.RPCPending); v != 0 {
		t.Errorf("pending gauge = %v", v)
	}
}

func TestCall_RemoteError(t *testing.T) {
	tests := []struct {
		name string
		resp protocol.HTTPResponse
	}{
		{"status", protocol.HTTPResponse{Status: 404}},
		{"message", protocol.HTTPResponse{Status: 200, Error: "entity not found"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newCaptureSender()
			c, _ := newTestCorrelator(t, s, nil)

			out := goCall(context.Background(), c, "GET", "/missing")
			resp := tc.resp
			resp.RequestID = s.next(t).RequestID
			c.Handle(&resp)

			r := await(t, out)
			var remote *RemoteError
			if !errors.As(r.err, &remote) {
				t.Fatalf("Call() error = %v, want *RemoteError", r.err)
			}
			if remote.RequestID != resp.RequestID || remote.Status != resp.Status {
				t.Errorf("RemoteError = %+v", remote)
			}
		})
	}
}

func TestCall_Timeout(t *testing.T) {
	s := newCaptureSender()
	c, m := newTestCorrelator(t, s, func(cfg *Config) {
		cfg.CallTimeout = 20 * time.Millisecond
	})

	out := goCall(context.Background(), c, "GET", "/slow")
	req := s.next(t)

	r := await(t, out)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", r.err)
	}
	var te *TimeoutError
	if !errors.As(r.err, &te) || te.RequestID != req.RequestID || te.Kind != KindCall {
		t.Errorf("TimeoutError = %+v", te)
	}
	if calls, _ := c.Pending(); calls != 0 {
		t.Errorf("Pending() calls = %d after timeout", calls)
	}

	// A late response is consumed and ignored.
	if !c.Handle(&protocol.HTTPResponse{RequestID: req.RequestID, Status: 200}) {
		t.Error("late response should still be treated as correlated")
	}
	if v := testutil.ToFloat64(m.RPCCalls.WithLabelValues(KindCall, "timeout")); v != 1 {
		t.Errorf("timeout calls = %v", v)
	}
	if v := testutil.ToFloat64(m.RPCCalls.WithLabelValues(KindCall, "ok")); v != 0 {
		t.Errorf("late response counted as ok: %v", v)
	}
}

func TestCall_SendFailure(t *testing.T) {
	errDown := errors.New("not connected")
	s := newCaptureSender()
	s.err = errDown
	c, _ := newTestCorrelator(t, s, nil)

	if _, err := c.Call(context.Background(), "GET", "/x", nil); !errors.Is(err, errDown) {
		t.Errorf("Call() error = %v, want send error", err)
	}
	if calls, _ := c.Pending(); calls != 0 {
		t.Errorf("Pending() calls = %d", calls)
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	s := newCaptureSender()
	c, _ := newTestCorrelator(t, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out := goCall(ctx, c, "GET", "/x")
	req := s.next(t)
	cancel()

	r := await(t, out)
	if !errors.Is(r.err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", r.err)
	}
	if calls, _ := c.Pending(); calls != 0 {
		t.Errorf("Pending() calls = %d", calls)
	}
	c.Handle(&protocol.HTTPResponse{RequestID: req.RequestID, Status: 200})
}

func TestCall_ConcurrentOutOfOrder(t *testing.T) {
	s := newCaptureSender()
	c, _ := newTestCorrelator(t, s, nil)

	const n = 20
	results := make([]chan callOutcome, n)
	for i := 0; i < n; i++ {
		results[i] = goCall(context.Background(), c, "GET", fmt.Sprintf("/item/%d", i))
	}

	reqs := make([]*protocol.HTTPRequest, n)
	for i := 0; i < n; i++ {
		reqs[i] = s.next(t)
	}
	ids := make(map[string]bool)
	for i := n - 1; i >= 0; i-- {
		ids[reqs[i].RequestID] = true
		body, _ := json.Marshal(reqs[i].Endpoint)
		c.Handle(&protocol.HTTPResponse{RequestID: reqs[i].RequestID, Status: 200, Body: body})
	}
	if len(ids) != n {
		t.Errorf("request ids not unique: %d distinct of %d", len(ids), n)
	}

	for i := 0; i < n; i++ {
		r := await(t, results[i])
		if r.err != nil {
			t.Fatalf("Call(%d) error = %v", i, r.err)
		}
		var endpoint string
		r.resp.Decode(&endpoint)
		if want := fmt.Sprintf("/item/%d", i); endpoint != want {
			t.Errorf("Call(%d) got response for %s", i, endpoint)
		}
	}
}

func TestHandle_NonCorrelated(t *testing.T) {
	c, _ := newTestCorrelator(t, newCaptureSender(), nil)

	ev, _ := protocol.NewEvent("state_changed", nil)
	if c.Handle(ev) {
		t.Error("Handle(event) = true")
	}
	if c.Handle(&protocol.HTTPRequest{RequestID: "x"}) {
		t.Error("Handle(request) = true")
	}
}

func TestRejectAll(t *testing.T) {
	errClosed := errors.New("transport closed")
	s := newCaptureSender()
	c, _ := newTestCorrelator(t, s, nil)

	var outs []chan callOutcome
	for i := 0; i < 3; i++ {
		outs = append(outs, goCall(context.Background(), c, "GET", "/x"))
		s.next(t)
	}
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.StreamCall(context.Background(), "GET", "/logs", nil, func(json.RawMessage) {})
	}()
	s.next(t)

	if calls, streams := c.Pending(); calls != 3 || streams != 1 {
		t.Fatalf("Pending() = %d, %d", calls, streams)
	}

	c.RejectAll(errClosed)

	for i, out := range outs {
		if r := await(t, out); !errors.Is(r.err, errClosed) {
			t.Errorf("call %d error = %v, want transport closed", i, r.err)
		}
	}
	if err := await(t, streamErr); !errors.Is(err, errClosed) {
		t.Errorf("stream error = %v, want transport closed", err)
	}
	if calls, streams := c.Pending(); calls != 0 || streams != 0 {
		t.Errorf("Pending() = %d, %d after RejectAll", calls, streams)
	}

	// Nothing outstanding: no-op.
	c.RejectAll(nil)
}

func TestReject_MalformedResponse(t *testing.T) {
	s := newCaptureSender()
	c, m := newTestCorrelator(t, s, func(cfg *Config) {
		cfg.CallTimeout = 10 * time.Second
	})

	out := goCall(context.Background(), c, "GET", "/states")
	req := s.next(t)

	raw := fmt.Sprintf(`{"type":"http_response","request_id":%q,"status":"500"}`, req.RequestID)
	_, err := protocol.DecodePayload([]byte(raw))
	var mal *protocol.MalformedError
	if !errors.As(err, &mal) || mal.RequestID != req.RequestID {
		t.Fatalf("DecodePayload() error = %v, want *protocol.MalformedError for %s", err, req.RequestID)
	}
	if !c.Reject(mal.RequestID, err) {
		t.Fatal("Reject() = false for a pending call")
	}

	r := await(t, out)
	if !errors.Is(r.err, protocol.ErrMalformed) {
		t.Fatalf("Call() error = %v, want ErrMalformed", r.err)
	}
	if errors.Is(r.err, ErrTimeout) {
		t.Error("malformed response reported as a timeout")
	}
	if calls, _ := c.Pending(); calls != 0 {
		t.Errorf("Pending() calls = %d", calls)
	}
	if v := testutil.ToFloat64(m.RPCCalls.WithLabelValues(KindCall, "failed")); v != 1 {
		t.Errorf("failed calls = %v", v)
	}

	if c.Reject(req.RequestID, err) {
		t.Error("Reject() = true for a finished call")
	}
}

func TestTimeoutError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &TimeoutError{RequestID: "abc", Kind: KindStream, After: time.Second})
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError does not match ErrTimeout")
	}
	if got := err.Error(); got != "wrapped: stream abc timed out after 1s" {
		t.Errorf("Error() = %q", got)
	}
}
