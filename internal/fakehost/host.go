package fakehost

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/transport"
)

// MaxClockSkew is how far a request timestamp may be from the host clock.
const MaxClockSkew = 5 * time.Minute

var errUnauthorized = errors.New("unauthorized")

// HostConfig configures a fake host.
type HostConfig struct {
	// PairingCode is accepted by the pair endpoint. Defaults to "123456".
	PairingCode string

	// Scheme is the signature scheme the host verifies.
	Scheme signing.Scheme

	Logger *slog.Logger
}

// Host is a fake paired host serving the direct-mode API on 127.0.0.1.
type Host struct {
	server *httptest.Server
	code   string
	scheme signing.Scheme
	routes *routes
	logger *slog.Logger

	mu        sync.Mutex
	tokens    map[string]string
	nonces    map[string]struct{}
	sockets   map[*transport.WebSocketConn]string
	received  []*protocol.Event
	unhealthy bool
}

// NewHost starts a fake host.
func NewHost(cfg HostConfig) *Host {
	if cfg.PairingCode == "" {
		cfg.PairingCode = "123456"
	}
	h := &Host{
		code:    cfg.PairingCode,
		scheme:  cfg.Scheme,
		routes:  newRoutes(),
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyComponent, "fakehost"),
		tokens:  make(map[string]string),
		nonces:  make(map[string]struct{}),
		sockets: make(map[*transport.WebSocketConn]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+transport.DirectAPIPrefix+"/health", h.handleHealth)
	mux.HandleFunc("POST "+transport.DirectAPIPrefix+"/pair", h.handlePair)
	mux.HandleFunc("POST "+transport.DirectAPIPrefix+"/auth/refresh", h.handleRefresh)
	mux.HandleFunc(transport.DirectSocketPath, h.handleSocket)
	mux.HandleFunc(transport.DirectAPIPrefix+"/", h.handleAPI)
	h.server = httptest.NewServer(mux)
	return h
}

// Endpoint returns the host's address as a direct-mode endpoint.
func (h *Host) Endpoint() signing.Endpoint {
	host, port, _ := net.SplitHostPort(h.server.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return signing.Endpoint{Host: host, Port: p}
}

// URL returns the base URL of the host.
func (h *Host) URL() string {
	return h.server.URL
}

// PairingCode returns the code the pair endpoint accepts.
func (h *Host) PairingCode() string {
	return h.code
}

// Close shuts the host down and drops all sockets.
func (h *Host) Close() {
	h.mu.Lock()
	for conn := range h.sockets {
		conn.Close()
	}
	h.mu.Unlock()
	h.server.CloseClientConnections()
	h.server.Close()
}

// Handle registers a handler for method and path. path is relative to the
// API prefix, for example "/states".
func (h *Host) Handle(method, path string, handler Handler) {
	h.routes.handle(method, path, handler)
}

// IssueToken registers a token for deviceID without going through pairing.
func (h *Host) IssueToken(deviceID string) string {
	token := randomToken()
	h.mu.Lock()
	h.tokens[token] = deviceID
	h.mu.Unlock()
	return token
}

// Revoke invalidates token and closes its realtime sockets with a policy
// violation.
func (h *Host) Revoke(token string) {
	h.mu.Lock()
	delete(h.tokens, token)
	var victims []*transport.WebSocketConn
	for conn, t := range h.sockets {
		if t == token {
			victims = append(victims, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range victims {
		conn.CloseWithReason("token revoked")
	}
}

// SetHealthy controls the answer of the health endpoint.
func (h *Host) SetHealthy(healthy bool) {
	h.mu.Lock()
	h.unhealthy = !healthy
	h.mu.Unlock()
}

// Push sends an event to every authenticated realtime socket.
func (h *Host) Push(kind string, fields any) error {
	ev, err := protocol.NewEvent(kind, fields)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeDirect(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	conns := make([]*transport.WebSocketConn, 0, len(h.sockets))
	for conn := range h.sockets {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, conn := range conns {
		if err := conn.Write(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Sockets returns the number of authenticated realtime sockets.
func (h *Host) Sockets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// DropSockets closes every realtime socket without a reason, as a network
// failure would.
func (h *Host) DropSockets() {
	h.mu.Lock()
	conns := make([]*transport.WebSocketConn, 0, len(h.sockets))
	for conn := range h.sockets {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Requests returns the signed API calls the host has served.
func (h *Host) Requests() []Request {
	return h.routes.requests()
}

// Received returns the events clients sent over the realtime socket.
func (h *Host) Received() []*protocol.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.Event(nil), h.received...)
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	unhealthy := h.unhealthy
	h.mu.Unlock()

	if unhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Host) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string `json:"code"`
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.Code != h.code {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid pairing code"})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id is required"})
		return
	}

	token := h.IssueToken(req.DeviceID)
	h.logger.Debug("paired device", logging.KeyDeviceID, req.DeviceID)
	writeJSON(w, http.StatusOK, map[string]string{"device_id": req.DeviceID, "token": token})
}

func (h *Host) handleRefresh(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	token, device, err := h.authenticate(r, body)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	fresh := randomToken()
	h.mu.Lock()
	delete(h.tokens, token)
	h.tokens[fresh] = device
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"token": fresh, "expires_in": 900})
}

func (h *Host) handleAPI(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if _, _, err := h.authenticate(r, body); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	reply := h.routes.serve(Request{
		Method: r.Method,
		Path:   strings.TrimPrefix(r.URL.Path, transport.DirectAPIPrefix),
		Body:   json.RawMessage(body),
	})

	if reply.Stream != nil {
		writeSSE(w, reply)
		return
	}
	if reply.Error != "" {
		writeJSON(w, reply.Status, map[string]string{"error": reply.Error})
		return
	}
	writeJSON(w, reply.Status, reply.Body)
}

// authenticate checks the bearer token, timestamp, nonce and signature of
// a signed request. It returns the token and its device id.
func (h *Host) authenticate(r *http.Request, body []byte) (string, string, error) {
	token, ok := strings.CutPrefix(r.Header.Get(signing.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		return "", "", fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}

	h.mu.Lock()
	device, known := h.tokens[token]
	h.mu.Unlock()
	if !known {
		return "", "", fmt.Errorf("%w: unknown token", errUnauthorized)
	}

	ts := r.Header.Get(signing.HeaderTimestamp)
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad timestamp", errUnauthorized)
	}
	if skew := time.Since(time.UnixMilli(ms)); skew > MaxClockSkew || skew < -MaxClockSkew {
		return "", "", fmt.Errorf("%w: stale timestamp", errUnauthorized)
	}

	nonce := r.Header.Get(signing.HeaderNonce)
	h.mu.Lock()
	_, seen := h.nonces[nonce]
	h.nonces[nonce] = struct{}{}
	h.mu.Unlock()
	if nonce == "" || seen {
		return "", "", fmt.Errorf("%w: nonce reused", errUnauthorized)
	}

	url := "http://" + r.Host + r.URL.RequestURI()
	sig := r.Header.Get(signing.HeaderSignature)
	if !signing.Verify(h.scheme, sig, r.Method, url, ts, nonce, body, token) {
		return "", "", fmt.Errorf("%w: bad signature", errUnauthorized)
	}
	return token, device, nil
}

func (h *Host) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, transport.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := context.Background()
	token, err := h.authenticateSocket(ctx, conn)
	if err != nil {
		h.logger.Debug("realtime authentication failed", logging.KeyError, err)
		return
	}

	h.mu.Lock()
	h.sockets[conn] = token
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sockets, conn)
		h.mu.Unlock()
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := protocol.DecodeDirect(data)
		if err != nil {
			continue
		}
		switch f := f.(type) {
		case *protocol.Ping:
			pong, _ := protocol.EncodeDirect(&protocol.Pong{})
			conn.Write(ctx, pong)
		case *protocol.Event:
			h.mu.Lock()
			h.received = append(h.received, f)
			h.mu.Unlock()
		case *protocol.Pong, *protocol.Authenticate, *protocol.AuthResult:
		}
	}
}

func (h *Host) authenticateSocket(ctx context.Context, conn *transport.WebSocketConn) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := conn.Read(rctx)
	if err != nil {
		return "", err
	}
	f, err := protocol.DecodeDirect(data)
	if err != nil {
		return "", err
	}
	auth, ok := f.(*protocol.Authenticate)
	if !ok {
		reject(ctx, conn, "authenticate first")
		return "", fmt.Errorf("%w: first frame %s", errUnauthorized, f.Type())
	}

	h.mu.Lock()
	_, known := h.tokens[auth.Token]
	h.mu.Unlock()
	if !known {
		reject(ctx, conn, "invalid token")
		return "", fmt.Errorf("%w: unknown token", errUnauthorized)
	}

	ack, _ := protocol.EncodeDirect(&protocol.AuthResult{OK: true})
	if err := conn.Write(ctx, ack); err != nil {
		return "", err
	}
	return auth.Token, nil
}

func reject(ctx context.Context, conn *transport.WebSocketConn, reason string) {
	frame, _ := protocol.EncodeDirect(&protocol.AuthResult{Error: reason})
	conn.Write(ctx, frame)
	conn.CloseWithReason(reason)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeSSE(w http.ResponseWriter, reply Reply) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, item := range reply.Stream {
		data, _ := json.Marshal(item)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if reply.Error != "" {
		data, _ := json.Marshal(map[string]string{"error": reply.Error})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func randomToken() string {
	var b [24]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
