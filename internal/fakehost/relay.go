package fakehost

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"time"

	"github.com/postalsys/pairlink/internal/crypto"
	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/transport"
)

// RelayConfig configures a fake relay.
type RelayConfig struct {
	// Token is the relay token devices must present. Defaults to "relay-token".
	Token string

	// HostID is the peer id of the simulated host. Defaults to "host-1".
	HostID string

	Logger *slog.Logger
}

// Relay is a fake relay with the host attached behind it. It accepts device
// handshakes, answers tunneled requests through its route table and seals
// every answer with the host's key.
type Relay struct {
	server  *httptest.Server
	routes  *routes
	token   string
	hostID  string
	hostKey *crypto.Keypair
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[*transport.WebSocketConn]*relayPeer
	events   []*protocol.Event
	refuse   string
}

// relayPeer is one connected device.
type relayPeer struct {
	deviceID string
	key      crypto.SharedKey
	replay   *crypto.ReplayGuard
}

// NewRelay starts a fake relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Token == "" {
		cfg.Token = "relay-token"
	}
	if cfg.HostID == "" {
		cfg.HostID = "host-1"
	}
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}

	r := &Relay{
		routes:   newRoutes(),
		token:    cfg.Token,
		hostID:   cfg.HostID,
		hostKey:  kp,
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "fakerelay"),
		sessions: make(map[*transport.WebSocketConn]*relayPeer),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(transport.RelaySocketPath, r.handleSocket)
	r.server = httptest.NewServer(mux)
	return r, nil
}

// URL returns the relay base URL.
func (r *Relay) URL() string {
	return r.server.URL
}

// PairingPayload returns what the host would show to pair deviceID with it
// through this relay. An empty deviceID leaves the choice to the device.
func (r *Relay) PairingPayload(deviceID string) *identity.PairingPayload {
	return &identity.PairingPayload{
		RelayURL:      r.server.URL,
		PeerID:        r.hostID,
		PeerPublicKey: crypto.EncodeKey(r.hostKey.Public),
		Token:         r.token,
		LocalID:       deviceID,
	}
}

// HostFingerprint returns the fingerprint of the simulated host key.
func (r *Relay) HostFingerprint() string {
	return crypto.Fingerprint(r.hostKey.Public)
}

// Handle registers a handler for tunneled requests with method and path.
func (r *Relay) Handle(method, path string, h Handler) {
	r.routes.handle(method, path, h)
}

// Refuse makes the relay reject handshakes with reason. An empty reason
// accepts them again.
func (r *Relay) Refuse(reason string) {
	r.mu.Lock()
	r.refuse = reason
	r.mu.Unlock()
}

// Requests returns the tunneled requests the host has answered.
func (r *Relay) Requests() []Request {
	return r.routes.requests()
}

// Received returns the events devices sent to the host.
func (r *Relay) Received() []*protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Event(nil), r.events...)
}

// Sessions returns the number of devices past the handshake.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Push seals an event from the host to every connected device.
func (r *Relay) Push(kind string, fields any) error {
	ev, err := protocol.NewEvent(kind, fields)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for conn, peer := range r.snapshot() {
		if err := r.send(ctx, conn, peer, ev); err != nil {
			return err
		}
	}
	return nil
}

// SetPeerStatus broadcasts the host's presence to every connected device.
func (r *Relay) SetPeerStatus(online bool, pending int) error {
	frame, err := protocol.EncodeRelay(&protocol.PeerStatus{Online: online, PendingCount: pending})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for conn := range r.snapshot() {
		if err := conn.Write(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Drop closes every device socket without a reason, as a network failure
// would.
func (r *Relay) Drop() {
	for conn := range r.snapshot() {
		conn.Close()
	}
}

// Close shuts the relay down.
func (r *Relay) Close() {
	r.Drop()
	r.server.CloseClientConnections()
	r.server.Close()
}

func (r *Relay) snapshot() map[*transport.WebSocketConn]*relayPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[*transport.WebSocketConn]*relayPeer, len(r.sessions))
	for conn, peer := range r.sessions {
		out[conn] = peer
	}
	return out
}

func (r *Relay) handleSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := transport.Accept(w, req, transport.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := context.Background()
	peer, err := r.handshake(ctx, conn)
	if err != nil {
		r.logger.Debug("relay handshake failed", logging.KeyError, err)
		return
	}

	r.mu.Lock()
	r.sessions[conn] = peer
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, conn)
		r.mu.Unlock()
	}()

	online, _ := protocol.EncodeRelay(&protocol.PeerStatus{Online: true})
	if err := conn.Write(ctx, online); err != nil {
		return
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := protocol.DecodeRelay(data)
		if err != nil {
			continue
		}
		switch f := f.(type) {
		case *protocol.Ping:
			pong, _ := protocol.EncodeRelay(&protocol.Pong{})
			conn.Write(ctx, pong)
		case *protocol.RelayMessage:
			r.deliver(ctx, conn, peer, f.Envelope)
		case *protocol.Pong, *protocol.Handshake, *protocol.HandshakeAck, *protocol.PeerStatus:
		}
	}
}

func (r *Relay) handshake(ctx context.Context, conn *transport.WebSocketConn) (*relayPeer, error) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := conn.Read(rctx)
	if err != nil {
		return nil, err
	}
	f, err := protocol.DecodeRelay(data)
	if err != nil {
		return nil, err
	}
	hs, ok := f.(*protocol.Handshake)
	if !ok {
		r.refuseHandshake(ctx, conn, "handshake required")
		return nil, errUnauthorized
	}

	r.mu.Lock()
	refuse := r.refuse
	r.mu.Unlock()

	peerKey, keyErr := crypto.DecodeKey(hs.PublicKey)
	switch {
	case refuse != "":
	case hs.Token != r.token:
		refuse = "invalid token"
	case hs.PeerID != r.hostID:
		refuse = "unknown peer"
	case hs.DeviceID == "":
		refuse = "device_id is required"
	case keyErr != nil:
		refuse = "invalid public key"
	}
	if refuse != "" {
		r.refuseHandshake(ctx, conn, refuse)
		return nil, errUnauthorized
	}

	key, err := crypto.DeriveSharedKey(r.hostKey.Private, peerKey)
	if err != nil {
		r.refuseHandshake(ctx, conn, "invalid public key")
		return nil, err
	}

	ack, _ := protocol.EncodeRelay(&protocol.HandshakeAck{Success: true})
	if err := conn.Write(ctx, ack); err != nil {
		return nil, err
	}
	return &relayPeer{deviceID: hs.DeviceID, key: key, replay: crypto.NewReplayGuard(0)}, nil
}

func (r *Relay) refuseHandshake(ctx context.Context, conn *transport.WebSocketConn, reason string) {
	ack, _ := protocol.EncodeRelay(&protocol.HandshakeAck{Error: reason})
	conn.Write(ctx, ack)
	conn.CloseWithReason(reason)
}

// deliver opens an envelope addressed to the host and answers it.
func (r *Relay) deliver(ctx context.Context, conn *transport.WebSocketConn, peer *relayPeer, env *crypto.Envelope) {
	if env == nil || env.SenderID != peer.deviceID || env.RecipientID != r.hostID {
		return
	}
	plain, err := crypto.DecryptMessage(env, peer.key)
	if err != nil {
		r.logger.Debug("dropping undecryptable envelope", logging.KeyError, err)
		return
	}
	if err := peer.replay.Check(env); err != nil {
		return
	}
	p, err := protocol.DecodePayload(plain)
	if err != nil {
		return
	}

	switch p := p.(type) {
	case *protocol.HTTPRequest:
		go r.answer(ctx, conn, peer, p)
	case *protocol.Event:
		r.mu.Lock()
		r.events = append(r.events, p)
		r.mu.Unlock()
	case *protocol.HTTPResponse, *protocol.StreamChunk:
	}
}

func (r *Relay) answer(ctx context.Context, conn *transport.WebSocketConn, peer *relayPeer, req *protocol.HTTPRequest) {
	reply := r.routes.serve(Request{Method: req.Method, Path: req.Endpoint, Body: req.Body})

	if reply.Stream == nil {
		resp := &protocol.HTTPResponse{RequestID: req.RequestID, Status: reply.Status, Error: reply.Error}
		if reply.Error == "" && reply.Body != nil {
			resp.Body, _ = json.Marshal(reply.Body)
		}
		r.send(ctx, conn, peer, resp)
		return
	}

	chunks := make([]*protocol.StreamChunk, 0, len(reply.Stream)+1)
	for i, item := range reply.Stream {
		data, _ := json.Marshal(item)
		chunks = append(chunks, &protocol.StreamChunk{
			RequestID: req.RequestID,
			Sequence:  i,
			Chunks:    []json.RawMessage{data},
		})
	}
	switch {
	case reply.Error != "":
		chunks = append(chunks, &protocol.StreamChunk{
			RequestID: req.RequestID,
			Sequence:  len(chunks),
			IsFinal:   true,
			Error:     reply.Error,
		})
	case len(chunks) == 0:
		chunks = append(chunks, &protocol.StreamChunk{RequestID: req.RequestID, IsFinal: true})
	default:
		chunks[len(chunks)-1].IsFinal = true
	}
	if reply.Reverse {
		slices.Reverse(chunks)
	}
	for _, c := range chunks {
		if err := r.send(ctx, conn, peer, c); err != nil {
			return
		}
	}
}

func (r *Relay) send(ctx context.Context, conn *transport.WebSocketConn, peer *relayPeer, p protocol.Payload) error {
	data, err := protocol.EncodePayload(p)
	if err != nil {
		return err
	}
	env, err := crypto.EncryptMessage(data, peer.key, r.hostID, peer.deviceID)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeRelay(&protocol.RelayMessage{
		Envelope:  env,
		SenderID:  r.hostID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, frame)
}
