package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/postalsys/pairlink/internal/crypto"
	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/transport"
)

// ErrUnexpectedSender is returned for envelopes not addressed from the
// paired peer to this device.
var ErrUnexpectedSender = errors.New("envelope from unexpected sender")

// RelayConfig configures relay mode.
type RelayConfig struct {
	// Identity returns the relay identity. It is called at the start of
	// every session, so re-pairing takes effect on the next connect.
	Identity func() (*identity.Relay, error)

	// ReplayWindow is the number of envelope nonces remembered.
	ReplayWindow int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// relaySession is the identity and derived key of one socket session.
type relaySession struct {
	id  *identity.Relay
	key crypto.SharedKey
}

// RelayMode connects through the relay and end-to-end encrypts every
// payload for the paired peer.
type RelayMode struct {
	identity func() (*identity.Relay, error)
	logger   *slog.Logger
	metrics  *metrics.Metrics
	replay   *crypto.ReplayGuard

	session atomic.Pointer[relaySession]
	peer    atomic.Pointer[protocol.PeerStatus]
}

// NewRelayMode creates relay mode.
func NewRelayMode(cfg RelayConfig) (*RelayMode, error) {
	if cfg.Identity == nil {
		return nil, errors.New("relay identity source is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return &RelayMode{
		identity: cfg.Identity,
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "relay"),
		metrics:  cfg.Metrics,
		replay:   crypto.NewReplayGuard(cfg.ReplayWindow),
	}, nil
}

// Kind returns ModeRelay.
func (m *RelayMode) Kind() ModeKind { return ModeRelay }

// Prepare loads the identity and derives the session key. The replay
// window survives reconnects and is cleared only when the key changes.
func (m *RelayMode) Prepare(ctx context.Context) (string, error) {
	id, err := m.identity()
	if err != nil {
		return "", err
	}
	if err := id.Validate(); err != nil {
		return "", err
	}

	url, err := transport.RelaySocketURL(id.RelayURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrInvalidRelayIdentity, err)
	}

	key, err := id.SharedKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrInvalidRelayIdentity, err)
	}

	prev := m.session.Swap(&relaySession{id: id, key: key})
	if prev == nil || prev.key != key {
		m.replay.Reset()
	}
	m.peer.Store(nil)
	return url, nil
}

// Handshake sends the handshake frame and waits for the relay's ack.
// Nothing else may be sent before the ack arrives.
func (m *RelayMode) Handshake(ctx context.Context, sock transport.Socket) error {
	s := m.session.Load()
	if s == nil {
		return ErrNotConnected
	}

	frame, err := protocol.EncodeRelay(&protocol.Handshake{
		DeviceID:  s.id.LocalID,
		PeerID:    s.id.PeerID,
		Token:     s.id.Token,
		PublicKey: crypto.EncodeKey(s.id.PublicKey),
	})
	if err != nil {
		return err
	}
	if err := sock.Write(ctx, frame); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	for {
		data, err := sock.Read(ctx)
		if err != nil {
			return fmt.Errorf("read handshake ack: %w", err)
		}
		f, err := protocol.DecodeRelay(data)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}

		switch f := f.(type) {
		case *protocol.HandshakeAck:
			if f.Success {
				m.logger.Debug("relay handshake accepted",
					logging.KeyDeviceID, s.id.LocalID,
					logging.KeyPeerID, s.id.PeerID)
				return nil
			}
			reason := f.Error
			if reason == "" {
				reason = "handshake refused"
			}
			return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
		case *protocol.PeerStatus:
			m.peer.Store(f)
		case *protocol.Ping, *protocol.Pong:
		case *protocol.Handshake, *protocol.RelayMessage:
			return fmt.Errorf("%w: %s before handshake_ack", protocol.ErrMalformed, f.Type())
		}
	}
}

// Seal encrypts p for the peer. The session key is read at call time.
func (m *RelayMode) Seal(p protocol.Payload) ([]byte, error) {
	s := m.session.Load()
	if s == nil {
		return nil, ErrNotConnected
	}

	data, err := protocol.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	env, err := crypto.EncryptMessage(data, s.key, s.id.LocalID, s.id.PeerID)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordEnvelopeSealed()

	return protocol.EncodeRelay(&protocol.RelayMessage{Envelope: env})
}

// Open handles one relay frame.
func (m *RelayMode) Open(frame []byte) (Inbound, error) {
	f, err := protocol.DecodeRelay(frame)
	if err != nil {
		return Inbound{}, err
	}

	switch f := f.(type) {
	case *protocol.RelayMessage:
		return m.openMessage(f)
	case *protocol.PeerStatus:
		m.peer.Store(f)
		m.logger.Debug("peer status",
			"online", f.Online,
			logging.KeyCount, f.PendingCount)
		return Inbound{}, nil
	case *protocol.Ping:
		reply, err := protocol.EncodeRelay(&protocol.Pong{})
		return Inbound{Reply: reply}, err
	case *protocol.Pong:
		return Inbound{}, nil
	case *protocol.HandshakeAck:
		if !f.Success {
			return Inbound{}, fmt.Errorf("%w: %s", ErrAuthRejected, f.Error)
		}
		return Inbound{}, nil
	case *protocol.Handshake:
		return Inbound{}, fmt.Errorf("%w: unexpected handshake from relay", protocol.ErrMalformed)
	default:
		return Inbound{}, fmt.Errorf("%w: %s", protocol.ErrUnknownType, f.Type())
	}
}

func (m *RelayMode) openMessage(msg *protocol.RelayMessage) (Inbound, error) {
	s := m.session.Load()
	if s == nil {
		return Inbound{}, ErrNotConnected
	}

	env := msg.Envelope
	if env.SenderID != s.id.PeerID || env.RecipientID != s.id.LocalID ||
		(msg.SenderID != "" && msg.SenderID != env.SenderID) {
		m.metrics.RecordEnvelopeFailure("sender")
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnexpectedSender, env.SenderID)
	}

	plaintext, err := crypto.DecryptMessage(env, s.key)
	if err != nil {
		if errors.Is(err, crypto.ErrMalformedEnvelope) {
			m.metrics.RecordEnvelopeFailure("malformed")
		} else {
			m.metrics.RecordEnvelopeFailure("decrypt")
		}
		return Inbound{}, err
	}

	// Only authenticated envelopes reach the replay window.
	if err := m.replay.Check(env); err != nil {
		m.metrics.RecordEnvelopeFailure("replay")
		return Inbound{}, err
	}

	p, err := protocol.DecodePayload(plaintext)
	if err != nil {
		m.metrics.RecordEnvelopeFailure("payload")
		return Inbound{}, err
	}
	m.metrics.RecordEnvelopeOpened()
	return Inbound{Payload: p}, nil
}

// Ping returns a relay ping frame.
func (m *RelayMode) Ping() ([]byte, error) {
	return protocol.EncodeRelay(&protocol.Ping{})
}

// PeerStatus returns the last presence report for the peer.
func (m *RelayMode) PeerStatus() (protocol.PeerStatus, bool) {
	p := m.peer.Load()
	if p == nil {
		return protocol.PeerStatus{}, false
	}
	return *p, true
}
