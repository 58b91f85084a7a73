package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/transport"
)

// ErrUnsupportedPayload is returned when a payload cannot travel over the
// direct realtime socket. Direct calls use signed HTTP instead.
var ErrUnsupportedPayload = errors.New("payload not supported in direct mode")

// Credentials is the part of the session manager direct mode uses.
type Credentials interface {
	Acquire(ctx context.Context) (session.Credential, error)
	Current() (session.Credential, bool)
}

// Prober checks that the host answers on an endpoint before the socket is
// opened.
type Prober interface {
	Probe(ctx context.Context, ep signing.Endpoint) error
}

// DirectConfig configures direct mode.
type DirectConfig struct {
	Credentials Credentials

	// Prober may be nil to skip the reachability check.
	Prober Prober

	Logger *slog.Logger
}

// DirectMode connects to the host's realtime socket on the local network.
// Only events travel over it.
type DirectMode struct {
	creds  Credentials
	prober Prober
	logger *slog.Logger
}

// NewDirectMode creates direct mode.
func NewDirectMode(cfg DirectConfig) (*DirectMode, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	return &DirectMode{
		creds:  cfg.Credentials,
		prober: cfg.Prober,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "direct"),
	}, nil
}

// Kind returns ModeDirect.
func (m *DirectMode) Kind() ModeKind { return ModeDirect }

// Prepare validates the credential and endpoint and probes the host.
func (m *DirectMode) Prepare(ctx context.Context) (string, error) {
	cred, err := m.creds.Acquire(ctx)
	if err != nil {
		return "", err
	}

	ep := cred.Endpoint
	if err := ep.Validate(); err != nil {
		return "", err
	}
	if m.prober != nil {
		if err := m.prober.Probe(ctx, ep); err != nil {
			return "", fmt.Errorf("probe %s: %w", ep, err)
		}
	}
	return transport.DirectSocketURL(ep)
}

// Handshake sends the token as the first message and waits for auth_ok.
func (m *DirectMode) Handshake(ctx context.Context, sock transport.Socket) error {
	cred, ok := m.creds.Current()
	if !ok {
		return session.ErrNoCredential
	}

	frame, err := protocol.EncodeDirect(&protocol.Authenticate{Token: cred.Token})
	if err != nil {
		return err
	}
	if err := sock.Write(ctx, frame); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	for {
		data, err := sock.Read(ctx)
		if err != nil {
			return fmt.Errorf("read auth result: %w", err)
		}
		f, err := protocol.DecodeDirect(data)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}

		switch f := f.(type) {
		case *protocol.AuthResult:
			if f.OK {
				m.logger.Debug("direct socket authenticated", logging.KeyDeviceID, cred.DeviceID)
				return nil
			}
			reason := f.Error
			if reason == "" {
				reason = "token refused"
			}
			return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
		case *protocol.Ping, *protocol.Pong:
		case *protocol.Authenticate, *protocol.Event:
			return fmt.Errorf("%w: %s before auth result", protocol.ErrMalformed, f.Type())
		}
	}
}

// Seal encodes an event. Requests are rejected; they go over HTTP.
func (m *DirectMode) Seal(p protocol.Payload) ([]byte, error) {
	ev, ok := p.(*protocol.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, p.Type())
	}
	return protocol.EncodePayload(ev)
}

// Open handles one direct realtime frame.
func (m *DirectMode) Open(frame []byte) (Inbound, error) {
	f, err := protocol.DecodeDirect(frame)
	if err != nil {
		return Inbound{}, err
	}

	switch f := f.(type) {
	case *protocol.Event:
		return Inbound{Payload: f}, nil
	case *protocol.Ping:
		reply, err := protocol.EncodeDirect(&protocol.Pong{})
		return Inbound{Reply: reply}, err
	case *protocol.Pong:
		return Inbound{}, nil
	case *protocol.AuthResult:
		if !f.OK {
			return Inbound{}, fmt.Errorf("%w: %s", ErrAuthRejected, f.Error)
		}
		return Inbound{}, nil
	case *protocol.Authenticate:
		return Inbound{}, fmt.Errorf("%w: unexpected authenticate from host", protocol.ErrMalformed)
	default:
		return Inbound{}, fmt.Errorf("%w: %s", protocol.ErrUnknownType, f.Type())
	}
}

// Ping returns a direct ping frame.
func (m *DirectMode) Ping() ([]byte, error) {
	return protocol.EncodeDirect(&protocol.Ping{})
}

// Check refreshes a refresh-due credential and reports expiry.
func (m *DirectMode) Check(ctx context.Context) error {
	_, err := m.creds.Acquire(ctx)
	return err
}
