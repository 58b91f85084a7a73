package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/postalsys/pairlink/internal/crypto"
	"github.com/postalsys/pairlink/internal/direct"
	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/store"
)

// ModeKey is the store key holding the selected transport mode.
const ModeKey = "pairlink.mode"

// PairDirect exchanges a pairing code shown by the host at ep for a
// credential, stores it and selects direct mode.
func (c *Client) PairDirect(ctx context.Context, ep signing.Endpoint, code string) (session.Credential, error) {
	cred, err := c.direct.Pair(ctx, ep, direct.PairRequest{
		Code:       code,
		DeviceID:   c.deviceID.String(),
		DeviceName: c.cfg.Device.Name,
	})
	if err != nil {
		return session.Credential{}, err
	}
	if err := c.sessions.Set(cred); err != nil {
		return session.Credential{}, err
	}
	if err := c.SwitchMode(link.ModeDirect); err != nil {
		return session.Credential{}, err
	}
	return cred, nil
}

// PairRelay stores a relay identity built from an out-of-band pairing
// payload and selects relay mode. The local key pair of a stored identity
// is kept; one is generated only when none exists.
func (c *Client) PairRelay(p *identity.PairingPayload) (*identity.Relay, error) {
	var kp *crypto.Keypair
	prev, err := identity.LoadRelay(c.kv)
	switch {
	case err == nil:
		kp = &crypto.Keypair{Private: prev.PrivateKey, Public: prev.PublicKey}
	case !errors.Is(err, identity.ErrNoRelayIdentity):
		c.logger.Warn("stored relay identity unreadable, generating a new key pair", logging.KeyError, err)
	}

	r, err := identity.NewRelay(p, c.deviceID.String(), kp)
	if err != nil {
		return nil, err
	}
	if err := identity.SaveRelay(c.kv, r); err != nil {
		return nil, err
	}

	c.logger.Info("paired through relay",
		logging.KeyPeerID, r.PeerID,
		logging.KeyURL, r.RelayURL)

	if err := c.SwitchMode(link.ModeRelay); err != nil {
		return nil, err
	}
	return r, nil
}

// SwitchMode selects the transport. The live connection is torn down,
// rejecting its pending calls, and a new one is built for kind.
func (c *Client) SwitchMode(kind link.ModeKind) error {
	if err := c.checkPaired(kind); err != nil {
		return err
	}
	if err := c.kv.Set(ModeKey, []byte(kind)); err != nil {
		return fmt.Errorf("store mode: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.conn
	conn, err := c.newConnection(kind)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	c.mode = kind
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.logger.Info("transport mode selected", logging.KeyMode, string(kind))
	return nil
}

// Unpair closes the connection and forgets every credential.
func (c *Client) Unpair() error {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.mode = ""
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	var errs []error
	errs = append(errs, c.sessions.Clear(), identity.ClearRelay(c.kv))
	if err := c.kv.Delete(ModeKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// checkPaired reports whether a credential for kind is stored.
func (c *Client) checkPaired(kind link.ModeKind) error {
	switch kind {
	case link.ModeDirect:
		if _, ok := c.sessions.Current(); !ok {
			return fmt.Errorf("%w: no direct credential", ErrNotPaired)
		}
		return nil
	case link.ModeRelay:
		if _, err := identity.LoadRelay(c.kv); err != nil {
			return fmt.Errorf("%w: %v", ErrNotPaired, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown mode %q", kind)
	}
}

// restoreMode returns the stored mode, or infers it from the stored
// credentials when none was selected.
func (c *Client) restoreMode() (link.ModeKind, error) {
	data, err := c.kv.Get(ModeKey)
	switch {
	case err == nil:
		kind := link.ModeKind(data)
		if kind == link.ModeDirect || kind == link.ModeRelay {
			return kind, nil
		}
		c.logger.Warn("ignoring unknown stored mode", logging.KeyMode, string(data))
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("read mode: %w", err)
	}

	if c.checkPaired(link.ModeRelay) == nil {
		return link.ModeRelay, nil
	}
	if c.checkPaired(link.ModeDirect) == nil {
		return link.ModeDirect, nil
	}
	return "", nil
}
