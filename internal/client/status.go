package client

import (
	"time"

	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/signing"
)

// Status is a snapshot of the client.
type Status struct {
	DeviceID string
	Mode     link.ModeKind
	Paired   bool

	State          link.State
	Err            error
	Problem        Problem
	Failures       int
	Terminal       bool
	ConnectedSince time.Time

	PendingCalls   int
	PendingStreams int
	Subscribers    int

	// Session is set when a direct credential is stored.
	Session *SessionStatus

	// Relay is set when a relay identity is stored.
	Relay *RelayStatus
}

// SessionStatus describes the direct-mode credential.
type SessionStatus struct {
	Endpoint     signing.Endpoint
	PairedAt     time.Time
	ExpiresAt    time.Time
	Valid        bool
	NeedsRefresh bool
}

// RelayStatus describes the relay identity and the peer's presence.
type RelayStatus struct {
	RelayURL         string
	PeerID           string
	PeerFingerprint  string
	LocalFingerprint string

	// PeerKnown is false until the relay reported the peer's presence.
	PeerKnown    bool
	PeerOnline   bool
	PendingCount int
}

// Status returns a snapshot of the client.
func (c *Client) Status() Status {
	c.mu.Lock()
	mode, conn := c.mode, c.conn
	c.mu.Unlock()

	st := Status{
		DeviceID: c.deviceID.String(),
		Mode:     mode,
		State:    link.StateDisconnected,
	}
	st.PendingCalls, st.PendingStreams = c.correlator.Pending()
	st.Subscribers = c.updates.Len()

	if cred, ok := c.sessions.Current(); ok {
		policy := c.sessions.Policy()
		v := c.sessions.Check()
		st.Session = &SessionStatus{
			Endpoint:     cred.Endpoint,
			PairedAt:     cred.PairedAt,
			ExpiresAt:    policy.ExpiresAt(cred.PairedAt),
			Valid:        v.Valid,
			NeedsRefresh: v.NeedsRefresh,
		}
	}
	if r, err := identity.LoadRelay(c.kv); err == nil {
		st.Relay = &RelayStatus{
			RelayURL:         r.RelayURL,
			PeerID:           r.PeerID,
			PeerFingerprint:  r.PeerFingerprint(),
			LocalFingerprint: r.LocalFingerprint(),
		}
	}

	switch mode {
	case link.ModeDirect:
		st.Paired = st.Session != nil && st.Session.Valid
	case link.ModeRelay:
		st.Paired = st.Relay != nil
	}

	if conn != nil {
		cs := conn.Status()
		st.State = cs.State
		st.Err = cs.Err
		st.Failures = cs.Failures
		st.Terminal = cs.Terminal
		st.ConnectedSince = cs.ConnectedSince

		if ps, ok := conn.PeerStatus(); ok && st.Relay != nil {
			st.Relay.PeerKnown = true
			st.Relay.PeerOnline = ps.Online
			st.Relay.PendingCount = ps.PendingCount
		}
	}

	st.Problem = Classify(st.Err)
	if !st.Paired {
		st.Problem = ProblemReconnectRequired
	}
	return st
}
