package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/postalsys/pairlink/internal/crypto"
	"github.com/postalsys/pairlink/internal/direct"
	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/rpc"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Problem
	}{
		{"nil", nil, ProblemNone},
		{"not paired", ErrNotPaired, ProblemReconnectRequired},
		{"expired", fmt.Errorf("acquire: %w", session.ErrSessionExpired), ProblemReconnectRequired},
		{"no credential", session.ErrNoCredential, ProblemReconnectRequired},
		{"auth rejected", fmt.Errorf("%w: invalid token", link.ErrAuthRejected), ProblemReconnectRequired},
		{"unauthorized", direct.ErrUnauthorized, ProblemReconnectRequired},
		{"no relay identity", identity.ErrNoRelayIdentity, ProblemReconnectRequired},
		{"bad key", crypto.ErrDecryptionFailed, ProblemReconnectRequired},
		{"endpoint", signing.ErrEndpointNotAllowed, ProblemInvalidRequest},
		{"unsupported", link.ErrUnsupportedPayload, ProblemInvalidRequest},
		{"remote", &rpc.RemoteError{RequestID: "1", Status: 500, Message: "boom"}, ProblemRemote},
		{"timeout", &rpc.TimeoutError{RequestID: "1", Kind: rpc.KindCall}, ProblemCheckNetwork},
		{"transport", fmt.Errorf("%w: reset", link.ErrTransportClosed), ProblemCheckNetwork},
		{"other", errors.New("dial tcp: refused"), ProblemCheckNetwork},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestProblem_String(t *testing.T) {
	tests := map[Problem]string{
		ProblemNone:              "",
		ProblemReconnectRequired: "reconnect",
		ProblemCheckNetwork:      "check network",
		ProblemInvalidRequest:    "invalid request",
		ProblemRemote:            "remote error",
		Problem(99):              "unknown",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Problem(%d).String() = %q, want %q", int(p), got, want)
		}
	}
}
