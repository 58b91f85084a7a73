package client

import (
	"errors"

	"github.com/postalsys/pairlink/internal/crypto"
	"github.com/postalsys/pairlink/internal/direct"
	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/rpc"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
)

// Problem is the user-facing class of a failure.
type Problem int

const (
	// ProblemNone means there is nothing to report.
	ProblemNone Problem = iota

	// ProblemReconnectRequired means the credential is gone, expired or
	// refused. The user must pair again.
	ProblemReconnectRequired

	// ProblemCheckNetwork means the host or relay could not be reached.
	ProblemCheckNetwork

	// ProblemInvalidRequest means the request was refused before any
	// network I/O.
	ProblemInvalidRequest

	// ProblemRemote means the host answered with an error.
	ProblemRemote
)

// String returns the short label shown to the user.
func (p Problem) String() string {
	switch p {
	case ProblemNone:
		return ""
	case ProblemReconnectRequired:
		return "reconnect"
	case ProblemCheckNetwork:
		return "check network"
	case ProblemInvalidRequest:
		return "invalid request"
	case ProblemRemote:
		return "remote error"
	default:
		return "unknown"
	}
}

// Classify maps an error from any pairlink operation to a Problem.
func Classify(err error) Problem {
	var remote *rpc.RemoteError
	switch {
	case err == nil:
		return ProblemNone
	case errors.Is(err, ErrNotPaired),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrNoCredential),
		errors.Is(err, link.ErrAuthRejected),
		errors.Is(err, direct.ErrUnauthorized),
		errors.Is(err, identity.ErrNoRelayIdentity),
		errors.Is(err, identity.ErrInvalidRelayIdentity),
		errors.Is(err, crypto.ErrDecryptionFailed):
		return ProblemReconnectRequired
	case errors.Is(err, signing.ErrEndpointNotAllowed),
		errors.Is(err, signing.ErrInvalidInput),
		errors.Is(err, link.ErrUnsupportedPayload),
		errors.Is(err, protocol.ErrMalformed):
		return ProblemInvalidRequest
	case errors.As(err, &remote):
		return ProblemRemote
	default:
		return ProblemCheckNetwork
	}
}
