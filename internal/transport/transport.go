// Package transport provides the message sockets used by pairlink: the relay
// socket and the direct realtime socket. Both carry one JSON document per
// websocket message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/postalsys/pairlink/internal/signing"
)

const (
	// RelaySocketPath is appended to the relay base URL.
	RelaySocketPath = "/ws"

	// DirectAPIPrefix prefixes every direct-mode HTTP path.
	DirectAPIPrefix = "/api/v1"

	// DirectSocketPath is the direct realtime socket path.
	DirectSocketPath = DirectAPIPrefix + "/ws"
)

// ErrSocketClosed is returned by Write after Close.
var ErrSocketClosed = errors.New("socket closed")

// Socket is a message-oriented connection.
type Socket interface {
	// Read blocks for the next message.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message. It is safe to call concurrently with Read
	// and with other Writes.
	Write(ctx context.Context, msg []byte) error

	// Close closes the socket with a normal closure.
	Close() error

	// CloseWithReason closes the socket with a policy status and reason,
	// used when the remote side broke the protocol.
	CloseWithReason(reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

// RelaySocketURL turns a relay base URL into its socket URL. http and https
// base URLs map to ws and wss.
func RelaySocketURL(relayURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay URL %q has no host", relayURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + RelaySocketPath
	return u.String(), nil
}

// DirectSocketURL returns the realtime socket URL of a direct endpoint.
// The endpoint is validated first.
func DirectSocketURL(ep signing.Endpoint) (string, error) {
	if err := ep.Validate(); err != nil {
		return "", err
	}
	return "ws://" + ep.String() + DirectSocketPath, nil
}

// DirectAPIURL returns the HTTP URL of path on a direct endpoint. The
// endpoint is validated first.
func DirectAPIURL(ep signing.Endpoint, path string) (string, error) {
	if err := ep.Validate(); err != nil {
		return "", err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + ep.String() + DirectAPIPrefix + path, nil
}
