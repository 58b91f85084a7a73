// Package protocol defines the pairlink wire messages.
//
// There are three closed families, all JSON objects discriminated by a
// "type" field:
//
//	relay frames     client <-> relay socket   (RelayFrame)
//	payloads         inside decrypted envelopes (Payload)
//	direct frames    direct realtime socket     (DirectFrame)
//
// Decode functions return one of the concrete pointer types of the family;
// consumers switch over them exhaustively.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type strings
const (
	// Relay frames
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake_ack"
	TypeMessage      = "message"
	TypePeerStatus   = "peer_status"
	TypePing         = "ping"
	TypePong         = "pong"

	// Envelope payloads
	TypeHTTPRequest     = "http_request"
	TypeHTTPResponse    = "http_response"
	TypeHTTPStreamChunk = "http_stream_chunk"

	// Direct realtime frames
	TypeAuthenticate = "authenticate"
	TypeAuthOK       = "auth_ok"
	TypeAuthError    = "auth_error"
)

var (
	// ErrMalformed is returned when a message is not a JSON object or a
	// field has the wrong shape.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownType is returned when a relay or direct frame carries a
	// type outside its family.
	ErrUnknownType = errors.New("unknown message type")
)

// MalformedError is a malformed http_response or http_stream_chunk whose
// request id could still be read, so the failure belongs to that request.
// It matches ErrMalformed through errors.Is.
type MalformedError struct {
	RequestID string
	Type      string
	Err       error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s for request %s: %v", e.Type, e.RequestID, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// typeOf reads only the "type" field of a JSON object.
func typeOf(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return head.Type, nil
}

// decodeInto unmarshals data into v, wrapping failures as ErrMalformed.
func decodeInto[T any](data []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// Ping is a keepalive probe on either socket.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

func (Ping) MarshalJSON() ([]byte, error) { return []byte(`{"type":"ping"}`), nil }
func (Pong) MarshalJSON() ([]byte, error) { return []byte(`{"type":"pong"}`), nil }

func (*Ping) relayFrame()  {}
func (*Pong) relayFrame()  {}
func (*Ping) directFrame() {}
func (*Pong) directFrame() {}

func (*Ping) Type() string { return TypePing }
func (*Pong) Type() string { return TypePong }
