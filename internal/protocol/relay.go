package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/postalsys/pairlink/internal/crypto"
)

// RelayFrame is a message on the client <-> relay socket. Implementations:
// *Handshake, *HandshakeAck, *RelayMessage, *PeerStatus, *Ping, *Pong.
type RelayFrame interface {
	Type() string
	relayFrame()
}

// Handshake identifies this device to the relay. It is the first frame sent
// on a relay socket.
type Handshake struct {
	DeviceID  string `json:"device_id"`
	PeerID    string `json:"peer_id"`
	Token     string `json:"token"`
	PublicKey string `json:"public_key"`
}

// HandshakeAck is the relay's answer to Handshake.
type HandshakeAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RelayMessage carries one envelope. SenderID and Timestamp are set by the
// relay on delivery and left empty when sending.
type RelayMessage struct {
	Envelope  *crypto.Envelope `json:"envelope"`
	SenderID  string           `json:"sender_id,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
}

// PeerStatus reports whether the paired peer is connected to the relay and
// how many messages the relay is holding for it.
type PeerStatus struct {
	Online       bool `json:"online"`
	PendingCount int  `json:"pending_count"`
}

func (*Handshake) relayFrame()    {}
func (*HandshakeAck) relayFrame() {}
func (*RelayMessage) relayFrame() {}
func (*PeerStatus) relayFrame()   {}

func (*Handshake) Type() string    { return TypeHandshake }
func (*HandshakeAck) Type() string { return TypeHandshakeAck }
func (*RelayMessage) Type() string { return TypeMessage }
func (*PeerStatus) Type() string   { return TypePeerStatus }

func (h Handshake) MarshalJSON() ([]byte, error) {
	type alias Handshake
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHandshake, alias(h)})
}

func (a HandshakeAck) MarshalJSON() ([]byte, error) {
	type alias HandshakeAck
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHandshakeAck, alias(a)})
}

func (m RelayMessage) MarshalJSON() ([]byte, error) {
	type alias RelayMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeMessage, alias(m)})
}

func (s PeerStatus) MarshalJSON() ([]byte, error) {
	type alias PeerStatus
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypePeerStatus, alias(s)})
}

// EncodeRelay serializes a relay frame.
func EncodeRelay(f RelayFrame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeRelay parses a relay frame.
func DecodeRelay(data []byte) (RelayFrame, error) {
	typ, err := typeOf(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeHandshake:
		return decodeRelay[Handshake](data)
	case TypeHandshakeAck:
		return decodeRelay[HandshakeAck](data)
	case TypeMessage:
		m, err := decodeInto[RelayMessage](data)
		if err != nil {
			return nil, err
		}
		if m.Envelope == nil {
			return nil, fmt.Errorf("%w: message without envelope", ErrMalformed)
		}
		return m, nil
	case TypePeerStatus:
		return decodeRelay[PeerStatus](data)
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: relay frame %q", ErrUnknownType, typ)
	}
}

func decodeRelay[T any, PT interface {
	*T
	RelayFrame
}](data []byte) (RelayFrame, error) {
	v, err := decodeInto[T](data)
	if err != nil {
		return nil, err
	}
	return PT(v), nil
}
