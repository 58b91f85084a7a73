package protocol

import (
	"encoding/json"
	"fmt"
)

// DirectFrame is a message on the direct realtime socket. Implementations:
// *Authenticate, *AuthResult, *Ping, *Pong, *Event.
type DirectFrame interface {
	Type() string
	directFrame()
}

// Authenticate is the first frame on the direct realtime socket. The token
// travels here rather than in the socket URL.
type Authenticate struct {
	Token string `json:"token"`
}

// AuthResult is the host's answer to Authenticate. It is sent as
// {"type":"auth_ok"} or {"type":"auth_error","error":"..."}.
type AuthResult struct {
	OK    bool
	Error string
}

func (*Authenticate) directFrame() {}
func (*AuthResult) directFrame()   {}
func (*Event) directFrame()        {}

func (*Authenticate) Type() string { return TypeAuthenticate }

func (r *AuthResult) Type() string {
	if r.OK {
		return TypeAuthOK
	}
	return TypeAuthError
}

func (a Authenticate) MarshalJSON() ([]byte, error) {
	type alias Authenticate
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeAuthenticate, alias(a)})
}

func (r AuthResult) MarshalJSON() ([]byte, error) {
	if r.OK {
		return []byte(`{"type":"auth_ok"}`), nil
	}
	return json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error,omitempty"`
	}{TypeAuthError, r.Error})
}

// EncodeDirect serializes a direct realtime frame.
func EncodeDirect(f DirectFrame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeDirect parses a direct realtime frame. Types other than the
// authentication and keepalive frames decode as *Event.
func DecodeDirect(data []byte) (DirectFrame, error) {
	if !isObject(data) {
		return nil, fmt.Errorf("%w: frame is not a JSON object", ErrMalformed)
	}
	typ, err := typeOf(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeAuthenticate:
		a, err := decodeInto[Authenticate](data)
		if err != nil {
			return nil, err
		}
		return a, nil
	case TypeAuthOK:
		return &AuthResult{OK: true}, nil
	case TypeAuthError:
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &AuthResult{Error: body.Error}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case "":
		return nil, fmt.Errorf("%w: frame without type", ErrUnknownType)
	default:
		return &Event{Kind: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
