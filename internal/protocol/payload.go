package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the plaintext inside an envelope. Implementations:
// *HTTPRequest, *HTTPResponse, *StreamChunk, *Event.
type Payload interface {
	Type() string
	payload()
}

// HTTPRequest is a tunneled API call from this device to the host.
type HTTPRequest struct {
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// HTTPResponse answers an HTTPRequest with the same RequestID.
type HTTPResponse struct {
	RequestID string          `json:"request_id"`
	Status    int             `json:"status"`
	Body      json.RawMessage `json:"body,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StreamChunk is one batch of a streamed response. Sequence numbers start at
// 0 and are contiguous per request. A chunk with Error set ends the stream
// with a failure.
type StreamChunk struct {
	RequestID string            `json:"request_id"`
	Sequence  int               `json:"sequence"`
	Chunks    []json.RawMessage `json:"chunks"`
	IsFinal   bool              `json:"is_final"`
	Error     string            `json:"error,omitempty"`
}

// Event is any other payload: an application notification pushed by the
// host. Kind is its "type" field, possibly empty. Raw is the complete
// message.
type Event struct {
	Kind string
	Raw  json.RawMessage
}

func (*HTTPRequest) payload()  {}
func (*HTTPResponse) payload() {}
func (*StreamChunk) payload()  {}
func (*Event) payload()        {}

func (*HTTPRequest) Type() string  { return TypeHTTPRequest }
func (*HTTPResponse) Type() string { return TypeHTTPResponse }
func (*StreamChunk) Type() string  { return TypeHTTPStreamChunk }
func (e *Event) Type() string      { return e.Kind }

func (r HTTPRequest) MarshalJSON() ([]byte, error) {
	type alias HTTPRequest
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHTTPRequest, alias(r)})
}

func (r HTTPResponse) MarshalJSON() ([]byte, error) {
	type alias HTTPResponse
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHTTPResponse, alias(r)})
}

func (c StreamChunk) MarshalJSON() ([]byte, error) {
	type alias StreamChunk
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHTTPStreamChunk, alias(c)})
}

// MarshalJSON returns the raw event unchanged.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Kind})
	}
	return e.Raw, nil
}

// NewEvent builds an event of the given kind from a struct or map. The
// "type" field is set to kind.
func NewEvent(kind string, fields any) (*Event, error) {
	var obj map[string]json.RawMessage
	if fields != nil {
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("%w: event fields must be an object", ErrMalformed)
		}
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	kindJSON, _ := json.Marshal(kind)
	obj["type"] = kindJSON

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &Event{Kind: kind, Raw: raw}, nil
}

// EncodePayload serializes a payload.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses a payload. Unrecognized types decode as *Event.
// A malformed response or stream chunk with a readable request id fails
// with *MalformedError.
func DecodePayload(data []byte) (Payload, error) {
	if !isObject(data) {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}
	typ, err := typeOf(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeHTTPRequest:
		return decodePayload[HTTPRequest](data)
	case TypeHTTPResponse:
		p, err := decodePayload[HTTPResponse](data)
		if err != nil {
			return nil, attribute(typ, data, err)
		}
		return p, nil
	case TypeHTTPStreamChunk:
		c, err := decodeInto[StreamChunk](data)
		if err != nil {
			return nil, attribute(typ, data, err)
		}
		if c.Sequence < 0 {
			return nil, attribute(typ, data, fmt.Errorf("%w: negative sequence %d", ErrMalformed, c.Sequence))
		}
		return c, nil
	default:
		return &Event{Kind: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// attribute ties a decode failure to its request when the request id is
// readable on its own.
func attribute(typ string, data []byte, err error) error {
	var head struct {
		RequestID string `json:"request_id"`
	}
	if json.Unmarshal(data, &head) != nil || head.RequestID == "" {
		return err
	}
	return &MalformedError{RequestID: head.RequestID, Type: typ, Err: err}
}

func decodePayload[T any, PT interface {
	*T
	Payload
}](data []byte) (Payload, error) {
	v, err := decodeInto[T](data)
	if err != nil {
		return nil, err
	}
	return PT(v), nil
}

func isObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{'
}
