// Package jsonrpc implements the JSON-RPC 2.0 message shape and a
// bidirectional multiplexer used to speak it over an arbitrary transport.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version every message advertises.
const Version = "2.0"

// ID is a JSON-RPC request id. It round-trips either a string or a
// number without losing the caller's original representation, and
// treats two ids as equal by their raw encoded form.
type ID struct {
	raw json.RawMessage
}

// NewIntID builds an ID from an integer, the shape the multiplexer uses
// for ids it assigns to outbound (reverse) calls.
func NewIntID(n int64) ID {
	b, _ := json.Marshal(n)
	return ID{raw: b}
}

// NewStringID builds an ID from a string.
func NewStringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IsZero reports whether the ID was never set (absent from the wire).
func (id ID) IsZero() bool { return len(id.raw) == 0 }

// String renders the ID for logging/map-keying purposes.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.raw)
}

// Equal compares two ids by their raw JSON encoding.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id.raw, other.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		id.raw = nil
		return nil
	}
	id.raw = append([]byte(nil), b...)
	return nil
}

// Message is the wire shape shared by requests, notifications, responses
// and errors. Exactly one of (Method) or (Result, Error) is meaningful
// for any given message: Method set means this is a request/notification;
// Method unset means this is a response to a call the reader made.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether this message is an inbound/outbound call
// expecting a response.
func (m Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether this message is a one-way call.
func (m Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether this message carries a result or error for
// a previously issued call.
func (m Message) IsResponse() bool { return m.Method == "" && m.ID != nil }

// NewRequest builds a request message, marshaling params.
func NewRequest(id ID, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message (no id).
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResultResponse builds a successful response to id.
func NewResultResponse(id ID, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("marshal result: %w", err)
	}
	return Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response to id.
func NewErrorResponse(id ID, rpcErr *Error) Message {
	return Message{JSONRPC: Version, ID: &id, Error: rpcErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
