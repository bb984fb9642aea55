package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSON-RPC 2.0 specification types
// See: https://www.jsonrpc.org/specification

const Version = "2.0"

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

var (
	// ErrTransportClosed rejects calls that were in flight, or issued, while
	// the connection was down.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNoCandidate means attach mode found no reachable app-server.
	ErrNoCandidate = errors.New("no reachable app-server candidate")
)

// RequestID is a JSON-RPC id kept exactly as it appeared on the wire, so a
// reply to a server-initiated call echoes a string id as a string and a
// numeric id as a number.
type RequestID struct {
	raw string
}

// NumericID returns the id for a client-issued call.
func NumericID(n int64) RequestID {
	return RequestID{raw: strconv.FormatInt(n, 10)}
}

// StringID returns a string-typed id.
func StringID(s string) RequestID {
	b, _ := json.Marshal(s)
	return RequestID{raw: string(b)}
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

func (id *RequestID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("empty id")
	}
	switch b[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'n':
	default:
		return fmt.Errorf("invalid id %s", b)
	}
	id.raw = string(b)
	return nil
}

// Key is a map key that distinguishes 1 from "1".
func (id RequestID) Key() string { return id.raw }

func (id RequestID) String() string {
	var s string
	if err := json.Unmarshal([]byte(id.raw), &s); err == nil {
		return s
	}
	return id.raw
}

// IsZero reports whether the id is absent or null.
func (id RequestID) IsZero() bool { return id.raw == "" || id.raw == "null" }

// Message is any JSON-RPC frame: request, notification, or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports a call that expects a reply.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != nil && !m.ID.IsZero() }

// IsNotification reports a fire-and-forget message.
func (m *Message) IsNotification() bool { return m.Method != "" && (m.ID == nil || m.ID.IsZero()) }

// IsResponse reports a reply to one of our calls.
func (m *Message) IsResponse() bool { return m.Method == "" && m.ID != nil }

// Error is a JSON-RPC error object returned by the peer.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error, marshalling data when present.
func NewError(code int, message string, data interface{}) (*Error, error) {
	rpcErr := &Error{Code: code, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		rpcErr.Data = raw
	}
	return rpcErr, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}
