// Package protocol implements the MCP wire envelope: request, response,
// error, and notification messages, plus the initialize/initialized
// handshake and the closed method namespace.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const JSONRPCVersion = "2.0"

// Closed method namespace. Anything else yields MethodNotFound.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodPing        = "ping"
)

// RequestID wraps the raw JSON id so both numeric and string ids compare
// and hash cleanly as map keys (the wire format allows either).
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID builds a RequestID from a monotonically increasing counter.
func NewRequestID(n int64) RequestID {
	return RequestID{raw: json.RawMessage(fmt.Sprintf("%d", n))}
}

func (id RequestID) String() string {
	return string(id.raw)
}

func (id RequestID) IsZero() bool {
	return len(id.raw) == 0
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	id.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// Message is the single wire envelope for all four variants described in
// the data model: Request{id,method,params}, Response{id,result},
// ErrorResponse{id,code,message,data}, Notification{method,params}. One
// struct carries all four shapes, mirroring the JSON-RPC 2.0 envelope
// used by both the teacher transport and bossman's mcp.Request/Response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether m carries a method and an id (expects a reply).
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether m carries a method but no id.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether m carries an id and no method; it does not
// check that a result or error is present.
func (m *Message) IsResponse() bool { return m.Method == "" && m.ID != nil }

// NewRequest builds a request message, marshaling params.
func NewRequest(id RequestID, method string, params interface{}) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = data
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message (no id, no reply expected).
func NewNotification(method string, params interface{}) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = data
	}
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing id.
func NewResponse(id RequestID, result interface{}) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Result: data}, nil
}

// NewErrorResponse builds an error response echoing id.
func NewErrorResponse(id RequestID, err *Error) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Error: err}
}
