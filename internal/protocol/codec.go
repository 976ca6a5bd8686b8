package protocol

import "encoding/json"

// Codec serializes and parses Messages. Framing (newline, HTTP body, WS
// text frame) is the transport's job, not the codec's.
type Codec struct{}

func NewCodec() *Codec { return &Codec{} }

// Encode serializes a Message to a UTF-8 JSON object.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	return json.Marshal(msg)
}

// Decode parses a byte slice as a Message. Malformed JSON surfaces as a
// ParseError; a non-2.0 envelope surfaces as InvalidRequest.
func (c *Codec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewParseError(err.Error())
	}
	if msg.JSONRPC != "" && msg.JSONRPC != JSONRPCVersion {
		return nil, NewInvalidRequest("unsupported jsonrpc version: " + msg.JSONRPC)
	}
	if msg.Method == "" && msg.ID == nil && msg.Result == nil && msg.Error == nil {
		return nil, NewInvalidRequest("message shape not recognized")
	}
	return &msg, nil
}
