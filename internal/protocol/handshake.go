package protocol

import "encoding/json"

// ProtocolVersion is the highest version this runtime speaks. Clients
// negotiate down to the peer's version if it advertises an older one it
// also recognizes; initialization fails if there is no common version.
const ProtocolVersion = "2025-03-26"

// SupportedVersions lists every protocol version this runtime can
// interoperate with, newest first.
var SupportedVersions = []string{ProtocolVersion, "2024-11-05"}

// InitializeParams is sent by the client as the initialize request params.
type InitializeParams struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion string `json:"protocol_version"`
}

// InitializeResult is returned by the server in response to initialize.
type InitializeResult struct {
	ServerName      string       `json:"server_name"`
	ServerVersion   string       `json:"server_version"`
	Capabilities    Capabilities `json:"capabilities"`
	ProtocolVersion string       `json:"protocol_version"`
}

type Capabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// ToolDefinition describes one tool a server exposes.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ListToolsResult wraps the tools/list result per the wire table in spec §6.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolCallParams is the tools/call request params.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult wraps the tools/call result.
type ToolCallResult struct {
	Content json.RawMessage `json:"content"`
}

// NegotiateVersion picks the highest version both sides support. Returns
// false if there is no overlap, in which case initialization must fail.
func NegotiateVersion(peerVersions []string) (string, bool) {
	for _, mine := range SupportedVersions {
		for _, theirs := range peerVersions {
			if mine == theirs {
				return mine, true
			}
		}
	}
	return "", false
}
