// Package transport defines the capability set every MCP transport
// implements, plus the shared connection-level failure taxonomy. Three
// concrete variants (HTTP, WebSocket, stdio) live in sibling packages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zmcp/mcprt/internal/protocol"
)

// Transport moves framed Messages to/from one peer. Connection-level
// errors (IoError, ConnectError, ProtocolError, Timeout, Closed) are
// distinct from protocol-level errors carried inside a Message.
type Transport interface {
	// Connect establishes the transport (dial, spawn, or validate
	// reachability, depending on the concrete kind).
	Connect(ctx context.Context) error

	// Send writes one Message. For HTTP this is the POST body; for
	// WebSocket a text frame; for stdio one newline-terminated line.
	Send(ctx context.Context, msg *protocol.Message) error

	// Receive reads and returns the next Message. For HTTP this is the
	// paired response to the most recent Send; for WebSocket and stdio
	// it may be any inbound message, correlated by the caller.
	Receive(ctx context.Context) (*protocol.Message, error)

	// IsConnected reports the last-known liveness state.
	IsConnected() bool

	// Close releases transport resources. Idempotent.
	Close() error
}

// Kind enumerates the closed set of transport variants the pool reasons
// about. Prefer this closed enumeration at the pool layer and the open
// Transport interface at the boundary (spec.md §9 design notes).
type Kind int

const (
	KindHTTP Kind = iota
	KindWebSocket
	KindStdio
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindWebSocket:
		return "websocket"
	case KindStdio:
		return "stdio"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a TransportError.
type ErrorKind int

const (
	ErrIO ErrorKind = iota
	ErrConnect
	ErrProtocol
	ErrTimeout
	ErrClosed
)

// TransportError is the connection-level error every transport returns
// instead of a raw I/O error, so the client and pool can branch on kind
// without depending on any one transport's internals.
type TransportError struct {
	Kind     ErrorKind
	Op       string
	Expected string // populated for ErrProtocol
	Received string // populated for ErrProtocol
	Deadline time.Time
	Err      error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case ErrProtocol:
		return fmt.Sprintf("transport: protocol error during %s: expected %s, got %s", e.Op, e.Expected, e.Received)
	case ErrTimeout:
		return fmt.Sprintf("transport: timeout during %s (deadline %s)", e.Op, e.Deadline.Format(time.RFC3339))
	case ErrClosed:
		return fmt.Sprintf("transport: closed during %s", e.Op)
	case ErrConnect:
		return fmt.Sprintf("transport: connect failed: %v", e.Err)
	default:
		return fmt.Sprintf("transport: io error during %s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewIOError(op string, err error) error {
	return &TransportError{Kind: ErrIO, Op: op, Err: err}
}

func NewConnectError(err error) error {
	return &TransportError{Kind: ErrConnect, Op: "connect", Err: err}
}

func NewProtocolError(op, expected, received string) error {
	return &TransportError{Kind: ErrProtocol, Op: op, Expected: expected, Received: received}
}

func NewTimeoutError(op string, deadline time.Time) error {
	return &TransportError{Kind: ErrTimeout, Op: op, Deadline: deadline}
}

func NewClosedError(op string) error {
	return &TransportError{Kind: ErrClosed, Op: op}
}

// IsClosed reports whether err is (or wraps) a Closed transport error.
func IsClosed(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == ErrClosed
}
