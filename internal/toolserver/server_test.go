package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zmcp/mcprt/internal/protocol"
)

var errBoom = errors.New("boom")

// pairedTransport is the same in-memory channel-pair double used across
// this runtime's protocol-level tests.
type pairedTransport struct {
	in  chan *protocol.Message
	out chan *protocol.Message

	mu        sync.Mutex
	connected bool
}

func newPair() (*pairedTransport, *pairedTransport) {
	a := make(chan *protocol.Message, 16)
	b := make(chan *protocol.Message, 16)
	return &pairedTransport{in: a, out: b}, &pairedTransport{in: b, out: a}
}

func (p *pairedTransport) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *pairedTransport) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pairedTransport) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pairedTransport) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *pairedTransport) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func TestServerRejectsToolsListBeforeInitialize(t *testing.T) {
	clientSide, serverSide := newPair()

	registry := NewRegistry()
	srv := New(Config{Name: "test", Version: "0.0.1", Transport: serverSide}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	id := protocol.NewRequestID(1)
	req, err := protocol.NewRequest(id, protocol.MethodListTools, nil)
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, req))

	resp := recvWithTimeout(t, clientSide)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeNotInitialized, resp.Error.Code)
}

func TestServerFullLifecycle(t *testing.T) {
	clientSide, serverSide := newPair()

	registry := NewRegistry()
	registry.Register(protocol.ToolDefinition{Name: "echo"}, func(ctx context.Context, args json.RawMessage) (*protocol.ToolCallResult, error) {
		return &protocol.ToolCallResult{Content: args}, nil
	})

	srv := New(Config{Name: "test", Version: "0.0.1", Transport: serverSide}, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	// initialize
	initReq, err := protocol.NewRequest(protocol.NewRequestID(1), protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: protocol.ProtocolVersion})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, initReq))
	initResp := recvWithTimeout(t, clientSide)
	require.Nil(t, initResp.Error)

	// notifications/initialized flips the server into Operating
	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, note))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateOperating, srv.State())

	// tools/list now succeeds
	listReq, err := protocol.NewRequest(protocol.NewRequestID(2), protocol.MethodListTools, nil)
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, listReq))
	listResp := recvWithTimeout(t, clientSide)
	require.Nil(t, listResp.Error)
	var listResult protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(listResp.Result, &listResult))
	require.Len(t, listResult.Tools, 1)

	// tools/call dispatches to the registered handler
	callReq, err := protocol.NewRequest(protocol.NewRequestID(3), protocol.MethodCallTool, protocol.ToolCallParams{Name: "echo", Arguments: json.RawMessage(`{"hi":1}`)})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, callReq))
	callResp := recvWithTimeout(t, clientSide)
	require.Nil(t, callResp.Error)
	var callResult protocol.ToolCallResult
	require.NoError(t, json.Unmarshal(callResp.Result, &callResult))
	require.JSONEq(t, `{"hi":1}`, string(callResult.Content))
}

func TestServerUnknownMethodIsMethodNotFound(t *testing.T) {
	clientSide, serverSide := newPair()
	registry := NewRegistry()
	srv := New(Config{Name: "test", Version: "0.0.1", Transport: serverSide}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	req, err := protocol.NewRequest(protocol.NewRequestID(1), "not/a/method", nil)
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, req))

	resp := recvWithTimeout(t, clientSide)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestNotificationsCancelledCancelsInflightCall(t *testing.T) {
	clientSide, serverSide := newPair()

	started := make(chan struct{})
	registry := NewRegistry()
	registry.Register(protocol.ToolDefinition{Name: "slow"}, func(ctx context.Context, args json.RawMessage) (*protocol.ToolCallResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	srv := New(Config{Name: "test", Version: "0.0.1", Transport: serverSide}, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	initReq, err := protocol.NewRequest(protocol.NewRequestID(1), protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: protocol.ProtocolVersion})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, initReq))
	recvWithTimeout(t, clientSide)

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, note))
	time.Sleep(20 * time.Millisecond)

	callID := protocol.NewRequestID(2)
	callReq, err := protocol.NewRequest(callID, protocol.MethodCallTool, protocol.ToolCallParams{Name: "slow"})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, callReq))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("tool handler never started")
	}

	cancelNote, err := protocol.NewNotification("notifications/cancelled", struct {
		RequestID string `json:"request_id"`
	}{RequestID: callID.String()})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, cancelNote))

	resp := recvWithTimeout(t, clientSide)
	// the handler's own ctx.Err() is an application-level failure like any
	// other, surfaced as InternalError with the error text in Data.
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeInternalError, resp.Error.Code)
}

func TestCallToolUnknownNameIsMethodNotFound(t *testing.T) {
	clientSide, serverSide := newPair()
	registry := NewRegistry()
	srv := New(Config{Name: "test", Version: "0.0.1", Transport: serverSide}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	initReq, err := protocol.NewRequest(protocol.NewRequestID(1), protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: protocol.ProtocolVersion})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, initReq))
	recvWithTimeout(t, clientSide)

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, note))
	time.Sleep(20 * time.Millisecond)

	callReq, err := protocol.NewRequest(protocol.NewRequestID(2), protocol.MethodCallTool, protocol.ToolCallParams{Name: "does-not-exist"})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, callReq))

	resp := recvWithTimeout(t, clientSide)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestCallToolHandlerErrorIsInternalErrorWithData(t *testing.T) {
	clientSide, serverSide := newPair()
	registry := NewRegistry()
	registry.Register(protocol.ToolDefinition{Name: "boom"}, func(ctx context.Context, args json.RawMessage) (*protocol.ToolCallResult, error) {
		return nil, errBoom
	})
	srv := New(Config{Name: "test", Version: "0.0.1", Transport: serverSide}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()

	initReq, err := protocol.NewRequest(protocol.NewRequestID(1), protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: protocol.ProtocolVersion})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, initReq))
	recvWithTimeout(t, clientSide)

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, note))
	time.Sleep(20 * time.Millisecond)

	callReq, err := protocol.NewRequest(protocol.NewRequestID(2), protocol.MethodCallTool, protocol.ToolCallParams{Name: "boom"})
	require.NoError(t, err)
	require.NoError(t, clientSide.Send(ctx, callReq))

	resp := recvWithTimeout(t, clientSide)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeInternalError, resp.Error.Code)
	require.Contains(t, string(resp.Error.Data), errBoom.Error())
}

func recvWithTimeout(t *testing.T, p *pairedTransport) *protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := p.Receive(ctx)
	require.NoError(t, err)
	return msg
}
