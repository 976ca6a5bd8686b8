package mcpclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zmcp/mcprt/internal/protocol"
)

// pairedTransport is an in-memory transport.Transport used to drive a
// client against a hand-written fake server without any real socket or
// subprocess, mirroring the in-process fakes used across the retrieval
// pack's protocol tests.
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

// runFakeServer answers initialize, tools/list, and tools/call with canned
// responses over its side of the pair, enough to exercise the client
// state machine without a real toolserver.Server.
func runFakeServer(t *testing.T, srv *pairedTransport) {
	t.Helper()
	go func() {
		ctx := context.Background()
		for {
			msg, err := srv.Receive(ctx)
			if err != nil {
				return
			}
			if msg.IsNotification() {
				continue
			}
			switch msg.Method {
			case protocol.MethodInitialize:
				result := protocol.InitializeResult{
					ServerName:      "fake",
					ServerVersion:   "0.0.1",
					ProtocolVersion: protocol.ProtocolVersion,
				}
				resp, _ := protocol.NewResponse(*msg.ID, result)
				_ = srv.Send(ctx, resp)
			case protocol.MethodListTools:
				result := protocol.ListToolsResult{Tools: []protocol.ToolDefinition{{Name: "echo"}}}
				resp, _ := protocol.NewResponse(*msg.ID, result)
				_ = srv.Send(ctx, resp)
			case protocol.MethodCallTool:
				result := protocol.ToolCallResult{Content: json.RawMessage(`{"ok":true}`)}
				resp, _ := protocol.NewResponse(*msg.ID, result)
				_ = srv.Send(ctx, resp)
			default:
				resp := protocol.NewErrorResponse(*msg.ID, protocol.NewMethodNotFound(msg.Method))
				_ = srv.Send(ctx, resp)
			}
		}
	}()
}

func TestInitializeThenListToolsThenCallTool(t *testing.T) {
	clientSide, serverSide := newPair()
	runFakeServer(t, serverSide)

	c := New(Config{Transport: clientSide, ClientName: "test", ClientVersion: "0.0.1", RequestTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	result, err := c.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, "fake", result.ServerName)
	require.Equal(t, Ready, c.State())

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	// ListTools is idempotent: calling it again must succeed identically.
	tools2, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Equal(t, tools, tools2)

	callResult, err := c.CallTool(ctx, "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(callResult.Content))

	require.NoError(t, c.Close())
}

func TestInitializeIsNotIdempotent(t *testing.T) {
	clientSide, serverSide := newPair()
	runFakeServer(t, serverSide)

	c := New(Config{Transport: clientSide, RequestTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	_, err := c.Initialize(ctx)
	require.NoError(t, err)

	_, err = c.Initialize(ctx)
	require.Error(t, err)
	protoErr, ok := err.(*protocol.Error)
	require.True(t, ok, "expected *protocol.Error, got %T", err)
	require.Equal(t, protocol.CodeAlreadyInit, protoErr.Code)
}

func TestCallToolBeforeInitializeFails(t *testing.T) {
	clientSide, serverSide := newPair()
	runFakeServer(t, serverSide)

	c := New(Config{Transport: clientSide, RequestTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	_, err := c.CallTool(ctx, "echo", json.RawMessage(`{}`))
	require.Error(t, err)
}
