// Package mcpclient implements the MCP client state machine: handshake,
// tools/list, tools/call, and ping, over any transport.Transport. Pending
// requests are demultiplexed by id through a dedicated receive-loop
// goroutine, grounded on the zap-logged MCP client found in the retrieval
// pack.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zmcp/mcprt/internal/protocol"
	"github.com/zmcp/mcprt/internal/transport"
)

// State is the client's lifecycle position.
type State int32

const (
	Unconnected State = iota
	Connecting
	Initializing
	Ready
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures one client instance.
type Config struct {
	Transport      transport.Transport
	Logger         *zap.Logger
	ClientName     string
	ClientVersion  string
	RequestTimeout time.Duration
}

// Client is one MCP session against one server, over one transport.
type Client struct {
	cfg       Config
	log       *zap.Logger
	sessionID string
	state     atomic.Int32
	nextID    atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	serverInfo protocol.InitializeResult

	toolsMu sync.RWMutex
	tools   []protocol.ToolDefinition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sessionID := uuid.NewString()
	return &Client{
		cfg:       cfg,
		log:       log.With(zap.String("session_id", sessionID)),
		sessionID: sessionID,
		pending:   make(map[string]chan *protocol.Message),
	}
}

// SessionID identifies this client instance in logs, stable for its
// lifetime regardless of how many times Connect/Close cycle.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Connect dials the transport and starts the receive loop. It does not
// perform the MCP handshake; call Initialize next.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Unconnected), int32(Connecting)) {
		return fmt.Errorf("mcpclient: connect called from state %s", State(c.state.Load()))
	}

	if err := c.cfg.Transport.Connect(ctx); err != nil {
		c.state.Store(int32(Unconnected))
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.receiveLoop()
	return nil
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.cfg.Transport.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || transport.IsClosed(err) {
				return
			}
			c.log.Debug("receive error", zap.Error(err))
			continue
		}
		if msg.IsResponse() {
			c.dispatchResponse(msg)
			continue
		}
		// server-initiated requests/notifications are outside this
		// client's scope (spec.md's client is a pure caller); log and drop
		c.log.Debug("dropping unsolicited server message", zap.String("method", msg.Method))
	}
}

func (c *Client) dispatchResponse(msg *protocol.Message) {
	key := msg.ID.String()
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug("response for unknown request id", zap.String("id", key))
		return
	}
	select {
	case ch <- msg:
	default:
		c.log.Warn("response channel full, dropping", zap.String("id", key))
	}
}

// Initialize performs the handshake exactly once. Calling it a second time
// returns an AlreadyInitialized error — unlike ListTools, this operation
// is not idempotent.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	if !c.state.CompareAndSwap(int32(Connecting), int32(Initializing)) {
		return nil, protocol.NewAlreadyInitialized()
	}

	resp, err := c.call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ClientName:      c.cfg.ClientName,
		ClientVersion:   c.cfg.ClientVersion,
		ProtocolVersion: protocol.ProtocolVersion,
	})
	if err != nil {
		c.state.Store(int32(Connecting))
		return nil, err
	}
	if resp.Error != nil {
		c.state.Store(int32(Connecting))
		return nil, resp.Error
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.state.Store(int32(Connecting))
		return nil, fmt.Errorf("mcpclient: decode initialize result: %w", err)
	}
	if _, ok := protocol.NegotiateVersion([]string{result.ProtocolVersion}); !ok {
		c.state.Store(int32(Connecting))
		return nil, fmt.Errorf("mcpclient: no compatible protocol version (peer offered %s)", result.ProtocolVersion)
	}
	c.serverInfo = result

	if err := c.notify(ctx, protocol.MethodInitialized, nil); err != nil {
		c.state.Store(int32(Connecting))
		return nil, err
	}

	c.state.Store(int32(Ready))
	return &result, nil
}

// ListTools fetches the server's tool catalog. Safe to call repeatedly.
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDefinition, error) {
	if State(c.state.Load()) != Ready {
		return nil, protocol.NewNotInitialized()
	}

	resp, err := c.call(ctx, protocol.MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decode tools/list result: %w", err)
	}

	c.toolsMu.Lock()
	c.tools = result.Tools
	c.toolsMu.Unlock()
	return result.Tools, nil
}

// CallTool invokes one tool. Never retried automatically: tool calls are
// not guaranteed idempotent, so retry policy applies only to connection
// establishment, not here.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.ToolCallResult, error) {
	if State(c.state.Load()) != Ready {
		return nil, protocol.NewNotInitialized()
	}

	resp, err := c.call(ctx, protocol.MethodCallTool, protocol.ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result protocol.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decode tools/call result: %w", err)
	}
	return &result, nil
}

// Ping is a lightweight reachability check, usable from any state once
// connected.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// call sends a request and blocks for its matching response, bounded by
// RequestTimeout unless ctx carries a tighter deadline already.
func (c *Client) call(ctx context.Context, method string, params interface{}) (*protocol.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	id := protocol.NewRequestID(c.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Message, 1)
	key := id.String()
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := c.cfg.Transport.Send(callCtx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.cfg.Transport.Send(ctx, msg)
}

// State returns the client's current lifecycle position.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Close tears down the receive loop and underlying transport. Idempotent.
func (c *Client) Close() error {
	prev := State(c.state.Swap(int32(Closing)))
	if prev == Closed {
		c.state.Store(int32(Closed))
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.cfg.Transport.Close()
	c.wg.Wait()
	c.state.Store(int32(Closed))
	return err
}
