// Package httptransport implements the MCP transport over plain HTTP: one
// POST per call, with a ping-based reachability probe for Connect and
// 202-Accepted-with-empty-body for notifications, per spec.md §4.2.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zmcp/mcprt/internal/credential"
	"github.com/zmcp/mcprt/internal/protocol"
	"github.com/zmcp/mcprt/internal/transport"
)

// Config configures one HTTP transport instance.
type Config struct {
	Endpoint   string
	Credential *credential.Credential
	Timeout    time.Duration
}

// Transport implements transport.Transport over HTTP. Each Send performs
// one POST and stashes the decoded response (or nothing, for a
// notification's empty 202) for the following Receive — this transport is
// strictly request-then-reply, matching the pool's one-in-flight-per-slot
// acquisition model.
type Transport struct {
	cfg    Config
	client *http.Client
	codec  *protocol.Codec

	mu        sync.Mutex
	connected bool
	pending   chan *protocol.Message
}

func New(cfg Config) *Transport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transport{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		codec:   protocol.NewCodec(),
		pending: make(chan *protocol.Message, 1),
	}
}

// Connect validates reachability with a lightweight ping request. The HTTP
// transport has no persistent socket to establish, so Connect's only job
// is to fail fast if the server is unreachable rather than deferring that
// discovery to the first real call.
func (t *Transport) Connect(ctx context.Context) error {
	req, err := protocol.NewRequest(protocol.NewRequestID(0), protocol.MethodPing, nil)
	if err != nil {
		return transport.NewIOError("connect", err)
	}
	resp, err := t.do(ctx, req)
	if err != nil {
		return transport.NewConnectError(err)
	}
	if resp.Error != nil {
		return transport.NewConnectError(resp.Error)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, msg *protocol.Message) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return transport.NewClosedError("send")
	}
	t.mu.Unlock()

	resp, err := t.do(ctx, msg)
	if err != nil {
		return transport.NewIOError("send", err)
	}
	select {
	case t.pending <- resp:
	default:
		// drain stale slot, then push the fresh response; one
		// in-flight request per connection so this should not happen
		<-t.pending
		t.pending <- resp
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-t.pending:
		if msg == nil {
			return nil, transport.NewProtocolError("receive", "message", "empty notification ack")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, transport.NewTimeoutError("receive", time.Now())
	}
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.client.CloseIdleConnections()
	return nil
}

// do performs one POST with msg as the JSON body. A notification (no id)
// expects a 202 Accepted with an empty body; a request expects a 200 with
// a Message body.
func (t *Transport) do(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	body, err := t.codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Credential != nil {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Credential.Reveal())
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if msg.IsNotification() {
		if resp.StatusCode != http.StatusAccepted {
			return nil, fmt.Errorf("notification expected 202, got %d", resp.StatusCode)
		}
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	decoded, err := t.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}
