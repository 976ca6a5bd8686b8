// Package wstransport implements the MCP transport over a persistent
// WebSocket: full-duplex reads and writes, inbound messages queued on one
// channel (matching responses to requests by id is left to the caller,
// e.g. mcpclient), and a heartbeat ping so a half-dead connection is
// noticed before the health monitor's own probe interval elapses. A lost
// connection is not redialed here. Grounded on the
// gorilla/websocket reconnect-and-heartbeat client found in the retrieval
// pack.
package wstransport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zmcp/mcprt/internal/credential"
	"github.com/zmcp/mcprt/internal/protocol"
	"github.com/zmcp/mcprt/internal/transport"
)

// Config configures one WebSocket transport instance.
type Config struct {
	URL              string
	Credential       *credential.Credential
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
}

func withDefaults(cfg Config) Config {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 45 * time.Second
	}
	return cfg
}

// Transport implements transport.Transport over a gorilla/websocket
// connection. Receive dequeues from an internal inbound channel fed by a
// dedicated read-loop goroutine, since a WebSocket connection supports
// only one outstanding ReadMessage call at a time.
type Transport struct {
	cfg   Config
	codec *protocol.Codec

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	writeMu   sync.Mutex

	inbound chan *protocol.Message
	errs    chan error

	stopHeartbeat chan struct{}
	wg            sync.WaitGroup
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:     withDefaults(cfg),
		codec:   protocol.NewCodec(),
		inbound: make(chan *protocol.Message, 32),
		errs:    make(chan error, 1),
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return transport.NewConnectError(err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	header := http.Header{}
	if t.cfg.Credential != nil && t.cfg.Credential.IsSet() {
		header.Set("Authorization", "Bearer "+t.cfg.Credential.Reveal())
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return transport.NewConnectError(err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.stopHeartbeat = make(chan struct{})
	t.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))

	t.wg.Add(2)
	go t.readLoop()
	go t.heartbeatLoop()

	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.markDisconnected()
			select {
			case t.errs <- err:
			default:
			}
			return
		}

		msg, derr := t.codec.Decode(data)
		if derr != nil {
			continue
		}
		select {
		case t.inbound <- msg:
		default:
			// inbound backlog full: drop silently rather than block the
			// read loop, matching the non-blocking-send pattern used by
			// pending-request demuxers in the retrieval pack
		}
	}
}

func (t *Transport) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopHeartbeat:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			t.writeMu.Unlock()
			if err != nil {
				t.markDisconnected()
				return
			}
		}
	}
}

func (t *Transport) markDisconnected() {
	t.mu.Lock()
	t.connected = false
	if t.stopHeartbeat != nil {
		select {
		case <-t.stopHeartbeat:
		default:
			close(t.stopHeartbeat)
		}
	}
	t.mu.Unlock()
}

func (t *Transport) Send(ctx context.Context, msg *protocol.Message) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return transport.NewClosedError("send")
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return transport.NewIOError("send", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.markDisconnected()
		return transport.NewIOError("send", err)
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case err := <-t.errs:
		return nil, transport.NewIOError("receive", err)
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
	conn := t.conn
	t.conn = nil
	t.connected = false
	if t.stopHeartbeat != nil {
		select {
		case <-t.stopHeartbeat:
		default:
			close(t.stopHeartbeat)
		}
	}
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	t.wg.Wait()
	return err
}
