// Package stdiotransport implements the MCP transport over a spawned
// subprocess: newline-delimited JSON on its stdin/stdout, CRLF-tolerant on
// read, with an env whitelist so the child does not inherit the parent's
// full environment. Framing follows the teacher's stdio transport; the
// spawn shape follows the TCP client example in the retrieval pack. A
// child that exits is not respawned by this transport.
package stdiotransport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/zmcp/mcprt/internal/protocol"
	"github.com/zmcp/mcprt/internal/transport"
)

// Config configures the subprocess to spawn. Leave Command empty to bind
// to this process's own stdin/stdout instead of spawning a child — the
// mode a tool server uses when it IS the stdio peer rather than a client
// dialing one.
type Config struct {
	Command      string
	Args         []string
	EnvWhitelist []string // names copied from the parent's environment
	ExtraEnv     []string // additional KEY=VALUE pairs
	Dir          string
}

// Transport implements transport.Transport over newline-delimited JSON on
// a stdio pair — either a spawned child process's pipes (client side) or
// this process's own os.Stdin/os.Stdout (server side).
type Transport struct {
	cfg   Config
	codec *protocol.Codec

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	reader    *bufio.Reader
	connected bool
	attached  bool
}

func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, codec: protocol.NewCodec()}
}

// Connect spawns the subprocess with a whitelisted environment, or, if no
// Command was configured, attaches directly to this process's stdio.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.Command == "" {
		t.attached = true
		t.stdin = os.Stdout
		t.reader = bufio.NewReaderSize(os.Stdin, 1<<20)
		t.connected = true
		return nil
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	cmd.Env = t.buildEnv()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return transport.NewConnectError(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return transport.NewConnectError(fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return transport.NewConnectError(fmt.Errorf("start subprocess: %w", err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)
	t.connected = true
	return nil
}

func (t *Transport) buildEnv() []string {
	env := make([]string, 0, len(t.cfg.EnvWhitelist)+len(t.cfg.ExtraEnv))
	for _, name := range t.cfg.EnvWhitelist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env, t.cfg.ExtraEnv...)
	return env
}

func (t *Transport) Send(ctx context.Context, msg *protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return transport.NewClosedError("send")
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return transport.NewIOError("send", err)
	}
	data = append(data, '\n')

	type writeResult struct{ err error }
	done := make(chan writeResult, 1)
	go func() {
		_, werr := t.stdin.Write(data)
		done <- writeResult{werr}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return transport.NewIOError("send", r.err)
		}
		return nil
	case <-ctx.Done():
		return transport.NewTimeoutError("send", time.Now())
	}
}

// Receive reads the next newline-delimited line and decodes it. A trailing
// CR from a CRLF-writing peer is trimmed before decode.
func (t *Transport) Receive(ctx context.Context) (*protocol.Message, error) {
	t.mu.Lock()
	reader := t.reader
	connected := t.connected
	t.mu.Unlock()
	if !connected || reader == nil {
		return nil, transport.NewClosedError("receive")
	}

	type readResult struct {
		line []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		line, err := reader.ReadBytes('\n')
		// copy out: the underlying buffer is reused on the next read
		out := append([]byte(nil), line...)
		done <- readResult{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if r.err == io.EOF {
				t.markDisconnected()
			}
			return nil, transport.NewIOError("receive", r.err)
		}
		line := bytes.TrimRight(r.line, "\r\n")
		msg, derr := t.codec.Decode(line)
		if derr != nil {
			return nil, derr
		}
		return msg, nil
	case <-ctx.Done():
		return nil, transport.NewTimeoutError("receive", time.Now())
	}
}

func (t *Transport) markDisconnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	if t.attached {
		// this process's own stdio pair outlives the transport
		return nil
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	return nil
}
