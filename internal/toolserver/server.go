package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zmcp/mcprt/internal/protocol"
	"github.com/zmcp/mcprt/internal/transport"
)

// ServerState is the dispatch-gating state machine: initialize is only
// valid from Created, tools/list and tools/call only valid once Operating.
type ServerState int32

const (
	StateCreated ServerState = iota
	StateInitializing
	StateOperating
	StateShutdown
)

// Config names the server for the initialize handshake.
type Config struct {
	Name      string
	Version   string
	Transport transport.Transport
	Logger    *zap.Logger
}

// Server dispatches incoming requests to a Registry after gating on
// ServerState, and tracks in-flight tool calls so notifications/cancelled
// can cancel them mid-flight.
type Server struct {
	cfg      Config
	log      *zap.Logger
	registry *Registry

	mu       sync.Mutex
	state    ServerState
	inflight map[string]context.CancelFunc
}

func New(cfg Config, registry *Registry) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		state:    StateCreated,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Run reads and dispatches messages until ctx is cancelled or the
// transport reports it is closed.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Transport.Connect(ctx); err != nil {
		return err
	}
	for {
		msg, err := s.cfg.Transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || transport.IsClosed(err) {
				return ctx.Err()
			}
			s.log.Warn("receive error", zap.Error(err))
			continue
		}

		if msg.IsNotification() {
			s.handleNotification(ctx, msg)
			continue
		}

		// tools/call runs off the read loop so that a notifications/cancelled
		// for it can still be read while the handler is in flight.
		if msg.Method == protocol.MethodCallTool {
			go func(msg *protocol.Message) {
				if resp := s.dispatch(ctx, msg); resp != nil {
					if err := s.cfg.Transport.Send(ctx, resp); err != nil {
						s.log.Warn("send error", zap.Error(err))
					}
				}
			}(msg)
			continue
		}

		resp := s.dispatch(ctx, msg)
		if resp != nil {
			if err := s.cfg.Transport.Send(ctx, resp); err != nil {
				s.log.Warn("send error", zap.Error(err))
			}
		}
	}
}

func (s *Server) handleNotification(ctx context.Context, msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodInitialized:
		s.mu.Lock()
		if s.state == StateInitializing {
			s.state = StateOperating
		}
		s.mu.Unlock()
	case "notifications/cancelled":
		var params struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		s.mu.Lock()
		if cancel, ok := s.inflight[params.RequestID]; ok {
			cancel()
			delete(s.inflight, params.RequestID)
		}
		s.mu.Unlock()
	}
}

func (s *Server) dispatch(ctx context.Context, msg *protocol.Message) *protocol.Message {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch msg.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(msg)
	case protocol.MethodPing:
		resp, _ := protocol.NewResponse(*msg.ID, struct{}{})
		return resp
	case protocol.MethodListTools:
		if state != StateOperating {
			return protocol.NewErrorResponse(*msg.ID, protocol.NewNotInitialized())
		}
		return s.handleListTools(msg)
	case protocol.MethodCallTool:
		if state != StateOperating {
			return protocol.NewErrorResponse(*msg.ID, protocol.NewNotInitialized())
		}
		return s.handleCallTool(ctx, msg)
	default:
		return protocol.NewErrorResponse(*msg.ID, protocol.NewMethodNotFound(msg.Method))
	}
}

func (s *Server) handleInitialize(msg *protocol.Message) *protocol.Message {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return protocol.NewErrorResponse(*msg.ID, protocol.NewAlreadyInitialized())
	}
	s.state = StateInitializing
	s.mu.Unlock()

	var params protocol.InitializeParams
	_ = json.Unmarshal(msg.Params, &params)

	version, ok := protocol.NegotiateVersion([]string{params.ProtocolVersion})
	if !ok {
		version = protocol.ProtocolVersion
	}

	result := protocol.InitializeResult{
		ServerName:      s.cfg.Name,
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: version,
		Capabilities:    protocol.Capabilities{Tools: &struct{}{}},
	}
	resp, err := protocol.NewResponse(*msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(*msg.ID, protocol.NewInternalError(err.Error()))
	}
	return resp
}

func (s *Server) handleListTools(msg *protocol.Message) *protocol.Message {
	result := protocol.ListToolsResult{Tools: s.registry.ListTools()}
	resp, err := protocol.NewResponse(*msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(*msg.ID, protocol.NewInternalError(err.Error()))
	}
	return resp
}

func (s *Server) handleCallTool(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.ToolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.NewErrorResponse(*msg.ID, protocol.NewInvalidParams(err.Error()))
	}

	if !s.registry.HasTool(params.Name) {
		return protocol.NewErrorResponse(*msg.ID, protocol.NewMethodNotFound(params.Name))
	}

	callCtx, cancel := context.WithCancel(ctx)
	key := msg.ID.String()
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	result, err := s.registry.CallTool(callCtx, params.Name, params.Arguments)

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	cancel()

	if err != nil {
		data := struct {
			Tool  string `json:"tool"`
			Error string `json:"error"`
		}{Tool: params.Name, Error: err.Error()}
		return protocol.NewErrorResponse(*msg.ID, protocol.NewInternalErrorWithData(
			fmt.Sprintf("tool %q failed", params.Name), data))
	}

	resp, merr := protocol.NewResponse(*msg.ID, result)
	if merr != nil {
		return protocol.NewErrorResponse(*msg.ID, protocol.NewInternalError(merr.Error()))
	}
	return resp
}

// State returns the server's current lifecycle position.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop marks the server shutdown and closes its transport.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.state = StateShutdown
	s.mu.Unlock()
	return s.cfg.Transport.Close()
}
