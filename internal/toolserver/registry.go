// Package toolserver implements the server side of the protocol: a tool
// registry, the initialize/operating state machine, and dispatch of
// tools/list and tools/call over any transport.Transport. Grounded on the
// registry + server split in the retrieval pack's task-tracker MCP server.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zmcp/mcprt/internal/protocol"
)

// HandlerFunc is the signature every registered tool implementation must
// match.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (*protocol.ToolCallResult, error)

type registeredTool struct {
	def    protocol.ToolDefinition
	invoke HandlerFunc
}

// Registry holds tool definitions and their implementations, independent
// of transport or dispatch state.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(def protocol.ToolDefinition, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, invoke: fn}
}

// Remove drops a tool from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ListTools returns every registered tool's definition, in registration
// order, so repeated calls return a stable list (tools/list is idempotent).
func (r *Registry) ListTools() []protocol.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]protocol.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// CallTool invokes one registered tool by name.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.ToolCallResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t.invoke(ctx, args)
}

func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}
