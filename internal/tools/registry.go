// Package tools provides the tool registry the workflow engine publishes to
// the language model: a set of named handlers with JSON-schema parameter
// definitions.
//
// Three kinds of tools live in one registry: built-ins (calculator, time
// helpers), transition tools registered per outgoing edge by the engine, and
// tools imported from external MCP servers. The engine composes the visible
// definitions per node and dispatches incoming tool calls by name.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// Result is the outcome of one tool execution.
type Result struct {
	// Value is the tool's output, serialized into the tool-result message.
	Value any

	// RunLLM requests another generation after the result is written to
	// context. Built-ins set it so the model sees their output; transition
	// tools clear it because the node change triggers the next generation
	// itself.
	RunLLM bool

	// OnContextUpdated, when non-nil, runs after the framework has written
	// the tool result into the LLM context. Transition tools use it to
	// switch nodes only once the context is consistent.
	OnContextUpdated func(ctx context.Context)
}

// Handler executes one tool call. args is the decoded JSON argument object;
// nil for parameter-less tools.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Registry is a named collection of tools. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	def     llm.ToolDefinition
	handler Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a tool. The definition's Name is the dispatch
// key.
func (r *Registry) Register(def llm.ToolDefinition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tools: definition has no name")
	}
	if h == nil {
		return fmt.Errorf("tools: tool %q has no handler", def.Name)
	}
	r.mu.Lock()
	r.entries[def.Name] = entry{def: def, handler: h}
	r.mu.Unlock()
	return nil
}

// Clone returns a new registry seeded with this registry's tools. Each call
// clones the shared registry (MCP imports) so the per-call edge tools never
// leak between concurrent calls.
func (r *Registry) Clone() *Registry {
	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, e := range r.entries {
		out.entries[name] = e
	}
	return out
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// Definitions returns all registered tool definitions sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Definition returns the named tool's definition.
func (r *Registry) Definition(name string) (llm.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, ok
}

// Execute dispatches a tool call by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("tools: tool %q not found", name)
	}
	return e.handler(ctx, args)
}
