// Package tool defines the executor collaborator that performs named
// side-effecting operations on behalf of agents.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Executor performs a named operation with JSON-compatible arguments and
// returns its textual output. The output may be a JSON object
// {success, output, error} or an opaque success string.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Handler implements a single tool.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Registry is an in-process Executor backed by registered handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	descs    map[string]string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		descs:    make(map[string]string),
	}
}

// Register adds a named tool and its handler.
func (r *Registry) Register(name, description string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	r.descs[name] = description
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, args)
}
