// Package executor provides the exactly-once tool handler registry used by
// the approval gate to run approved actions. It is a thin wrapper:
// the CAS state transition and transactional use_count increment it
// guarantees live in approvals.Store.MarkExecuted, since both the
// auto-approve and human-approve paths in the gate must share that single
// code path to uphold the at-most-once invariant: exactly one
// execution_result per action. This package owns handler registration and dispatch
// so module registration code has one place to wire tools, independent of
// the gate's decision logic.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsbutler/butler/internal/approvals"
)

// Registry collects ToolHandlers contributed by loaded modules and hands
// them to the approval gate at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]approvals.ToolHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]approvals.ToolHandler{}}
}

// Register wires a tool name to its handler. Registering the same name
// twice is a configuration error — modules must not collide on tool names.
func (r *Registry) Register(toolName string, handler approvals.ToolHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[toolName]; exists {
		return fmt.Errorf("executor: tool %q already registered", toolName)
	}
	r.handlers[toolName] = handler
	return nil
}

// Handlers returns a snapshot suitable for approvals.NewGate.
func (r *Registry) Handlers() map[string]approvals.ToolHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]approvals.ToolHandler, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

// Call invokes a registered handler directly, bypassing the gate — used for
// ungated tool calls that never go through approval at all.
func (r *Registry) Call(ctx context.Context, toolName string, args map[string]any) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: no handler registered for tool %q", toolName)
	}
	return handler(ctx, args)
}
