package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolFunc is a tool callback: it receives the raw JSON arguments the
// backend supplied and returns a structured result. A returned error is
// recoverable: the dispatcher feeds it back to the backend as an error
// tool-result instead of aborting the generation.
type ToolFunc func(ctx context.Context, args json.RawMessage) (ToolResult, error)

type toolEntry struct {
	def ToolDefinition
	fn  ToolFunc
}

// ToolRegistry maps tool names to their definitions and callbacks.
// Registration is last-write-wins: re-registering an existing name replaces
// the prior entry without error. The registry lock is held only around map
// access, never across a callback's execution.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]toolEntry
	order []string // registration order, for deterministic Definitions()
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]toolEntry)}
}

// Register adds a tool under def.Name. Name and description must be
// non-empty and fn non-nil. An existing entry under the same name is
// replaced.
func (r *ToolRegistry) Register(def ToolDefinition, fn ToolFunc) error {
	if def.Name == "" {
		return &ErrInvalidParam{Param: "def.Name", Reason: "must be non-empty"}
	}
	if def.Description == "" {
		return &ErrInvalidParam{Param: "def.Description", Reason: "must be non-empty"}
	}
	if fn == nil {
		return &ErrInvalidParam{Param: "fn", Reason: "must be non-nil"}
	}
	if len(def.Parameters) == 0 {
		def.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = toolEntry{def: def, fn: fn}
	return nil
}

// RegisterFunc registers a typed callback of the form
//
//	func(ctx context.Context, args A) (R, error)
//
// where A is a struct. The parameter schema is inferred from A's fields
// (see SchemaFor); R is marshaled to JSON as the tool-result content.
// Malformed arguments from the backend produce a parse error that the
// dispatcher reports back to the backend rather than aborting.
func (r *ToolRegistry) RegisterFunc(name, description string, fn any) error {
	wrapped, schema, err := wrapTypedFunc(name, fn)
	if err != nil {
		return err
	}
	return r.Register(ToolDefinition{Name: name, Description: description, Parameters: schema}, wrapped)
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Lookup returns the callback registered under name.
func (r *ToolRegistry) Lookup(name string) (ToolFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// Dispatch invokes the tool registered under name with args. An unknown
// name fails with *ErrToolNotFound. A panicking callback is recovered into
// an error instead of crashing the process. The callback runs outside the
// registry lock.
func (r *ToolRegistry) Dispatch(ctx context.Context, name string, args json.RawMessage) (result ToolResult, err error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return ToolResult{}, &ErrToolNotFound{Name: name}
	}
	defer func() {
		if p := recover(); p != nil {
			result = ToolResult{}
			err = fmt.Errorf("tool %q panic: %v", name, p)
		}
	}()
	return fn(ctx, args)
}
