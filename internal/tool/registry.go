// Package tool implements the tool registry and dispatcher (C6): a flat
// name → tool index built from registered providers, and an Execute
// contract that validates, reports, invokes, and finalises every call.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/acp-adapter/internal/logger"
)

// Schema is a JSON-Schema-style object-parameter description.
type Schema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

// Result is what a Handler returns: success plus an optional result
// payload, or failure plus a message. Metadata is handler-specific
// (notably `diffs`, used to derive tool-call content on completion).
type Result struct {
	Success  bool           `json:"success"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handler executes one tool call given its validated params.
type Handler func(ctx context.Context, params map[string]any) (Result, error)

// Tool is one callable unit a Provider exposes. SessionScoped marks tools
// that perform session-scoped client calls (fs tools read/write through
// the client) and therefore need `_sessionId` injected into their params.
type Tool struct {
	Name          string
	Description   string
	Parameters    Schema
	SessionScoped bool
	Handler       Handler
}

// Provider groups a named set of tools. A Provider that holds resources
// needing teardown should also implement CleanupProvider.
type Provider interface {
	Name() string
	Tools() []Tool
}

// CleanupProvider is the optional extra a Provider implements when it
// needs to release resources (§4.6's `cleanup()`).
type CleanupProvider interface {
	Provider
	Cleanup(ctx context.Context) error
}

// Registry holds registered providers and the flat name → tool index
// built from them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	tools     map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		tools:     make(map[string]Tool),
	}
}

// RegisterProvider adds p's tools to the flat index. It fails if p's name
// or any of its tool names collide with an already-registered provider.
func (r *Registry) RegisterProvider(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("tool: provider %q already registered", p.Name())
	}
	tools := p.Tools()
	for _, t := range tools {
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("tool: tool %q already registered by another provider", t.Name)
		}
	}

	r.providers[p.Name()] = p
	r.order = append(r.order, p.Name())
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return nil
}

func (r *Registry) lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, sorted by name. Used by surfaces
// that expose the registry's full schema set to an outside caller (e.g.
// internal/mcpbridge mirroring it over the Model Context Protocol).
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cleanup calls Cleanup on every registered CleanupProvider, in
// registration order, logging (not failing on) individual errors.
func (r *Registry) Cleanup(ctx context.Context) {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	providers := make(map[string]Provider, len(r.providers))
	for k, v := range r.providers {
		providers[k] = v
	}
	r.mu.RUnlock()

	for _, name := range names {
		if cp, ok := providers[name].(CleanupProvider); ok {
			if err := cp.Cleanup(ctx); err != nil {
				logger.Warn("tool: provider %q cleanup failed: %v", name, err)
			}
		}
	}
}

// Capabilities is the §4.6 capability summary: the set of registered tool
// and provider names, plus two derived flags.
type Capabilities struct {
	Tools      []string `json:"tools"`
	Providers  []string `json:"providers"`
	Filesystem bool     `json:"filesystem"`
	Cursor     bool     `json:"cursor"`
}

// Capabilities reports the registry's current tool/provider set.
// Filesystem is true iff read_file or write_file are registered.
// Cursor is true iff apply_code_changes is registered, the tool unique to
// the original cursor-agent-acp lineage this adapter's tool surface was
// distilled from.
func (r *Registry) Capabilities() Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := Capabilities{Providers: append([]string(nil), r.order...)}
	for name := range r.tools {
		caps.Tools = append(caps.Tools, name)
	}
	sort.Strings(caps.Tools)

	_, hasRead := r.tools["read_file"]
	_, hasWrite := r.tools["write_file"]
	caps.Filesystem = hasRead || hasWrite
	_, caps.Cursor = r.tools["apply_code_changes"]
	return caps
}
