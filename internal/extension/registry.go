// Package extension implements the namespaced `_method`/`_notification`
// registry (C3) that lets the adapter advertise and dispatch custom,
// non-ACP-standard capabilities alongside the core protocol surface.
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/logger"
)

// MethodHandler answers an invocation of a registered extension method.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler answers an invocation of a registered extension
// notification. Notifications are one-way: a returned error is logged by
// InvokeNotification and never surfaces on the wire.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Registry holds namespaced methods and notifications, every name
// required to start with `_` (§4.3's extension name guard). It implements
// jsonrpc.ExtensionResolver so a Mux can fall through to it for any
// `_`-prefixed call it has no built-in handler for.
type Registry struct {
	mu            sync.RWMutex
	methods       map[string]MethodHandler
	notifications map[string]NotificationHandler
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		methods:       make(map[string]MethodHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// RegisterMethod registers a method handler under name, which must start
// with `_`. Registering over an existing name replaces it.
func (r *Registry) RegisterMethod(name string, h MethodHandler) error {
	if !strings.HasPrefix(name, "_") {
		return fmt.Errorf("extension: method name %q must start with '_'", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = h
	return nil
}

// RegisterNotification registers a notification handler under name, which
// must start with `_`.
func (r *Registry) RegisterNotification(name string, h NotificationHandler) error {
	if !strings.HasPrefix(name, "_") {
		return fmt.Errorf("extension: notification name %q must start with '_'", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[name] = h
	return nil
}

// UnregisterMethod removes name from the method table, if present.
func (r *Registry) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// UnregisterNotification removes name from the notification table, if
// present.
func (r *Registry) UnregisterNotification(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notifications, name)
}

// InvokeMethod implements jsonrpc.ExtensionResolver.
func (r *Registry) InvokeMethod(ctx context.Context, name string, params json.RawMessage) (any, bool, error) {
	r.mu.RLock()
	h, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	result, err := h(ctx, params)
	return result, true, err
}

// InvokeNotification implements jsonrpc.ExtensionResolver.
func (r *Registry) InvokeNotification(ctx context.Context, name string, params json.RawMessage) bool {
	r.mu.RLock()
	h, ok := r.notifications[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := h(ctx, params); err != nil {
		logger.Warn("extension: notification %s failed: %v", name, err)
	}
	return true
}

var _ jsonrpc.ExtensionResolver = (*Registry)(nil)

// Namespace is the advertised catalog for a single `_namespace` segment:
// every method/notification name registered under it.
type Namespace struct {
	Methods       []string `json:"methods,omitempty"`
	Notifications []string `json:"notifications,omitempty"`
}

// Capabilities groups every registered name by the segment between the
// leading `_` and the first `/` (`_myapp/action` → namespace `myapp`),
// for embedding in the initialize response's agent capabilities `_meta`
// field.
func (r *Registry) Capabilities() map[string]Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Namespace)
	for name := range r.methods {
		ns := namespaceOf(name)
		entry := out[ns]
		entry.Methods = append(entry.Methods, name)
		out[ns] = entry
	}
	for name := range r.notifications {
		ns := namespaceOf(name)
		entry := out[ns]
		entry.Notifications = append(entry.Notifications, name)
		out[ns] = entry
	}
	for ns, entry := range out {
		sort.Strings(entry.Methods)
		sort.Strings(entry.Notifications)
		out[ns] = entry
	}
	return out
}

func namespaceOf(name string) string {
	trimmed := strings.TrimPrefix(name, "_")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}
