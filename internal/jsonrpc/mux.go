package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/acp-adapter/internal/logger"
)

// ErrClosed is returned by Call/Notify once the mux has shut down.
var ErrClosed = errors.New("jsonrpc: mux closed")

// Handler answers an inbound request. Returning an *Error preserves its
// code on the wire; any other error is mapped to -32603 Internal error
// (§4.2, §7).
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler answers an inbound notification. It has nothing to
// reply with on the wire, so a returned error is logged and swallowed
// rather than sent anywhere.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// ExtensionResolver lets the extension registry (C3) claim any `_`-prefixed
// method/notification a Mux has no built-in handler for. The bool return
// reports whether the name was recognized at all, distinguishing "handled,
// result is nil" from "not registered, fall through to method-not-found".
type ExtensionResolver interface {
	InvokeMethod(ctx context.Context, name string, params json.RawMessage) (result any, handled bool, err error)
	InvokeNotification(ctx context.Context, name string, params json.RawMessage) (handled bool)
}

// Mux is a bidirectional JSON-RPC 2.0 multiplexer (C2). A single Mux
// drives one Transport in both directions: it dispatches inbound
// requests/notifications to registered handlers, and lets this side
// issue its own outbound (reverse) calls and notifications on the same
// wire, matching outbound responses back to their waiters by id.
//
// All outbound frames funnel through one writer goroutine so concurrent
// callers never interleave partial writes on the underlying transport.
type Mux struct {
	transport Transport

	mu            sync.RWMutex
	handlers      map[string]Handler
	notifHandlers map[string]NotificationHandler
	ext           ExtensionResolver

	nextID int64

	waitersMu sync.Mutex
	waiters   map[string]chan Message

	cancelMu   sync.Mutex
	cancels    map[string]map[int64]context.CancelFunc
	genCounter int64

	writeCh   chan Message
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a Mux over transport. Call Run to start processing frames in
// stream mode. transport may be nil for a Mux that is only ever driven
// through RunOnce (one-shot mode, e.g. behind an HTTP server), since
// RunOnce takes its Transport per call and never touches this field.
func New(transport Transport) *Mux {
	return &Mux{
		transport:     transport,
		handlers:      make(map[string]Handler),
		notifHandlers: make(map[string]NotificationHandler),
		waiters:       make(map[string]chan Message),
		cancels:       make(map[string]map[int64]context.CancelFunc),
		writeCh:       make(chan Message, 128),
		closeCh:       make(chan struct{}),
	}
}

// Handle registers a request handler for method, replacing any previous
// registration.
func (m *Mux) Handle(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// HandleNotification registers a notification handler for method.
func (m *Mux) HandleNotification(method string, h NotificationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifHandlers[method] = h
}

// SetExtensionResolver wires the extension registry (C3) in as the
// fallback for unrecognized `_`-namespaced methods/notifications.
func (m *Mux) SetExtensionResolver(r ExtensionResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ext = r
}

// Run drains the transport until it's exhausted, ctx is cancelled, or
// Close is called, dispatching every frame it reads. It blocks; callers
// typically run it in its own goroutine.
func (m *Mux) Run(ctx context.Context) error {
	m.wg.Add(1)
	go m.writeLoop(ctx)

	var runErr error
	for {
		frame, err := m.transport.Recv(ctx)
		if err != nil {
			runErr = err
			break
		}

		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			logger.Warn("jsonrpc: dropping malformed frame: %v", err)
			continue
		}
		m.dispatch(ctx, msg)
	}

	m.shutdown()
	m.wg.Wait()
	return runErr
}

// Close stops the write loop and closes the underlying transport. Safe
// to call more than once and from any goroutine.
func (m *Mux) Close() error {
	m.shutdown()
	return m.transport.Close()
}

func (m *Mux) shutdown() {
	m.closeOnce.Do(func() {
		close(m.closeCh)
	})
}

func (m *Mux) dispatch(ctx context.Context, msg Message) {
	switch {
	case msg.IsResponse():
		m.resolveWaiter(msg)
	case msg.IsRequest():
		m.handleRequest(ctx, msg)
	case msg.IsNotification():
		m.handleNotification(ctx, msg)
	default:
		logger.Warn("jsonrpc: dropping message that is neither request, notification, nor response")
	}
}

// lookupHandler resolves method against the registered handlers, falling
// back to the extension registry for `_`-namespaced methods it claims.
func (m *Mux) lookupHandler(method string) (Handler, bool) {
	m.mu.RLock()
	h, ok := m.handlers[method]
	ext := m.ext
	m.mu.RUnlock()
	if ok {
		return h, true
	}
	if !strings.HasPrefix(method, "_") || ext == nil {
		return nil, false
	}
	captured := method
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		result, handled, err := ext.InvokeMethod(ctx, captured, params)
		if !handled {
			return nil, MethodNotFound(captured)
		}
		return result, err
	}, true
}

// lookupNotificationHandler is the notification-side equivalent of
// lookupHandler; it returns a closure over the extension resolver so
// callers don't need to know whether a hit came from the static registry
// or the fallback.
func (m *Mux) lookupNotificationHandler(method string) (func(ctx context.Context, params json.RawMessage) error, bool) {
	m.mu.RLock()
	h, ok := m.notifHandlers[method]
	ext := m.ext
	m.mu.RUnlock()
	if ok {
		return h, true
	}
	if !strings.HasPrefix(method, "_") || ext == nil {
		return nil, false
	}
	captured := method
	return func(ctx context.Context, params json.RawMessage) error {
		if !ext.InvokeNotification(ctx, captured, params) {
			logger.Debug("jsonrpc: no extension handles notification %s", captured)
		}
		return nil
	}, true
}

func (m *Mux) handleRequest(ctx context.Context, msg Message) {
	id := *msg.ID
	method := msg.Method

	h, ok := m.lookupHandler(method)
	if !ok {
		m.enqueue(NewErrorResponse(id, MethodNotFound(method)))
		return
	}

	sessionID := extractSessionID(msg.Params)
	hctx, cancel := context.WithCancel(ctx)
	untrack := m.trackCancel(sessionID, cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer untrack()
		defer cancel()
		m.enqueue(m.invokeRequestHandler(hctx, id, h, msg.Params))
	}()
}

func (m *Mux) handleNotification(ctx context.Context, msg Message) {
	if msg.Method == cancelMethod {
		m.CancelSession(extractSessionID(msg.Params))
	}

	h, ok := m.lookupNotificationHandler(msg.Method)
	if !ok {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.recoverNotification(msg.Method)
		if err := h(ctx, msg.Params); err != nil {
			logger.Warn("jsonrpc: notification handler %s failed: %v", msg.Method, err)
		}
	}()
}

// invokeRequestHandler runs h and builds its response message, recovering
// from a handler panic into a -32603 Internal error response rather than
// letting it escape and take down the process.
func (m *Mux) invokeRequestHandler(ctx context.Context, id ID, h Handler, params json.RawMessage) (resp Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("jsonrpc: handler panic: %v", r)
			resp = NewErrorResponse(id, NewError(CodeInternalError, "internal error", nil))
		}
	}()

	result, err := h(ctx, params)
	if err != nil {
		return NewErrorResponse(id, AsRPCError(err))
	}
	out, err := NewResultResponse(id, result)
	if err != nil {
		return NewErrorResponse(id, Internal(err))
	}
	return out
}

// RunOnce processes exactly one inbound frame from transport and returns
// once its handling is complete, without starting Run's persistent read
// loop or write loop. It's the shape a one-shot transport (HTTP: single
// request, single response) needs instead of Run: for a request it
// writes exactly one response via transport.Send before returning; for a
// notification there is nothing to write and it simply runs the handler
// to completion. Unlike Run, RunOnce is safe to call concurrently from
// many goroutines against the same Mux (e.g. one per inbound HTTP
// request), since it shares only the handler registry and the
// session-cancellation map, never the single-writer write loop.
func (m *Mux) RunOnce(ctx context.Context, t Transport) error {
	frame, err := t.Recv(ctx)
	if err != nil {
		return err
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		b, merr := json.Marshal(NewErrorResponse(ID{}, NewError(CodeParseError, "parse error", nil)))
		if merr != nil {
			return merr
		}
		return t.Send(ctx, b)
	}

	switch {
	case msg.IsRequest():
		resp := m.runRequestOnce(ctx, msg)
		b, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return t.Send(ctx, b)
	case msg.IsNotification():
		m.runNotificationOnce(ctx, msg)
		return nil
	default:
		return fmt.Errorf("jsonrpc: message is neither a request nor a notification")
	}
}

func (m *Mux) runRequestOnce(ctx context.Context, msg Message) Message {
	id := *msg.ID
	method := msg.Method

	h, ok := m.lookupHandler(method)
	if !ok {
		return NewErrorResponse(id, MethodNotFound(method))
	}

	sessionID := extractSessionID(msg.Params)
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	untrack := m.trackCancel(sessionID, cancel)
	defer untrack()

	return m.invokeRequestHandler(hctx, id, h, msg.Params)
}

func (m *Mux) runNotificationOnce(ctx context.Context, msg Message) {
	if msg.Method == cancelMethod {
		m.CancelSession(extractSessionID(msg.Params))
	}

	h, ok := m.lookupNotificationHandler(msg.Method)
	if !ok {
		return
	}

	defer m.recoverNotification(msg.Method)
	if err := h(ctx, msg.Params); err != nil {
		logger.Warn("jsonrpc: notification handler %s failed: %v", msg.Method, err)
	}
}

func (m *Mux) recoverNotification(method string) {
	if r := recover(); r != nil {
		logger.Error("jsonrpc: notification handler %s panic: %v", method, r)
	}
}

// Call issues an outbound (reverse) request and blocks for its response,
// ctx cancellation, or mux shutdown, whichever comes first. If ctx is
// cancelled before a response arrives the call is abandoned: a later
// response for this id is simply dropped (§4.2's abandonment rule).
func (m *Mux) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := NewIntID(atomic.AddInt64(&m.nextID, 1))
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan Message, 1)
	key := id.String()
	m.waitersMu.Lock()
	m.waiters[key] = ch
	m.waitersMu.Unlock()
	defer func() {
		m.waitersMu.Lock()
		delete(m.waiters, key)
		m.waitersMu.Unlock()
	}()

	select {
	case m.writeCh <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closeCh:
		return nil, ErrClosed
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closeCh:
		return nil, ErrClosed
	}
}

// Notify sends an outbound notification; there is nothing to wait for.
func (m *Mux) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return m.enqueueBlocking(ctx, msg)
}

func (m *Mux) enqueueBlocking(ctx context.Context, msg Message) error {
	select {
	case m.writeCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closeCh:
		return ErrClosed
	}
}

// enqueue is used for responses, where there is no caller ctx to
// respect; it only ever backs off against mux shutdown.
func (m *Mux) enqueue(msg Message) {
	select {
	case m.writeCh <- msg:
	case <-m.closeCh:
	}
}

func (m *Mux) resolveWaiter(msg Message) {
	key := msg.ID.String()
	m.waitersMu.Lock()
	ch, ok := m.waiters[key]
	m.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (m *Mux) writeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.writeCh:
			b, err := json.Marshal(msg)
			if err != nil {
				logger.Error("jsonrpc: marshal outbound message: %v", err)
				continue
			}
			if err := m.transport.Send(ctx, b); err != nil {
				logger.Error("jsonrpc: send failed: %v", err)
			}
		case <-m.closeCh:
			return
		}
	}
}

// trackCancel registers cancel under sessionID so a later session/cancel
// notification can unwind every in-flight handler tagged with that
// session, per §4.2's cancellation fan-out. Requests with no sessionId in
// their params (e.g. initialize) are never tracked.
func (m *Mux) trackCancel(sessionID string, cancel context.CancelFunc) (untrack func()) {
	if sessionID == "" {
		return func() {}
	}

	m.cancelMu.Lock()
	m.genCounter++
	gen := m.genCounter
	if m.cancels[sessionID] == nil {
		m.cancels[sessionID] = make(map[int64]context.CancelFunc)
	}
	m.cancels[sessionID][gen] = cancel
	m.cancelMu.Unlock()

	return func() {
		m.cancelMu.Lock()
		delete(m.cancels[sessionID], gen)
		if len(m.cancels[sessionID]) == 0 {
			delete(m.cancels, sessionID)
		}
		m.cancelMu.Unlock()
	}
}

// CancelSession cancels every handler currently tracked under sessionID.
// It is exported so higher layers (C5 tool calls, C4 permissions) can
// trigger the same fan-out outside of the session/cancel notification
// path, e.g. when a session is torn down programmatically.
func (m *Mux) CancelSession(sessionID string) {
	if sessionID == "" {
		return
	}
	m.cancelMu.Lock()
	cancels := m.cancels[sessionID]
	delete(m.cancels, sessionID)
	m.cancelMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

const cancelMethod = "session/cancel"

func extractSessionID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.SessionID
}
