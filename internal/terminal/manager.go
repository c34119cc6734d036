// Package terminal implements the terminal subsystem (C7): it enforces
// the command/output/concurrency policy in front of the client's
// terminal/* calls and tracks every terminal it opens so sessions can be
// torn down cleanly.
package terminal

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/acp-adapter/internal/config"
	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/logger"
)

// terminalNotSupportedCode is a server-defined JSON-RPC error code (within
// the -32000..-32099 implementation-defined range) for a terminal request
// made when the client never advertised terminal support.
const terminalNotSupportedCode = -32010

// ErrTerminalLimitReached's code; distinct from terminalNotSupportedCode so
// callers can tell "never available" from "busy right now" apart.
const terminalLimitCode = -32011

func errTerminalNotSupported() error {
	return jsonrpc.NewError(terminalNotSupportedCode, "terminal support is not enabled", map[string]any{"kind": "terminal_not_supported"})
}

// ExitStatus is a finished terminal's exit shape.
type ExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// CreateRequest is the already-policy-checked request forwarded to the
// client's terminal/create.
type CreateRequest struct {
	Command         string
	Args            []string
	Cwd             string
	Env             map[string]string
	OutputByteLimit int
}

// ClientHandle is the client-side terminal handle a Client hands back
// from CreateTerminal.
type ClientHandle interface {
	CurrentOutput(ctx context.Context) (output string, truncated bool, err error)
	WaitForExit(ctx context.Context) (ExitStatus, error)
	Kill(ctx context.Context) error
	Release(ctx context.Context) error
}

// Client is the reverse-channel surface the terminal manager drives;
// MuxClient implements it over a jsonrpc.Mux in production.
type Client interface {
	CreateTerminal(ctx context.Context, sessionID string, req CreateRequest) (ClientHandle, error)
}

// ManagedTerminalHandle wraps a client handle with manager bookkeeping: its
// Release both releases the client-side terminal and drops manager
// tracking, exactly once regardless of how many times it's called.
type ManagedTerminalHandle struct {
	ID        string
	SessionID string
	Command   string

	mgr         *Manager
	client      ClientHandle
	releaseOnce sync.Once
	releaseErr  error

	mu       sync.Mutex
	released bool
}

var errTerminalAlreadyReleased = fmt.Errorf("Terminal already released")

func (h *ManagedTerminalHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *ManagedTerminalHandle) CurrentOutput(ctx context.Context) (string, bool, error) {
	if h.isReleased() {
		return "", false, errTerminalAlreadyReleased
	}
	return h.client.CurrentOutput(ctx)
}

func (h *ManagedTerminalHandle) WaitForExit(ctx context.Context) (ExitStatus, error) {
	if h.isReleased() {
		return ExitStatus{}, errTerminalAlreadyReleased
	}
	return h.client.WaitForExit(ctx)
}

func (h *ManagedTerminalHandle) Kill(ctx context.Context) error {
	if h.isReleased() {
		return errTerminalAlreadyReleased
	}
	return h.client.Kill(ctx)
}

// Release calls through to the client's release and drops this handle
// from the manager's active set. Safe to call more than once.
func (h *ManagedTerminalHandle) Release(ctx context.Context) error {
	h.releaseOnce.Do(func() {
		h.releaseErr = h.client.Release(ctx)
		h.mgr.untrack(h.ID)
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
	})
	return h.releaseErr
}

// Manager enforces the §4.7 policy in front of Client and tracks every
// terminal it has opened.
type Manager struct {
	client Client
	cfg    config.TerminalConfig

	mu     sync.Mutex
	active map[string]*ManagedTerminalHandle
}

// NewManager builds a Manager over client, enforcing cfg's policy.
func NewManager(client Client, cfg config.TerminalConfig) *Manager {
	return &Manager{
		client: client,
		cfg:    cfg,
		active: make(map[string]*ManagedTerminalHandle),
	}
}

func (m *Manager) newID() string {
	return "term_" + uuid.New().String()
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// Create runs the §4.7 policy checks in order and, once they pass,
// forwards the request to the client and tracks the resulting handle.
func (m *Manager) Create(ctx context.Context, sessionID string, req CreateRequest) (*ManagedTerminalHandle, error) {
	if !m.cfg.Enabled {
		return nil, errTerminalNotSupported()
	}

	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, jsonrpc.InvalidParams("Invalid command: must be a non-empty string")
	}
	for _, forbidden := range m.cfg.ForbiddenCommands {
		if forbidden != "" && strings.Contains(req.Command, forbidden) {
			return nil, jsonrpc.InvalidParams("Command contains forbidden pattern")
		}
	}
	if len(m.cfg.AllowedCommands) > 0 && !contains(m.cfg.AllowedCommands, firstToken(command)) {
		return nil, jsonrpc.InvalidParams("Command not in allowed list")
	}

	limit := req.OutputByteLimit
	if limit < 0 {
		return nil, jsonrpc.InvalidParams("outputByteLimit must not be negative")
	}
	if limit == 0 {
		limit = m.cfg.DefaultOutputByteLimit
	}
	if m.cfg.MaxOutputByteLimit > 0 && limit > m.cfg.MaxOutputByteLimit {
		logger.Warn("terminal: outputByteLimit %d exceeds max %d, capping", limit, m.cfg.MaxOutputByteLimit)
		limit = m.cfg.MaxOutputByteLimit
	}

	m.mu.Lock()
	if len(m.active) >= m.cfg.MaxConcurrentTerminals {
		m.mu.Unlock()
		return nil, jsonrpc.NewError(terminalLimitCode, "Maximum concurrent terminals reached", nil)
	}
	m.mu.Unlock()

	outReq := req
	outReq.OutputByteLimit = limit
	clientHandle, err := m.client.CreateTerminal(ctx, sessionID, outReq)
	if err != nil {
		return nil, err
	}

	handle := &ManagedTerminalHandle{
		ID:        m.newID(),
		SessionID: sessionID,
		Command:   req.Command,
		mgr:       m,
		client:    clientHandle,
	}

	m.mu.Lock()
	m.active[handle.ID] = handle
	m.mu.Unlock()

	return handle, nil
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Active returns the count of currently tracked (not yet released)
// terminals.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ReleaseSession releases every terminal tracked against sessionID, part
// of the session/cancel fan-out (§5(d)). Best-effort: a release failure is
// logged and does not stop the rest from being released.
func (m *Manager) ReleaseSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	var handles []*ManagedTerminalHandle
	for _, h := range m.active {
		if h.SessionID == sessionID {
			handles = append(handles, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Release(ctx); err != nil {
			logger.Warn("terminal: releasing %s for session %s failed: %v", h.ID, sessionID, err)
		}
	}
}
