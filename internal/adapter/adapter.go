// Package adapter implements the adapter orchestrator (C10): it wires the
// transport mux, extension registry, permission broker, tool dispatcher,
// session manager, and the upstream assistant bridge into the one set of
// ACP methods an editor client actually calls.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/acp-adapter/internal/agentbridge"
	"github.com/mark3labs/acp-adapter/internal/eventbus"
	"github.com/mark3labs/acp-adapter/internal/extension"
	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/mark3labs/acp-adapter/internal/permission"
	"github.com/mark3labs/acp-adapter/internal/session"
	"github.com/mark3labs/acp-adapter/internal/tool"
)

const protocolVersion = 1

// Adapter is the C10 orchestrator: one instance per client connection,
// registering every ACP method this agent answers onto mux.
type Adapter struct {
	mux        *jsonrpc.Mux
	sessions   *session.Manager
	tools      *tool.Dispatcher
	toolReg    *tool.Registry
	perms      *permission.Broker
	extensions *extension.Registry
	bridge     agentbridge.PromptBridge
	bus        *eventbus.Bus

	agentName    string
	agentVersion string

	mu          sync.Mutex
	upstreamIDs map[string]string // sessionId -> upstream assistant session id
}

// Deps names every already-constructed subsystem an Adapter wires
// together. Bridge may be nil (no upstream assistant configured); prompt
// then fails with a Protocol error rather than panicking. Bus may be nil
// (session/update notifications are then sent to the client directly
// instead of fanning out through the event bus), which is how tests
// exercise the adapter without standing up an embedded NATS server.
type Deps struct {
	Mux          *jsonrpc.Mux
	Sessions     *session.Manager
	Tools        *tool.Dispatcher
	ToolRegistry *tool.Registry
	Permissions  *permission.Broker
	Extensions   *extension.Registry
	Bridge       agentbridge.PromptBridge
	Bus          *eventbus.Bus
	AgentName    string
	AgentVersion string
}

// New builds an Adapter and registers its handlers onto deps.Mux. If
// deps.Bus is set, every session/update this adapter emits is published
// to the bus rather than written straight to the transport, and a
// standing subscription relays bus traffic back out to the client —
// the same fan-out path any other in-process subscriber (e.g. an MCP
// bridge mirroring tool call progress) can tap into independently.
func New(deps Deps) *Adapter {
	a := &Adapter{
		mux:          deps.Mux,
		sessions:     deps.Sessions,
		tools:        deps.Tools,
		toolReg:      deps.ToolRegistry,
		perms:        deps.Permissions,
		extensions:   deps.Extensions,
		bridge:       deps.Bridge,
		bus:          deps.Bus,
		agentName:    deps.AgentName,
		agentVersion: deps.AgentVersion,
		upstreamIDs:  make(map[string]string),
	}
	a.register()
	if a.bus != nil {
		a.relayBusUpdates()
	}
	return a
}

// relayBusUpdates subscribes to every session's update subject and
// forwards each payload to the client as a session/update notification,
// preserving whatever shape the publisher (emitUpdate/emitRawUpdate)
// put on the bus.
func (a *Adapter) relayBusUpdates() {
	_, err := a.bus.Subscribe("session.*.update", func(data []byte) {
		var notif sessionUpdateNotification
		if err := json.Unmarshal(data, &notif); err != nil {
			logger.Warn("adapter: malformed bus update: %v", err)
			return
		}
		if err := a.mux.Notify(context.Background(), "session/update", notif); err != nil {
			logger.Warn("adapter: relaying bus update for %s failed: %v", notif.SessionID, err)
		}
	})
	if err != nil {
		logger.Warn("adapter: subscribing to session update bus failed: %v", err)
	}
}

func (a *Adapter) register() {
	a.mux.SetExtensionResolver(a.extensions)

	a.mux.Handle("initialize", a.handleInitialize)
	a.mux.Handle("session/new", a.handleSessionNew)
	a.mux.Handle("session/load", a.handleSessionLoad)
	a.mux.Handle("session/set_mode", a.handleSetMode)
	a.mux.Handle("session/request_permission", a.handleRequestPermission)
	a.mux.Handle("tools/call", a.handleToolsCall)
	a.mux.Handle("prompt", a.handlePrompt)

	a.mux.HandleNotification("session/cancel", a.handleSessionCancel)
}

// --- initialize ---

type modeState struct {
	CurrentModeID  string   `json:"currentModeId"`
	AvailableModes []string `json:"availableModes"`
}

type agentCapabilities struct {
	Tools      []string                       `json:"tools"`
	Providers  []string                       `json:"providers"`
	Filesystem bool                           `json:"filesystem"`
	Cursor     bool                           `json:"cursor"`
	Modes      modeState                      `json:"modes"`
	Meta       map[string]extension.Namespace `json:"_meta,omitempty"`
}

type initializeResponse struct {
	ProtocolVersion int    `json:"protocolVersion"`
	AgentName       string `json:"agentName,omitempty"`
	AgentVersion    string `json:"agentVersion,omitempty"`
	// AuthMethods is always empty: authentication is out of scope for this
	// adapter, but its presence on the wire matches what other ACP clients
	// expect from an initialize response.
	AuthMethods  []string          `json:"authMethods"`
	Capabilities agentCapabilities `json:"agentCapabilities"`
}

func (a *Adapter) handleInitialize(ctx context.Context, _ json.RawMessage) (any, error) {
	toolCaps := a.toolReg.Capabilities()
	catalog := a.sessions.Catalog()

	return initializeResponse{
		ProtocolVersion: protocolVersion,
		AgentName:       a.agentName,
		AgentVersion:    a.agentVersion,
		AuthMethods:     []string{},
		Capabilities: agentCapabilities{
			Tools:      toolCaps.Tools,
			Providers:  toolCaps.Providers,
			Filesystem: toolCaps.Filesystem,
			Cursor:     toolCaps.Cursor,
			Modes: modeState{
				CurrentModeID:  catalog.Default(),
				AvailableModes: catalog.IDs(),
			},
			Meta: a.extensions.Capabilities(),
		},
	}, nil
}

// --- session/new, session/load ---

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	Name       string `json:"name,omitempty"`
	Mode       string `json:"mode,omitempty"`
	McpServers []any  `json:"mcpServers,omitempty"`
}

type loadSessionParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Name      string `json:"name,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type sessionResponse struct {
	SessionID      string   `json:"sessionId"`
	CurrentModeID  string   `json:"currentModeId"`
	AvailableModes []string `json:"availableModes"`
}

func (a *Adapter) toResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		SessionID:      s.ID,
		CurrentModeID:  s.Mode,
		AvailableModes: a.sessions.Catalog().IDs(),
	}
}

func decodeCwd(raw json.RawMessage, out *string) error {
	var probe struct {
		Cwd any `json:"cwd"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return jsonrpc.InvalidParams("invalid params")
	}
	s, ok := probe.Cwd.(string)
	if !ok {
		return jsonrpc.InvalidParams("cwd must be a string")
	}
	*out = s
	return nil
}

func (a *Adapter) handleSessionNew(ctx context.Context, raw json.RawMessage) (any, error) {
	var cwd string
	if err := decodeCwd(raw, &cwd); err != nil {
		return nil, err
	}
	var params newSessionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.InvalidParams("invalid params")
	}

	s, err := a.sessions.CreateSession(cwd, session.NewOptions{Name: params.Name, Mode: params.Mode})
	if err != nil {
		return nil, err
	}

	a.openUpstreamSession(ctx, s)
	return a.toResponse(s), nil
}

func (a *Adapter) handleSessionLoad(ctx context.Context, raw json.RawMessage) (any, error) {
	var cwd string
	if err := decodeCwd(raw, &cwd); err != nil {
		return nil, err
	}
	var params loadSessionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.InvalidParams("invalid params")
	}
	if params.SessionID == "" {
		return nil, jsonrpc.InvalidParams("sessionId is required")
	}

	s, err := a.sessions.LoadSession(params.SessionID, cwd, session.NewOptions{Name: params.Name, Mode: params.Mode})
	if err != nil {
		return nil, err
	}

	a.openUpstreamSession(ctx, s)
	// session/load returns the same {currentModeId, availableModes} shape
	// as session/new rather than a bespoke response shape.
	return a.toResponse(s), nil
}

// openUpstreamSession opens (or reuses) the bridge-side session backing
// s, best-effort: a bridge failure here is logged, not surfaced, since a
// session is still usable for tool calls with no assistant wired.
func (a *Adapter) openUpstreamSession(ctx context.Context, s *session.Session) {
	if a.bridge == nil {
		return
	}
	a.mu.Lock()
	_, exists := a.upstreamIDs[s.ID]
	a.mu.Unlock()
	if exists {
		return
	}

	upstreamID, err := a.bridge.NewUpstreamSession(ctx, s.Cwd)
	if err != nil {
		logger.Warn("adapter: opening upstream session for %s failed: %v", s.ID, err)
		return
	}
	a.mu.Lock()
	a.upstreamIDs[s.ID] = upstreamID
	a.mu.Unlock()
}

// --- session/set_mode ---

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type setModeResponse struct {
	PreviousModeID string `json:"previousModeId"`
}

func (a *Adapter) handleSetMode(ctx context.Context, raw json.RawMessage) (any, error) {
	var params setModeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.InvalidParams("invalid params")
	}
	previous, err := a.sessions.SetSessionMode(params.SessionID, params.ModeID)
	if err != nil {
		return nil, err
	}
	return setModeResponse{PreviousModeID: previous}, nil
}

// --- session/cancel ---

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

func (a *Adapter) handleSessionCancel(ctx context.Context, raw json.RawMessage) error {
	var params cancelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil
	}
	if params.SessionID == "" {
		return nil
	}
	a.sessions.CancelSession(ctx, params.SessionID)
	return nil
}

// --- session/request_permission ---

// handleRequestPermission answers an inbound permission evaluation with
// the broker's non-interactive default policy (§4.4.1); the interactive
// flow is the agent's own outbound session/request_permission call into
// the client (wired via RequestPermissionFromClient), not this handler.
func (a *Adapter) handleRequestPermission(ctx context.Context, raw json.RawMessage) (any, error) {
	var req permission.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, jsonrpc.InvalidParams("invalid params")
	}
	outcome, err := a.perms.Request(req)
	if err != nil {
		return nil, err
	}
	return struct {
		Outcome permission.Outcome `json:"outcome"`
	}{Outcome: outcome}, nil
}

// muxPrompter drives an interactive permission request over the reverse
// channel, calling session/request_permission on the client and awaiting
// its reply — the agent-initiated direction of the same method name
// handleRequestPermission answers when the client is the caller.
type muxPrompter struct {
	mux *jsonrpc.Mux
}

func (p muxPrompter) Prompt(ctx context.Context, req permission.Request) (string, error) {
	raw, err := p.mux.Call(ctx, "session/request_permission", req)
	if err != nil {
		return "", err
	}
	var result struct {
		Outcome permission.Outcome `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("adapter: parse permission reply: %w", err)
	}
	return result.Outcome.OptionID, nil
}

// RequestPermissionFromClient asks the client to resolve req interactively
// over the reverse channel, falling back to the broker's default timeout
// behavior if the client never replies.
func (a *Adapter) RequestPermissionFromClient(ctx context.Context, req permission.Request) (permission.Outcome, error) {
	return a.perms.RequestInteractive(ctx, req, muxPrompter{mux: a.mux})
}

// --- tools/call ---

type toolsCallParams struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

func (a *Adapter) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var params toolsCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.InvalidParams("invalid params")
	}
	sessionID, _ := params.Parameters["sessionId"].(string)
	return a.tools.Execute(ctx, sessionID, params.Name, params.Parameters), nil
}
