package adapter

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/acp-adapter/internal/agentbridge"
	"github.com/mark3labs/acp-adapter/internal/eventbus"
	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/logger"
)

type promptParams struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type promptResponse struct {
	StopReason string `json:"stopReason"`
}

// handlePrompt drives the upstream bridge for one prompt turn, forwarding
// every chunk/tool-call/plan/available-commands update it streams as a
// session/update notification to the client as it arrives.
func (a *Adapter) handlePrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	if a.bridge == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "no upstream assistant configured", nil)
	}

	var params promptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.InvalidParams("invalid params")
	}
	if params.SessionID == "" {
		return nil, jsonrpc.InvalidParams("sessionId is required")
	}

	s, ok := a.sessions.GetSession(params.SessionID)
	if !ok {
		return nil, jsonrpc.InvalidParams("unknown session")
	}

	a.openUpstreamSession(ctx, s)
	a.mu.Lock()
	upstreamID := a.upstreamIDs[s.ID]
	a.mu.Unlock()
	if upstreamID == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "upstream session unavailable", nil)
	}

	cb := agentbridge.Callbacks{
		OnText: func(text string) {
			a.emitUpdate(ctx, params.SessionID, map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": text},
			})
		},
		OnThinking: func(text string) {
			a.emitUpdate(ctx, params.SessionID, map[string]any{
				"sessionUpdate": "agent_thought_chunk",
				"content":       map[string]any{"type": "text", "text": text},
			})
		},
		OnToolCall: func(e agentbridge.ToolCallEvent) {
			a.emitToolCallUpdate(ctx, params.SessionID, e)
		},
		OnPlan: func(raw json.RawMessage) {
			a.emitRawUpdate(ctx, params.SessionID, raw)
		},
		OnAvailableCommandsUpdate: func(raw json.RawMessage) {
			a.emitRawUpdate(ctx, params.SessionID, raw)
		},
	}

	stopReason, err := a.bridge.Prompt(ctx, upstreamID, params.Text, cb)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error(), nil)
	}
	return promptResponse{StopReason: stopReason}, nil
}

type sessionUpdateNotification struct {
	SessionID string `json:"sessionId"`
	Update    any    `json:"update"`
}

func (a *Adapter) emitUpdate(ctx context.Context, sessionID string, update any) {
	a.publishOrNotify(ctx, sessionUpdateNotification{SessionID: sessionID, Update: update})
}

// emitRawUpdate forwards a sub-kind this adapter has no specific shape
// for (plan, available_commands_update) opaquely, preserving whatever the
// upstream bridge sent.
func (a *Adapter) emitRawUpdate(ctx context.Context, sessionID string, update json.RawMessage) {
	a.publishOrNotify(ctx, sessionUpdateNotification{SessionID: sessionID, Update: update})
}

// publishOrNotify routes a session/update through the event bus when one
// is wired (relayBusUpdates then delivers it to the client), or directly
// to the transport otherwise.
func (a *Adapter) publishOrNotify(ctx context.Context, notif sessionUpdateNotification) {
	if a.bus == nil {
		if err := a.mux.Notify(ctx, "session/update", notif); err != nil {
			logger.Warn("adapter: session/update notify for %s failed: %v", notif.SessionID, err)
		}
		return
	}

	data, err := json.Marshal(notif)
	if err != nil {
		logger.Warn("adapter: marshal session/update for %s failed: %v", notif.SessionID, err)
		return
	}
	if err := a.bus.Publish(eventbus.SessionSubject(notif.SessionID), data); err != nil {
		logger.Warn("adapter: publish session/update for %s failed: %v", notif.SessionID, err)
	}
}

func (a *Adapter) emitToolCallUpdate(ctx context.Context, sessionID string, e agentbridge.ToolCallEvent) {
	kind := "tool_call_update"
	if e.Status == "pending" {
		kind = "tool_call"
	}
	update := map[string]any{
		"sessionUpdate": kind,
		"toolCallId":    e.ToolCallID,
		"status":        e.Status,
	}
	if e.Title != "" {
		update["title"] = e.Title
	}
	if e.Kind != "" {
		update["kind"] = e.Kind
	}
	if e.RawInput != nil {
		update["rawInput"] = e.RawInput
	}
	if e.Output != "" {
		update["content"] = []map[string]any{
			{"type": "content", "content": map[string]any{"type": "text", "text": e.Output}},
		}
	}
	a.emitUpdate(ctx, sessionID, update)
}
