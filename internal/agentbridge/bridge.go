// Package agentbridge implements the agent bridge facade (C11): a thin
// indirection to the upstream coding assistant plus capability
// advertisement. The upstream assistant is addressed as its own
// ACP-speaking agent process, driven the way this adapter's own transport
// drives its editor client (§6's newline-delimited JSON-RPC framing),
// mirroring the teacher's agent.Runner/acpConn pairing one level up.
package agentbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/mark3labs/acp-adapter/internal/terminal"
)

// ToolCallEvent is a tool-call lifecycle notification the upstream
// assistant reported against its own session.
type ToolCallEvent struct {
	ToolCallID string
	Title      string
	Status     string
	Kind       string
	RawInput   map[string]any
	Output     string
}

// Callbacks receives every session/update sub-kind a Prompt call streams.
// Any field left nil is simply not invoked.
type Callbacks struct {
	OnText                    func(text string)
	OnThinking                func(text string)
	OnToolCall                func(ToolCallEvent)
	OnPlan                    func(raw json.RawMessage)
	OnAvailableCommandsUpdate func(raw json.RawMessage)
}

// AssistantBridge is the opaque indirection to the upstream coding
// assistant (§1's "out of scope" AssistantBridge interface).
type AssistantBridge interface {
	Version() string
	CheckAuth(ctx context.Context) error
	Close() error
}

// PromptBridge is the AssistantBridge extension C10's prompt handler
// drives: it opens an upstream session for cwd and streams one prompt
// turn through cb until a stop reason is reached.
type PromptBridge interface {
	AssistantBridge
	NewUpstreamSession(ctx context.Context, cwd string) (string, error)
	Prompt(ctx context.Context, upstreamSessionID, text string, cb Callbacks) (stopReason string, err error)
}

// Config names the upstream assistant executable to spawn. Files, when
// set, lets the bridge answer the fs/read_text_file and
// fs/write_text_file reverse calls it advertised support for in
// initialize() by forwarding them to the real ACP client; left nil, those
// reverse calls fail with a Method not found error instead of hanging.
// Terminals, when set, does the same for terminal/create and its sibling
// methods, routed through the §4.7 policy exactly as a terminal opened by
// our own transport would be.
type Config struct {
	Command   string
	Args      []string
	Dir       string
	Env       []string
	Files     FileAccessor
	Terminals *terminal.Manager
}

// ProcessBridge spawns the upstream assistant as a subprocess and speaks
// ACP to it over stdio.
type ProcessBridge struct {
	cmd     *exec.Cmd
	conn    *conn
	version string
}

// Spawn starts the upstream assistant process and completes its ACP
// initialize handshake.
func Spawn(ctx context.Context, cfg Config) (*ProcessBridge, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agentbridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentbridge: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentbridge: start %s: %w", cfg.Command, err)
	}

	b := newProcessBridge(cmd, stdin, stdout, cfg.Files, cfg.Terminals)
	if err := b.initialize(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// newProcessBridge wires a ProcessBridge over already-open pipes, without
// spawning a process — the seam tests use to drive a fake upstream
// assistant via io.Pipe.
func newProcessBridge(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, files FileAccessor, terminals *terminal.Manager) *ProcessBridge {
	return &ProcessBridge{cmd: cmd, conn: newConn(stdin, stdout, files, terminals)}
}

func (b *ProcessBridge) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: 1,
		ClientCapabilities: clientCapabilities{
			Fs:       fsCapability{ReadTextFile: true, WriteTextFile: true},
			Terminal: b.conn.terminals != nil,
		},
	}
	reqID, err := b.conn.sendRequest("initialize", params)
	if err != nil {
		return err
	}
	resp, err := b.conn.waitForResponse(ctx, reqID, nil)
	if err != nil {
		return fmt.Errorf("agentbridge: initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("agentbridge: initialize failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("agentbridge: parse initialize result: %w", err)
	}
	if result.AgentInfo != nil {
		b.version = result.AgentInfo.Version
		logger.Debug("agentbridge: upstream %s v%s", result.AgentInfo.Name, result.AgentInfo.Version)
	}
	return nil
}

// Version reports the upstream assistant's self-reported version, or ""
// if initialize never returned one (§9 open question: auth/agentInfo
// fields are bridge-implementation-specific and may be absent).
func (b *ProcessBridge) Version() string { return b.version }

// CheckAuth is a no-op: auth is out of scope for this adapter (§1), and
// this bridge has no standalone auth probe of its own.
func (b *ProcessBridge) CheckAuth(ctx context.Context) error { return nil }

// Close signals EOF to the upstream process's stdin and waits for it to
// exit.
func (b *ProcessBridge) Close() error {
	closeErr := b.conn.close()
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Wait()
	}
	return closeErr
}

// NewUpstreamSession opens a session on the upstream assistant for cwd.
func (b *ProcessBridge) NewUpstreamSession(ctx context.Context, cwd string) (string, error) {
	reqID, err := b.conn.sendRequest("session/new", newSessionParams{Cwd: cwd, McpServers: []any{}})
	if err != nil {
		return "", err
	}
	resp, err := b.conn.waitForResponse(ctx, reqID, nil)
	if err != nil {
		return "", fmt.Errorf("agentbridge: session/new: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("agentbridge: session/new failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	var result newSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("agentbridge: parse session/new result: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("agentbridge: session/new response missing sessionId")
	}
	return result.SessionID, nil
}

// Prompt sends text to the upstream session and streams every
// session/update it emits into cb until the matching prompt response
// arrives, returning its stop reason.
func (b *ProcessBridge) Prompt(ctx context.Context, upstreamSessionID, text string, cb Callbacks) (string, error) {
	params := promptParams{SessionID: upstreamSessionID, Prompt: []contentBlock{{Type: "text", Text: text}}}
	reqID, err := b.conn.sendRequest("session/prompt", params)
	if err != nil {
		return "", err
	}

	resp, err := b.conn.waitForResponse(ctx, reqID, func(msg wireMessage) {
		dispatchUpdate(msg.Params, cb)
	})
	if err != nil {
		return "", fmt.Errorf("agentbridge: session/prompt: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("agentbridge: session/prompt failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	var result promptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		logger.Warn("agentbridge: parse session/prompt result: %v", err)
		return "end_turn", nil
	}
	if result.StopReason == "" {
		return "end_turn", nil
	}
	return result.StopReason, nil
}

// dispatchUpdate discriminates one session/update notification by its
// sessionUpdate field and routes it to the matching callback. Sub-kinds
// this bridge has no specific handling for (plan,
// available_commands_update) are forwarded opaquely per the §3 supplement
// rather than dropped.
func dispatchUpdate(raw json.RawMessage, cb Callbacks) {
	var params sessionUpdateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		logger.Warn("agentbridge: parse session/update params: %v", err)
		return
	}
	var kind sessionUpdateKind
	if err := json.Unmarshal(params.Update, &kind); err != nil {
		logger.Warn("agentbridge: parse session/update kind: %v", err)
		return
	}

	switch kind.SessionUpdate {
	case "agent_message_chunk":
		var chunk agentMessageChunk
		if err := json.Unmarshal(params.Update, &chunk); err == nil && cb.OnText != nil {
			cb.OnText(chunk.Content.Text)
		}
	case "agent_thought_chunk":
		var chunk agentThoughtChunk
		if err := json.Unmarshal(params.Update, &chunk); err == nil && cb.OnThinking != nil {
			cb.OnThinking(chunk.Content.Text)
		}
	case "tool_call":
		var tc toolCallWire
		if err := json.Unmarshal(params.Update, &tc); err == nil && cb.OnToolCall != nil {
			cb.OnToolCall(ToolCallEvent{ToolCallID: tc.ToolCallID, Title: tc.Title, Status: tc.Status, Kind: tc.Kind, RawInput: tc.RawInput})
		}
	case "tool_call_update":
		var tcu toolCallUpdateWire
		if err := json.Unmarshal(params.Update, &tcu); err == nil && cb.OnToolCall != nil {
			event := ToolCallEvent{ToolCallID: tcu.ToolCallID, Title: tcu.Title, Status: tcu.Status, Kind: tcu.Kind, RawInput: tcu.RawInput}
			if (tcu.Status == "completed" || tcu.Status == "failed") && len(tcu.Content) > 0 {
				event.Output = tcu.Content[0].Content.Text
			}
			cb.OnToolCall(event)
		}
	case "plan":
		if cb.OnPlan != nil {
			cb.OnPlan(params.Update)
		}
	case "available_commands_update":
		if cb.OnAvailableCommandsUpdate != nil {
			cb.OnAvailableCommandsUpdate(params.Update)
		}
	default:
		logger.Debug("agentbridge: unrecognized session/update kind %q", kind.SessionUpdate)
	}
}

var _ PromptBridge = (*ProcessBridge)(nil)
