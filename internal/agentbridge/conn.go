package agentbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/mark3labs/acp-adapter/internal/terminal"
)

// FileAccessor is the minimal reverse-call surface conn needs to answer a
// fs/read_text_file or fs/write_text_file request the upstream assistant
// sends back to us; *jsonrpc.Mux satisfies it the same way it satisfies
// fsprovider.Caller.
type FileAccessor interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// conn wraps the stdin/stdout pipes of an upstream assistant process,
// speaking the same newline-delimited JSON-RPC 2.0 framing this adapter
// itself speaks to its editor client (§6) — the upstream assistant is
// addressed as an ACP agent in its own right.
type conn struct {
	stdin     io.WriteCloser
	reader    *bufio.Reader
	encoder   *json.Encoder
	reqID     atomic.Int64
	files     FileAccessor
	terminals *terminal.Manager

	termMu      sync.Mutex
	termHandles map[string]*terminal.ManagedTerminalHandle
}

func newConn(stdin io.WriteCloser, stdout io.Reader, files FileAccessor, terminals *terminal.Manager) *conn {
	return &conn{
		stdin:     stdin,
		reader:    bufio.NewReader(stdout),
		encoder:   json.NewEncoder(stdin),
		files:     files,
		terminals: terminals,
	}
}

func (c *conn) sendRequest(method string, params any) (int64, error) {
	id := c.reqID.Add(1)
	req := wireRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	logger.Debug("agentbridge: request [%d] %s", id, method)
	if err := c.encoder.Encode(req); err != nil {
		return 0, fmt.Errorf("agentbridge: encode %s request: %w", method, err)
	}
	return id, nil
}

func (c *conn) sendNotification(method string, params any) error {
	notif := wireRequest{JSONRPC: "2.0", Method: method, Params: params}
	return c.encoder.Encode(notif)
}

func (c *conn) readMessage() (*wireMessage, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("agentbridge: read message: %w", err)
	}
	var msg wireMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("agentbridge: parse message: %w (raw: %s)", err, line)
	}
	return &msg, nil
}

func (c *conn) close() error {
	return c.stdin.Close()
}

// waitForResponse reads messages until reqID's response arrives, routing
// every session/update notification seen along the way to onUpdate and
// answering every genuine inbound request (fs/read_text_file and the
// like) as it's seen. The read itself runs on a background goroutine so a
// cancelled ctx can return immediately instead of waiting on a read that
// may never unblock; that goroutine leaks until the next message arrives
// (or the pipe closes), which is acceptable since conn.close() unblocks it
// on shutdown.
func (c *conn) waitForResponse(ctx context.Context, reqID int64, onUpdate func(wireMessage)) (*wireMessage, error) {
	type readResult struct {
		msg *wireMessage
		err error
	}

	for {
		ch := make(chan readResult, 1)
		go func() {
			msg, err := c.readMessage()
			ch <- readResult{msg, err}
		}()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.err != nil {
				return nil, r.err
			}
			msg := r.msg

			if msg.Method != "" && msg.ID != nil {
				// Inbound request from the upstream assistant, not a
				// response to anything we sent — answer it inline and
				// keep waiting for reqID's actual response.
				c.handleInboundRequest(ctx, msg)
				continue
			}
			if msg.ID == nil {
				if msg.Method == "session/update" && onUpdate != nil {
					onUpdate(*msg)
				}
				continue
			}
			if *msg.ID != reqID {
				continue
			}
			return msg, nil
		}
	}
}

// handleInboundRequest answers a reverse call the upstream assistant made
// on this connection — the counterpart to the fs capabilities advertised
// in initialize() — by forwarding it to the real ACP client via c.files
// and writing a JSON-RPC response back over c.encoder.
func (c *conn) handleInboundRequest(ctx context.Context, msg *wireMessage) {
	result, rpcErr := c.dispatchInbound(ctx, msg.Method, msg.Params)

	resp := wireMessage{JSONRPC: "2.0", ID: msg.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}

	logger.Debug("agentbridge: responding to inbound %s [%d]", msg.Method, *msg.ID)
	if err := c.encoder.Encode(resp); err != nil {
		logger.Warn("agentbridge: encode inbound %s response: %v", msg.Method, err)
	}
}

func (c *conn) dispatchInbound(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *wireError) {
	switch method {
	case "fs/read_text_file", "fs/write_text_file":
		if c.files == nil {
			return nil, &wireError{Code: -32601, Message: "Method not found: " + method}
		}
		result, err := c.files.Call(ctx, method, params)
		if err != nil {
			return nil, &wireError{Code: -32603, Message: err.Error()}
		}
		return result, nil
	case "terminal/create", "terminal/output", "terminal/wait_for_exit", "terminal/kill", "terminal/release":
		result, err := c.dispatchTerminal(ctx, method, params)
		if err != nil {
			return nil, &wireError{Code: -32603, Message: err.Error()}
		}
		return result, nil
	default:
		logger.Warn("agentbridge: unsupported inbound request %s", method)
		return nil, &wireError{Code: -32601, Message: "Method not found: " + method}
	}
}

// terminalCreateParams mirrors terminal.MuxClient's wire shape, since the
// upstream assistant is driving the same terminal/* methods our own
// MuxClient drives against the real ACP client one hop further out.
type terminalCreateParams struct {
	SessionID       string            `json:"sessionId"`
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	OutputByteLimit int               `json:"outputByteLimit,omitempty"`
}

type terminalIDParams struct {
	TerminalID string `json:"terminalId"`
}

// dispatchTerminal forwards one terminal/* reverse call to this adapter's
// own terminal.Manager (so the §4.7 policy applies to terminals the
// upstream assistant opens, exactly as it applies to ones opened through
// our own transport), tracking the handle terminal/create returns by id so
// later output/wait_for_exit/kill/release calls can find it again.
func (c *conn) dispatchTerminal(ctx context.Context, method string, raw json.RawMessage) (json.RawMessage, error) {
	if c.terminals == nil {
		return nil, fmt.Errorf("terminal support is not enabled")
	}

	if method == "terminal/create" {
		var p terminalCreateParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("parse terminal/create params: %w", err)
		}
		handle, err := c.terminals.Create(ctx, p.SessionID, terminal.CreateRequest{
			Command: p.Command, Args: p.Args, Cwd: p.Cwd, Env: p.Env, OutputByteLimit: p.OutputByteLimit,
		})
		if err != nil {
			return nil, err
		}
		c.termMu.Lock()
		if c.termHandles == nil {
			c.termHandles = make(map[string]*terminal.ManagedTerminalHandle)
		}
		c.termHandles[handle.ID] = handle
		c.termMu.Unlock()
		return json.Marshal(map[string]string{"terminalId": handle.ID})
	}

	var p terminalIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse %s params: %w", method, err)
	}
	c.termMu.Lock()
	handle, ok := c.termHandles[p.TerminalID]
	c.termMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown terminal %q", p.TerminalID)
	}

	switch method {
	case "terminal/output":
		output, truncated, err := handle.CurrentOutput(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"output": output, "truncated": truncated})
	case "terminal/wait_for_exit":
		status, err := handle.WaitForExit(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(status)
	case "terminal/kill":
		if err := handle.Kill(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{})
	case "terminal/release":
		err := handle.Release(ctx)
		c.termMu.Lock()
		delete(c.termHandles, p.TerminalID)
		c.termMu.Unlock()
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{})
	default:
		return nil, fmt.Errorf("unsupported terminal method %s", method)
	}
}

// wireRequest is the outbound JSON-RPC 2.0 envelope this side sends.
type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// wireMessage is the inbound (and, for replies, outbound) envelope: a
// response to one of our requests (ID set, Method empty), a notification
// (ID nil, Method set), or an inbound request from the upstream assistant
// (both ID and Method set) that we must answer over the same connection.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
}

type clientCapabilities struct {
	Fs       fsCapability `json:"fs"`
	Terminal bool         `json:"terminal"`
}

type fsCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type initializeResult struct {
	AgentInfo *struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"agentInfo,omitempty"`
	AuthMethods []string `json:"authMethods,omitempty"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type sessionUpdateKind struct {
	SessionUpdate string `json:"sessionUpdate"`
}

type agentMessageChunk struct {
	Content contentPart `json:"content"`
}

type agentThoughtChunk struct {
	Content contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallWire struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	RawInput   map[string]any `json:"rawInput"`
}

type toolCallUpdateWire struct {
	ToolCallID string                `json:"toolCallId"`
	Title      string                `json:"title"`
	Kind       string                `json:"kind"`
	Status     string                `json:"status"`
	RawInput   map[string]any        `json:"rawInput"`
	Content    []toolCallContentWire `json:"content,omitempty"`
}

type toolCallContentWire struct {
	Type    string      `json:"type"`
	Content contentPart `json:"content"`
}
