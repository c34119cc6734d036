package terminal

import (
	"context"
	"encoding/json"
)

// Caller is the minimal reverse-call surface MuxClient needs;
// jsonrpc.Mux.Call satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// MuxClient implements Client over a Caller, driving the client's
// terminal/create, terminal/output, terminal/wait_for_exit, terminal/kill
// and terminal/release methods.
type MuxClient struct {
	caller Caller
}

// NewMuxClient builds a MuxClient over caller.
func NewMuxClient(caller Caller) *MuxClient {
	return &MuxClient{caller: caller}
}

type wireCreateParams struct {
	SessionID       string            `json:"sessionId"`
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	OutputByteLimit int               `json:"outputByteLimit,omitempty"`
}

// CreateTerminal implements Client.
func (c *MuxClient) CreateTerminal(ctx context.Context, sessionID string, req CreateRequest) (ClientHandle, error) {
	params := wireCreateParams{
		SessionID:       sessionID,
		Command:         req.Command,
		Args:            req.Args,
		Cwd:             req.Cwd,
		Env:             req.Env,
		OutputByteLimit: req.OutputByteLimit,
	}
	raw, err := c.caller.Call(ctx, "terminal/create", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &muxHandle{caller: c.caller, terminalID: result.TerminalID}, nil
}

// muxHandle implements ClientHandle over the reverse channel, addressing
// the open terminal by the id the client returned from terminal/create.
type muxHandle struct {
	caller     Caller
	terminalID string
}

func (h *muxHandle) CurrentOutput(ctx context.Context) (string, bool, error) {
	raw, err := h.caller.Call(ctx, "terminal/output", map[string]any{"terminalId": h.terminalID})
	if err != nil {
		return "", false, err
	}
	var result struct {
		Output    string `json:"output"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, err
	}
	return result.Output, result.Truncated, nil
}

func (h *muxHandle) WaitForExit(ctx context.Context) (ExitStatus, error) {
	raw, err := h.caller.Call(ctx, "terminal/wait_for_exit", map[string]any{"terminalId": h.terminalID})
	if err != nil {
		return ExitStatus{}, err
	}
	var status ExitStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return ExitStatus{}, err
	}
	return status, nil
}

func (h *muxHandle) Kill(ctx context.Context) error {
	_, err := h.caller.Call(ctx, "terminal/kill", map[string]any{"terminalId": h.terminalID})
	return err
}

func (h *muxHandle) Release(ctx context.Context) error {
	_, err := h.caller.Call(ctx, "terminal/release", map[string]any{"terminalId": h.terminalID})
	return err
}
