// Package fsprovider implements the filesystem tool.Provider (read_file,
// write_file) by making reverse fs/read_text_file and fs/write_text_file
// calls back into the ACP client, rather than touching the local disk
// directly — the client owns the workspace's files.
package fsprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/acp-adapter/internal/tool"
)

// Caller is the minimal reverse-call surface this provider needs;
// jsonrpc.Mux.Call satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Provider is the tool.Provider exposing read_file/write_file. Both tools
// are SessionScoped: the dispatcher injects `_sessionId` into their
// params, which this provider reads back out to address the right
// client-side session.
type Provider struct {
	caller Caller
}

// New builds a Provider that issues its reverse fs calls through caller.
func New(caller Caller) *Provider {
	return &Provider{caller: caller}
}

func (p *Provider) Name() string { return "filesystem" }

func (p *Provider) Tools() []tool.Tool {
	return []tool.Tool{
		{
			Name:        "read_file",
			Description: "Reads a text file from the client's workspace.",
			Parameters: tool.Schema{
				Type: "object",
				Properties: map[string]any{
					"path":  map[string]any{"type": "string"},
					"line":  map[string]any{"type": "integer"},
					"limit": map[string]any{"type": "integer"},
				},
				Required: []string{"path"},
			},
			SessionScoped: true,
			Handler:       p.readFile,
		},
		{
			Name:        "write_file",
			Description: "Writes a text file in the client's workspace.",
			Parameters: tool.Schema{
				Type: "object",
				Properties: map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				Required: []string{"path", "content"},
			},
			SessionScoped: true,
			Handler:       p.writeFile,
		},
	}
}

type readTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

type readTextFileResult struct {
	Content string `json:"content"`
}

func (p *Provider) readFile(ctx context.Context, params map[string]any) (tool.Result, error) {
	sessionID, _ := params["_sessionId"].(string)
	path, _ := params["path"].(string)

	req := readTextFileParams{SessionID: sessionID, Path: path}
	if v, ok := toIntPtr(params["line"]); ok {
		req.Line = v
	}
	if v, ok := toIntPtr(params["limit"]); ok {
		req.Limit = v
	}

	raw, err := p.caller.Call(ctx, "fs/read_text_file", req)
	if err != nil {
		return tool.Result{Success: false, Error: fmt.Sprintf("reading %s: %v", path, err)}, nil
	}
	var res readTextFileResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return tool.Result{Success: false, Error: fmt.Sprintf("parsing fs/read_text_file reply: %v", err)}, nil
	}
	return tool.Result{Success: true, Result: map[string]any{"path": path, "content": res.Content}}, nil
}

type writeTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

func (p *Provider) writeFile(ctx context.Context, params map[string]any) (tool.Result, error) {
	sessionID, _ := params["_sessionId"].(string)
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)

	_, err := p.caller.Call(ctx, "fs/write_text_file", writeTextFileParams{
		SessionID: sessionID, Path: path, Content: content,
	})
	if err != nil {
		return tool.Result{Success: false, Error: fmt.Sprintf("writing %s: %v", path, err)}, nil
	}
	return tool.Result{Success: true, Result: map[string]any{"path": path}}, nil
}

func toIntPtr(v any) (*int, bool) {
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i, true
	case int:
		return &n, true
	default:
		return nil, false
	}
}
