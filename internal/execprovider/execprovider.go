// Package execprovider implements the tool.Provider wrapping the terminal
// subsystem's (C7) execute helpers, so run_command/run_commands reach
// terminal.Manager.Create the same way read_file/write_file reach the
// client's fs/* methods through fsprovider.
package execprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/acp-adapter/internal/terminal"
	"github.com/mark3labs/acp-adapter/internal/tool"
)

// defaultTimeout bounds a single run_command call when the caller doesn't
// specify one, so a runaway process can't hang a tool call forever.
const defaultTimeout = 2 * time.Minute

// Provider is the tool.Provider exposing run_command/run_commands. Both
// tools are SessionScoped: the dispatcher injects `_sessionId` into their
// params, which this provider reads back out to open the terminal against
// the right client-side session.
type Provider struct {
	terminals *terminal.Manager
}

// New builds a Provider driving terminals' Create/ExecuteWithTimeout/
// ExecuteSequential helpers.
func New(terminals *terminal.Manager) *Provider {
	return &Provider{terminals: terminals}
}

func (p *Provider) Name() string { return "execution" }

func (p *Provider) Tools() []tool.Tool {
	return []tool.Tool{
		{
			Name:        "run_command",
			Description: "Runs a single shell command in the client's workspace and returns its output.",
			Parameters: tool.Schema{
				Type: "object",
				Properties: map[string]any{
					"command":         map[string]any{"type": "string"},
					"args":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"cwd":             map[string]any{"type": "string"},
					"timeoutSeconds":  map[string]any{"type": "integer"},
					"outputByteLimit": map[string]any{"type": "integer"},
				},
				Required: []string{"command"},
			},
			SessionScoped: true,
			Handler:       p.runCommand,
		},
		{
			Name:        "run_commands",
			Description: "Runs a list of shell commands in order, stopping at the first non-zero exit unless continueOnError is set.",
			Parameters: tool.Schema{
				Type: "object",
				Properties: map[string]any{
					"commands":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"cwd":             map[string]any{"type": "string"},
					"continueOnError": map[string]any{"type": "boolean"},
				},
				Required: []string{"commands"},
			},
			SessionScoped: true,
			Handler:       p.runCommands,
		},
	}
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func (p *Provider) runCommand(ctx context.Context, params map[string]any) (tool.Result, error) {
	sessionID, _ := params["_sessionId"].(string)
	command, _ := params["command"].(string)
	cwd, _ := params["cwd"].(string)

	opts := terminal.ExecuteOpts{Cwd: cwd}
	if limit, ok := toInt(params["outputByteLimit"]); ok {
		opts.OutputByteLimit = limit
	}

	timeout := defaultTimeout
	if secs, ok := toInt(params["timeoutSeconds"]); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	res, err := p.terminals.ExecuteWithTimeout(ctx, sessionID, command, stringSlice(params["args"]), opts, timeout)
	if err != nil {
		return tool.Result{Success: false, Error: fmt.Sprintf("running %q: %v", command, err)}, nil
	}
	return tool.Result{Success: true, Result: res}, nil
}

func (p *Provider) runCommands(ctx context.Context, params map[string]any) (tool.Result, error) {
	sessionID, _ := params["_sessionId"].(string)
	cwd, _ := params["cwd"].(string)
	continueOnError, _ := params["continueOnError"].(bool)

	commands := stringSlice(params["commands"])
	if len(commands) == 0 {
		return tool.Result{Success: false, Error: "run_commands: commands must be a non-empty array"}, nil
	}

	results, err := p.terminals.ExecuteSequential(ctx, sessionID, commands, terminal.SequentialOpts{
		Cwd: cwd, ContinueOnError: continueOnError,
	})
	if err != nil {
		return tool.Result{Success: false, Error: fmt.Sprintf("running commands: %v", err)}, nil
	}
	return tool.Result{Success: true, Result: map[string]any{"results": results}}, nil
}
