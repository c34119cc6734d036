package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/acp-adapter/internal/toolcall"
)

// kindByName is the exhaustive §4.6 name → kind mapping; any name absent
// from it maps to "other".
var kindByName = map[string]string{
	"read_file": "read", "copy_file": "read", "list_directory": "read",
	"get_file_info": "read", "analyze_code": "read", "get_project_info": "read",

	"write_file": "edit", "append_file": "edit", "create_file": "edit",
	"patch_file": "edit", "apply_code_changes": "edit",

	"delete_file": "delete", "remove_file": "delete", "remove_directory": "delete",

	"move_file": "move", "rename_file": "move",

	"search_codebase": "search", "search_files": "search", "grep": "search",
	"find_files": "search", "find_references": "search", "find_definitions": "search",

	"run_tests": "execute", "run_command": "execute", "execute_command": "execute",
	"run_script": "execute", "shell": "execute",

	"fetch_url": "fetch", "http_request": "fetch", "download_file": "fetch",
	"api_request": "fetch", "web_search": "fetch",

	"think": "think", "reason": "think", "plan": "think",
	"analyze": "think", "explain_code": "think",

	"switch_mode": "switch_mode", "set_mode": "switch_mode", "change_mode": "switch_mode",
}

func kindFor(name string) string {
	if k, ok := kindByName[name]; ok {
		return k
	}
	return "other"
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// titleFor derives the per-name title template from §4.6. Names without a
// specific template fall back to a generic "Running <name>".
func titleFor(name string, params map[string]any) string {
	path := stringParam(params, "path")
	switch name {
	case "read_file":
		return fmt.Sprintf("Reading file: %s", path)
	case "write_file":
		return fmt.Sprintf("Writing file: %s", path)
	case "create_file":
		return fmt.Sprintf("Creating file: %s", path)
	case "append_file":
		return fmt.Sprintf("Appending to file: %s", path)
	case "patch_file", "apply_code_changes":
		return fmt.Sprintf("Editing file: %s", path)
	case "delete_file", "remove_file":
		return fmt.Sprintf("Deleting file: %s", path)
	case "remove_directory":
		return fmt.Sprintf("Removing directory: %s", path)
	case "copy_file":
		return fmt.Sprintf("Copying %s to %s", stringParam(params, "sourcePath"), stringParam(params, "destination"))
	case "move_file", "rename_file":
		return fmt.Sprintf("Moving %s to %s", stringParam(params, "sourcePath"), stringParam(params, "destinationPath"))
	case "list_directory":
		return fmt.Sprintf("Listing directory: %s", path)
	case "get_file_info":
		return fmt.Sprintf("Inspecting file: %s", path)
	case "get_project_info":
		return "Inspecting project"
	case "search_codebase", "search_files", "grep", "find_files":
		return fmt.Sprintf("Searching for: %s", stringParam(params, "query"))
	case "find_references":
		return fmt.Sprintf("Finding references to %s", stringParam(params, "symbol"))
	case "find_definitions":
		return fmt.Sprintf("Finding definitions of %s", stringParam(params, "symbol"))
	case "run_tests":
		return "Running tests"
	case "run_command", "execute_command", "shell":
		return fmt.Sprintf("Running: %s", stringParam(params, "command"))
	case "run_script":
		return fmt.Sprintf("Running script: %s", stringParam(params, "script"))
	case "fetch_url", "http_request", "download_file", "api_request":
		return fmt.Sprintf("Fetching %s", stringParam(params, "url"))
	case "web_search":
		return fmt.Sprintf("Searching the web for: %s", stringParam(params, "query"))
	case "think", "reason", "plan", "analyze":
		return "Thinking"
	case "explain_code":
		return fmt.Sprintf("Explaining code: %s", path)
	case "switch_mode", "set_mode", "change_mode":
		return fmt.Sprintf("Switching mode to %s", stringParam(params, "mode"))
	default:
		return fmt.Sprintf("Running %s", name)
	}
}

// locationsFor derives tool-call locations from the well-known path-ish
// params: path, sourcePath, destination/destinationPath, and each entry
// of files[].
func locationsFor(params map[string]any) []toolcall.Location {
	var locs []toolcall.Location
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			locs = append(locs, toolcall.Location{Path: s})
		}
	}
	add(params["path"])
	add(params["sourcePath"])
	add(params["destination"])
	add(params["destinationPath"])
	if raw, ok := params["files"]; ok {
		if arr, ok := raw.([]any); ok {
			for _, f := range arr {
				add(f)
			}
		}
	}
	return locs
}

// validate enforces §4.6 step 2: params must be a non-nil object, and
// every required key present and non-null.
func validate(t Tool, params map[string]any) error {
	if params == nil {
		return fmt.Errorf("Invalid parameters for %s: params must be an object", t.Name)
	}
	for _, key := range t.Parameters.Required {
		v, present := params[key]
		if !present || v == nil {
			return fmt.Errorf("Invalid parameters for %s: missing required field %q", t.Name, key)
		}
	}
	return nil
}

// contentFromResult converts a result's metadata.diffs, when present,
// into ACP "diff" content blocks.
func contentFromResult(res Result) []toolcall.Content {
	if res.Metadata == nil {
		return nil
	}
	raw, ok := res.Metadata["diffs"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []toolcall.Content
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, toolcall.Content{
			Type:    "diff",
			Path:    stringParam(m, "path"),
			OldText: stringParam(m, "oldText"),
			NewText: stringParam(m, "newText"),
		})
	}
	return out
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}

// ExecuteResult is the outward shape of a dispatched call: success/result
// or error, plus metadata that always carries toolName/duration/executedAt
// and, when one was issued, toolCallId.
type ExecuteResult struct {
	Success  bool           `json:"success"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Dispatcher is the §4.6 Execute contract: resolve the tool, validate its
// params, report/track it through a toolcall.Manager when sessionId is
// set, invoke its handler, and finalise the report.
type Dispatcher struct {
	registry  *Registry
	toolCalls *toolcall.Manager
}

// NewDispatcher builds a Dispatcher. toolCalls may be nil; Execute then
// skips all tool-call reporting regardless of sessionID (useful for
// tests or a tool-only embedding with no session layer).
func NewDispatcher(registry *Registry, toolCalls *toolcall.Manager) *Dispatcher {
	return &Dispatcher{registry: registry, toolCalls: toolCalls}
}

// Execute runs name with params on behalf of sessionID (empty for a
// session-less call, which skips all reporting and _sessionId injection).
func (d *Dispatcher) Execute(ctx context.Context, sessionID, name string, params map[string]any) ExecuteResult {
	start := time.Now()

	finish := func(res Result, toolCallID string) ExecuteResult {
		meta := make(map[string]any, len(res.Metadata)+3)
		for k, v := range res.Metadata {
			meta[k] = v
		}
		meta["toolName"] = name
		meta["duration"] = time.Since(start).Milliseconds()
		meta["executedAt"] = start.UTC().Format(time.RFC3339Nano)
		if toolCallID != "" {
			meta["toolCallId"] = toolCallID
		}
		return ExecuteResult{Success: res.Success, Result: res.Result, Error: res.Error, Metadata: meta}
	}

	t, ok := d.registry.lookup(name)
	if !ok {
		return finish(Result{Success: false, Error: fmt.Sprintf("Tool not found: %s", name)}, "")
	}

	if err := validate(t, params); err != nil {
		return finish(Result{Success: false, Error: err.Error()}, "")
	}

	var toolCallID string
	reported := sessionID != "" && d.toolCalls != nil
	if reported {
		rawInput, _ := json.Marshal(params)
		id, err := d.toolCalls.Report(ctx, sessionID, name, toolcall.ReportInput{
			Title:     titleFor(name, params),
			Kind:      kindFor(name),
			RawInput:  rawInput,
			Locations: locationsFor(params),
		})
		if err != nil {
			reported = false
		} else {
			toolCallID = id
			inProgress := toolcall.StatusInProgress
			_ = d.toolCalls.Update(ctx, sessionID, id, toolcall.UpdateInput{Status: &inProgress})
		}
	}

	callParams := params
	if sessionID != "" && t.SessionScoped {
		callParams = cloneParams(params)
		callParams["_sessionId"] = sessionID
	}

	result, err := invoke(ctx, t, callParams)
	if err != nil {
		if reported {
			_ = d.toolCalls.Fail(ctx, sessionID, toolCallID, err.Error(), nil)
		}
		return finish(Result{Success: false, Error: err.Error()}, toolCallID)
	}

	if reported {
		if result.Success {
			rawOutput, _ := json.Marshal(result.Result)
			_ = d.toolCalls.Complete(ctx, sessionID, toolCallID, toolcall.CompleteInput{
				Content:   contentFromResult(result),
				RawOutput: rawOutput,
			})
		} else {
			_ = d.toolCalls.Fail(ctx, sessionID, toolCallID, result.Error, nil)
		}
	}

	return finish(result, toolCallID)
}

// invoke calls t.Handler, converting a panic into an error so it follows
// the same failure path as a returned error (§4.6 step 6).
func invoke(ctx context.Context, t Tool, params map[string]any) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name, r)
		}
	}()
	return t.Handler(ctx, params)
}
