// Package mcpbridge mirrors the C6 tool registry over the Model Context
// Protocol, so an MCP client (not just an ACP editor calling tools/call)
// can discover and invoke the same tool set through the same dispatcher —
// one registry, two wire protocols in front of it.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/mark3labs/acp-adapter/internal/tool"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Bridge runs an embedded, stateless MCP HTTP server over a random
// loopback port, exposing every tool in registry through dispatcher.
type Bridge struct {
	registry   *tool.Registry
	dispatcher *tool.Dispatcher
	name       string
	version    string

	mu         sync.Mutex
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	stdServer  *http.Server
	port       int
}

// New builds a Bridge. It is not started until Start is called.
func New(registry *tool.Registry, dispatcher *tool.Dispatcher, name, version string) *Bridge {
	return &Bridge{registry: registry, dispatcher: dispatcher, name: name, version: version}
}

// Start registers every currently-known tool and starts listening on a
// random loopback port, returning once the server is ready to accept
// connections. Tools registered after Start is called are not picked up;
// callers that add providers dynamically should restart the bridge.
func (b *Bridge) Start(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stdServer != nil {
		return 0, fmt.Errorf("mcpbridge: already started")
	}

	b.mcpServer = server.NewMCPServer(b.name, b.version, server.WithToolCapabilities(false))
	for _, t := range b.registry.List() {
		mcpTool, err := toMCPTool(t)
		if err != nil {
			return 0, fmt.Errorf("mcpbridge: building tool %q: %w", t.Name, err)
		}
		b.mcpServer.AddTool(mcpTool, b.handlerFor(t.Name))
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("mcpbridge: listen: %w", err)
	}
	b.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	handler := server.NewStreamableHTTPServer(b.mcpServer, server.WithStateLess(true))
	mux.Handle("/mcp", handler)
	b.httpServer = handler
	b.stdServer = &http.Server{Handler: mux}

	stdServer := b.stdServer
	go func() {
		if err := stdServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mcpbridge: server error: %v", err)
		}
	}()

	logger.Debug("mcpbridge: ready on port %d (%d tools)", b.port, len(b.registry.List()))
	return b.port, nil
}

// Stop shuts down the HTTP server. Calling Stop on a Bridge that was
// never started is a no-op.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stdServer == nil {
		return nil
	}
	if err := b.stdServer.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("mcpbridge: shutdown: %w", err)
	}
	b.stdServer = nil
	b.httpServer = nil
	b.mcpServer = nil
	return nil
}

// URL returns the bridge's MCP endpoint once Start has succeeded.
func (b *Bridge) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", b.port)
}

// handlerFor adapts one tool.Tool into an MCP CallToolRequest handler:
// arguments become the dispatcher's params map, run session-less since
// an MCP caller has no ACP session of its own.
func (b *Bridge) handlerFor(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := req.GetArguments()
		if params == nil {
			params = map[string]any{}
		}

		result := b.dispatcher.Execute(ctx, "", name, params)
		if !result.Success {
			return mcp.NewToolResultText(fmt.Sprintf("error: %s", result.Error)), nil
		}

		out, err := json.Marshal(result.Result)
		if err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("error: marshaling result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

// toMCPTool converts a tool.Schema into an MCP tool definition using
// mcp-go's typed per-property builders (WithString, WithNumber, ...),
// picking the builder from each property's declared JSON Schema "type"
// and marking it Required when tool.Schema's Required list names it.
func toMCPTool(t tool.Tool) (mcp.Tool, error) {
	required := make(map[string]bool, len(t.Parameters.Required))
	for _, name := range t.Parameters.Required {
		required[name] = true
	}

	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	for name, raw := range t.Parameters.Properties {
		prop, _ := raw.(map[string]any)
		propType, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)

		var propOpts []mcp.PropertyOption
		if desc != "" {
			propOpts = append(propOpts, mcp.Description(desc))
		}
		if required[name] {
			propOpts = append(propOpts, mcp.Required())
		}

		switch propType {
		case "integer", "number":
			opts = append(opts, mcp.WithNumber(name, propOpts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(name, propOpts...))
		case "array":
			items, _ := prop["items"].(map[string]any)
			if items == nil {
				items = map[string]any{}
			}
			propOpts = append(propOpts, mcp.Items(items))
			opts = append(opts, mcp.WithArray(name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(name, propOpts...))
		}
	}

	return mcp.NewTool(t.Name, opts...), nil
}
