package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/acp-adapter/internal/adapter"
	"github.com/mark3labs/acp-adapter/internal/agentbridge"
	"github.com/mark3labs/acp-adapter/internal/config"
	"github.com/mark3labs/acp-adapter/internal/eventbus"
	"github.com/mark3labs/acp-adapter/internal/execprovider"
	"github.com/mark3labs/acp-adapter/internal/extension"
	"github.com/mark3labs/acp-adapter/internal/fsprovider"
	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/mark3labs/acp-adapter/internal/mcpbridge"
	"github.com/mark3labs/acp-adapter/internal/permission"
	"github.com/mark3labs/acp-adapter/internal/session"
	"github.com/mark3labs/acp-adapter/internal/terminal"
	"github.com/mark3labs/acp-adapter/internal/tool"
	"github.com/mark3labs/acp-adapter/internal/toolcall"
	"github.com/mark3labs/acp-adapter/internal/transport"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	transportKind string
	httpAddr      string
	mcp           bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the adapter, speaking ACP to an editor client",
	Long: `Run the adapter: start the upstream assistant subprocess (if one is
configured), register the tool/session/permission/terminal subsystems, and
speak ACP to an editor client over stdio or HTTP until the client
disconnects or the process receives a signal.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.transportKind, "transport", "", "Transport: stdio or http (overrides config file)")
	serveCmd.Flags().StringVar(&serveFlags.httpAddr, "http-addr", "", "Listen address when transport=http (overrides config file)")
	serveCmd.Flags().BoolVar(&serveFlags.mcp, "mcp", false, "Also expose the tool registry over MCP on a random loopback port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport = serveFlags.transportKind
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTPAddr = serveFlags.httpAddr
	}

	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.Default.SetLevel(level)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logger.Default.SetOutput(f)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var transportImpl jsonrpc.Transport
	var httpServer *transport.HTTPServer
	var mux *jsonrpc.Mux

	switch cfg.Transport {
	case "", "stdio":
		transportImpl = transport.NewStdio(os.Stdin, os.Stdout)
		mux = jsonrpc.New(transportImpl)
	case "http":
		mux = jsonrpc.New(nil)
		httpServer = transport.NewHTTPServer(cfg.HTTPAddr, mux, 0)
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", cfg.Transport)
	}

	toolCalls := toolcall.NewManager(mux, 30*time.Second)
	perms := permission.New(time.Duration(cfg.PermissionTimeoutSeconds) * time.Second)
	terminals := terminal.NewManager(terminal.NewMuxClient(mux), cfg.Terminal)
	catalog := session.NewCatalog(session.DefaultCatalog())
	sessions := session.NewManager(catalog, toolCalls, perms, terminals)

	registry := tool.NewRegistry()
	if err := registry.RegisterProvider(fsprovider.New(mux)); err != nil {
		return fmt.Errorf("registering filesystem tools: %w", err)
	}
	if err := registry.RegisterProvider(execprovider.New(terminals)); err != nil {
		return fmt.Errorf("registering execution tools: %w", err)
	}
	dispatcher := tool.NewDispatcher(registry, toolCalls)

	extensions := extension.New()

	bus, err := eventbus.Start()
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer func() { _ = bus.Close() }()

	var bridge agentbridge.PromptBridge
	if cfg.Assistant.Command != "" {
		pb, err := agentbridge.Spawn(ctx, agentbridge.Config{Command: cfg.Assistant.Command, Args: cfg.Assistant.Args, Files: mux, Terminals: terminals})
		if err != nil {
			return fmt.Errorf("starting upstream assistant: %w", err)
		}
		defer func() { _ = pb.Close() }()
		bridge = pb
	}

	adapter.New(adapter.Deps{
		Mux:          mux,
		Sessions:     sessions,
		Tools:        dispatcher,
		ToolRegistry: registry,
		Permissions:  perms,
		Extensions:   extensions,
		Bridge:       bridge,
		Bus:          bus,
		AgentName:    "acp-adapter",
		AgentVersion: version,
	})

	if serveFlags.mcp {
		mcpSrv := mcpbridge.New(registry, dispatcher, "acp-adapter-tools", version)
		port, err := mcpSrv.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting mcp bridge: %w", err)
		}
		defer func() { _ = mcpSrv.Stop() }()
		logger.Info("mcp bridge listening on %d", port)
	}

	if httpServer != nil {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil {
				logger.Error("http transport error: %v", err)
			}
		}()
		defer func() { _ = httpServer.Shutdown(context.Background()) }()
		logger.Info("acp-adapter serving over http on %s", cfg.HTTPAddr)
		<-ctx.Done()
		return nil
	}

	logger.Info("acp-adapter serving over stdio")
	return mux.Run(ctx)
}
