package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/acp-adapter/internal/agentbridge"
	"github.com/mark3labs/acp-adapter/internal/config"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Check the upstream assistant's authentication status",
	Long: `Spawn the assistant configured in assistant.command, complete the ACP
handshake, and report whether it is ready to accept prompts. acp-adapter
itself holds no credentials; authentication lives entirely with the
upstream assistant process.`,
	RunE: runAuthStatus,
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Assistant.Command == "" {
		return fmt.Errorf("no assistant.command configured; run 'acp-adapter setup' first")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bridge, err := agentbridge.Spawn(ctx, agentbridge.Config{
		Command: cfg.Assistant.Command,
		Args:    cfg.Assistant.Args,
	})
	if err != nil {
		return fmt.Errorf("starting %s: %w", cfg.Assistant.Command, err)
	}
	defer func() { _ = bridge.Close() }()

	if err := bridge.CheckAuth(ctx); err != nil {
		return fmt.Errorf("%s is not authenticated: %w", cfg.Assistant.Command, err)
	}

	fmt.Printf("%s (%s) is authenticated and ready.\n", cfg.Assistant.Command, bridge.Version())
	return nil
}
