package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/acp-adapter/internal/config"
	"github.com/spf13/cobra"
)

var setupFlags struct {
	project bool
	force   bool
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create acp-adapter configuration file",
	Long: `Create an acp-adapter configuration file with sensible defaults.

By default, creates a global config at ~/.config/acp-adapter/acp-adapter.yml.
Use --project to create a project-local config in the current directory.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVarP(&setupFlags.project, "project", "p", false, "Create config in current directory instead of global location")
	setupCmd.Flags().BoolVarP(&setupFlags.force, "force", "f", false, "Overwrite existing config file")
}

func runSetup(cmd *cobra.Command, args []string) error {
	targetPath := config.GlobalPath()
	if setupFlags.project {
		targetPath = config.ProjectPath()
	}

	if !setupFlags.force && fileExists(targetPath) {
		return fmt.Errorf("config file already exists at %s\n\nUse --force to overwrite", targetPath)
	}

	cfg := &config.Config{
		LogLevel:                 "info",
		Transport:                "stdio",
		HTTPAddr:                 "127.0.0.1:8765",
		PermissionTimeoutSeconds: 300,
		Terminal: config.TerminalConfig{
			Enabled:                false,
			MaxConcurrentTerminals: 8,
			DefaultOutputByteLimit: 1 << 20,
			MaxOutputByteLimit:     10 << 20,
		},
		Pool: config.PoolConfig{
			MaxConnections:      10,
			MaxIdleTimeSeconds:  300,
			AcquireTimeoutMS:    5000,
			IdleReapIntervalSec: 30,
		},
	}

	var err error
	if setupFlags.project {
		err = config.WriteProject(cfg)
	} else {
		err = config.WriteGlobal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Config written to: %s\n\n", targetPath)
	fmt.Println("Set assistant.command in the config to the upstream ACP assistant to bridge to, then run 'acp-adapter serve'.")

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
