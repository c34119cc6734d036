// Command acp-adapter bridges an ACP editor client to an upstream
// ACP-speaking assistant process, exposing the assistant's tool calls,
// sessions, and permission prompts over the adapter's own ACP surface.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/spf13/cobra"
)

// version is set via ldflags during build.
var version = "dev"

func main() {
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acp-adapter",
	Short: "Adapts an upstream ACP assistant process to the Agent Client Protocol",
	Long: `acp-adapter speaks ACP to an editor client over stdio or HTTP and
bridges every session, prompt, and tool call through to an upstream
ACP-speaking assistant process it spawns as a subprocess.

Configuration is loaded from multiple sources with the following precedence:
  CLI flags > Environment variables > Project config > Global config > Defaults

Project config: ./acp-adapter.yml
Global config: ~/.config/acp-adapter/acp-adapter.yml`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(authCmd)
}
