package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jholhewres/jarvis/pkg/jarvis/mcpserver"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

// newMCPCmd creates the `jarvis mcp` command group.
func newMCPCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol server",
		Long:  `Run Jarvis as an MCP (Model Context Protocol) server for IDE and agent integration.`,
	}
	cmd.AddCommand(newMCPServeCmd(version))
	return cmd
}

func newMCPServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		Long: `Start the MCP server using stdio transport (JSON-RPC 2.0 over stdin/stdout).
Units are loaded from the configured directory; changes made through the
unit tools are written there as well.

Add to your client configuration:

  {
    "mcpServers": {
      "jarvis": {
        "command": "jarvis",
        "args": ["mcp", "serve"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(cmd, cfg, os.Stderr, slog.LevelInfo)

			a, err := openAssistantWith(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Stop()

			if _, err := a.LoadUnits(cmd.Context()); err != nil {
				return err
			}

			s := mcpserver.New(mcpserver.Deps{
				Dispatcher: a.Dispatcher(),
				Registry:   a.Registry(),
				Pipeline:   a.Pipeline(),
				Reminders:  a.Scheduler(),
				Logger:     logger,
			}, version)

			logger.Info("starting MCP server on stdio")
			if err := server.ServeStdio(s); err != nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		},
	}
}
