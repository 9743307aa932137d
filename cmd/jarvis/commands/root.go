// Package commands implements the Jarvis CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jarvis",
		Short: "Jarvis - chat assistant built from hot-loadable units",
		Long: `Jarvis is a chat assistant for Telegram and Discord whose capabilities
are units: small HCL files that can be added, updated and reloaded while
the assistant runs, by hand or generated from a sentence.

Examples:
  jarvis serve
  jarvis chat
  jarvis units list
  jarvis units add stocks --describe "show the price of a stock ticker"
  jarvis remind add "in 10 minutes" "stretch" --channel telegram --chat-id 42`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newUnitsCmd(),
		newRemindCmd(),
		newConfigCmd(),
		newSetupCmd(),
		newMCPCmd(version),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
