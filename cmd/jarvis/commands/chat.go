package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jholhewres/jarvis/pkg/jarvis/assistant"
	"github.com/jholhewres/jarvis/pkg/jarvis/channels/console"
	"github.com/jholhewres/jarvis/pkg/jarvis/dispatcher"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `jarvis chat` command: a local REPL, or a single
// exchange when a message is given.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to Jarvis from the terminal",
		Long: `Without arguments, open an interactive session on the terminal. With a
message, send it once, print the reply and exit.

Examples:
  jarvis chat
  jarvis chat "/help"
  jarvis chat "weather in Lisbon"`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return chatOnce(cmd, strings.Join(args, " "))
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, cmd.ErrOrStderr(), slog.LevelWarn)

	a, err := assistant.New(cfg, logger)
	if err != nil {
		return err
	}

	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".jarvis_history")
	}
	con := console.New(console.Config{Prompt: "you> ", HistoryFile: history}, logger)
	if err := a.ChannelManager().Register(con); err != nil {
		a.Stop()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		a.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is listening. Type /help, or exit to quit.\n", cfg.Name)

	select {
	case <-con.Done():
	case <-ctx.Done():
	}
	a.Stop()
	return nil
}

func chatOnce(cmd *cobra.Command, text string) error {
	a, err := openAssistant(cmd)
	if err != nil {
		return err
	}
	defer a.Stop()

	ctx := cmd.Context()
	if _, err := a.LoadUnits(ctx); err != nil {
		return err
	}

	ev := dispatcher.ParseMessage(console.ChannelName, console.ChatID, "cli", text)
	out := a.Dispatcher().Handle(ctx, ev)
	fmt.Fprintln(cmd.OutOrStdout(), out.Reply)
	if out.Kind == dispatcher.Failed {
		return out.Err
	}
	return nil
}
