package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/assistant"
	"github.com/jholhewres/jarvis/pkg/jarvis/config"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `jarvis serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant with its messaging channels",
		Long: `Start Jarvis as a long-running service: units are loaded, the enabled
channels (Telegram, Discord) are connected and the scheduler starts
delivering reminders and running unit schedules.

Examples:
  jarvis serve
  jarvis serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		if errors.Is(err, config.ErrNoChannel) && path == "" {
			return fmt.Errorf("%w\nrun 'jarvis setup' to create a configuration", err)
		}
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg, os.Stdout, slog.LevelInfo)
	config.AuditSecrets(cfg, logger)
	if path != "" {
		logger.Info("config loaded", "path", path)
	}

	// ── Create assistant ──
	a, err := assistant.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.RegisterConfiguredChannels(); err != nil {
		a.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Start ──
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info("Jarvis running. Press Ctrl+C to stop.", "name", cfg.Name)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
