package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/jholhewres/jarvis/pkg/jarvis/assistant"
	"github.com/jholhewres/jarvis/pkg/jarvis/config"
	"github.com/spf13/cobra"
)

// loadConfig loads the --config file, or the first one found, or defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		if found != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, found, nil
}

// newLogger builds the process logger. minLevel raises the floor for
// interactive commands whose stdout belongs to the user.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer, minLevel slog.Level) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := minLevel
	switch {
	case verbose || cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn" && level < slog.LevelWarn:
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// openAssistant loads config and builds an assistant for one-off commands.
// Logs go to stderr at warn level unless --verbose.
func openAssistant(cmd *cobra.Command, opts ...assistant.Option) (*assistant.Assistant, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg, cmd.ErrOrStderr(), slog.LevelWarn)
	return openAssistantWith(cfg, logger, opts...)
}

func openAssistantWith(cfg *config.Config, logger *slog.Logger, opts ...assistant.Option) (*assistant.Assistant, error) {
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	return assistant.New(cfg, logger, opts...)
}
