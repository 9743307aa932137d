// Package config defines Jarvis' configuration and loads it from YAML with
// environment expansion and keyring-backed secrets.
package config

import (
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels/discord"
	"github.com/jholhewres/jarvis/pkg/jarvis/channels/telegram"
	"github.com/jholhewres/jarvis/pkg/jarvis/gitsync"
	"github.com/jholhewres/jarvis/pkg/jarvis/llm"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
	"github.com/jholhewres/jarvis/pkg/jarvis/voice"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in replies.
	Name string `yaml:"name"`

	Logging   LoggingConfig   `yaml:"logging"`
	LLM       llm.Config      `yaml:"llm"`
	Generator GeneratorConfig `yaml:"generator"`
	Units     UnitsConfig     `yaml:"units"`

	// Services are the values units may read through `services.<key>`.
	// Unknown keys are ignored.
	Services map[string]string `yaml:"services"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Voice     voice.Config    `yaml:"voice"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// GeneratorConfig configures unit generation.
type GeneratorConfig struct {
	// Timeout bounds one generation call.
	Timeout time.Duration `yaml:"timeout"`

	// Classifier enables the LLM intent classifier after the regex one.
	Classifier bool `yaml:"classifier"`
}

// UnitsConfig configures the unit runtime.
type UnitsConfig struct {
	// Dir is where unit sources live.
	Dir string `yaml:"dir"`

	// Disabled units are recorded but never bound.
	Disabled []string `yaml:"disabled"`

	// Seed installs the default units missing from Dir at startup.
	Seed bool `yaml:"seed"`

	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// SchedulerConfig configures the timer path.
type SchedulerConfig struct {
	// Tick is the cron spec of the reminder delivery tick.
	Tick string `yaml:"tick"`

	// JobTimeout bounds one recurring unit run.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DatabaseConfig configures the shared SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig configures git sync of unit changes.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`

	// AutoSyncOnReload syncs the unit directory after /reload.
	AutoSyncOnReload bool `yaml:"auto_sync_on_reload"`

	gitsync.Config `yaml:",inline"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
}

// DefaultConfig returns the configuration every file is overlaid on.
func DefaultConfig() *Config {
	temperature := 0.3
	return &Config{
		Name: "Jarvis",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		LLM: llm.Config{
			BaseURL:     llm.DefaultBaseURL,
			Model:       "gpt-4o-mini",
			Temperature: &temperature,
			Timeout:     120 * time.Second,
		},
		Generator: GeneratorConfig{
			Timeout: 90 * time.Second,
		},
		Units: UnitsConfig{
			Dir:            "./units",
			Seed:           true,
			HandlerTimeout: 30 * time.Second,
		},
		Services: map[string]string{
			units.ServiceDefaultLocale: "en",
		},
		Scheduler: SchedulerConfig{
			Tick:       "@every 30s",
			JobTimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			Path: "./data/jarvis.db",
		},
		Sync: SyncConfig{
			Config: gitsync.Config{
				Dir:     ".",
				Remote:  "origin",
				Timeout: 60 * time.Second,
			},
		},
		Channels: ChannelsConfig{
			Telegram: telegram.Config{PollTimeout: 30 * time.Second},
		},
		Voice: voice.Config{
			Model: "whisper-1",
		},
	}
}
