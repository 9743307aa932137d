package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/jholhewres/jarvis/pkg/jarvis/config"
	"github.com/spf13/cobra"
)

// newSetupCmd creates the `jarvis setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml. Secrets are stored
in the OS keyring when available; the file only references them.

Examples:
  jarvis setup
  jarvis setup --output ./configs/jarvis.yaml`,
		RunE: runSetup,
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "file to write")
	return cmd
}

// setupAnswers collects the wizard's answers.
type setupAnswers struct {
	Name     string
	BaseURL  string
	Model    string
	APIKey   string
	Channel  string
	Token    string
	UnitsDir string
	Voice    bool
	Sync     bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("output")
	cfg := config.DefaultConfig()

	ans := setupAnswers{
		Name:     cfg.Name,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Channel:  "telegram",
		UnitsDir: cfg.Units.Dir,
	}

	overwrite := true
	if _, err := os.Stat(path); err == nil {
		overwrite = false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite it?", path)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return setupAborted(err)
		}
		if !overwrite {
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Assistant name").Value(&ans.Name),
			huh.NewInput().Title("LLM base URL (OpenAI-compatible)").Value(&ans.BaseURL),
			huh.NewInput().Title("Model used to generate units").Value(&ans.Model),
			huh.NewInput().
				Title("LLM API key").
				Description("Leave empty to skip; unit generation stays disabled.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.APIKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Messaging channel").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
				).
				Value(&ans.Channel),
			huh.NewInput().
				Title("Bot token").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("a bot token is required")
					}
					return nil
				}).
				Value(&ans.Token),
		),
		huh.NewGroup(
			huh.NewInput().Title("Unit directory").Value(&ans.UnitsDir),
			huh.NewConfirm().Title("Transcribe voice messages (Whisper)?").Value(&ans.Voice),
			huh.NewConfirm().Title("Commit unit changes to git?").Value(&ans.Sync),
		),
	)
	if err := form.Run(); err != nil {
		return setupAborted(err)
	}

	out := cmd.OutOrStdout()
	cfg.Name = strings.TrimSpace(ans.Name)
	cfg.LLM.BaseURL = strings.TrimSpace(ans.BaseURL)
	cfg.LLM.Model = strings.TrimSpace(ans.Model)
	cfg.Units.Dir = strings.TrimSpace(ans.UnitsDir)
	cfg.Sync.Enabled = ans.Sync
	cfg.Sync.AutoSyncOnReload = ans.Sync

	// The file only ever holds env references; values go to the keyring.
	cfg.LLM.APIKey = "${JARVIS_API_KEY}"
	storeSecret(out, config.KeyAPIKey, "JARVIS_API_KEY", ans.APIKey)

	switch ans.Channel {
	case "discord":
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.Token = "${DISCORD_TOKEN}"
		storeSecret(out, config.KeyDiscordToken, "DISCORD_TOKEN", ans.Token)
	default:
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = "${TELEGRAM_TOKEN}"
		storeSecret(out, config.KeyTelegramToken, "TELEGRAM_TOKEN", ans.Token)
	}

	if ans.Voice {
		cfg.Voice.Enabled = true
		cfg.Voice.BaseURL = cfg.LLM.BaseURL
		cfg.Voice.APIKey = "${JARVIS_VOICE_API_KEY}"
		storeSecret(out, config.KeyVoiceAPIKey, "JARVIS_VOICE_API_KEY", ans.APIKey)
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfiguration written to %s\n", path)
	fmt.Fprintln(out, "Start the assistant with: jarvis serve")
	return nil
}

// storeSecret puts value in the keyring, or explains how to provide it.
func storeSecret(out io.Writer, key, env, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if config.KeyringAvailable() {
		if err := config.StoreKeyring(key, value); err == nil {
			fmt.Fprintf(out, "✓ %s stored in the OS keyring\n", key)
			return
		}
	}
	fmt.Fprintf(out, "! keyring unavailable: export %s before starting Jarvis\n", env)
}

func setupAborted(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return errors.New("setup aborted")
	}
	return err
}
