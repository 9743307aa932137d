package commands

import (
	"fmt"
	"os"

	"github.com/jholhewres/jarvis/pkg/jarvis/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `jarvis config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and secrets",
		Long: `Manage the Jarvis configuration file and the secrets kept in the OS keyring.

Examples:
  jarvis config init
  jarvis config show
  jarvis config set-key telegram_token
  jarvis config keys`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
		newConfigKeysCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			cfg.LLM.APIKey = "${JARVIS_API_KEY}"
			cfg.Channels.Telegram.Token = "${TELEGRAM_TOKEN}"
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Store secrets with 'jarvis config set-key <name>' or set them in .env")
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "file to write")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			masked := *cfg
			masked.LLM.APIKey = mask(cfg.LLM.APIKey)
			masked.Channels.Telegram.Token = mask(cfg.Channels.Telegram.Token)
			masked.Channels.Discord.Token = mask(cfg.Channels.Discord.Token)
			masked.Voice.APIKey = mask(cfg.Voice.APIKey)
			masked.Services = make(map[string]string, len(cfg.Services))
			for k, v := range cfg.Services {
				if config.IsSecretKey(k) {
					v = mask(v)
				}
				masked.Services[k] = v
			}

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path == "" {
				fmt.Fprintln(out, "# no config file found; showing defaults")
			} else {
				fmt.Fprintf(out, "# %s\n", path)
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
}

func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****"
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-key <name>",
		Short:     "Store a secret in the OS keyring",
		Long:      "Store a secret in the OS keyring. Known names: " + fmt.Sprint(config.SecretKeys()),
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.SecretKeys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !config.IsSecretKey(name) {
				return fmt.Errorf("unknown secret %q; known: %v", name, config.SecretKeys())
			}
			if !config.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available; use environment variables instead")
			}
			value, err := config.ReadPassword(fmt.Sprintf("%s: ", name))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := config.StoreKeyring(name, value); err != nil {
				return fmt.Errorf("storing %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stored in the keyring.\n", name)
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key <name>",
		Short: "Remove a secret from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteKeyring(args[0]); err != nil {
				return fmt.Errorf("deleting %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from the keyring.\n", args[0])
			return nil
		},
	}
}

func newConfigKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show which secrets are stored in the keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if !config.KeyringAvailable() {
				fmt.Fprintln(out, "OS keyring is not available.")
				return nil
			}
			for _, k := range config.SecretKeys() {
				state := "not set"
				if config.GetKeyring(k) != "" {
					state = "stored"
				}
				fmt.Fprintf(out, "%-20s %s\n", k, state)
			}
			return nil
		},
	}
}
