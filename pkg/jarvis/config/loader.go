package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups: 1 variable name (braced), 2 modifier ("-" or "?"),
// 3 default value or error message, 4 variable name (bare).
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// ErrNoChannel is returned by Validate when serving without any usable
// transport credential.
var ErrNoChannel = errors.New("no channel is enabled with a credential; configure channels.telegram or channels.discord")

// Load reads a YAML configuration file. It loads .env files, expands
// environment references, resolves secrets (keyring, then environment,
// then the file) and resolves relative paths against the file's directory.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	ResolveSecrets(cfg, GetKeyring)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// LoadOrDefault loads path when it is non-empty, else the first config file
// found in the standard locations, else the defaults with secrets resolved.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		ResolveSecrets(cfg, GetKeyring)
		return cfg, "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Parse overlays YAML onto DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. Secrets that came
// from the environment are written back as references.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	for _, s := range secrets(&sanitized) {
		*s.field = sanitizeSecret(*s.field, s.env[0])
	}
	sanitized.Services = make(map[string]string, len(cfg.Services))
	for k, v := range cfg.Services {
		sanitized.Services[k] = v
	}
	for _, s := range serviceSecrets {
		if v, ok := sanitized.Services[s.key]; ok {
			sanitized.Services[s.key] = sanitizeSecret(v, s.env[0])
		}
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations.
func FindConfigFile() string {
	for _, path := range []string{
		"config.yaml",
		"config.yml",
		"jarvis.yaml",
		"jarvis.yml",
		"configs/config.yaml",
		"configs/jarvis.yaml",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks the configuration. With serve set, at least one channel
// must be enabled with a credential; that is the only fatal startup error.
func (c *Config) Validate(serve bool) error {
	var errs []error
	if strings.TrimSpace(c.Units.Dir) == "" {
		errs = append(errs, errors.New("units.dir is required"))
	}
	if c.Voice.Enabled && c.Voice.APIKey == "" && c.LLM.APIKey == "" {
		errs = append(errs, errors.New("voice is enabled but no transcription API key is configured"))
	}
	if serve {
		tg := c.Channels.Telegram.Enabled && c.Channels.Telegram.Token != ""
		dc := c.Channels.Discord.Enabled && c.Channels.Discord.Token != ""
		if !tg && !dc {
			errs = append(errs, ErrNoChannel)
		}
	}
	return errors.Join(errs...)
}

// UnitServices returns the services bag handed to units.
func (c *Config) UnitServices() units.Services {
	return units.NewServices(c.Services)
}

// AuditSecrets warns about secrets hardcoded in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	for _, s := range secrets(cfg) {
		if looksLikeRealKey(*s.field) && os.Getenv(s.env[0]) != *s.field && GetKeyring(s.keyring) != *s.field {
			logger.Warn("secret appears to be hardcoded in config",
				"setting", s.name,
				"hint", fmt.Sprintf("use ${%s} or 'jarvis config set-key %s'", s.env[0], s.keyring))
		}
	}
}

// ---------- Secrets ----------

type secret struct {
	name    string
	keyring string
	env     []string
	field   *string
}

func secrets(cfg *Config) []secret {
	return []secret{
		{"llm.api_key", KeyAPIKey, []string{"JARVIS_API_KEY", "OPENAI_API_KEY"}, &cfg.LLM.APIKey},
		{"channels.telegram.token", KeyTelegramToken, []string{"TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"}, &cfg.Channels.Telegram.Token},
		{"channels.discord.token", KeyDiscordToken, []string{"DISCORD_TOKEN"}, &cfg.Channels.Discord.Token},
		{"voice.api_key", KeyVoiceAPIKey, []string{"JARVIS_VOICE_API_KEY"}, &cfg.Voice.APIKey},
	}
}

type serviceSecret struct {
	key string
	env []string
}

var serviceSecrets = []serviceSecret{
	{units.ServiceOpenWeather, []string{"OPENWEATHER_API_KEY", "OPENWEATHER_KEY"}},
	{units.ServiceGitHubToken, []string{"GITHUB_TOKEN"}},
	{units.ServiceStorageURI, []string{"JARVIS_STORAGE_URI"}},
}

// ResolveSecrets fills secrets in priority order: keyring, environment,
// then whatever the file held. Unexpanded ${VAR} placeholders count as
// empty. keyringGet may be nil to skip the keyring.
func ResolveSecrets(cfg *Config, keyringGet func(key string) string) {
	resolve := func(current, keyringKey string, env []string) string {
		if keyringGet != nil && keyringKey != "" {
			if v := keyringGet(keyringKey); v != "" {
				return v
			}
		}
		for _, name := range env {
			if v := os.Getenv(name); v != "" {
				return v
			}
		}
		if IsEnvReference(current) {
			return ""
		}
		return current
	}

	for _, s := range secrets(cfg) {
		*s.field = resolve(*s.field, s.keyring, s.env)
	}
	if cfg.Services == nil {
		cfg.Services = map[string]string{}
	}
	for _, s := range serviceSecrets {
		if v := resolve(cfg.Services[s.key], s.key, s.env); v != "" {
			cfg.Services[s.key] = v
		} else {
			delete(cfg.Services, s.key)
		}
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files; existing variables are not overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. ${VAR:?msg} with VAR
// unset is an error; ${VAR} and $VAR with VAR unset are left in place.
func expandEnvVars(input string) (string, error) {
	var missing []error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, fmt.Errorf("%s: %s", name, value))
			return ""
		}
		return match
	})
	if len(missing) > 0 {
		return "", errors.Join(missing...)
	}
	return out, nil
}

// resolveRelativePaths makes paths relative to the config file's directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	cfg.Units.Dir = resolvePathFromConfig(cfg.Units.Dir, configDir)
	cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, configDir)
	cfg.Sync.Dir = resolvePathFromConfig(cfg.Sync.Dir, configDir)
}

// resolvePathFromConfig expands ~ and anchors relative paths at configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a secret that equals envVar's value with a
// reference to envVar.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real key.
func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is group/world-readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
