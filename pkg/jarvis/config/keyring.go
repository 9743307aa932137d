package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "jarvis"

// Keyring entry names. Service secrets use their service key.
const (
	KeyAPIKey        = "api_key"
	KeyTelegramToken = "telegram_token"
	KeyDiscordToken  = "discord_token"
	KeyVoiceAPIKey   = "voice_api_key"
)

// SecretKeys lists every name `jarvis config set-key` accepts.
func SecretKeys() []string {
	keys := []string{KeyAPIKey, KeyTelegramToken, KeyDiscordToken, KeyVoiceAPIKey}
	for _, s := range serviceSecrets {
		keys = append(keys, s.key)
	}
	return keys
}

// IsSecretKey reports whether name is in SecretKeys.
func IsSecretKey(name string) bool {
	for _, k := range SecretKeys() {
		if k == name {
			return true
		}
	}
	return false
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__jarvis_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ReadPassword prompts on stdout and reads a line without echo when stdin
// is a terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(string(password), "\r\n"), nil
	}

	var buf [4096]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}
