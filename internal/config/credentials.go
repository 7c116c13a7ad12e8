package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name credentials are filed under in the OS
// keyring.
const keyringService = "sshdeck"

// ErrNoCredential means neither the environment nor the keyring holds a
// password for the server.
var ErrNoCredential = errors.New("no credential available")

func keyringAccount(s ServerConfig) string {
	return fmt.Sprintf("%s@%s", s.User, s.Host)
}

// Password resolves the SSH password for a server: the configured env var
// first, then the OS keyring when enabled.
func (s ServerConfig) Password() (string, error) {
	if s.Auth.PasswordEnv != "" {
		if pw := os.Getenv(s.Auth.PasswordEnv); pw != "" {
			return pw, nil
		}
	}
	if s.Auth.UseKeyring {
		pw, err := keyring.Get(keyringService, keyringAccount(s))
		if err == nil {
			return pw, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("keyring lookup: %w", err)
		}
	}
	return "", ErrNoCredential
}

// Passphrase resolves the private key passphrase from the environment.
func (s ServerConfig) Passphrase() string {
	if s.Auth.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(s.Auth.PassphraseEnv)
}

// StorePassword saves a password in the OS keyring for later lookups.
func (s ServerConfig) StorePassword(password string) error {
	if err := keyring.Set(keyringService, keyringAccount(s), password); err != nil {
		return fmt.Errorf("keyring store: %w", err)
	}
	return nil
}

// DeletePassword removes a stored password; missing entries are fine.
func (s ServerConfig) DeletePassword() error {
	err := keyring.Delete(keyringService, keyringAccount(s))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}
