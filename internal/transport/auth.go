package transport

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// buildAuthMethods constructs SSH auth methods from connection params.
func buildAuthMethods(p Params) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	// Try SSH agent first if requested
	if p.UseAgent {
		if agentAuth, err := sshAgentAuth(); err == nil {
			methods = append(methods, agentAuth)
		}
	}

	// Add key file authentication
	if p.KeyPath != "" {
		keyAuth, err := privateKeyAuth(p.KeyPath, p.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		methods = append(methods, keyAuth)
	}

	// Try SSH config lookup if no explicit key specified
	if p.KeyPath == "" && p.Host != "" {
		configKey := sshConfigIdentityFile(p.Host)
		if configKey != "" {
			keyAuth, err := privateKeyAuth(configKey, p.KeyPassphrase)
			if err == nil {
				methods = append(methods, keyAuth)
			}
		}
	}

	// Try default key locations if no explicit key specified and no password
	if p.KeyPath == "" && p.Password == "" && len(methods) == 0 {
		defaultKeys := []string{
			"~/.ssh/id_ed25519",
			"~/.ssh/id_rsa",
			"~/.ssh/id_ecdsa",
		}
		for _, keyPath := range defaultKeys {
			expanded := expandPath(keyPath)
			if _, err := os.Stat(expanded); err == nil {
				if keyAuth, err := privateKeyAuth(expanded, p.KeyPassphrase); err == nil {
					methods = append(methods, keyAuth)
					break // Use first available key
				}
			}
		}
	}

	// Add password authentication if provided
	if p.Password != "" {
		methods = append(methods, ssh.Password(p.Password))
		methods = append(methods, keyboardInteractiveAuth(p.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no authentication methods available", ErrAuthFailed)
	}

	return methods, nil
}

// sshAgentAuth returns an SSH agent auth method.
func sshAgentAuth() (ssh.AuthMethod, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

// privateKeyAuth returns a private key auth method.
func privateKeyAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	expanded := expandPath(keyPath)

	keyData, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// keyboardInteractiveAuth answers every challenge with the password. Some
// servers only advertise keyboard-interactive even for password logins.
func keyboardInteractiveAuth(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}

// buildHostKeyCallback creates a host key callback from known_hosts.
func buildHostKeyCallback(p Params) (ssh.HostKeyCallback, error) {
	if p.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := p.KnownHostsPath
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	expanded := expandPath(path)

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		// No known_hosts yet: accept and let the first real connection
		// populate it out of band.
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return nil
		}, nil
	}

	callback, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// sshConfigIdentityFile parses ~/.ssh/config and returns the IdentityFile
// for a host.
func sshConfigIdentityFile(host string) string {
	configPath := expandPath("~/.ssh/config")
	file, err := os.Open(configPath)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var matchesHost bool

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		key := strings.ToLower(parts[0])
		value := strings.Join(parts[1:], " ")

		switch key {
		case "host":
			matchesHost = MatchHostPattern(host, value)
		case "identityfile":
			if matchesHost {
				return expandPath(value)
			}
		}
	}

	return ""
}

// MatchHostPattern checks if host matches an SSH config Host pattern list.
// Patterns use glob syntax (* and ?); a pattern prefixed with ! negates.
func MatchHostPattern(host, patterns string) bool {
	matched := false
	for _, p := range strings.Fields(patterns) {
		negate := strings.HasPrefix(p, "!")
		if negate {
			p = p[1:]
		}
		ok, err := doublestar.Match(p, host)
		if err != nil || !ok {
			continue
		}
		if negate {
			return false
		}
		matched = true
	}
	return matched
}
