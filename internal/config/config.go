// Package config handles configuration parsing for sshdeckd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/sshdeck/config.yaml or ~/.config/sshdeck/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sshdeck", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Listen      string            `yaml:"listen"`
	Servers     []ServerConfig    `yaml:"servers"`
	Connection  ConnectionConfig  `yaml:"connection"`
	FlowControl FlowControlConfig `yaml:"flow_control"`
	Worker      WorkerConfig      `yaml:"worker"`
	Health      HealthConfig      `yaml:"health"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig defines an SSH server connection.
type ServerConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	// Patterns are host globs this entry also answers for, so one entry can
	// cover a fleet ("web*.example.com", "10.0.*").
	Patterns []string   `yaml:"patterns"`
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig defines authentication settings for one server.
type AuthConfig struct {
	Type          string `yaml:"type"`           // "key", "password", or "agent"
	KeyPath       string `yaml:"key_path"`       // path to key file
	PassphraseEnv string `yaml:"passphrase_env"` // env var containing key passphrase
	PasswordEnv   string `yaml:"password_env"`   // env var containing SSH password
	UseKeyring    bool   `yaml:"use_keyring"`    // fetch password from the OS keyring
}

// ConnectionConfig defines transport tuning.
type ConnectionConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KnownHostsPath    string        `yaml:"known_hosts_path"`
	InsecureHostKey   bool          `yaml:"insecure_host_key"`
}

// FlowControlConfig defines per-terminal input queue tuning.
type FlowControlConfig struct {
	WindowSize      uint32        `yaml:"window_size"`
	MaxQueueLen     int           `yaml:"max_queue_len"`
	MaxRetries      int           `yaml:"max_retries"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	WriteBatchBytes int           `yaml:"write_batch_bytes"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
}

// WorkerConfig defines worker lifecycle tuning.
type WorkerConfig struct {
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HealthConfig defines advisory health thresholds.
type HealthConfig struct {
	FailureRate float64       `yaml:"failure_rate"`
	IdleAfter   time.Duration `yaml:"idle_after"`
	RingSize    int           `yaml:"ring_size"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Redact bool   `yaml:"redact"` // redact credentials from logs
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen: "127.0.0.1:8022",
		Connection: ConnectionConfig{
			DialTimeout:       30 * time.Second,
			KeepaliveInterval: 30 * time.Second,
		},
		Worker: WorkerConfig{
			StopTimeout:   5 * time.Second,
			StaleAfter:    5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Health: HealthConfig{
			FailureRate: 0.2,
			IdleAfter:   5 * time.Minute,
			RingSize:    256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Redact: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8022"
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server entry without a name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Host == "" {
			return fmt.Errorf("server %q has no host", s.Name)
		}
		for _, p := range s.Patterns {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("server %q: bad host pattern %q", s.Name, p)
			}
		}
	}
	return nil
}

// FindServer resolves a name or host to a server entry. Exact name match
// wins, then exact host, then the first entry whose patterns match.
func (c *Config) FindServer(nameOrHost string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == nameOrHost {
			return s, true
		}
	}
	for _, s := range c.Servers {
		if s.Host == nameOrHost {
			return s, true
		}
	}
	for _, s := range c.Servers {
		for _, p := range s.Patterns {
			if ok, err := doublestar.Match(p, nameOrHost); err == nil && ok {
				return s, true
			}
		}
	}
	return ServerConfig{}, false
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
