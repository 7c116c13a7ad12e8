package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8022" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Redact {
		t.Errorf("Logging = %+v, want info/redact defaults", cfg.Logging)
	}
}

func TestLoadParsesServers(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:9000"
servers:
  - name: web
    host: web1.example.com
    port: 2222
    user: deploy
    patterns: ["web*.example.com"]
    auth:
      type: password
      password_env: WEB_SSH_PASSWORD
      use_keyring: true
connection:
  keepalive_interval: 10s
flow_control:
  max_queue_len: 512
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(cfg.Servers))
	}
	s := cfg.Servers[0]
	if s.Name != "web" || s.Port != 2222 || s.User != "deploy" {
		t.Errorf("server = %+v", s)
	}
	if !s.Auth.UseKeyring || s.Auth.PasswordEnv != "WEB_SSH_PASSWORD" {
		t.Errorf("auth = %+v", s.Auth)
	}
	if cfg.Connection.KeepaliveInterval != 10*time.Second {
		t.Errorf("keepalive = %v, want 10s", cfg.Connection.KeepaliveInterval)
	}
	if cfg.FlowControl.MaxQueueLen != 512 {
		t.Errorf("max_queue_len = %d, want 512", cfg.FlowControl.MaxQueueLen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = []ServerConfig{
		{Name: "a", Host: "h1"},
		{Name: "a", Host: "h2"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted duplicate server names")
	}
}

func TestValidateRejectsBadPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = []ServerConfig{{Name: "a", Host: "h", Patterns: []string{"[bad"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted a malformed host pattern")
	}
}

func TestFindServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = []ServerConfig{
		{Name: "web", Host: "web1.example.com", Patterns: []string{"web*.example.com"}},
		{Name: "db", Host: "db.example.com"},
	}

	if s, ok := cfg.FindServer("db"); !ok || s.Name != "db" {
		t.Errorf("FindServer(db) = (%v, %v)", s.Name, ok)
	}
	if s, ok := cfg.FindServer("db.example.com"); !ok || s.Name != "db" {
		t.Errorf("FindServer by host = (%v, %v)", s.Name, ok)
	}
	if s, ok := cfg.FindServer("web7.example.com"); !ok || s.Name != "web" {
		t.Errorf("FindServer by pattern = (%v, %v)", s.Name, ok)
	}
	if _, ok := cfg.FindServer("unknown.host"); ok {
		t.Error("FindServer matched an unknown host")
	}
}

func TestPasswordFromEnv(t *testing.T) {
	t.Setenv("TEST_SSH_PASSWORD", "hunter2")
	s := ServerConfig{
		Host: "h", User: "u",
		Auth: AuthConfig{PasswordEnv: "TEST_SSH_PASSWORD"},
	}
	pw, err := s.Password()
	if err != nil {
		t.Fatalf("Password: %v", err)
	}
	if pw != "hunter2" {
		t.Errorf("password = %q", pw)
	}
}

func TestPasswordMissing(t *testing.T) {
	s := ServerConfig{Host: "h", User: "u"}
	if _, err := s.Password(); err == nil {
		t.Error("Password succeeded with no sources configured")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Servers = []ServerConfig{{Name: "web", Host: "web1", User: "deploy"}}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Name != "web" {
		t.Errorf("round trip lost servers: %+v", loaded.Servers)
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "listen: \"127.0.0.1:1111\"\n")

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { changed <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if got := w.Config().Listen; got != "127.0.0.1:1111" {
		t.Fatalf("initial Listen = %q", got)
	}

	if err := os.WriteFile(path, []byte("listen: \"127.0.0.1:2222\"\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.Listen != "127.0.0.1:2222" {
			t.Errorf("reloaded Listen = %q", cfg.Listen)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the change")
	}
}

func TestWatcherReloadOnAtomicSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listen: \"127.0.0.1:1111\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { changed <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// Editors save by writing a temp file and renaming it over the target.
	tmp := filepath.Join(dir, "config.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("listen: \"127.0.0.1:3333\"\n"), 0644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.Listen != "127.0.0.1:3333" {
			t.Errorf("reloaded Listen = %q", cfg.Listen)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher missed the atomic save")
	}
}
