package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigPathRespectsHuddleConfigAndHome(t *testing.T) {
	t.Setenv("HUDDLE_HOME", "/srv/huddle")
	t.Setenv("HUDDLE_CONFIG", "~/.huddle/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/huddle", ".huddle", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestLoadDefaultsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HUDDLE_HOME", home)
	t.Setenv("HUDDLE_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != filepath.Join(home, ".huddle", "huddle.db") {
		t.Fatalf("unexpected store path %q", cfg.Store.Path)
	}
	if cfg.Store.MaxOpenConns != 1 || cfg.Supervisor.Interval.Std() != 30*time.Second || cfg.Relay.Enabled {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Relay.Brokers) != 0 {
		t.Fatalf("relay brokers should be unset by default, got %v", cfg.Relay.Brokers)
	}
}

func TestLoadParsesDurationStrings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HUDDLE_HOME", home)
	t.Setenv("HUDDLE_CONFIG", "")
	dir := filepath.Join(home, ".huddle")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := `{"store":{"busyTimeout":"2s"},"supervisor":{"interval":"1m"},"relay":{"interval":"750ms","writeTimeout":3000000000}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.BusyTimeout.Std() != 2*time.Second {
		t.Fatalf("unexpected busy timeout: %v", cfg.Store.BusyTimeout)
	}
	if cfg.Supervisor.Interval.Std() != time.Minute {
		t.Fatalf("unexpected supervisor interval: %v", cfg.Supervisor.Interval)
	}
	if cfg.Relay.Interval.Std() != 750*time.Millisecond || cfg.Relay.WriteTimeout.Std() != 3*time.Second {
		t.Fatalf("unexpected relay durations: %v %v", cfg.Relay.Interval, cfg.Relay.WriteTimeout)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HUDDLE_HOME", home)
	t.Setenv("HUDDLE_CONFIG", "")
	dir := filepath.Join(home, ".huddle")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"supervisor":{"interval":"soon"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestLoadPriorityEnvOverFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HUDDLE_HOME", home)
	t.Setenv("HUDDLE_CONFIG", "")
	dir := filepath.Join(home, ".huddle")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := `{"store":{"driver":"sqlite3"},"relay":{"topic":"from-file","enabled":true},"log":{"level":"debug"}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HUDDLE_RELAY_TOPIC", "from-env")
	t.Setenv("HUDDLE_RELAY_BROKERS", "k1:9092,k2:9092")
	t.Setenv("HUDDLE_SUPERVISOR_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "sqlite3" || cfg.Log.Level != "debug" || !cfg.Relay.Enabled {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Relay.Topic != "from-env" {
		t.Fatalf("env should override file, got topic %q", cfg.Relay.Topic)
	}
	if len(cfg.Relay.Brokers) != 2 || cfg.Relay.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Relay.Brokers)
	}
	if cfg.Supervisor.Interval.Std() != 5*time.Second {
		t.Fatalf("unexpected interval: %v", cfg.Supervisor.Interval)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HUDDLE_HOME", home)
	t.Setenv("HUDDLE_CONFIG", "")
	t.Setenv("HUDDLE_LOG_FORMAT", "")
	os.Unsetenv("HUDDLE_LOG_FORMAT")
	envDir := filepath.Join(home, ".config", "huddle")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("# comment\nexport HUDDLE_LOG_FORMAT=\"json\"\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("HUDDLE_LOG_FORMAT") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("expected format from env file, got %q", cfg.Log.Format)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HUDDLE_HOME", home)
	t.Setenv("HUDDLE_CONFIG", "")
	cfg := DefaultConfig()
	cfg.Relay.Topic = "saved"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Relay.Topic != "saved" {
		t.Fatalf("unexpected topic %q", got.Relay.Topic)
	}
	raw, err := os.ReadFile(filepath.Join(home, ".huddle", "config.json"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if !strings.Contains(string(raw), `"interval": "30s"`) {
		t.Fatalf("durations should be saved as text: %s", raw)
	}
}
