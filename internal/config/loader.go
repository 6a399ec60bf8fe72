package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".huddle"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. HUDDLE_CONFIG names the
// file directly; HUDDLE_HOME replaces the home directory.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("HUDDLE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("HUDDLE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if home, err := resolveHomeDir(); err == nil {
		cfg.Store.Path = filepath.Join(home, ConfigDir, "huddle.db")
		cfg.Supervisor.LockPath = filepath.Join(home, ConfigDir, "supervisor.lock")
	}

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err == nil {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	groups := []struct {
		prefix string
		spec   any
	}{
		{"HUDDLE_STORE", &cfg.Store},
		{"HUDDLE_SUPERVISOR", &cfg.Supervisor},
		{"HUDDLE_RELAY", &cfg.Relay},
		{"HUDDLE_LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return nil, fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}

	expandHome(&cfg.Store.Path)
	expandHome(&cfg.Supervisor.LockPath)
	return cfg, nil
}

// Save writes cfg to the config path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func expandHome(p *string) {
	if !strings.HasPrefix(*p, "~") {
		return
	}
	if home, err := resolveHomeDir(); err == nil {
		*p = filepath.Join(home, (*p)[1:])
	}
}
