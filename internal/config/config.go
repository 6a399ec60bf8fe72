// Package config provides configuration types and loading for huddle.
package config

import (
	"github.com/KafClaw/huddle/internal/relay"
	"github.com/KafClaw/huddle/internal/store"
	"github.com/KafClaw/huddle/internal/tasker"
)

// Config is the root configuration struct.
type Config struct {
	Store      store.Config            `json:"store"`
	Supervisor tasker.SupervisorConfig `json:"supervisor"`
	Relay      relay.Config            `json:"relay"`
	Log        LogConfig               `json:"log"`
}

// LogConfig controls the slog handler the CLI installs.
type LogConfig struct {
	Level  string `json:"level" split_words:"true"`
	Format string `json:"format" split_words:"true"` // text or json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store:      store.DefaultConfig(),
		Supervisor: tasker.DefaultSupervisorConfig(),
		Relay:      relay.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
