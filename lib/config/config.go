// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for quorum components.
//
// The daemon configuration is a single YAML file specified by the
// QUORUM_CONFIG environment variable or the --config flag. There are
// no fallbacks or automatic discovery — deterministic, auditable
// configuration with no hidden overrides.
//
// The project/agent registry is a separate JSONC file (JSON extended
// with comments and trailing commas) referenced from the daemon
// configuration. Registries are authored by hand, so the comment
// syntax matters.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// SocketPath is the unix socket the control API listens on.
	SocketPath string `yaml:"socket_path"`

	// StateDir holds the SQLite database.
	StateDir string `yaml:"state_dir"`

	// JournalDir holds per-session JSONL journals. Empty disables
	// journaling.
	JournalDir string `yaml:"journal_dir"`

	// RegistryPath is the JSONC project/agent registry file.
	RegistryPath string `yaml:"registry_path"`

	// ClaudeBinary is the claude executable path. Empty means PATH
	// resolution.
	ClaudeBinary string `yaml:"claude_binary"`

	// StopGracePeriod is how long a stop waits for graceful exit
	// before SIGKILL. Defaults to 10s.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`

	// InputTimeout bounds how long SendInput waits for stdin buffer
	// capacity before reporting backpressure. Defaults to 5s.
	InputTimeout time.Duration `yaml:"input_timeout"`

	// MaxRunningSessions bounds concurrently running processes.
	// Zero means unlimited.
	MaxRunningSessions int `yaml:"max_running_sessions"`
}

// Load reads and validates a daemon configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("config %s: socket_path is required", path)
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("config %s: state_dir is required", path)
	}
	if cfg.RegistryPath == "" {
		return nil, fmt.Errorf("config %s: registry_path is required", path)
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}
	if cfg.InputTimeout == 0 {
		cfg.InputTimeout = 5 * time.Second
	}
	return &cfg, nil
}
