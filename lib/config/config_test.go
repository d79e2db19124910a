// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "quorumd.yaml")
	content := `socket_path: /run/quorum/control.sock
state_dir: /var/lib/quorum
journal_dir: /var/lib/quorum/journals
registry_path: /etc/quorum/registry.jsonc
claude_binary: /usr/local/bin/claude
stop_grace_period: 15s
max_running_sessions: 8
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/run/quorum/control.sock" {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.StopGracePeriod != 15*time.Second {
		t.Errorf("StopGracePeriod = %v, want 15s", cfg.StopGracePeriod)
	}
	if cfg.InputTimeout != 5*time.Second {
		t.Errorf("InputTimeout default = %v, want 5s", cfg.InputTimeout)
	}
	if cfg.MaxRunningSessions != 8 {
		t.Errorf("MaxRunningSessions = %d, want 8", cfg.MaxRunningSessions)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "quorumd.yaml")
	content := `socket_path: /run/quorum/control.sock
state_dir: /var/lib/quorum
registry_path: /etc/quorum/registry.jsonc
no_such_field: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a config with an unknown field")
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "quorumd.yaml")
	if err := os.WriteFile(path, []byte("state_dir: /tmp\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a config without socket_path")
	}
}

const sampleRegistry = `{
	// Projects define where agent processes run.
	"projects": [
		{
			"id": "web",
			"name": "Web frontend",
			"working_directory": "/srv/web",
			"env": {"NODE_ENV": "development"},
		},
	],
	"agents": [
		{"id": "reviewer", "name": "Code reviewer", "model": "claude-sonnet-4-5", "max_cost_usd": 2.5, "max_duration": "30m"},
		{"id": "chairman", "name": "Synthesis chair"},
	],
}
`

func TestParseRegistryAndResolve(t *testing.T) {
	t.Parallel()

	registry, err := ParseRegistry([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("ParseRegistry: %v", err)
	}

	spec, err := registry.Resolve("web", "reviewer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.WorkingDirectory != "/srv/web" {
		t.Errorf("WorkingDirectory = %q", spec.WorkingDirectory)
	}
	if len(spec.Env) != 1 || spec.Env[0] != "NODE_ENV=development" {
		t.Errorf("Env = %v", spec.Env)
	}
	if spec.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", spec.Model)
	}
	if spec.Limits.MaxCostUSD != 2.5 {
		t.Errorf("MaxCostUSD = %v", spec.Limits.MaxCostUSD)
	}
	if spec.Limits.MaxDuration != 30*time.Minute {
		t.Errorf("MaxDuration = %v", spec.Limits.MaxDuration)
	}

	if _, err := registry.Resolve("web", "nobody"); err == nil {
		t.Error("Resolve accepted an unknown agent")
	}
	if _, err := registry.Resolve("nowhere", "reviewer"); err == nil {
		t.Error("Resolve accepted an unknown project")
	}
}

func TestParseRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	duplicate := `{"projects":[{"id":"p","working_directory":"/a"},{"id":"p","working_directory":"/b"}],"agents":[]}`
	if _, err := ParseRegistry([]byte(duplicate)); err == nil {
		t.Fatal("ParseRegistry accepted duplicate project ids")
	}
}

func TestParseRegistryRejectsBadDuration(t *testing.T) {
	t.Parallel()

	bad := `{"projects":[],"agents":[{"id":"a","max_duration":"soon"}]}`
	if _, err := ParseRegistry([]byte(bad)); err == nil {
		t.Fatal("ParseRegistry accepted an invalid max_duration")
	}
}
