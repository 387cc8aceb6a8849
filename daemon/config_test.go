// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
socket_path: /tmp/agentfs-test.sock
state_dir: /var/lib/agentfs
session_idle_timeout_seconds: 300
mounts:
  - lower: /srv/project
    watch_lower: true
  - lower: /srv/other
    upper: /var/lib/agentfs/other-upper
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if config.SocketPath != "/tmp/agentfs-test.sock" {
		t.Fatalf("socket path: %q", config.SocketPath)
	}
	if config.DatabasePath != "/var/lib/agentfs/metastore.db" {
		t.Fatalf("database path default: %q", config.DatabasePath)
	}
	if config.SessionIdleTimeout() != 5*time.Minute {
		t.Fatalf("idle timeout: %v", config.SessionIdleTimeout())
	}
	if len(config.Mounts) != 2 || !config.Mounts[0].WatchLower || config.Mounts[1].Upper == "" {
		t.Fatalf("mounts: %+v", config.Mounts)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	config := &Config{StateDir: "/var/lib/agentfs"}
	config.applyDefaults()
	if config.SocketPath != "/run/agentfs/agentfs.sock" {
		t.Fatalf("socket path default: %q", config.SocketPath)
	}
	if config.DatabasePath != "/var/lib/agentfs/metastore.db" {
		t.Fatalf("database path default: %q", config.DatabasePath)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		config Config
	}{
		{"missing state dir", Config{SocketPath: "/tmp/a.sock"}},
		{"missing socket path", Config{StateDir: "/var/lib/agentfs"}},
		{"mount without lower", Config{
			SocketPath: "/tmp/a.sock",
			StateDir:   "/var/lib/agentfs",
			Mounts:     []MountConfig{{Upper: "/up"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.config.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
