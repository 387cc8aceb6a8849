// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	// SocketPath is the Unix socket clients connect to.
	// Defaults to /run/agentfs/agentfs.sock.
	SocketPath string `yaml:"socket_path"`

	// StateDir holds daemon-managed layer directories and, unless
	// DatabasePath overrides it, the metadata database.
	StateDir string `yaml:"state_dir"`

	// DatabasePath is the SQLite metadata database. Defaults to
	// <state_dir>/metastore.db.
	DatabasePath string `yaml:"database_path"`

	// SessionIdleTimeoutSeconds disconnects sessions with no requests
	// for this long. Zero disables reaping.
	SessionIdleTimeoutSeconds int `yaml:"session_idle_timeout_seconds"`

	// Mounts are created at startup if no restored mount already uses
	// the same lower directory.
	Mounts []MountConfig `yaml:"mounts"`
}

// MountConfig declares one overlay mount.
type MountConfig struct {
	// Lower is the read-only base directory. Required, must exist.
	Lower string `yaml:"lower"`

	// Upper is the writable layer directory. Empty means
	// daemon-managed under the state dir.
	Upper string `yaml:"upper"`

	// WatchLower enables the drift watcher: external writes to the
	// lower directory surface to clients as "external" change events.
	WatchLower bool `yaml:"watch_lower"`
}

// LoadConfig loads a configuration from a YAML file and applies
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = "/run/agentfs/agentfs.sock"
	}
	if c.DatabasePath == "" && c.StateDir != "" {
		c.DatabasePath = c.StateDir + "/metastore.db"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.SessionIdleTimeoutSeconds < 0 {
		return fmt.Errorf("session_idle_timeout_seconds must not be negative")
	}
	for i, mount := range c.Mounts {
		if mount.Lower == "" {
			return fmt.Errorf("mount %d: lower is required", i)
		}
	}
	return nil
}

// SessionIdleTimeout returns the configured idle timeout as a duration,
// zero when reaping is disabled.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}
