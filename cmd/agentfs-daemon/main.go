// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Agentfs-daemon is the copy-on-write overlay filesystem daemon. It
// serves overlay mounts over a Unix socket: coding agents read and
// write project trees through it, every mutation lands in a writable
// upper layer, and the base tree is never modified. Snapshots freeze
// the upper layer for later fork or rollback.
//
// On startup:
//  1. Loads the YAML config.
//  2. Opens the SQLite metastore and restores mounts and snapshots
//     from the previous run.
//  3. Creates configured mounts that do not exist yet.
//  4. Listens on the configured Unix socket until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentfs-foundation/agentfs/daemon"
	"github.com/agentfs-foundation/agentfs/lib/clock"
	"github.com/agentfs-foundation/agentfs/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath         string
		socketPath         string
		stateDir           string
		idleTimeoutSeconds int
		logLevel           string
		showVersion        bool
	)

	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.StringVar(&socketPath, "socket", "", "Unix socket path (overrides config)")
	flag.StringVar(&stateDir, "state-dir", "", "state directory for layers and metadata (overrides config)")
	flag.IntVar(&idleTimeoutSeconds, "session-idle-timeout-seconds", 0, "disconnect sessions idle for this long (overrides config)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("agentfs-daemon %s\n", version.Info())
		return nil
	}

	config := &daemon.Config{}
	if configPath != "" {
		loaded, err := daemon.LoadConfig(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	if socketPath != "" {
		config.SocketPath = socketPath
	}
	if stateDir != "" {
		config.StateDir = stateDir
		if config.DatabasePath == "" {
			config.DatabasePath = stateDir + "/metastore.db"
		}
	}
	if idleTimeoutSeconds > 0 {
		config.SessionIdleTimeoutSeconds = idleTimeoutSeconds
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, config, logger, clock.Real())
	if err != nil {
		return err
	}
	logger.Info("starting", "version", version.Info(), "socket", config.SocketPath)
	return d.Run(ctx)
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
