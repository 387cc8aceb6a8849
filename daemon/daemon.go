// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentfs-foundation/agentfs/lib/clock"
	"github.com/agentfs-foundation/agentfs/metastore"
	"github.com/agentfs-foundation/agentfs/overlay"
	"github.com/agentfs-foundation/agentfs/watch"
)

// Daemon aggregates everything one agentfs instance owns. Constructed
// once in main and by integration tests; no global state.
type Daemon struct {
	logger   *slog.Logger
	clk      clock.Clock
	config   *Config
	store    *metastore.Store
	engine   *overlay.Engine
	bus      *watch.Bus
	registry *SessionRegistry

	listener net.Listener
	drifts   []*watch.DriftWatcher

	wg sync.WaitGroup
}

// New opens the metastore, restores the overlay engine, creates any
// configured mounts that are not already present, and wires the watch
// bus. The daemon does not listen until Run.
func New(ctx context.Context, config *Config, logger *slog.Logger, clk clock.Clock) (*Daemon, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}

	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: creating state dir: %w", err)
	}

	store, err := metastore.Open(config.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	bus := watch.NewBus(logger)
	engine, err := overlay.NewEngine(ctx, overlay.Options{
		Logger:   logger,
		Clock:    clk,
		Store:    store,
		Notifier: bus,
		StateDir: config.StateDir,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	d := &Daemon{
		logger:   logger,
		clk:      clk,
		config:   config,
		store:    store,
		engine:   engine,
		bus:      bus,
		registry: NewSessionRegistry(logger, clk, config.SessionIdleTimeout()),
	}

	if err := d.ensureMounts(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// ensureMounts creates configured mounts that did not survive from a
// previous run, matching on the lower directory. Drift watchers are
// built here but started by Run.
func (d *Daemon) ensureMounts(ctx context.Context) error {
	for _, mountConfig := range d.config.Mounts {
		lower := filepath.Clean(mountConfig.Lower)
		mountID, exists := d.engine.FindMountByLower(lower)
		if !exists {
			mount, err := d.engine.CreateMount(ctx, lower, mountConfig.Upper)
			if err != nil {
				return fmt.Errorf("daemon: creating mount for %s: %w", lower, err)
			}
			mountID = mount.ID
		}
		if mountConfig.WatchLower {
			drift, err := watch.NewDriftWatcher(d.logger, d.clk, d.bus, mountID, lower)
			if err != nil {
				return fmt.Errorf("daemon: watching lower dir %s: %w", lower, err)
			}
			d.drifts = append(d.drifts, drift)
		}
	}
	return nil
}

// Engine exposes the overlay engine for the control CLI handlers and
// tests.
func (d *Daemon) Engine() *overlay.Engine { return d.engine }

// Run listens on the configured Unix socket and serves connections
// until ctx is cancelled. Blocks.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.config.SocketPath), 0o755); err != nil {
		return fmt.Errorf("daemon: creating socket dir: %w", err)
	}
	// A stale socket from an unclean shutdown blocks the bind.
	if err := os.Remove(d.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", d.config.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", d.config.SocketPath, err)
	}
	d.listener = listener
	d.logger.Info("listening", "socket", d.config.SocketPath)

	for _, drift := range d.drifts {
		d.wg.Add(1)
		go func(dw *watch.DriftWatcher) {
			defer d.wg.Done()
			dw.Run(ctx)
		}(drift)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.registry.RunReaper(ctx)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			d.logger.Warn("accept failed", "error", err)
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(ctx, conn)
		}()
	}

	d.registry.closeAll()
	d.wg.Wait()
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing metastore failed", "error", err)
	}
	d.logger.Info("shut down")
	return nil
}
