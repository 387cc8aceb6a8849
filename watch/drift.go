// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentfs-foundation/agentfs/lib/clock"
	"github.com/agentfs-foundation/agentfs/overlay"
)

// DriftWatcher reports external mutations of a mount's lower directory.
// The overlay engine never writes there, so anything fsnotify sees is
// drift: another process changing content the mount presents as frozen.
// Events surface to clients as "external" changes.
//
// fsnotify watches are not recursive; the watcher seeds itself with
// every existing subdirectory and adds new ones as they appear.
type DriftWatcher struct {
	logger   *slog.Logger
	clk      clock.Clock
	notifier overlay.Notifier
	mountID  string
	lowerDir string
	watcher  *fsnotify.Watcher
}

// NewDriftWatcher builds a watcher over lowerDir for mountID. Call Run
// to start it.
func NewDriftWatcher(logger *slog.Logger, clk clock.Clock, notifier overlay.Notifier, mountID, lowerDir string) (*DriftWatcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}
	d := &DriftWatcher{
		logger:   logger,
		clk:      clk,
		notifier: notifier,
		mountID:  mountID,
		lowerDir: filepath.Clean(lowerDir),
		watcher:  watcher,
	}
	if err := d.addTree(d.lowerDir); err != nil {
		watcher.Close()
		return nil, err
	}
	return d, nil
}

func (d *DriftWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if err := d.watcher.Add(path); err != nil {
			d.logger.Warn("drift: watching directory failed", "dir", path, "error", err)
		}
		return nil
	})
}

// Run forwards drift events until ctx is cancelled. Blocks; run it on
// its own goroutine.
func (d *DriftWatcher) Run(ctx context.Context) {
	defer d.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handle(event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("drift: fsnotify error", "mount_id", d.mountID, "error", err)
		}
	}
}

func (d *DriftWatcher) handle(event fsnotify.Event) {
	logical := d.logicalPath(event.Name)
	if logical == "" {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := d.addTree(event.Name); err != nil {
				d.logger.Warn("drift: watching new directory failed", "dir", event.Name, "error", err)
			}
		}
	}

	d.notifier.Notify(d.mountID, logical, overlay.ChangeExternal, d.clk.Now())
}

// logicalPath maps an absolute fsnotify path back into the mount's
// namespace. Returns "" for paths outside lowerDir.
func (d *DriftWatcher) logicalPath(name string) string {
	relative, err := filepath.Rel(d.lowerDir, filepath.Clean(name))
	if err != nil || strings.HasPrefix(relative, "..") {
		return ""
	}
	if relative == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(relative)
}
