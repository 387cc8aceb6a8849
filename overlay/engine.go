// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/agentfs-foundation/agentfs/lib/clock"
	"github.com/agentfs-foundation/agentfs/metastore"
	"github.com/agentfs-foundation/agentfs/protocol"
)

// Engine owns every mount and snapshot served by one daemon instance.
// It is constructed once at startup and passed to the dispatcher; there
// is no ambient global state, so tests run multiple engines side by
// side.
type Engine struct {
	logger   *slog.Logger
	clk      clock.Clock
	store    *metastore.Store
	notifier Notifier

	// stateDir holds daemon-created layer directories under
	// stateDir/layers/<layer-id>.
	stateDir string

	mu        sync.RWMutex
	mounts    map[string]*Mount
	snapshots map[string]*Snapshot

	handleSeq atomic.Uint64
}

// Options configures a new Engine. Store and StateDir are required.
type Options struct {
	Logger   *slog.Logger
	Clock    clock.Clock
	Store    *metastore.Store
	Notifier Notifier
	StateDir string
}

// NewEngine creates an engine and restores every mount and snapshot
// recorded in the metastore, so a daemon restarted against the same
// state directory serves the same overlay views.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("overlay: metastore is required")
	}
	if opts.StateDir == "" {
		return nil, fmt.Errorf("overlay: state directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	if err := os.MkdirAll(filepath.Join(opts.StateDir, "layers"), 0o755); err != nil {
		return nil, fmt.Errorf("overlay: creating layer directory: %w", err)
	}

	engine := &Engine{
		logger:    logger,
		clk:       clk,
		store:     opts.Store,
		notifier:  notifier,
		stateDir:  opts.StateDir,
		mounts:    make(map[string]*Mount),
		snapshots: make(map[string]*Snapshot),
	}
	if err := engine.restore(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// SetNotifier installs the watch service sink. Called once during
// daemon wiring, before any connection is accepted.
func (e *Engine) SetNotifier(n Notifier) {
	if n != nil {
		e.notifier = n
	}
}

// restore rebuilds mounts and snapshots from the metastore.
func (e *Engine) restore(ctx context.Context) error {
	snapshots, err := e.store.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("overlay: restoring snapshots: %w", err)
	}
	for _, record := range snapshots {
		chain, err := e.loadChain(ctx, record.ID)
		if err != nil {
			return err
		}
		e.snapshots[record.ID] = &Snapshot{
			ID:      record.ID,
			Parent:  record.Parent,
			Origin:  record.Origin,
			Name:    record.Name,
			Created: record.Created,
			chain:   chain,
		}
	}

	mounts, err := e.store.ListMounts(ctx)
	if err != nil {
		return fmt.Errorf("overlay: restoring mounts: %w", err)
	}
	for _, record := range mounts {
		chain, err := e.loadChain(ctx, record.ID)
		if err != nil {
			return err
		}
		whiteouts, err := e.store.LoadWhiteouts(ctx, record.ID)
		if err != nil {
			return fmt.Errorf("overlay: restoring whiteouts for %s: %w", record.ID, err)
		}
		mount := &Mount{
			ID:        record.ID,
			ForkOf:    record.ForkOf,
			Created:   record.Created,
			layers:    chain,
			whiteouts: make(map[string]struct{}, len(whiteouts)),
		}
		for _, path := range whiteouts {
			mount.whiteouts[path] = struct{}{}
		}
		e.mounts[record.ID] = mount
		e.logger.Info("mount restored",
			"mount_id", record.ID,
			"layers", len(chain),
			"whiteouts", len(whiteouts),
		)
	}
	return nil
}

func (e *Engine) loadChain(ctx context.Context, owner string) ([]*Layer, error) {
	records, err := e.store.LoadLayers(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("overlay: loading layers for %s: %w", owner, err)
	}
	chain := make([]*Layer, 0, len(records))
	for _, record := range records {
		chain = append(chain, &Layer{ID: record.ID, Dir: record.Dir, Writable: record.Writable})
	}
	return chain, nil
}

// CreateMount registers a new overlay mount. lowerDir must exist;
// upperDir is created if empty (daemon-managed under the state dir) or
// used as given (caller-managed, survives daemon state wipes).
func (e *Engine) CreateMount(ctx context.Context, lowerDir, upperDir string) (*Mount, error) {
	info, err := os.Stat(lowerDir)
	if err != nil {
		return nil, fmt.Errorf("overlay: lower directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("overlay: lower path %s is not a directory", lowerDir)
	}

	upperLayer := &Layer{ID: newID("l"), Writable: true}
	if upperDir == "" {
		upperLayer.Dir = filepath.Join(e.stateDir, "layers", upperLayer.ID)
	} else {
		upperLayer.Dir = upperDir
	}
	if err := os.MkdirAll(upperLayer.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("overlay: creating upper directory: %w", err)
	}

	mount := &Mount{
		ID:      newID("m"),
		Created: e.clk.Now(),
		layers: []*Layer{
			upperLayer,
			{ID: newID("l"), Dir: lowerDir, Writable: false},
		},
		whiteouts: make(map[string]struct{}),
	}

	if err := e.persistMount(ctx, mount); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.mounts[mount.ID] = mount
	e.mu.Unlock()

	e.logger.Info("mount created",
		"mount_id", mount.ID,
		"lower", lowerDir,
		"upper", upperLayer.Dir,
	)
	return mount, nil
}

func (e *Engine) persistMount(ctx context.Context, mount *Mount) error {
	if err := e.store.AddMount(ctx, mount.ID, mount.ForkOf, mount.Created); err != nil {
		return fmt.Errorf("overlay: persisting mount: %w", err)
	}
	if err := e.persistChain(ctx, mount.ID, mount.layers); err != nil {
		return err
	}
	return nil
}

func (e *Engine) persistChain(ctx context.Context, owner string, chain []*Layer) error {
	records := make([]metastore.LayerRecord, 0, len(chain))
	for position, layer := range chain {
		records = append(records, metastore.LayerRecord{
			Owner:    owner,
			Position: position,
			ID:       layer.ID,
			Dir:      layer.Dir,
			Writable: layer.Writable,
		})
	}
	if err := e.store.ReplaceLayers(ctx, owner, records); err != nil {
		return fmt.Errorf("overlay: persisting layer chain for %s: %w", owner, err)
	}
	return nil
}

// MountRemove deletes a mount: its registry entry, layer chain, and
// whiteout set, plus any daemon-managed layer directories no other
// chain references. Removing a fork releases its hold on the origin
// snapshot. A mount with open handles is rejected.
func (e *Engine) MountRemove(ctx context.Context, mountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mount, ok := e.mounts[mountID]
	if !ok {
		return opError("mount-remove", mountID, protocol.CodeNotFound)
	}
	if mount.openHandles.Load() > 0 {
		return opError("mount-remove", mountID, protocol.CodeInvalidArgument)
	}

	if err := e.store.RemoveMount(ctx, mountID); err != nil {
		return fmt.Errorf("overlay: removing mount: %w", err)
	}
	delete(e.mounts, mountID)

	mount.chainMu.Lock()
	layers := mount.layers
	mount.layers = nil
	mount.chainMu.Unlock()
	for _, layer := range layers {
		if !e.layerReferencedLocked(layer.ID) {
			e.removeLayerDir(layer)
		}
	}

	e.logger.Info("mount removed", "mount_id", mountID)
	return nil
}

// Mounts returns the ids of all live mounts.
func (e *Engine) Mounts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.mounts))
	for id := range e.mounts {
		ids = append(ids, id)
	}
	return ids
}

// FindMountByLower returns the mount whose bottom layer is lowerDir.
// Used at startup to match configured mounts against restored ones.
func (e *Engine) FindMountByLower(lowerDir string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, mount := range e.mounts {
		mount.chainMu.RLock()
		bottom := mount.layers[len(mount.layers)-1].Dir
		mount.chainMu.RUnlock()
		if bottom == lowerDir {
			return id, true
		}
	}
	return "", false
}

// mount resolves a mount id, returning a typed NotFound error for
// unknown ids.
func (e *Engine) mount(id string) (*Mount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mount, ok := e.mounts[id]
	if !ok {
		return nil, opError("mount", id, protocol.CodeNotFound)
	}
	return mount, nil
}

// Stats returns the diagnostics counters for one mount.
func (e *Engine) Stats(ctx context.Context, mountID string) (MountStats, error) {
	mount, err := e.mount(mountID)
	if err != nil {
		return MountStats{}, err
	}

	mount.chainMu.RLock()
	layerCount := int64(len(mount.layers))
	mount.chainMu.RUnlock()

	mount.whMu.Lock()
	whiteoutCount := int64(len(mount.whiteouts))
	mount.whMu.Unlock()

	e.mu.RLock()
	var snapshotCount int64
	for _, snapshot := range e.snapshots {
		if snapshot.Origin == mountID {
			snapshotCount++
		}
	}
	e.mu.RUnlock()

	copyUps, err := e.store.CountCopyUps(ctx, mountID)
	if err != nil {
		return MountStats{}, fmt.Errorf("overlay: counting copy-ups: %w", err)
	}

	return MountStats{
		MountID:     mountID,
		OpenHandles: mount.openHandles.Load(),
		Whiteouts:   whiteoutCount,
		Snapshots:   snapshotCount,
		CopyUps:     copyUps,
		Layers:      layerCount,
	}, nil
}

// notify forwards a mutation to the watch service with the engine's
// clock timestamp.
func (e *Engine) notify(mountID, path string, kind ChangeKind) {
	e.notifier.Notify(mountID, path, kind, e.clk.Now())
}
