// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentfs-foundation/agentfs/metastore"
	"github.com/agentfs-foundation/agentfs/protocol"
)

// SnapshotCreate freezes the mount's current writable layer into the
// chain and starts a fresh one. The snapshot captures the layer chain
// and the whiteout set as they are at this instant; no file content is
// copied.
// Lock order for snapshot-tree operations: e.mu before any
// mount.chainMu. Filesystem operations never take e.mu while holding
// chainMu, so the order is global.
func (e *Engine) SnapshotCreate(ctx context.Context, mountID, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mount, ok := e.mounts[mountID]
	if !ok {
		return "", opError("snapshot-create", mountID, protocol.CodeNotFound)
	}

	mount.chainMu.Lock()
	defer mount.chainMu.Unlock()

	frozen := mount.layers[0]
	frozen.Writable = false

	snapshot := &Snapshot{
		ID:      newID("s"),
		Parent:  e.parentSnapshotOfLocked(mount),
		Origin:  mountID,
		Name:    name,
		Created: e.clk.Now(),
		chain:   append([]*Layer{}, mount.layers...),
	}

	newUpper := &Layer{ID: newID("l"), Writable: true}
	newUpper.Dir = filepath.Join(e.stateDir, "layers", newUpper.ID)
	if err := os.MkdirAll(newUpper.Dir, 0o755); err != nil {
		frozen.Writable = true
		return "", fmt.Errorf("overlay: creating layer directory: %w", err)
	}
	mount.layers = append([]*Layer{newUpper}, snapshot.chain...)

	if err := e.persistSnapshot(ctx, mount, snapshot); err != nil {
		return "", err
	}
	e.snapshots[snapshot.ID] = snapshot

	e.logger.Info("snapshot created",
		"snapshot_id", snapshot.ID,
		"mount_id", mountID,
		"name", name,
		"layers", len(snapshot.chain),
	)
	return snapshot.ID, nil
}

// parentSnapshotOfLocked finds the snapshot whose frozen top layer
// sits directly beneath the mount's writable layer: the previous
// branch point on this line of history. Caller holds e.mu and
// mount.chainMu.
func (e *Engine) parentSnapshotOfLocked(mount *Mount) string {
	if len(mount.layers) < 2 {
		return ""
	}
	beneath := mount.layers[1].ID
	for _, snapshot := range e.snapshots {
		if snapshot.chain[0].ID == beneath {
			return snapshot.ID
		}
	}
	return ""
}

func (e *Engine) persistSnapshot(ctx context.Context, mount *Mount, snapshot *Snapshot) error {
	record := metastore.SnapshotRecord{
		ID:      snapshot.ID,
		Parent:  snapshot.Parent,
		Origin:  snapshot.Origin,
		Name:    snapshot.Name,
		Created: snapshot.Created,
	}
	if err := e.store.AddSnapshot(ctx, record); err != nil {
		return fmt.Errorf("overlay: persisting snapshot: %w", err)
	}
	if err := e.persistChain(ctx, snapshot.ID, snapshot.chain); err != nil {
		return err
	}
	if err := e.store.CopyWhiteouts(ctx, mount.ID, snapshot.ID); err != nil {
		return fmt.Errorf("overlay: copying whiteouts to snapshot: %w", err)
	}
	return e.persistChain(ctx, mount.ID, mount.layers)
}

// SnapshotList returns snapshots sorted oldest first, optionally
// filtered to those taken from one mount.
func (e *Engine) SnapshotList(mountID string) []*Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snapshots := make([]*Snapshot, 0, len(e.snapshots))
	for _, snapshot := range e.snapshots {
		if mountID != "" && snapshot.Origin != mountID {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Created.Before(snapshots[j].Created)
	})
	return snapshots
}

// SnapshotDelete removes a snapshot. A snapshot with live descendant
// forks is rejected with SnapshotInUse: the forks' content aliases it.
// The frozen layer's directory is removed only once no remaining chain
// references it; the origin mount usually still builds on it, in which
// case only the snapshot record goes away.
func (e *Engine) SnapshotDelete(ctx context.Context, snapshotID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot, ok := e.snapshots[snapshotID]
	if !ok {
		return opError("snapshot-delete", snapshotID, protocol.CodeNotFound)
	}
	for _, mount := range e.mounts {
		if mount.ForkOf == snapshotID {
			return opError("snapshot-delete", snapshotID, protocol.CodeSnapshotInUse)
		}
	}

	if err := e.store.DeleteSnapshot(ctx, snapshotID); err != nil {
		return fmt.Errorf("overlay: deleting snapshot: %w", err)
	}
	delete(e.snapshots, snapshotID)
	if !e.layerReferencedLocked(snapshot.chain[0].ID) {
		e.removeLayerDir(snapshot.chain[0])
	}

	e.logger.Info("snapshot deleted", "snapshot_id", snapshotID)
	return nil
}

// Fork creates a new writable mount whose chain is a fresh upper layer
// over the snapshot's frozen chain. Nothing is copied; the fork
// diverges only as it is written to.
func (e *Engine) Fork(ctx context.Context, snapshotID string) (*Mount, error) {
	e.mu.RLock()
	snapshot, ok := e.snapshots[snapshotID]
	e.mu.RUnlock()
	if !ok {
		return nil, opError("fork", snapshotID, protocol.CodeNotFound)
	}

	upperLayer := &Layer{ID: newID("l"), Writable: true}
	upperLayer.Dir = filepath.Join(e.stateDir, "layers", upperLayer.ID)
	if err := os.MkdirAll(upperLayer.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("overlay: creating layer directory: %w", err)
	}

	whiteouts, err := e.store.LoadWhiteouts(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("overlay: loading snapshot whiteouts: %w", err)
	}

	mount := &Mount{
		ID:        newID("m"),
		ForkOf:    snapshotID,
		Created:   e.clk.Now(),
		layers:    append([]*Layer{upperLayer}, snapshot.chain...),
		whiteouts: make(map[string]struct{}, len(whiteouts)),
	}
	for _, path := range whiteouts {
		mount.whiteouts[path] = struct{}{}
	}

	if err := e.persistMount(ctx, mount); err != nil {
		return nil, err
	}
	if err := e.store.CopyWhiteouts(ctx, snapshotID, mount.ID); err != nil {
		return nil, fmt.Errorf("overlay: copying whiteouts to fork: %w", err)
	}

	e.mu.Lock()
	e.mounts[mount.ID] = mount
	e.mu.Unlock()

	e.logger.Info("mount forked",
		"mount_id", mount.ID,
		"snapshot_id", snapshotID,
	)
	return mount, nil
}

// Rollback discards the mount's divergence since the snapshot and
// installs a fresh writable layer over the snapshot's chain. Layer
// directories that no snapshot or other mount references are removed.
func (e *Engine) Rollback(ctx context.Context, mountID, snapshotID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mount, ok := e.mounts[mountID]
	if !ok {
		return opError("rollback", mountID, protocol.CodeNotFound)
	}
	snapshot, ok := e.snapshots[snapshotID]
	if !ok {
		return opError("rollback", snapshotID, protocol.CodeNotFound)
	}

	mount.chainMu.Lock()
	discarded, err := e.rollbackChain(ctx, mount, snapshot)
	mount.chainMu.Unlock()
	if err != nil {
		return err
	}

	for _, layer := range discarded {
		if !e.layerReferencedLocked(layer.ID) {
			e.removeLayerDir(layer)
		}
	}

	e.logger.Info("mount rolled back",
		"mount_id", mountID,
		"snapshot_id", snapshotID,
		"discarded_layers", len(discarded),
	)
	return nil
}

// rollbackChain swaps in the snapshot's chain under a fresh writable
// layer and restores the snapshot's whiteout set. Caller holds
// mount.chainMu. Returns the layers dropped from the mount's chain.
func (e *Engine) rollbackChain(ctx context.Context, mount *Mount, snapshot *Snapshot) ([]*Layer, error) {
	inSnapshot := make(map[string]bool, len(snapshot.chain))
	for _, layer := range snapshot.chain {
		inSnapshot[layer.ID] = true
	}
	var discarded []*Layer
	for _, layer := range mount.layers {
		if !inSnapshot[layer.ID] {
			discarded = append(discarded, layer)
		}
	}

	upperLayer := &Layer{ID: newID("l"), Writable: true}
	upperLayer.Dir = filepath.Join(e.stateDir, "layers", upperLayer.ID)
	if err := os.MkdirAll(upperLayer.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("overlay: creating layer directory: %w", err)
	}
	mount.layers = append([]*Layer{upperLayer}, snapshot.chain...)

	if err := e.store.ReplaceWhiteouts(ctx, mount.ID, snapshot.ID); err != nil {
		return nil, fmt.Errorf("overlay: restoring whiteouts: %w", err)
	}
	whiteouts, err := e.store.LoadWhiteouts(ctx, mount.ID)
	if err != nil {
		return nil, fmt.Errorf("overlay: reloading whiteouts: %w", err)
	}
	mount.whMu.Lock()
	mount.whiteouts = make(map[string]struct{}, len(whiteouts))
	for _, path := range whiteouts {
		mount.whiteouts[path] = struct{}{}
	}
	mount.whMu.Unlock()

	if err := e.persistChain(ctx, mount.ID, mount.layers); err != nil {
		return nil, err
	}
	return discarded, nil
}

// layerReferencedLocked reports whether any snapshot or mount chain
// still contains the layer. Caller holds e.mu and no chainMu.
func (e *Engine) layerReferencedLocked(layerID string) bool {
	for _, snapshot := range e.snapshots {
		for _, layer := range snapshot.chain {
			if layer.ID == layerID {
				return true
			}
		}
	}
	for _, mount := range e.mounts {
		mount.chainMu.RLock()
		for _, layer := range mount.layers {
			if layer.ID == layerID {
				mount.chainMu.RUnlock()
				return true
			}
		}
		mount.chainMu.RUnlock()
	}
	return false
}

// removeLayerDir deletes a layer directory, but only daemon-managed
// ones under the state dir. Caller-supplied lower and upper dirs are
// never touched.
func (e *Engine) removeLayerDir(layer *Layer) {
	managed := filepath.Join(e.stateDir, "layers") + string(os.PathSeparator)
	if !strings.HasPrefix(layer.Dir, managed) {
		return
	}
	if err := os.RemoveAll(layer.Dir); err != nil {
		e.logger.Warn("removing layer directory failed", "dir", layer.Dir, "error", err)
	}
}
