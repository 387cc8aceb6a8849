// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package metastore

import (
	"context"
	"sort"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMountRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.AddMount(ctx, "m-1", "", created); err != nil {
		t.Fatalf("add mount: %v", err)
	}
	if err := store.AddMount(ctx, "m-2", "s-origin", created.Add(time.Minute)); err != nil {
		t.Fatalf("add fork mount: %v", err)
	}

	mounts, err := store.ListMounts(ctx)
	if err != nil {
		t.Fatalf("list mounts: %v", err)
	}
	if len(mounts) != 2 {
		t.Fatalf("mount count: got %d", len(mounts))
	}
	if mounts[0].ID != "m-1" || mounts[0].ForkOf != "" {
		t.Fatalf("first mount: %+v", mounts[0])
	}
	if mounts[1].ID != "m-2" || mounts[1].ForkOf != "s-origin" {
		t.Fatalf("fork mount: %+v", mounts[1])
	}
	if !mounts[0].Created.Equal(created) {
		t.Fatalf("created timestamp drifted: %v", mounts[0].Created)
	}

	if err := store.RemoveMount(ctx, "m-1"); err != nil {
		t.Fatalf("remove mount: %v", err)
	}
	mounts, err = store.ListMounts(ctx)
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(mounts) != 1 || mounts[0].ID != "m-2" {
		t.Fatalf("mounts after remove: %+v", mounts)
	}
}

func TestReplaceLayersRewritesChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []LayerRecord{
		{ID: "l-a", Dir: "/state/layers/l-a", Writable: true},
		{ID: "l-b", Dir: "/data/lower", Writable: false},
	}
	if err := store.ReplaceLayers(ctx, "m-1", first); err != nil {
		t.Fatalf("replace layers: %v", err)
	}

	// A snapshot pushes a new upper on top; the whole chain is
	// rewritten, never appended to.
	second := []LayerRecord{
		{ID: "l-c", Dir: "/state/layers/l-c", Writable: true},
		{ID: "l-a", Dir: "/state/layers/l-a", Writable: false},
		{ID: "l-b", Dir: "/data/lower", Writable: false},
	}
	if err := store.ReplaceLayers(ctx, "m-1", second); err != nil {
		t.Fatalf("replace layers again: %v", err)
	}

	layers, err := store.LoadLayers(ctx, "m-1")
	if err != nil {
		t.Fatalf("load layers: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("layer count: got %d", len(layers))
	}
	for position, layer := range layers {
		if layer.Position != position {
			t.Fatalf("layer order broken: %+v", layers)
		}
		if layer.ID != second[position].ID {
			t.Fatalf("layer %d: got %s, want %s", position, layer.ID, second[position].ID)
		}
	}
	if !layers[0].Writable || layers[1].Writable || layers[2].Writable {
		t.Fatalf("writable flags: %+v", layers)
	}
}

func TestLayerChainsAreIndependentPerOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.ReplaceLayers(ctx, "m-1", []LayerRecord{{ID: "l-a", Dir: "/a", Writable: true}}); err != nil {
		t.Fatalf("replace layers: %v", err)
	}
	if err := store.ReplaceLayers(ctx, "s-1", []LayerRecord{{ID: "l-b", Dir: "/b", Writable: false}}); err != nil {
		t.Fatalf("replace layers: %v", err)
	}

	layers, err := store.LoadLayers(ctx, "m-1")
	if err != nil {
		t.Fatalf("load layers: %v", err)
	}
	if len(layers) != 1 || layers[0].ID != "l-a" {
		t.Fatalf("owner chains bled together: %+v", layers)
	}
}

func TestWhiteoutLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.AddWhiteout(ctx, "m-1", "/gone.txt", now); err != nil {
		t.Fatalf("add whiteout: %v", err)
	}
	// Idempotent re-add.
	if err := store.AddWhiteout(ctx, "m-1", "/gone.txt", now); err != nil {
		t.Fatalf("re-add whiteout: %v", err)
	}
	if err := store.AddWhiteout(ctx, "m-1", "/docs", now); err != nil {
		t.Fatalf("add whiteout: %v", err)
	}

	paths, err := store.LoadWhiteouts(ctx, "m-1")
	if err != nil {
		t.Fatalf("load whiteouts: %v", err)
	}
	sort.Strings(paths)
	if len(paths) != 2 || paths[0] != "/docs" || paths[1] != "/gone.txt" {
		t.Fatalf("whiteouts: %v", paths)
	}

	if err := store.RemoveWhiteout(ctx, "m-1", "/gone.txt"); err != nil {
		t.Fatalf("remove whiteout: %v", err)
	}
	paths, err = store.LoadWhiteouts(ctx, "m-1")
	if err != nil {
		t.Fatalf("load after remove: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/docs" {
		t.Fatalf("whiteouts after remove: %v", paths)
	}
}

func TestCopyAndReplaceWhiteouts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.AddWhiteout(ctx, "m-1", "/a", now); err != nil {
		t.Fatalf("add whiteout: %v", err)
	}
	if err := store.AddWhiteout(ctx, "m-1", "/b", now); err != nil {
		t.Fatalf("add whiteout: %v", err)
	}

	// Snapshot freeze: mount set copied under the snapshot id.
	if err := store.CopyWhiteouts(ctx, "m-1", "s-1"); err != nil {
		t.Fatalf("copy whiteouts: %v", err)
	}
	paths, err := store.LoadWhiteouts(ctx, "s-1")
	if err != nil {
		t.Fatalf("load snapshot whiteouts: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("snapshot whiteouts: %v", paths)
	}

	// The mount diverges after the snapshot.
	if err := store.AddWhiteout(ctx, "m-1", "/c", now); err != nil {
		t.Fatalf("add whiteout: %v", err)
	}
	if err := store.RemoveWhiteout(ctx, "m-1", "/a"); err != nil {
		t.Fatalf("remove whiteout: %v", err)
	}

	// Rollback: the mount set becomes the snapshot set again.
	if err := store.ReplaceWhiteouts(ctx, "m-1", "s-1"); err != nil {
		t.Fatalf("replace whiteouts: %v", err)
	}
	paths, err = store.LoadWhiteouts(ctx, "m-1")
	if err != nil {
		t.Fatalf("load after replace: %v", err)
	}
	sort.Strings(paths)
	if len(paths) != 2 || paths[0] != "/a" || paths[1] != "/b" {
		t.Fatalf("whiteouts after rollback: %v", paths)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	root := SnapshotRecord{ID: "s-1", Origin: "m-1", Name: "baseline", Created: created}
	child := SnapshotRecord{ID: "s-2", Parent: "s-1", Origin: "m-1", Created: created.Add(time.Hour)}
	if err := store.AddSnapshot(ctx, root); err != nil {
		t.Fatalf("add snapshot: %v", err)
	}
	if err := store.AddSnapshot(ctx, child); err != nil {
		t.Fatalf("add child snapshot: %v", err)
	}

	snapshots, err := store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("snapshot count: got %d", len(snapshots))
	}
	if snapshots[0].ID != "s-1" || snapshots[0].Name != "baseline" || snapshots[0].Parent != "" {
		t.Fatalf("root snapshot: %+v", snapshots[0])
	}
	if snapshots[1].Parent != "s-1" || snapshots[1].Origin != "m-1" {
		t.Fatalf("child snapshot: %+v", snapshots[1])
	}

	if err := store.DeleteSnapshot(ctx, "s-1"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	snapshots, err = store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].ID != "s-2" {
		t.Fatalf("snapshots after delete: %+v", snapshots)
	}
}

func TestDeleteSnapshotRemovesOwnedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.AddSnapshot(ctx, SnapshotRecord{ID: "s-1", Origin: "m-1", Created: now}); err != nil {
		t.Fatalf("add snapshot: %v", err)
	}
	if err := store.ReplaceLayers(ctx, "s-1", []LayerRecord{{ID: "l-a", Dir: "/a", Writable: false}}); err != nil {
		t.Fatalf("replace layers: %v", err)
	}
	if err := store.AddWhiteout(ctx, "s-1", "/x", now); err != nil {
		t.Fatalf("add whiteout: %v", err)
	}

	if err := store.DeleteSnapshot(ctx, "s-1"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}

	layers, err := store.LoadLayers(ctx, "s-1")
	if err != nil {
		t.Fatalf("load layers: %v", err)
	}
	if len(layers) != 0 {
		t.Fatalf("orphaned layers: %+v", layers)
	}
	paths, err := store.LoadWhiteouts(ctx, "s-1")
	if err != nil {
		t.Fatalf("load whiteouts: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("orphaned whiteouts: %v", paths)
	}
}

func TestCopyUpAccounting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	count, err := store.CountCopyUps(ctx, "m-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("initial count: %d", count)
	}

	if err := store.RecordCopyUp(ctx, "m-1", "/a.txt", "deadbeef", 42, now); err != nil {
		t.Fatalf("record copy-up: %v", err)
	}
	if err := store.RecordCopyUp(ctx, "m-1", "/b.txt", "cafef00d", 7, now); err != nil {
		t.Fatalf("record copy-up: %v", err)
	}
	if err := store.RecordCopyUp(ctx, "m-2", "/a.txt", "deadbeef", 42, now); err != nil {
		t.Fatalf("record copy-up: %v", err)
	}

	count, err = store.CountCopyUps(ctx, "m-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("per-mount count: got %d, want 2", count)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
