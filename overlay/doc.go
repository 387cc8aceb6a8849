// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package overlay implements the daemon's copy-on-write filesystem
// engine: layered path resolution, copy-up, whiteout tombstones, merged
// directory listings, and the snapshot tree built on frozen layers.
//
// A mount's layer chain is an explicit ordered list: layers[0] is the
// only writable layer, everything below is read-only. Snapshots freeze
// the current writable layer into the chain and start a fresh one, so a
// fork is just a new writable layer prepended to a shared chain suffix.
//
// The package is organized as:
//
//   - engine.go: the Engine aggregate, mount registry, restore on start
//   - resolve.go: layer-chain path resolution and whiteout checks
//   - copyup.go: at-most-once copy-up with per-path locking
//   - ops.go: the filesystem operations served to the dispatcher
//   - snapshot.go: snapshot create/fork/rollback/delete
//   - export.go: zstd-compressed tar export of a snapshot's merged view
package overlay
