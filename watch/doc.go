// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch delivers change notifications to connected clients.
//
// The Bus receives one Notify call per mutating overlay operation and
// fans it out to every registration whose mount and path prefix match.
// Each registration has its own delivery goroutine with a per-path
// coalescing queue: a slow client collapses repeated events on the same
// path into the latest one instead of backing up the engine, and the
// final event for a path is never dropped.
//
// A DriftWatcher covers the one mutation source the engine cannot see:
// external writes to a mount's read-only lower directory. It feeds
// fsnotify events back into the Bus as "external" changes.
package watch
