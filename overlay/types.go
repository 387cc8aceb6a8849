// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfs-foundation/agentfs/protocol"
)

// Layer is one directory tree in a mount's chain. Immutable once it
// stops being the writable top of a chain.
type Layer struct {
	// ID identifies the layer across restarts.
	ID string

	// Dir is the layer's physical directory on the host filesystem.
	Dir string

	// Writable is true only for the top layer of a live mount.
	Writable bool
}

// Mount is one overlay view: a writable upper layer over a chain of
// read-only layers, plus the whiteout set hiding lower entries.
type Mount struct {
	// ID identifies the mount across restarts.
	ID string

	// Created is when the mount was first registered.
	Created time.Time

	// ForkOf is the snapshot this mount was forked from, or empty for
	// mounts created directly over a lower directory. A live fork
	// blocks deletion of its origin snapshot.
	ForkOf string

	// chainMu guards layers. Snapshot create and rollback take the
	// write lock; every filesystem operation takes the read lock, so
	// no operation ever observes a half-swapped chain.
	chainMu sync.RWMutex
	layers  []*Layer

	// whMu guards whiteouts. The set is a write-through cache of the
	// metastore rows for this mount.
	whMu      sync.Mutex
	whiteouts map[string]struct{}

	// pathLocks serializes mutations per path (striped). Copy-up,
	// unlink, rename, and create operations hold the stripe for the
	// affected path, which is what makes copy-up at-most-once.
	pathLocks [64]sync.Mutex

	openHandles atomic.Int64
	copyUps     atomic.Int64
}

// lockPath locks the stripe for path and returns the unlock func.
func (m *Mount) lockPath(path string) func() {
	stripe := &m.pathLocks[pathStripe(path)]
	stripe.Lock()
	return stripe.Unlock
}

// lockPathPair locks the stripes for two paths in a deterministic
// order so concurrent renames cannot deadlock.
func (m *Mount) lockPathPair(a, b string) func() {
	sa, sb := pathStripe(a), pathStripe(b)
	if sa == sb {
		return m.lockPath(a)
	}
	if sa > sb {
		sa, sb = sb, sa
	}
	m.pathLocks[sa].Lock()
	m.pathLocks[sb].Lock()
	return func() {
		m.pathLocks[sb].Unlock()
		m.pathLocks[sa].Unlock()
	}
}

func pathStripe(path string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(path))
	return h.Sum32() % 64
}

// Snapshot is an immutable branch point: the layer chain as it was at
// creation time. chain[0] is the layer that was the mount's writable
// upper when the snapshot was taken.
type Snapshot struct {
	ID      string
	Parent  string
	Origin  string // mount the snapshot was taken from
	Name    string
	Created time.Time
	chain   []*Layer
}

// Handle is an open file. Owned by the session that opened it; the
// engine only sees handles passed back for read/write/close.
type Handle struct {
	ID      uint64
	MountID string
	Path    string
	LayerID string
	Flags   uint32

	file *os.File

	// mu guards offset for current-offset reads and writes.
	mu     sync.Mutex
	offset int64
}

// Attr is entry metadata in the engine's vocabulary.
type Attr struct {
	Size      int64
	Mode      fs.FileMode
	EntryType uint8
	Mtime     time.Time
}

// DirEntry is one entry of a merged directory listing.
type DirEntry struct {
	Name string
	Attr Attr
}

// MountStats are the diagnostics counters returned by the stats
// request.
type MountStats struct {
	MountID     string
	OpenHandles int64
	Whiteouts   int64
	Snapshots   int64
	CopyUps     int64
	Layers      int64
}

// ChangeKind classifies a mutation for watch events.
type ChangeKind string

const (
	ChangeCreate   ChangeKind = "create"
	ChangeWrite    ChangeKind = "write"
	ChangeRemove   ChangeKind = "remove"
	ChangeRename   ChangeKind = "rename"
	ChangeAttrib   ChangeKind = "attrib"
	ChangeExternal ChangeKind = "external"
)

// Notifier receives one call per mutating operation. The watch service
// implements this; a nil notifier is replaced by a no-op.
type Notifier interface {
	Notify(mountID, path string, kind ChangeKind, when time.Time)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, ChangeKind, time.Time) {}

// Error is the typed failure returned by every engine operation. Code
// is what travels to the client; Op and Path give the daemon log
// context.
type Error struct {
	Code protocol.ErrorCode
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the protocol error code from an engine error,
// defaulting to IoError for untyped failures.
func CodeOf(err error) protocol.ErrorCode {
	var overlayErr *Error
	if errors.As(err, &overlayErr) {
		return overlayErr.Code
	}
	return protocol.CodeIoError
}

func opError(op, path string, code protocol.ErrorCode) *Error {
	return &Error{Code: code, Op: op, Path: path}
}

// osError converts an os-level failure into a typed engine error.
func osError(op, path string, err error) *Error {
	code := protocol.CodeIoError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = protocol.CodeNotFound
	case errors.Is(err, fs.ErrPermission):
		code = protocol.CodePermissionDenied
	case errors.Is(err, fs.ErrExist):
		code = protocol.CodeAlreadyExists
	}
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// newID returns a random identifier with a stable prefix: "m" for
// mounts, "s" for snapshots, "l" for layers.
func newID(prefix string) string {
	var raw [6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("overlay: reading random id bytes: " + err.Error())
	}
	return prefix + "-" + hex.EncodeToString(raw[:])
}
