// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Kind identifies the operation a message carries. Requests and their
// success responses share a kind; failures are delivered as KindError
// with the request's correlation id.
type Kind uint8

const (
	// KindHandshake registers a session. Must be the first message on
	// a connection.
	KindHandshake Kind = 0x01

	// File and path operations.
	KindOpen     Kind = 0x10
	KindRead     Kind = 0x11
	KindWrite    Kind = 0x12
	KindClose    Kind = 0x13
	KindStat     Kind = 0x14
	KindReaddir  Kind = 0x15
	KindMkdir    Kind = 0x16
	KindRmdir    Kind = 0x17
	KindSymlink  Kind = 0x18
	KindReadlink Kind = 0x19
	KindRename   Kind = 0x1a
	KindUnlink   Kind = 0x1b
	KindTruncate Kind = 0x1c
	KindChmod    Kind = 0x1d
	KindXattr    Kind = 0x1e

	// Snapshot operations.
	KindSnapshotCreate Kind = 0x30
	KindSnapshotList   Kind = 0x31
	KindSnapshotDelete Kind = 0x32
	KindFork           Kind = 0x33
	KindRollback       Kind = 0x34
	KindSnapshotExport Kind = 0x35

	// KindMountRemove deletes a mount once its handles are closed.
	// Removing a fork releases its hold on the origin snapshot.
	KindMountRemove Kind = 0x36

	// Watch operations. KindWatchEvent is a daemon-to-client push with
	// correlation id zero.
	KindWatchAdd    Kind = 0x40
	KindWatchRemove Kind = 0x41
	KindWatchEvent  Kind = 0x42

	// Diagnostics.
	KindMountStats Kind = 0x50

	// KindError is the response kind for any failed request.
	KindError Kind = 0x7f
)

// Open flag bits for OpenRequest.Flags. These are the daemon's own
// flag vocabulary; the interpose shim translates platform O_* flags
// into these before sending.
const (
	OpenRead     uint32 = 1 << 0
	OpenWrite    uint32 = 1 << 1
	OpenCreate   uint32 = 1 << 2
	OpenTruncate uint32 = 1 << 3
	OpenExcl     uint32 = 1 << 4
	OpenAppend   uint32 = 1 << 5
)

// Entry type values for Attr.EntryType and DirEntry.EntryType.
const (
	EntryTypeFile    uint8 = 0
	EntryTypeDir     uint8 = 1
	EntryTypeSymlink uint8 = 2
)

// Xattr sub-operations for XattrRequest.Op.
const (
	XattrGet    = "get"
	XattrSet    = "set"
	XattrList   = "list"
	XattrRemove = "remove"
)

// HandshakeRequest is the first message on every connection. The daemon
// cross-checks ClientPID and ClientUID against the socket's peer
// credentials and rejects mismatches.
type HandshakeRequest struct {
	ProtocolVersion uint32 `cbor:"protocol_version"`
	ClientPID       uint32 `cbor:"client_pid"`
	ClientUID       uint32 `cbor:"client_uid"`
}

// HandshakeResponse carries the registered session id.
type HandshakeResponse struct {
	SessionID string `cbor:"session_id"`
}

// ErrorResponse is the body of a KindError message.
type ErrorResponse struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message,omitempty"`
}

// OpenRequest opens a path within a mount and returns a handle.
// Opening with OpenWrite against a path that resolves to a read-only
// layer triggers copy-up before the handle is created.
type OpenRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
	Flags   uint32 `cbor:"flags"`
	Mode    uint32 `cbor:"mode,omitempty"`
}

// OpenResponse returns the new handle id.
type OpenResponse struct {
	Handle uint64 `cbor:"handle"`
}

// ReadRequest reads up to Length bytes. Offset -1 reads from the
// handle's current offset (which advances); a non-negative offset is a
// positional read that leaves the handle offset untouched. Length
// above MaxReadLength is rejected with InvalidArgument.
type ReadRequest struct {
	Handle uint64 `cbor:"handle"`
	Offset int64  `cbor:"offset"`
	Length uint32 `cbor:"length"`
}

// ReadResponse carries the bytes read. EOF is true when the read ended
// at end-of-file.
type ReadResponse struct {
	Data []byte `cbor:"data"`
	EOF  bool   `cbor:"eof,omitempty"`
}

// WriteRequest writes Data at Offset (-1 for the handle's current
// offset, or end-of-file for append handles).
type WriteRequest struct {
	Handle uint64 `cbor:"handle"`
	Offset int64  `cbor:"offset"`
	Data   []byte `cbor:"data"`
}

// WriteResponse reports the number of bytes written.
type WriteResponse struct {
	Written uint32 `cbor:"written"`
}

// CloseRequest releases a handle. The response has an empty body.
type CloseRequest struct {
	Handle uint64 `cbor:"handle"`
}

// Attr is the metadata payload shared by stat and readdir responses.
type Attr struct {
	Size      int64  `cbor:"size"`
	Mode      uint32 `cbor:"mode"`
	EntryType uint8  `cbor:"entry_type"`
	MtimeNano int64  `cbor:"mtime_nano"`
}

// StatRequest stats a path. FollowSymlinks selects stat vs lstat
// behavior for the final path component.
type StatRequest struct {
	MountID        string `cbor:"mount_id"`
	Path           string `cbor:"path"`
	FollowSymlinks bool   `cbor:"follow_symlinks,omitempty"`
}

// StatResponse carries the attributes of the resolved entry.
type StatResponse struct {
	Attr Attr `cbor:"attr"`
}

// ReaddirRequest lists a directory's merged entries.
type ReaddirRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
}

// DirEntry is one merged directory entry.
type DirEntry struct {
	Name      string `cbor:"name"`
	EntryType uint8  `cbor:"entry_type"`
	Size      int64  `cbor:"size"`
	Mode      uint32 `cbor:"mode"`
	MtimeNano int64  `cbor:"mtime_nano"`
}

// ReaddirResponse carries the merged, deduplicated entry list.
type ReaddirResponse struct {
	Entries []DirEntry `cbor:"entries"`
}

// MkdirRequest creates a directory in the writable layer.
type MkdirRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
	Mode    uint32 `cbor:"mode"`
}

// RmdirRequest removes a directory whose merged view is empty.
type RmdirRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
}

// SymlinkRequest creates a symlink at Path pointing at Target.
type SymlinkRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
	Target  string `cbor:"target"`
}

// ReadlinkRequest reads a symlink's target.
type ReadlinkRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
}

// ReadlinkResponse carries the symlink target.
type ReadlinkResponse struct {
	Target string `cbor:"target"`
}

// RenameRequest moves Source to Destination within the same mount.
type RenameRequest struct {
	MountID     string `cbor:"mount_id"`
	Source      string `cbor:"source"`
	Destination string `cbor:"destination"`
}

// UnlinkRequest removes a file or symlink.
type UnlinkRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
}

// TruncateRequest sets a file's size.
type TruncateRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
	Size    int64  `cbor:"size"`
}

// ChmodRequest sets a file's permission bits.
type ChmodRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
	Mode    uint32 `cbor:"mode"`
}

// XattrRequest multiplexes the four extended-attribute sub-operations
// behind one message kind, mirroring the narrow differences between
// them.
type XattrRequest struct {
	MountID string `cbor:"mount_id"`
	Path    string `cbor:"path"`
	Op      string `cbor:"op"`
	Name    string `cbor:"name,omitempty"`
	Value   []byte `cbor:"value,omitempty"`
}

// XattrResponse carries the sub-operation result: Value for "get",
// Names for "list", empty otherwise.
type XattrResponse struct {
	Value []byte   `cbor:"value,omitempty"`
	Names []string `cbor:"names,omitempty"`
}

// SnapshotCreateRequest freezes the mount's current upper layer.
type SnapshotCreateRequest struct {
	MountID string `cbor:"mount_id"`
	Name    string `cbor:"name,omitempty"`
}

// SnapshotCreateResponse returns the new snapshot id.
type SnapshotCreateResponse struct {
	SnapshotID string `cbor:"snapshot_id"`
}

// SnapshotListRequest lists all snapshots known to the daemon.
type SnapshotListRequest struct {
	MountID string `cbor:"mount_id,omitempty"`
}

// SnapshotInfo describes one snapshot in a listing.
type SnapshotInfo struct {
	SnapshotID  string `cbor:"snapshot_id"`
	ParentID    string `cbor:"parent_id,omitempty"`
	Name        string `cbor:"name,omitempty"`
	CreatedNano int64  `cbor:"created_nano"`
}

// SnapshotListResponse carries the snapshot tree as a flat list.
type SnapshotListResponse struct {
	Snapshots []SnapshotInfo `cbor:"snapshots"`
}

// SnapshotDeleteRequest removes a snapshot with no live references.
type SnapshotDeleteRequest struct {
	SnapshotID string `cbor:"snapshot_id"`
}

// ForkRequest creates a new writable mount from a snapshot.
type ForkRequest struct {
	SnapshotID string `cbor:"snapshot_id"`
}

// ForkResponse returns the new mount's id.
type ForkResponse struct {
	MountID string `cbor:"mount_id"`
}

// RollbackRequest resets a mount's upper layer to a snapshot.
type RollbackRequest struct {
	MountID    string `cbor:"mount_id"`
	SnapshotID string `cbor:"snapshot_id"`
}

// SnapshotExportRequest writes the snapshot's merged view to
// OutputPath on the daemon's host as a zstd-compressed tar archive.
// Daemon and client share a host (the transport is a Unix socket), so
// the archive is written in place instead of streamed through frames.
type SnapshotExportRequest struct {
	SnapshotID string `cbor:"snapshot_id"`
	OutputPath string `cbor:"output_path"`
}

// MountRemoveRequest deletes a mount with no open handles. The
// response has an empty body.
type MountRemoveRequest struct {
	MountID string `cbor:"mount_id"`
}

// WatchAddRequest registers interest in a path prefix within a mount.
type WatchAddRequest struct {
	MountID string `cbor:"mount_id"`
	Prefix  string `cbor:"prefix"`
}

// WatchAddResponse returns the registration id used in events and
// removal.
type WatchAddResponse struct {
	WatchID uint64 `cbor:"watch_id"`
}

// WatchRemoveRequest tears down one watch registration.
type WatchRemoveRequest struct {
	WatchID uint64 `cbor:"watch_id"`
}

// WatchEvent is pushed from daemon to client (correlation id zero) for
// every mutation under a watched prefix.
type WatchEvent struct {
	WatchID  uint64 `cbor:"watch_id"`
	MountID  string `cbor:"mount_id"`
	Path     string `cbor:"path"`
	Change   string `cbor:"change"`
	TimeNano int64  `cbor:"time_nano"`
}

// MountStatsRequest asks for diagnostics counters for one mount.
type MountStatsRequest struct {
	MountID string `cbor:"mount_id"`
}

// MountStatsResponse carries the mount's diagnostics counters.
type MountStatsResponse struct {
	MountID     string `cbor:"mount_id"`
	OpenHandles int64  `cbor:"open_handles"`
	Whiteouts   int64  `cbor:"whiteouts"`
	Snapshots   int64  `cbor:"snapshots"`
	CopyUps     int64  `cbor:"copy_ups"`
	Layers      int64  `cbor:"layers"`
}
