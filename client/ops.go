// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/agentfs-foundation/agentfs/protocol"
)

// Open opens a path and returns the handle id.
func (c *Client) Open(ctx context.Context, mountID, path string, flags, mode uint32) (uint64, error) {
	var response protocol.OpenResponse
	err := c.roundTrip(ctx, protocol.KindOpen, protocol.OpenRequest{
		MountID: mountID,
		Path:    path,
		Flags:   flags,
		Mode:    mode,
	}, &response)
	return response.Handle, err
}

// Read reads up to length bytes. Offset -1 reads at the handle's
// current offset.
func (c *Client) Read(ctx context.Context, handle uint64, offset int64, length uint32) ([]byte, bool, error) {
	var response protocol.ReadResponse
	err := c.roundTrip(ctx, protocol.KindRead, protocol.ReadRequest{
		Handle: handle,
		Offset: offset,
		Length: length,
	}, &response)
	return response.Data, response.EOF, err
}

// Write writes data at offset (-1 for the handle's current offset).
func (c *Client) Write(ctx context.Context, handle uint64, offset int64, data []byte) (uint32, error) {
	var response protocol.WriteResponse
	err := c.roundTrip(ctx, protocol.KindWrite, protocol.WriteRequest{
		Handle: handle,
		Offset: offset,
		Data:   data,
	}, &response)
	return response.Written, err
}

// CloseHandle releases a handle.
func (c *Client) CloseHandle(ctx context.Context, handle uint64) error {
	return c.roundTrip(ctx, protocol.KindClose, protocol.CloseRequest{Handle: handle}, nil)
}

// Stat returns a path's attributes.
func (c *Client) Stat(ctx context.Context, mountID, path string, followSymlinks bool) (protocol.Attr, error) {
	var response protocol.StatResponse
	err := c.roundTrip(ctx, protocol.KindStat, protocol.StatRequest{
		MountID:        mountID,
		Path:           path,
		FollowSymlinks: followSymlinks,
	}, &response)
	return response.Attr, err
}

// Readdir lists a directory's merged entries.
func (c *Client) Readdir(ctx context.Context, mountID, path string) ([]protocol.DirEntry, error) {
	var response protocol.ReaddirResponse
	err := c.roundTrip(ctx, protocol.KindReaddir, protocol.ReaddirRequest{
		MountID: mountID,
		Path:    path,
	}, &response)
	return response.Entries, err
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, mountID, path string, mode uint32) error {
	return c.roundTrip(ctx, protocol.KindMkdir, protocol.MkdirRequest{
		MountID: mountID,
		Path:    path,
		Mode:    mode,
	}, nil)
}

// Rmdir removes an empty directory.
func (c *Client) Rmdir(ctx context.Context, mountID, path string) error {
	return c.roundTrip(ctx, protocol.KindRmdir, protocol.RmdirRequest{
		MountID: mountID,
		Path:    path,
	}, nil)
}

// Symlink creates a symlink at path pointing at target.
func (c *Client) Symlink(ctx context.Context, mountID, path, target string) error {
	return c.roundTrip(ctx, protocol.KindSymlink, protocol.SymlinkRequest{
		MountID: mountID,
		Path:    path,
		Target:  target,
	}, nil)
}

// Readlink reads a symlink's target.
func (c *Client) Readlink(ctx context.Context, mountID, path string) (string, error) {
	var response protocol.ReadlinkResponse
	err := c.roundTrip(ctx, protocol.KindReadlink, protocol.ReadlinkRequest{
		MountID: mountID,
		Path:    path,
	}, &response)
	return response.Target, err
}

// Rename moves source to destination within a mount.
func (c *Client) Rename(ctx context.Context, mountID, source, destination string) error {
	return c.roundTrip(ctx, protocol.KindRename, protocol.RenameRequest{
		MountID:     mountID,
		Source:      source,
		Destination: destination,
	}, nil)
}

// Unlink removes a file or symlink.
func (c *Client) Unlink(ctx context.Context, mountID, path string) error {
	return c.roundTrip(ctx, protocol.KindUnlink, protocol.UnlinkRequest{
		MountID: mountID,
		Path:    path,
	}, nil)
}

// Truncate sets a file's size.
func (c *Client) Truncate(ctx context.Context, mountID, path string, size int64) error {
	return c.roundTrip(ctx, protocol.KindTruncate, protocol.TruncateRequest{
		MountID: mountID,
		Path:    path,
		Size:    size,
	}, nil)
}

// Chmod sets a file's permission bits.
func (c *Client) Chmod(ctx context.Context, mountID, path string, mode uint32) error {
	return c.roundTrip(ctx, protocol.KindChmod, protocol.ChmodRequest{
		MountID: mountID,
		Path:    path,
		Mode:    mode,
	}, nil)
}

// Xattr runs one extended-attribute sub-operation.
func (c *Client) Xattr(ctx context.Context, request protocol.XattrRequest) (protocol.XattrResponse, error) {
	var response protocol.XattrResponse
	err := c.roundTrip(ctx, protocol.KindXattr, request, &response)
	return response, err
}

// SnapshotCreate freezes the mount's writable layer and returns the
// snapshot id.
func (c *Client) SnapshotCreate(ctx context.Context, mountID, name string) (string, error) {
	var response protocol.SnapshotCreateResponse
	err := c.roundTrip(ctx, protocol.KindSnapshotCreate, protocol.SnapshotCreateRequest{
		MountID: mountID,
		Name:    name,
	}, &response)
	return response.SnapshotID, err
}

// SnapshotList lists snapshots, optionally filtered to one mount.
func (c *Client) SnapshotList(ctx context.Context, mountID string) ([]protocol.SnapshotInfo, error) {
	var response protocol.SnapshotListResponse
	err := c.roundTrip(ctx, protocol.KindSnapshotList, protocol.SnapshotListRequest{
		MountID: mountID,
	}, &response)
	return response.Snapshots, err
}

// SnapshotDelete removes an unreferenced snapshot.
func (c *Client) SnapshotDelete(ctx context.Context, snapshotID string) error {
	return c.roundTrip(ctx, protocol.KindSnapshotDelete, protocol.SnapshotDeleteRequest{
		SnapshotID: snapshotID,
	}, nil)
}

// Fork creates a new writable mount from a snapshot.
func (c *Client) Fork(ctx context.Context, snapshotID string) (string, error) {
	var response protocol.ForkResponse
	err := c.roundTrip(ctx, protocol.KindFork, protocol.ForkRequest{
		SnapshotID: snapshotID,
	}, &response)
	return response.MountID, err
}

// Rollback resets a mount to a snapshot.
func (c *Client) Rollback(ctx context.Context, mountID, snapshotID string) error {
	return c.roundTrip(ctx, protocol.KindRollback, protocol.RollbackRequest{
		MountID:    mountID,
		SnapshotID: snapshotID,
	}, nil)
}

// SnapshotExport writes the snapshot's merged view as a
// zstd-compressed tar archive at outputPath on the daemon's host.
func (c *Client) SnapshotExport(ctx context.Context, snapshotID, outputPath string) error {
	return c.roundTrip(ctx, protocol.KindSnapshotExport, protocol.SnapshotExportRequest{
		SnapshotID: snapshotID,
		OutputPath: outputPath,
	}, nil)
}

// MountRemove deletes a mount with no open handles. Removing a fork
// releases its hold on the origin snapshot.
func (c *Client) MountRemove(ctx context.Context, mountID string) error {
	return c.roundTrip(ctx, protocol.KindMountRemove, protocol.MountRemoveRequest{
		MountID: mountID,
	}, nil)
}

// WatchAdd registers a watch on a path prefix and returns its id.
func (c *Client) WatchAdd(ctx context.Context, mountID, prefix string) (uint64, error) {
	var response protocol.WatchAddResponse
	err := c.roundTrip(ctx, protocol.KindWatchAdd, protocol.WatchAddRequest{
		MountID: mountID,
		Prefix:  prefix,
	}, &response)
	return response.WatchID, err
}

// WatchRemove tears down one watch registration.
func (c *Client) WatchRemove(ctx context.Context, watchID uint64) error {
	return c.roundTrip(ctx, protocol.KindWatchRemove, protocol.WatchRemoveRequest{
		WatchID: watchID,
	}, nil)
}

// MountStats returns a mount's diagnostics counters.
func (c *Client) MountStats(ctx context.Context, mountID string) (protocol.MountStatsResponse, error) {
	var response protocol.MountStatsResponse
	err := c.roundTrip(ctx, protocol.KindMountStats, protocol.MountStatsRequest{
		MountID: mountID,
	}, &response)
	return response, err
}
