// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"io"
	"os"

	"github.com/agentfs-foundation/agentfs/protocol"
	"golang.org/x/sys/unix"
)

// writeClassFlags are the open flags that require the path to be
// present in the writable layer before the handle is created.
const writeClassFlags = protocol.OpenWrite | protocol.OpenCreate | protocol.OpenTruncate | protocol.OpenAppend

// Open resolves a path and returns a handle against its physical
// location. Opening for write against a path that resolves to a
// read-only layer triggers copy-up first, so every write-capable handle
// points at the writable layer.
func (e *Engine) Open(ctx context.Context, mountID, rawPath string, flags uint32, mode uint32) (*Handle, error) {
	mount, err := e.mount(mountID)
	if err != nil {
		return nil, err
	}
	logical := cleanPath(rawPath)
	if logical == "/" {
		return nil, opError("open", logical, protocol.CodeInvalidArgument)
	}

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()

	writeClass := flags&writeClassFlags != 0
	if writeClass {
		unlock := mount.lockPath(logical)
		defer unlock()
	}

	var physical string
	var created bool
	source, visible := mount.resolve(logical)
	switch {
	case visible && flags&protocol.OpenCreate != 0 && flags&protocol.OpenExcl != 0:
		return nil, opError("open", logical, protocol.CodeAlreadyExists)

	case visible && source.info.IsDir():
		return nil, opError("open", logical, protocol.CodeInvalidArgument)

	case visible && writeClass:
		physical, err = e.ensureUpper(ctx, mount, logical)
		if err != nil {
			return nil, err
		}

	case visible:
		physical = source.physical

	case flags&protocol.OpenCreate != 0:
		if mount.ancestorWhitedOut(logical) {
			return nil, opError("open", logical, protocol.CodeNotFound)
		}
		if err := e.copyUpParents(mount, logical); err != nil {
			return nil, err
		}
		// Recreating a deleted path clears its tombstone; whiteout and
		// real upper entry are never present together.
		if err := e.clearWhiteout(ctx, mount, logical); err != nil {
			return nil, err
		}
		physical = mount.upperPath(logical)
		created = true

	default:
		return nil, opError("open", logical, protocol.CodeNotFound)
	}

	file, err := os.OpenFile(physical, osOpenFlags(flags, created), os.FileMode(mode).Perm())
	if err != nil {
		return nil, osError("open", logical, err)
	}

	handle := &Handle{
		ID:      e.handleSeq.Add(1),
		MountID: mountID,
		Path:    logical,
		LayerID: layerIDForPhysical(mount, physical),
		Flags:   flags,
		file:    file,
	}
	mount.openHandles.Add(1)

	if created {
		e.notify(mountID, logical, ChangeCreate)
	} else if flags&protocol.OpenTruncate != 0 {
		e.notify(mountID, logical, ChangeWrite)
	}
	return handle, nil
}

func layerIDForPhysical(m *Mount, physical string) string {
	for _, layer := range m.layers {
		if len(physical) >= len(layer.Dir) && physical[:len(layer.Dir)] == layer.Dir {
			return layer.ID
		}
	}
	return ""
}

// osOpenFlags translates protocol open flags into os.OpenFile flags.
func osOpenFlags(flags uint32, create bool) int {
	var osFlags int
	switch {
	case flags&protocol.OpenWrite != 0 && flags&protocol.OpenRead != 0:
		osFlags = os.O_RDWR
	case flags&protocol.OpenWrite != 0:
		osFlags = os.O_WRONLY
	default:
		osFlags = os.O_RDONLY
	}
	if create {
		osFlags |= os.O_CREATE
	}
	if flags&protocol.OpenTruncate != 0 {
		osFlags |= os.O_TRUNC
	}
	if flags&protocol.OpenAppend != 0 {
		osFlags |= os.O_APPEND
	}
	return osFlags
}

// Read reads up to length bytes. offset -1 reads at the handle's
// current offset and advances it; a non-negative offset is positional
// and leaves the handle offset untouched. length is capped at
// MaxReadLength so the response always fits in one frame; the cap also
// bounds the allocation a single request can force.
func (e *Engine) Read(handle *Handle, offset int64, length uint32) ([]byte, bool, error) {
	if handle.Flags&protocol.OpenRead == 0 {
		return nil, false, opError("read", handle.Path, protocol.CodeInvalidArgument)
	}
	if length > protocol.MaxReadLength {
		return nil, false, opError("read", handle.Path, protocol.CodeInvalidArgument)
	}
	buffer := make([]byte, length)

	var n int
	var err error
	if offset < 0 {
		handle.mu.Lock()
		n, err = handle.file.ReadAt(buffer, handle.offset)
		handle.offset += int64(n)
		handle.mu.Unlock()
	} else {
		n, err = handle.file.ReadAt(buffer, offset)
	}

	eof := err == io.EOF
	if err != nil && !eof {
		return nil, false, osError("read", handle.Path, err)
	}
	return buffer[:n], eof, nil
}

// Write writes data. offset -1 writes at the handle's current offset
// (or end-of-file for append handles) and advances it.
func (e *Engine) Write(ctx context.Context, handle *Handle, offset int64, data []byte) (int, error) {
	if handle.Flags&writeClassFlags == 0 {
		return 0, opError("write", handle.Path, protocol.CodePermissionDenied)
	}

	var n int
	var err error
	switch {
	case handle.Flags&protocol.OpenAppend != 0:
		handle.mu.Lock()
		n, err = handle.file.Write(data)
		handle.mu.Unlock()
	case offset < 0:
		handle.mu.Lock()
		n, err = handle.file.WriteAt(data, handle.offset)
		handle.offset += int64(n)
		handle.mu.Unlock()
	default:
		n, err = handle.file.WriteAt(data, offset)
	}
	if err != nil {
		return n, osError("write", handle.Path, err)
	}

	e.notify(handle.MountID, handle.Path, ChangeWrite)
	return n, nil
}

// CloseHandle releases the handle's file. Safe to call for handles
// whose mount has since been rolled back; the open file keeps its
// identity regardless of chain changes.
func (e *Engine) CloseHandle(handle *Handle) error {
	err := handle.file.Close()
	if mount, mountErr := e.mount(handle.MountID); mountErr == nil {
		mount.openHandles.Add(-1)
	}
	if err != nil {
		return osError("close", handle.Path, err)
	}
	return nil
}

// Stat returns the attributes of the visible entry for a path.
func (e *Engine) Stat(ctx context.Context, mountID, rawPath string, followSymlinks bool) (Attr, error) {
	mount, err := e.mount(mountID)
	if err != nil {
		return Attr{}, err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()

	source, visible := mount.resolve(logical)
	if !visible {
		return Attr{}, opError("stat", logical, protocol.CodeNotFound)
	}
	info := source.info
	if followSymlinks && info.Mode()&os.ModeSymlink != 0 {
		followed, err := os.Stat(source.physical)
		if err != nil {
			return Attr{}, osError("stat", logical, err)
		}
		info = followed
	}
	return attrFromInfo(info), nil
}

// Readdir returns the merged listing of a directory: entries from all
// layers, upper layers winning name collisions, whited-out names
// excluded.
func (e *Engine) Readdir(ctx context.Context, mountID, rawPath string) ([]DirEntry, error) {
	mount, err := e.mount(mountID)
	if err != nil {
		return nil, err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()

	if logical != "/" {
		source, visible := mount.resolve(logical)
		if !visible {
			return nil, opError("readdir", logical, protocol.CodeNotFound)
		}
		if !source.info.IsDir() {
			return nil, opError("readdir", logical, protocol.CodeNotADirectory)
		}
	}

	entries, err := mergeDir(mount.layers, logical, mount.isWhitedOut)
	if err != nil {
		return nil, osError("readdir", logical, err)
	}
	return entries, nil
}

// Mkdir creates a directory in the writable layer.
func (e *Engine) Mkdir(ctx context.Context, mountID, rawPath string, mode uint32) error {
	mount, err := e.mount(mountID)
	if err != nil {
		return err
	}
	logical := cleanPath(rawPath)
	if logical == "/" {
		return opError("mkdir", logical, protocol.CodeAlreadyExists)
	}

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()
	unlock := mount.lockPath(logical)
	defer unlock()

	if _, visible := mount.resolve(logical); visible {
		return opError("mkdir", logical, protocol.CodeAlreadyExists)
	}
	if mount.ancestorWhitedOut(logical) {
		return opError("mkdir", logical, protocol.CodeNotFound)
	}
	if err := e.copyUpParents(mount, logical); err != nil {
		return err
	}
	if err := e.clearWhiteout(ctx, mount, logical); err != nil {
		return err
	}
	if err := os.Mkdir(mount.upperPath(logical), os.FileMode(mode).Perm()); err != nil {
		return osError("mkdir", logical, err)
	}
	e.notify(mountID, logical, ChangeCreate)
	return nil
}

// Rmdir removes a directory whose merged view is empty.
func (e *Engine) Rmdir(ctx context.Context, mountID, rawPath string) error {
	mount, err := e.mount(mountID)
	if err != nil {
		return err
	}
	logical := cleanPath(rawPath)
	if logical == "/" {
		return opError("rmdir", logical, protocol.CodeInvalidArgument)
	}

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()
	unlock := mount.lockPath(logical)
	defer unlock()

	source, visible := mount.resolve(logical)
	if !visible {
		return opError("rmdir", logical, protocol.CodeNotFound)
	}
	if !source.info.IsDir() {
		return opError("rmdir", logical, protocol.CodeNotADirectory)
	}
	entries, err := mergeDir(mount.layers, logical, mount.isWhitedOut)
	if err != nil {
		return osError("rmdir", logical, err)
	}
	if len(entries) > 0 {
		return opError("rmdir", logical, protocol.CodeNotEmpty)
	}

	if source.layer == mount.upper() {
		if err := os.Remove(source.physical); err != nil {
			return osError("rmdir", logical, err)
		}
	}
	if mount.resolveBelow(logical) {
		if err := e.addWhiteout(ctx, mount, logical); err != nil {
			return err
		}
	}
	e.notify(mountID, logical, ChangeRemove)
	return nil
}

// Unlink removes a file or symlink. Deleting a path that exists only in
// a read-only layer writes a tombstone; the lower layers are never
// mutated.
func (e *Engine) Unlink(ctx context.Context, mountID, rawPath string) error {
	mount, err := e.mount(mountID)
	if err != nil {
		return err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()
	unlock := mount.lockPath(logical)
	defer unlock()

	source, visible := mount.resolve(logical)
	if !visible {
		return opError("unlink", logical, protocol.CodeNotFound)
	}
	if source.info.IsDir() {
		return opError("unlink", logical, protocol.CodePermissionDenied)
	}

	if source.layer == mount.upper() {
		if err := os.Remove(source.physical); err != nil {
			return osError("unlink", logical, err)
		}
	}
	if mount.resolveBelow(logical) {
		if err := e.addWhiteout(ctx, mount, logical); err != nil {
			return err
		}
	}
	e.notify(mountID, logical, ChangeRemove)
	return nil
}

// Symlink creates a symlink in the writable layer.
func (e *Engine) Symlink(ctx context.Context, mountID, rawPath, target string) error {
	mount, err := e.mount(mountID)
	if err != nil {
		return err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()
	unlock := mount.lockPath(logical)
	defer unlock()

	if _, visible := mount.resolve(logical); visible {
		return opError("symlink", logical, protocol.CodeAlreadyExists)
	}
	if mount.ancestorWhitedOut(logical) {
		return opError("symlink", logical, protocol.CodeNotFound)
	}
	if err := e.copyUpParents(mount, logical); err != nil {
		return err
	}
	if err := e.clearWhiteout(ctx, mount, logical); err != nil {
		return err
	}
	if err := os.Symlink(target, mount.upperPath(logical)); err != nil {
		return osError("symlink", logical, err)
	}
	e.notify(mountID, logical, ChangeCreate)
	return nil
}

// Readlink returns a symlink's target.
func (e *Engine) Readlink(ctx context.Context, mountID, rawPath string) (string, error) {
	mount, err := e.mount(mountID)
	if err != nil {
		return "", err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()

	source, visible := mount.resolve(logical)
	if !visible {
		return "", opError("readlink", logical, protocol.CodeNotFound)
	}
	if source.info.Mode()&os.ModeSymlink == 0 {
		return "", opError("readlink", logical, protocol.CodeInvalidArgument)
	}
	target, err := os.Readlink(source.physical)
	if err != nil {
		return "", osError("readlink", logical, err)
	}
	return target, nil
}

// Rename moves source to destination within the same mount using
// copy-up-then-move: the source is made present in the writable layer,
// the upper entry is moved, and a tombstone is written at the old name
// if a lower layer still holds it.
//
// Destination policy: an existing whiteout at the destination is
// cleared and overwritten; an existing visible file is overwritten
// unless the source is a directory (NotADirectory); an existing
// visible directory is rejected with AlreadyExists. A destination
// beneath a deleted directory is NotFound.
func (e *Engine) Rename(ctx context.Context, mountID, rawSource, rawDestination string) error {
	mount, err := e.mount(mountID)
	if err != nil {
		return err
	}
	source := cleanPath(rawSource)
	destination := cleanPath(rawDestination)
	if source == "/" || destination == "/" {
		return opError("rename", source, protocol.CodeInvalidArgument)
	}
	if source == destination {
		return nil
	}

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()
	unlock := mount.lockPathPair(source, destination)
	defer unlock()

	sourceResolved, visible := mount.resolve(source)
	if !visible {
		return opError("rename", source, protocol.CodeNotFound)
	}
	if destResolved, destVisible := mount.resolve(destination); destVisible {
		if destResolved.info.IsDir() {
			return opError("rename", destination, protocol.CodeAlreadyExists)
		}
		if sourceResolved.info.IsDir() {
			return opError("rename", destination, protocol.CodeNotADirectory)
		}
	}
	if mount.ancestorWhitedOut(destination) {
		return opError("rename", destination, protocol.CodeNotFound)
	}

	// Make the source physically present in the writable layer. A
	// directory needs its whole subtree copied: moving just the upper
	// entry would orphan children still living in lower layers behind
	// the post-rename tombstone.
	if sourceResolved.info.IsDir() {
		if err := e.copyUpTree(ctx, mount, source); err != nil {
			return err
		}
	} else {
		if _, err := e.ensureUpper(ctx, mount, source); err != nil {
			return err
		}
	}
	if err := e.copyUpParents(mount, destination); err != nil {
		return err
	}

	if err := os.Rename(mount.upperPath(source), mount.upperPath(destination)); err != nil {
		return osError("rename", source, err)
	}

	if err := e.clearWhiteout(ctx, mount, destination); err != nil {
		return err
	}
	if mount.resolveBelow(source) {
		if err := e.addWhiteout(ctx, mount, source); err != nil {
			return err
		}
	}

	e.notify(mountID, source, ChangeRename)
	e.notify(mountID, destination, ChangeRename)
	return nil
}

// Truncate sets a file's size, copying it up first if needed.
func (e *Engine) Truncate(ctx context.Context, mountID, rawPath string, size int64) error {
	mount, err := e.mount(mountID)
	if err != nil {
		return err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()
	unlock := mount.lockPath(logical)
	defer unlock()

	physical, err := e.ensureUpper(ctx, mount, logical)
	if err != nil {
		return err
	}
	if err := os.Truncate(physical, size); err != nil {
		return osError("truncate", logical, err)
	}
	e.notify(mountID, logical, ChangeWrite)
	return nil
}

// Chmod sets a file's permission bits, copying it up first if needed.
func (e *Engine) Chmod(ctx context.Context, mountID, rawPath string, mode uint32) error {
	mount, err := e.mount(mountID)
	if err != nil {
		return err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()
	unlock := mount.lockPath(logical)
	defer unlock()

	physical, err := e.ensureUpper(ctx, mount, logical)
	if err != nil {
		return err
	}
	if err := os.Chmod(physical, os.FileMode(mode).Perm()); err != nil {
		return osError("chmod", logical, err)
	}
	e.notify(mountID, logical, ChangeAttrib)
	return nil
}

// Xattr serves the four extended-attribute sub-operations. Get and
// list read from whichever layer the path resolves to; set and remove
// are write-class and trigger copy-up.
func (e *Engine) Xattr(ctx context.Context, mountID, rawPath, op, name string, value []byte) ([]byte, []string, error) {
	mount, err := e.mount(mountID)
	if err != nil {
		return nil, nil, err
	}
	logical := cleanPath(rawPath)

	mount.chainMu.RLock()
	defer mount.chainMu.RUnlock()

	switch op {
	case protocol.XattrGet, protocol.XattrList:
		source, visible := mount.resolve(logical)
		if !visible {
			return nil, nil, opError("xattr", logical, protocol.CodeNotFound)
		}
		if op == protocol.XattrGet {
			data, err := getxattr(source.physical, name)
			if err != nil {
				return nil, nil, xattrError("xattr", logical, err)
			}
			return data, nil, nil
		}
		names, err := listxattr(source.physical)
		if err != nil {
			return nil, nil, xattrError("xattr", logical, err)
		}
		return nil, names, nil

	case protocol.XattrSet, protocol.XattrRemove:
		unlock := mount.lockPath(logical)
		defer unlock()
		physical, err := e.ensureUpper(ctx, mount, logical)
		if err != nil {
			return nil, nil, err
		}
		if op == protocol.XattrSet {
			if err := unix.Setxattr(physical, name, value, 0); err != nil {
				return nil, nil, xattrError("xattr", logical, err)
			}
		} else {
			if err := unix.Removexattr(physical, name); err != nil {
				return nil, nil, xattrError("xattr", logical, err)
			}
		}
		e.notify(mountID, logical, ChangeAttrib)
		return nil, nil, nil

	default:
		return nil, nil, opError("xattr", logical, protocol.CodeInvalidArgument)
	}
}

// getxattr fetches one attribute, retrying on ERANGE races where the
// value grows between the size query and the fetch.
func getxattr(physical, name string) ([]byte, error) {
	for {
		size, err := unix.Getxattr(physical, name, nil)
		if err != nil {
			return nil, err
		}
		buffer := make([]byte, size)
		n, err := unix.Getxattr(physical, name, buffer)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buffer[:n], nil
	}
}

// listxattr returns the attribute names on a file.
func listxattr(physical string) ([]string, error) {
	for {
		size, err := unix.Listxattr(physical, nil)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, nil
		}
		buffer := make([]byte, size)
		n, err := unix.Listxattr(physical, buffer)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, err
		}
		return splitXattrNames(buffer[:n]), nil
	}
}

// splitXattrNames splits the kernel's NUL-separated name list.
func splitXattrNames(raw []byte) []string {
	var names []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			if i > start {
				names = append(names, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

// xattrError maps xattr errnos onto the protocol taxonomy: a missing
// attribute is NotFound, everything else follows the os error mapping.
func xattrError(op, path string, err error) *Error {
	if err == unix.ENODATA {
		return opError(op, path, protocol.CodeNotFound)
	}
	return osError(op, path, err)
}
