// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	gopath "path"

	"github.com/agentfs-foundation/agentfs/protocol"
	"github.com/zeebo/blake3"
)

// copyUpChunkSize is the unit of the copy loop. Cancellation is checked
// between chunks, so a disconnected client aborts a large copy-up
// within one chunk's worth of I/O.
const copyUpChunkSize = 256 * 1024

// ensureUpper makes the logical path physically present in the writable
// layer, copying content and metadata from the read-only layer it
// currently resolves to. At-most-once per path: the caller must hold
// the path's stripe lock, and an existing upper entry short-circuits,
// so the second of two racing triggers skips the copy.
//
// All-or-nothing: content lands in a temp file that is renamed over the
// final path only after a complete copy. A failed or cancelled copy-up
// leaves no partial upper entry.
//
// Callers must hold m.chainMu (read) and the stripe lock for logical.
func (e *Engine) ensureUpper(ctx context.Context, m *Mount, logical string) (string, error) {
	upperPhysical := m.upperPath(logical)
	if _, err := os.Lstat(upperPhysical); err == nil {
		// Already copied up (or created directly in the upper layer).
		return upperPhysical, nil
	}

	source, ok := m.resolve(logical)
	if !ok {
		return "", opError("copy-up", logical, protocol.CodeNotFound)
	}
	if source.layer == m.upper() {
		return source.physical, nil
	}

	if err := e.copyUpParents(m, logical); err != nil {
		return "", err
	}

	switch {
	case source.info.IsDir():
		// Directory copy-up copies the entry and metadata only;
		// children stay in the lower layer until they are themselves
		// mutated.
		if err := os.Mkdir(upperPhysical, source.info.Mode().Perm()); err != nil {
			return "", osError("copy-up", logical, err)
		}
	case source.info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(source.physical)
		if err != nil {
			return "", osError("copy-up", logical, err)
		}
		if err := os.Symlink(target, upperPhysical); err != nil {
			return "", osError("copy-up", logical, err)
		}
	default:
		if err := e.copyUpFile(ctx, m, logical, source, upperPhysical); err != nil {
			return "", err
		}
	}

	if err := os.Chtimes(upperPhysical, source.info.ModTime(), source.info.ModTime()); err != nil {
		e.logger.Debug("copy-up: preserving times failed", "path", logical, "error", err)
	}

	m.copyUps.Add(1)
	return upperPhysical, nil
}

// copyUpFile copies one regular file into the upper layer, hashing the
// content as it streams so the metastore records what was copied.
func (e *Engine) copyUpFile(ctx context.Context, m *Mount, logical string, source resolved, upperPhysical string) error {
	sourceFile, err := os.Open(source.physical)
	if err != nil {
		return osError("copy-up", logical, err)
	}
	defer sourceFile.Close()

	parentDir := gopath.Dir(upperPhysical)
	tempFile, err := os.CreateTemp(parentDir, ".agentfs-copyup-*")
	if err != nil {
		return osError("copy-up", logical, err)
	}
	tempPath := tempFile.Name()
	// The temp file is removed on every failure path; only a fully
	// copied file is renamed into place.
	discard := func() {
		tempFile.Close()
		os.Remove(tempPath)
	}

	hasher := blake3.New()
	buffer := make([]byte, copyUpChunkSize)
	var copied int64
	for {
		if err := ctx.Err(); err != nil {
			discard()
			return &Error{Code: protocol.CodeIoError, Op: "copy-up", Path: logical, Err: err}
		}
		n, readErr := sourceFile.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			if _, err := tempFile.Write(chunk); err != nil {
				discard()
				return osError("copy-up", logical, err)
			}
			hasher.Write(chunk)
			copied += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			discard()
			return osError("copy-up", logical, readErr)
		}
	}

	if err := tempFile.Chmod(source.info.Mode().Perm()); err != nil {
		discard()
		return osError("copy-up", logical, err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return osError("copy-up", logical, err)
	}
	if err := os.Rename(tempPath, upperPhysical); err != nil {
		os.Remove(tempPath)
		return osError("copy-up", logical, err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	if err := e.store.RecordCopyUp(ctx, m.ID, logical, hash, copied, e.clk.Now()); err != nil {
		// The copy itself succeeded; a failed diagnostics record is
		// not worth failing the client operation over.
		e.logger.Warn("copy-up: recording failed", "path", logical, "error", err)
	}

	e.logger.Debug("copy-up complete",
		"mount_id", m.ID,
		"path", logical,
		"bytes", copied,
		"blake3", hash,
	)
	return nil
}

// copyUpParents creates the ancestors of logical in the upper layer,
// mirroring the mode of whichever layer currently provides each
// ancestor directory.
func (e *Engine) copyUpParents(m *Mount, logical string) error {
	parent := gopath.Dir(logical)
	if parent == "/" {
		return nil
	}

	// Find the shallowest missing ancestor, then create downward.
	var missing []string
	for current := parent; current != "/"; current = gopath.Dir(current) {
		if _, err := os.Lstat(m.upperPath(current)); err == nil {
			break
		}
		missing = append(missing, current)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		logicalDir := missing[i]
		mode := os.FileMode(0o755)
		if source, ok := m.resolve(logicalDir); ok && source.info.IsDir() {
			mode = source.info.Mode().Perm()
		}
		if err := os.Mkdir(m.upperPath(logicalDir), mode); err != nil && !os.IsExist(err) {
			return osError("copy-up", logicalDir, err)
		}
	}
	return nil
}

// copyUpTree recursively copies a directory subtree into the upper
// layer. Only rename of a lower directory needs this: a plain move of
// the upper entry would leave the children behind in the source
// layers, where the post-rename whiteout hides them.
func (e *Engine) copyUpTree(ctx context.Context, m *Mount, logical string) error {
	if _, err := e.ensureUpper(ctx, m, logical); err != nil {
		return err
	}
	source, ok := m.resolve(logical)
	if !ok || !source.info.IsDir() {
		return nil
	}
	entries, err := mergeDir(m.layers, logical, m.isWhitedOut)
	if err != nil {
		return osError("copy-up", logical, err)
	}
	for _, entry := range entries {
		child := gopath.Join(logical, entry.Name)
		if entry.Attr.EntryType == protocol.EntryTypeDir {
			if err := e.copyUpTree(ctx, m, child); err != nil {
				return err
			}
			continue
		}
		if _, err := e.ensureUpper(ctx, m, child); err != nil {
			return err
		}
	}
	return nil
}
