// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	gopath "path"
	"strings"

	"github.com/agentfs-foundation/agentfs/protocol"
	"github.com/klauspost/compress/zstd"
)

// Export streams the snapshot's merged view as a zstd-compressed tar
// archive. The archive contains what a fork of the snapshot would see:
// layer precedence applied, whiteouts excluded. Paths are relative,
// slash-separated, directories first within each level.
func (e *Engine) Export(ctx context.Context, snapshotID string, w io.Writer) error {
	e.mu.RLock()
	snapshot, ok := e.snapshots[snapshotID]
	e.mu.RUnlock()
	if !ok {
		return opError("export", snapshotID, protocol.CodeNotFound)
	}

	whiteouts, err := e.store.LoadWhiteouts(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("overlay: loading snapshot whiteouts: %w", err)
	}
	whiteoutSet := make(map[string]struct{}, len(whiteouts))
	for _, path := range whiteouts {
		whiteoutSet[path] = struct{}{}
	}
	hidden := func(path string) bool {
		for current := path; ; current = gopath.Dir(current) {
			if _, ok := whiteoutSet[current]; ok {
				return true
			}
			if current == "/" {
				return false
			}
		}
	}

	compressor, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("overlay: creating zstd writer: %w", err)
	}
	archive := tar.NewWriter(compressor)

	if err := e.exportDir(ctx, snapshot.chain, hidden, "/", archive); err != nil {
		compressor.Close()
		return err
	}
	if err := archive.Close(); err != nil {
		compressor.Close()
		return fmt.Errorf("overlay: finalizing archive: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("overlay: finalizing compression: %w", err)
	}

	e.logger.Info("snapshot exported", "snapshot_id", snapshotID)
	return nil
}

func (e *Engine) exportDir(ctx context.Context, chain []*Layer, hidden func(string) bool, logical string, archive *tar.Writer) error {
	entries, err := mergeDir(chain, logical, hidden)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return osError("export", logical, err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return &Error{Code: protocol.CodeIoError, Op: "export", Path: logical, Err: err}
		}
		child := gopath.Join(logical, entry.Name)
		source, ok := resolveChain(chain, hidden, child)
		if !ok {
			continue
		}
		switch {
		case source.info.IsDir():
			header := exportHeader(child, source.info)
			header.Typeflag = tar.TypeDir
			if err := archive.WriteHeader(header); err != nil {
				return fmt.Errorf("overlay: writing archive header for %s: %w", child, err)
			}
			if err := e.exportDir(ctx, chain, hidden, child, archive); err != nil {
				return err
			}
		case source.info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(source.physical)
			if err != nil {
				return osError("export", child, err)
			}
			header := exportHeader(child, source.info)
			header.Typeflag = tar.TypeSymlink
			header.Linkname = target
			if err := archive.WriteHeader(header); err != nil {
				return fmt.Errorf("overlay: writing archive header for %s: %w", child, err)
			}
		default:
			if err := exportFile(child, source, archive); err != nil {
				return err
			}
		}
	}
	return nil
}

func exportFile(logical string, source resolved, archive *tar.Writer) error {
	file, err := os.Open(source.physical)
	if err != nil {
		return osError("export", logical, err)
	}
	defer file.Close()

	header := exportHeader(logical, source.info)
	header.Typeflag = tar.TypeReg
	header.Size = source.info.Size()
	if err := archive.WriteHeader(header); err != nil {
		return fmt.Errorf("overlay: writing archive header for %s: %w", logical, err)
	}
	if _, err := io.Copy(archive, file); err != nil {
		return osError("export", logical, err)
	}
	return nil
}

func exportHeader(logical string, info os.FileInfo) *tar.Header {
	return &tar.Header{
		Name:    strings.TrimPrefix(logical, "/"),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
}

// resolveChain is resolve for a bare layer chain, used for snapshot
// exports where there is no live mount to consult.
func resolveChain(chain []*Layer, hidden func(string) bool, logical string) (resolved, bool) {
	if hidden(logical) {
		return resolved{}, false
	}
	for _, layer := range chain {
		physical := physicalPath(layer, logical)
		info, err := os.Lstat(physical)
		if err != nil {
			continue
		}
		return resolved{layer: layer, physical: physical, info: info}, true
	}
	return resolved{}, false
}
