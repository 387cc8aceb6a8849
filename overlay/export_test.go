// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/agentfs-foundation/agentfs/protocol"
	"github.com/klauspost/compress/zstd"
)

// readArchive decompresses an exported snapshot and returns path→content
// for files, path→"" for directories, path→target for symlinks.
func readArchive(t *testing.T, archive []byte) map[string]string {
	t.Helper()
	decompressor, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("opening zstd stream: %v", err)
	}
	defer decompressor.Close()

	entries := make(map[string]string)
	reader := tar.NewReader(decompressor)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return entries
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			entries[header.Name] = ""
		case tar.TypeSymlink:
			entries[header.Name] = header.Linkname
		default:
			content, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("reading archive entry %s: %v", header.Name, err)
			}
			entries[header.Name] = string(content)
		}
	}
}

func TestExportCapturesSnapshotView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeFile(t, env.mount.ID, "/work.txt", "snapshotted\n")
	if err := env.engine.Unlink(ctx, env.mount.ID, "/docs/notes.txt"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	snapshotID, err := env.engine.SnapshotCreate(ctx, env.mount.ID, "export me")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Divergence after the snapshot must not appear in the archive.
	env.writeFile(t, env.mount.ID, "/work.txt", "diverged\n")

	var buffer bytes.Buffer
	if err := env.engine.Export(ctx, snapshotID, &buffer); err != nil {
		t.Fatalf("export: %v", err)
	}
	entries := readArchive(t, buffer.Bytes())

	if got := entries["work.txt"]; got != "snapshotted\n" {
		t.Fatalf("archived work.txt: got %q", got)
	}
	if got := entries["readme.txt"]; got != "hello from below\n" {
		t.Fatalf("archived readme.txt: got %q", got)
	}
	if got := entries["docs/guide.md"]; got != "guide\n" {
		t.Fatalf("archived docs/guide.md: got %q", got)
	}
	if _, present := entries["docs/notes.txt"]; present {
		t.Fatalf("whited-out entry leaked into archive")
	}
	if _, present := entries["docs"]; !present {
		t.Fatalf("directory entry missing from archive")
	}
}

func TestExportUnknownSnapshot(t *testing.T) {
	env := newTestEnv(t)
	var buffer bytes.Buffer
	err := env.engine.Export(context.Background(), "s-missing", &buffer)
	requireCode(t, err, protocol.CodeNotFound)
}
