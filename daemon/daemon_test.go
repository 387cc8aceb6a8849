// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentfs-foundation/agentfs/client"
	"github.com/agentfs-foundation/agentfs/lib/codec"
	"github.com/agentfs-foundation/agentfs/lib/testutil"
	"github.com/agentfs-foundation/agentfs/protocol"
)

const testTimeout = 5 * time.Second

// startTestDaemon runs a daemon over a seeded lower directory and
// returns the socket path and the configured mount's id. The daemon is
// shut down when the test ends.
func startTestDaemon(t *testing.T) (socketPath, mountID string) {
	t.Helper()

	lowerDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(lowerDir, "base.txt"), []byte("base\n"), 0o644); err != nil {
		t.Fatalf("seeding lower dir: %v", err)
	}
	return startTestDaemonAt(t, lowerDir)
}

// startTestDaemonAt is startTestDaemon over a caller-prepared lower
// directory.
func startTestDaemonAt(t *testing.T, lowerDir string) (socketPath, mountID string) {
	t.Helper()

	socketPath = filepath.Join(testutil.SocketDir(t), "agentfs.sock")
	config := &Config{
		SocketPath: socketPath,
		StateDir:   t.TempDir(),
		Mounts:     []MountConfig{{Lower: lowerDir}},
	}
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, config, nil, nil)
	if err != nil {
		cancel()
		t.Fatalf("creating daemon: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			t.Errorf("daemon run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, testTimeout, "daemon shutdown")
	})

	// Run binds the socket asynchronously.
	deadline := time.Now().Add(testTimeout)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mounts := d.Engine().Mounts()
	if len(mounts) != 1 {
		t.Fatalf("configured mounts: got %d", len(mounts))
	}
	return socketPath, mounts[0]
}

func dialTestDaemon(t *testing.T, socketPath string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := client.Dial(ctx, socketPath)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func requireClientCode(t *testing.T, err error, want protocol.ErrorCode) {
	t.Helper()
	var clientErr *client.Error
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected daemon error with code %s, got %v", want, err)
	}
	if clientErr.Code != want {
		t.Fatalf("error code: got %s, want %s", clientErr.Code, want)
	}
}

func TestFileOperationsOverSocket(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx := context.Background()

	if c.SessionID() == "" {
		t.Fatalf("handshake returned empty session id")
	}

	handle, err := c.Open(ctx, mountID, "/hello.txt",
		protocol.OpenWrite|protocol.OpenCreate, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.Write(ctx, handle, 0, []byte("hello over the wire\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.CloseHandle(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}

	handle, err = c.Open(ctx, mountID, "/hello.txt", protocol.OpenRead, 0)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	data, eof, err := c.Read(ctx, handle, 0, 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !eof || string(data) != "hello over the wire\n" {
		t.Fatalf("read back: %q eof=%v", data, eof)
	}
	if err := c.CloseHandle(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}

	attr, err := c.Stat(ctx, mountID, "/base.txt", false)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if attr.Size != int64(len("base\n")) || attr.EntryType != protocol.EntryTypeFile {
		t.Fatalf("stat attr: %+v", attr)
	}

	entries, err := c.Readdir(ctx, mountID, "/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "base.txt" || entries[1].Name != "hello.txt" {
		t.Fatalf("merged listing: %+v", entries)
	}

	if err := c.Unlink(ctx, mountID, "/base.txt"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	_, err = c.Stat(ctx, mountID, "/base.txt", false)
	requireClientCode(t, err, protocol.CodeNotFound)
}

func TestErrorCodesTravelTheWire(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx := context.Background()

	_, err := c.Open(ctx, mountID, "/missing.txt", protocol.OpenRead, 0)
	requireClientCode(t, err, protocol.CodeNotFound)

	_, err = c.Open(ctx, "m-bogus", "/base.txt", protocol.OpenRead, 0)
	requireClientCode(t, err, protocol.CodeNotFound)

	err = c.CloseHandle(ctx, 424242)
	requireClientCode(t, err, protocol.CodeInvalidArgument)

	_, err = c.Readdir(ctx, mountID, "/base.txt")
	requireClientCode(t, err, protocol.CodeNotADirectory)
}

func TestSnapshotWorkflowOverSocket(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx := context.Background()

	snapshotID, err := c.SnapshotCreate(ctx, mountID, "checkpoint")
	if err != nil {
		t.Fatalf("snapshot create: %v", err)
	}

	snapshots, err := c.SnapshotList(ctx, mountID)
	if err != nil {
		t.Fatalf("snapshot list: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].SnapshotID != snapshotID || snapshots[0].Name != "checkpoint" {
		t.Fatalf("snapshot list: %+v", snapshots)
	}

	forkID, err := c.Fork(ctx, snapshotID)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if forkID == mountID {
		t.Fatalf("fork returned the origin mount")
	}

	// Origin diverges; the fork still sees the snapshot state.
	handle, err := c.Open(ctx, mountID, "/base.txt", protocol.OpenWrite|protocol.OpenTruncate, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.Write(ctx, handle, 0, []byte("diverged\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.CloseHandle(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}

	handle, err = c.Open(ctx, forkID, "/base.txt", protocol.OpenRead, 0)
	if err != nil {
		t.Fatalf("open in fork: %v", err)
	}
	data, _, err := c.Read(ctx, handle, 0, 64)
	if err != nil {
		t.Fatalf("read in fork: %v", err)
	}
	if string(data) != "base\n" {
		t.Fatalf("fork content: %q", data)
	}
	if err := c.CloseHandle(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A live fork blocks deletion.
	err = c.SnapshotDelete(ctx, snapshotID)
	requireClientCode(t, err, protocol.CodeSnapshotInUse)

	// Rollback undoes the origin's divergence.
	if err := c.Rollback(ctx, mountID, snapshotID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	handle, err = c.Open(ctx, mountID, "/base.txt", protocol.OpenRead, 0)
	if err != nil {
		t.Fatalf("open after rollback: %v", err)
	}
	data, _, err = c.Read(ctx, handle, 0, 64)
	if err != nil {
		t.Fatalf("read after rollback: %v", err)
	}
	if string(data) != "base\n" {
		t.Fatalf("content after rollback: %q", data)
	}
	if err := c.CloseHandle(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats, err := c.MountStats(ctx, mountID)
	if err != nil {
		t.Fatalf("mount stats: %v", err)
	}
	if stats.Snapshots != 1 || stats.MountID != mountID {
		t.Fatalf("mount stats: %+v", stats)
	}
}

func TestSnapshotExportOverSocket(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx := context.Background()

	snapshotID, err := c.SnapshotCreate(ctx, mountID, "")
	if err != nil {
		t.Fatalf("snapshot create: %v", err)
	}

	outputPath := filepath.Join(t.TempDir(), "export.tar.zst")
	if err := c.SnapshotExport(ctx, snapshotID, outputPath); err != nil {
		t.Fatalf("export: %v", err)
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("archive is empty")
	}

	err = c.SnapshotExport(ctx, "s-missing", filepath.Join(t.TempDir(), "x.tar.zst"))
	requireClientCode(t, err, protocol.CodeNotFound)
}

func TestWatchEventsOverSocket(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx := context.Background()

	watchID, err := c.WatchAdd(ctx, mountID, "/")
	if err != nil {
		t.Fatalf("watch add: %v", err)
	}

	handle, err := c.Open(ctx, mountID, "/watched.txt",
		protocol.OpenWrite|protocol.OpenCreate, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	event := testutil.RequireReceive(t, c.Events(), testTimeout, "create event")
	if event.WatchID != watchID || event.Path != "/watched.txt" || event.Change != "create" {
		t.Fatalf("event: %+v", event)
	}

	if err := c.CloseHandle(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.WatchRemove(ctx, watchID); err != nil {
		t.Fatalf("watch remove: %v", err)
	}
	err = c.WatchRemove(ctx, watchID)
	requireClientCode(t, err, protocol.CodeNotFound)
}

// rawDial opens a bare connection and performs a valid handshake,
// returning the conn for hand-rolled frames.
func rawDial(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, testTimeout)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	writeFrame(t, conn, protocol.KindHandshake, 1, protocol.HandshakeRequest{
		ProtocolVersion: uint32(protocol.Version),
		ClientPID:       uint32(os.Getpid()),
		ClientUID:       uint32(os.Getuid()),
	})
	response, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("handshake response: %v", err)
	}
	if response.Kind != protocol.KindHandshake {
		t.Fatalf("handshake response kind: %#x", response.Kind)
	}
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, kind protocol.Kind, correlationID uint64, request any) {
	t.Helper()
	body, err := codec.Marshal(request)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	if err := protocol.WriteMessage(conn, protocol.Message{
		Version:       protocol.Version,
		Kind:          kind,
		CorrelationID: correlationID,
		Body:          body,
	}); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func readErrorFrame(t *testing.T, conn net.Conn) protocol.ErrorResponse {
	t.Helper()
	message, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if message.Kind != protocol.KindError {
		t.Fatalf("expected error frame, got kind %#x", message.Kind)
	}
	var response protocol.ErrorResponse
	if err := codec.Unmarshal(message.Body, &response); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return response
}

func TestUnsupportedKindIsRecoverable(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	conn := rawDial(t, socketPath)

	writeFrame(t, conn, protocol.Kind(0x6e), 2, struct{}{})
	response := readErrorFrame(t, conn)
	if response.Code != protocol.CodeUnsupportedMessage {
		t.Fatalf("error code: %s", response.Code)
	}

	// The connection survives; a valid request still works.
	writeFrame(t, conn, protocol.KindStat, 3, protocol.StatRequest{
		MountID: mountID,
		Path:    "/base.txt",
	})
	message, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("reading stat response: %v", err)
	}
	if message.Kind != protocol.KindStat || message.CorrelationID != 3 {
		t.Fatalf("stat response: kind %#x corr %d", message.Kind, message.CorrelationID)
	}
}

func TestHandshakeRejectsCredentialMismatch(t *testing.T) {
	socketPath, _ := startTestDaemon(t)
	conn, err := net.DialTimeout("unix", socketPath, testTimeout)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	// A claimed pid that is not the socket peer's pid must be refused.
	writeFrame(t, conn, protocol.KindHandshake, 1, protocol.HandshakeRequest{
		ProtocolVersion: uint32(protocol.Version),
		ClientPID:       uint32(os.Getpid() + 1),
		ClientUID:       uint32(os.Getuid()),
	})
	response := readErrorFrame(t, conn)
	if response.Code != protocol.CodeHandshakeRejected {
		t.Fatalf("error code: %s", response.Code)
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	socketPath, _ := startTestDaemon(t)
	conn, err := net.DialTimeout("unix", socketPath, testTimeout)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	writeFrame(t, conn, protocol.KindHandshake, 1, protocol.HandshakeRequest{
		ProtocolVersion: uint32(protocol.Version) + 1,
		ClientPID:       uint32(os.Getpid()),
		ClientUID:       uint32(os.Getuid()),
	})
	response := readErrorFrame(t, conn)
	if response.Code != protocol.CodeHandshakeRejected {
		t.Fatalf("error code: %s", response.Code)
	}
}

func TestFirstMessageMustBeHandshake(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	conn, err := net.DialTimeout("unix", socketPath, testTimeout)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	writeFrame(t, conn, protocol.KindStat, 1, protocol.StatRequest{
		MountID: mountID,
		Path:    "/base.txt",
	})
	response := readErrorFrame(t, conn)
	if response.Code != protocol.CodeHandshakeRejected {
		t.Fatalf("error code: %s", response.Code)
	}
}

func TestSessionTeardownReleasesHandles(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx := context.Background()

	if _, err := c.Open(ctx, mountID, "/held.txt",
		protocol.OpenWrite|protocol.OpenCreate, 0o644); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close connection: %v", err)
	}

	// A fresh session sees the handle count back at zero once teardown
	// completes.
	c2 := dialTestDaemon(t, socketPath)
	deadline := time.Now().Add(testTimeout)
	for {
		stats, err := c2.MountStats(ctx, mountID)
		if err != nil {
			t.Fatalf("mount stats: %v", err)
		}
		if stats.OpenHandles == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("open handles never released: %d", stats.OpenHandles)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOversizedReadAnsweredWithError(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	handle, err := c.Open(ctx, mountID, "/base.txt", protocol.OpenRead, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// A read that could never fit in a response frame must be answered
	// promptly, not left hanging on its correlation id.
	_, _, err = c.Read(ctx, handle, 0, protocol.MaxReadLength+1)
	requireClientCode(t, err, protocol.CodeInvalidArgument)

	// The connection survives the rejection.
	data, _, err := c.Read(ctx, handle, 0, 64)
	if err != nil {
		t.Fatalf("read after rejection: %v", err)
	}
	if string(data) != "base\n" {
		t.Fatalf("read back: %q", data)
	}
	if err := c.CloseHandle(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMountRemoveOverSocket(t *testing.T) {
	socketPath, mountID := startTestDaemon(t)
	c := dialTestDaemon(t, socketPath)
	ctx := context.Background()

	snapshotID, err := c.SnapshotCreate(ctx, mountID, "")
	if err != nil {
		t.Fatalf("snapshot create: %v", err)
	}
	forkID, err := c.Fork(ctx, snapshotID)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	err = c.SnapshotDelete(ctx, snapshotID)
	requireClientCode(t, err, protocol.CodeSnapshotInUse)

	if err := c.MountRemove(ctx, forkID); err != nil {
		t.Fatalf("mount remove: %v", err)
	}
	err = c.MountRemove(ctx, forkID)
	requireClientCode(t, err, protocol.CodeNotFound)

	if err := c.SnapshotDelete(ctx, snapshotID); err != nil {
		t.Fatalf("snapshot delete after mount removal: %v", err)
	}
}

func TestDisconnectAbortsInflightCopyUp(t *testing.T) {
	lowerDir := t.TempDir()
	fifoPath := filepath.Join(lowerDir, "stream")
	if err := unix.Mkfifo(fifoPath, 0o644); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	socketPath, mountID := startTestDaemonAt(t, lowerDir)

	// Opening for write triggers copy-up, which blocks reading the
	// fifo until this test opens the write end.
	conn := rawDial(t, socketPath)
	writeFrame(t, conn, protocol.KindOpen, 2, protocol.OpenRequest{
		MountID: mountID,
		Path:    "/stream",
		Flags:   protocol.OpenWrite,
	})

	writer, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening fifo writer: %v", err)
	}
	defer writer.Close()
	if _, err := writer.Write([]byte("chunk")); err != nil {
		t.Fatalf("priming fifo: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("closing connection: %v", err)
	}

	// The cancelled copy-up closes its read end of the fifo, after
	// which writes fail with EPIPE. Without per-connection
	// cancellation the daemon would keep draining the fifo forever.
	deadline := time.Now().Add(testTimeout)
	for {
		if _, err := writer.Write([]byte("chunk")); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("copy-up kept reading after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
