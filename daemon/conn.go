// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/agentfs-foundation/agentfs/lib/codec"
	"github.com/agentfs-foundation/agentfs/overlay"
	"github.com/agentfs-foundation/agentfs/protocol"
)

// connection serves one client. Requests are dispatched on their own
// goroutines; writeMu serializes response frames on the shared socket.
type connection struct {
	daemon  *Daemon
	conn    net.Conn
	logger  *slog.Logger
	session *Session

	writeMu sync.Mutex
}

func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	// Request handlers run under a per-connection context: when the
	// client disconnects, in-flight operations (large copy-ups most of
	// all) are cancelled instead of running to completion unobserved.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		daemon: d,
		conn:   conn,
		logger: d.logger,
	}
	defer conn.Close()

	if err := c.handshake(); err != nil {
		d.logger.Warn("handshake failed", "error", err)
		return
	}
	defer c.teardown()

	c.logger = d.logger.With("session_id", c.session.ID)
	c.readLoop(ctx)
	// Cancel before the deferred teardown closes the session's handles,
	// so aborting requests see cancellation rather than a bad handle.
	cancel()
}

// handshake reads and validates the first frame. Rejections are
// answered with a HandshakeRejected error before closing, so clients
// see why instead of a bare EOF.
func (c *connection) handshake() error {
	message, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	if message.Kind != protocol.KindHandshake {
		c.writeError(message.CorrelationID, protocol.CodeHandshakeRejected, "first message must be a handshake")
		return fmt.Errorf("first message kind %d, want handshake", message.Kind)
	}

	var request protocol.HandshakeRequest
	if err := codec.Unmarshal(message.Body, &request); err != nil {
		c.writeError(message.CorrelationID, protocol.CodeHandshakeRejected, "malformed handshake body")
		return fmt.Errorf("decoding handshake: %w", err)
	}
	if request.ProtocolVersion != uint32(protocol.Version) {
		c.writeError(message.CorrelationID, protocol.CodeHandshakeRejected,
			fmt.Sprintf("protocol version %d not supported", request.ProtocolVersion))
		return fmt.Errorf("protocol version %d, want %d", request.ProtocolVersion, protocol.Version)
	}

	// The claimed identity must match the socket's peer credentials.
	// A client cannot impersonate another process to inherit its
	// session state.
	if unixConn, ok := c.conn.(*net.UnixConn); ok {
		ucred, err := peerCredentials(unixConn)
		if err != nil {
			c.writeError(message.CorrelationID, protocol.CodeHandshakeRejected, "peer credentials unavailable")
			return fmt.Errorf("reading peer credentials: %w", err)
		}
		if ucred.Pid != int32(request.ClientPID) || ucred.Uid != request.ClientUID {
			c.writeError(message.CorrelationID, protocol.CodeHandshakeRejected, "peer credentials mismatch")
			return fmt.Errorf("peer credentials pid=%d uid=%d, claimed pid=%d uid=%d",
				ucred.Pid, ucred.Uid, request.ClientPID, request.ClientUID)
		}
	}

	c.session = c.daemon.registry.Register(c.conn, request.ClientPID, request.ClientUID)
	return c.writeResponse(message.Kind, message.CorrelationID, protocol.HandshakeResponse{
		SessionID: c.session.ID,
	})
}

func peerCredentials(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var ucred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	return ucred, credErr
}

// readLoop decodes frames until the connection ends. Framing errors
// are unrecoverable (the stream position is lost) and close the
// connection; unsupported kinds are answered and the loop continues.
func (c *connection) readLoop(ctx context.Context) {
	for {
		message, err := protocol.ReadMessage(c.conn)
		if err != nil {
			var framingErr *protocol.FramingError
			switch {
			case errors.Is(err, io.EOF):
			case errors.As(err, &framingErr):
				c.logger.Warn("framing error, closing connection", "reason", framingErr.Reason)
				c.writeError(0, protocol.CodeFramingError, framingErr.Reason)
			default:
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}

		c.session.touch(c.daemon.clk.Now())
		go c.handleRequest(ctx, message)
	}
}

func (c *connection) handleRequest(ctx context.Context, message protocol.Message) {
	response, err := c.dispatch(ctx, message)
	if err != nil {
		var unsupported *protocol.UnsupportedMessageError
		if errors.As(err, &unsupported) {
			c.writeError(message.CorrelationID, protocol.CodeUnsupportedMessage, unsupported.Error())
			return
		}
		c.logger.Debug("request failed",
			"kind", message.Kind,
			"correlation_id", message.CorrelationID,
			"error", err,
		)
		c.writeError(message.CorrelationID, overlay.CodeOf(err), err.Error())
		return
	}
	frame, err := encodeResponse(message.Kind, message.CorrelationID, response)
	if err != nil {
		// The operation succeeded but its response cannot travel.
		// Answer with an error frame so the correlation id is never
		// left hanging on the client side.
		c.logger.Warn("encoding response failed",
			"kind", message.Kind,
			"correlation_id", message.CorrelationID,
			"error", err,
		)
		c.writeError(message.CorrelationID, protocol.CodeIoError, "response exceeds frame limits")
		return
	}
	if writeErr := c.writeFrame(frame); writeErr != nil {
		c.logger.Debug("writing response failed", "error", writeErr)
	}
}

// dispatch decodes the request body and runs the matching engine or
// watch operation. Success responses share the request's kind.
func (c *connection) dispatch(ctx context.Context, message protocol.Message) (any, error) {
	engine := c.daemon.engine
	switch message.Kind {
	case protocol.KindHandshake:
		return nil, fmt.Errorf("duplicate handshake")

	case protocol.KindOpen:
		var req protocol.OpenRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding open request: %w", err)
		}
		handle, err := engine.Open(ctx, req.MountID, req.Path, req.Flags, req.Mode)
		if err != nil {
			return nil, err
		}
		c.session.addHandle(handle)
		return protocol.OpenResponse{Handle: handle.ID}, nil

	case protocol.KindRead:
		var req protocol.ReadRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding read request: %w", err)
		}
		handle, ok := c.session.handle(req.Handle)
		if !ok {
			return nil, unknownHandle(req.Handle)
		}
		data, eof, err := engine.Read(handle, req.Offset, req.Length)
		if err != nil {
			return nil, err
		}
		return protocol.ReadResponse{Data: data, EOF: eof}, nil

	case protocol.KindWrite:
		var req protocol.WriteRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding write request: %w", err)
		}
		handle, ok := c.session.handle(req.Handle)
		if !ok {
			return nil, unknownHandle(req.Handle)
		}
		written, err := engine.Write(ctx, handle, req.Offset, req.Data)
		if err != nil {
			return nil, err
		}
		return protocol.WriteResponse{Written: uint32(written)}, nil

	case protocol.KindClose:
		var req protocol.CloseRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding close request: %w", err)
		}
		handle, ok := c.session.removeHandle(req.Handle)
		if !ok {
			return nil, unknownHandle(req.Handle)
		}
		if err := engine.CloseHandle(handle); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case protocol.KindStat:
		var req protocol.StatRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding stat request: %w", err)
		}
		attr, err := engine.Stat(ctx, req.MountID, req.Path, req.FollowSymlinks)
		if err != nil {
			return nil, err
		}
		return protocol.StatResponse{Attr: wireAttr(attr)}, nil

	case protocol.KindReaddir:
		var req protocol.ReaddirRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding readdir request: %w", err)
		}
		entries, err := engine.Readdir(ctx, req.MountID, req.Path)
		if err != nil {
			return nil, err
		}
		wire := make([]protocol.DirEntry, 0, len(entries))
		for _, entry := range entries {
			wire = append(wire, protocol.DirEntry{
				Name:      entry.Name,
				EntryType: entry.Attr.EntryType,
				Size:      entry.Attr.Size,
				Mode:      uint32(entry.Attr.Mode),
				MtimeNano: entry.Attr.Mtime.UnixNano(),
			})
		}
		return protocol.ReaddirResponse{Entries: wire}, nil

	case protocol.KindMkdir:
		var req protocol.MkdirRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding mkdir request: %w", err)
		}
		return struct{}{}, engine.Mkdir(ctx, req.MountID, req.Path, req.Mode)

	case protocol.KindRmdir:
		var req protocol.RmdirRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding rmdir request: %w", err)
		}
		return struct{}{}, engine.Rmdir(ctx, req.MountID, req.Path)

	case protocol.KindSymlink:
		var req protocol.SymlinkRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding symlink request: %w", err)
		}
		return struct{}{}, engine.Symlink(ctx, req.MountID, req.Path, req.Target)

	case protocol.KindReadlink:
		var req protocol.ReadlinkRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding readlink request: %w", err)
		}
		target, err := engine.Readlink(ctx, req.MountID, req.Path)
		if err != nil {
			return nil, err
		}
		return protocol.ReadlinkResponse{Target: target}, nil

	case protocol.KindRename:
		var req protocol.RenameRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding rename request: %w", err)
		}
		return struct{}{}, engine.Rename(ctx, req.MountID, req.Source, req.Destination)

	case protocol.KindUnlink:
		var req protocol.UnlinkRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding unlink request: %w", err)
		}
		return struct{}{}, engine.Unlink(ctx, req.MountID, req.Path)

	case protocol.KindTruncate:
		var req protocol.TruncateRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding truncate request: %w", err)
		}
		return struct{}{}, engine.Truncate(ctx, req.MountID, req.Path, req.Size)

	case protocol.KindChmod:
		var req protocol.ChmodRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding chmod request: %w", err)
		}
		return struct{}{}, engine.Chmod(ctx, req.MountID, req.Path, req.Mode)

	case protocol.KindXattr:
		var req protocol.XattrRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding xattr request: %w", err)
		}
		value, names, err := engine.Xattr(ctx, req.MountID, req.Path, req.Op, req.Name, req.Value)
		if err != nil {
			return nil, err
		}
		return protocol.XattrResponse{Value: value, Names: names}, nil

	case protocol.KindSnapshotCreate:
		var req protocol.SnapshotCreateRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding snapshot create request: %w", err)
		}
		snapshotID, err := engine.SnapshotCreate(ctx, req.MountID, req.Name)
		if err != nil {
			return nil, err
		}
		return protocol.SnapshotCreateResponse{SnapshotID: snapshotID}, nil

	case protocol.KindSnapshotList:
		var req protocol.SnapshotListRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding snapshot list request: %w", err)
		}
		snapshots := engine.SnapshotList(req.MountID)
		infos := make([]protocol.SnapshotInfo, 0, len(snapshots))
		for _, snapshot := range snapshots {
			infos = append(infos, protocol.SnapshotInfo{
				SnapshotID:  snapshot.ID,
				ParentID:    snapshot.Parent,
				Name:        snapshot.Name,
				CreatedNano: snapshot.Created.UnixNano(),
			})
		}
		return protocol.SnapshotListResponse{Snapshots: infos}, nil

	case protocol.KindSnapshotDelete:
		var req protocol.SnapshotDeleteRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding snapshot delete request: %w", err)
		}
		return struct{}{}, engine.SnapshotDelete(ctx, req.SnapshotID)

	case protocol.KindFork:
		var req protocol.ForkRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding fork request: %w", err)
		}
		mount, err := engine.Fork(ctx, req.SnapshotID)
		if err != nil {
			return nil, err
		}
		return protocol.ForkResponse{MountID: mount.ID}, nil

	case protocol.KindRollback:
		var req protocol.RollbackRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding rollback request: %w", err)
		}
		return struct{}{}, engine.Rollback(ctx, req.MountID, req.SnapshotID)

	case protocol.KindMountRemove:
		var req protocol.MountRemoveRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding mount remove request: %w", err)
		}
		return struct{}{}, engine.MountRemove(ctx, req.MountID)

	case protocol.KindSnapshotExport:
		var req protocol.SnapshotExportRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding snapshot export request: %w", err)
		}
		output, err := os.Create(req.OutputPath)
		if err != nil {
			return nil, &overlay.Error{Code: protocol.CodeIoError, Op: "export", Path: req.OutputPath, Err: err}
		}
		if err := engine.Export(ctx, req.SnapshotID, output); err != nil {
			output.Close()
			os.Remove(req.OutputPath)
			return nil, err
		}
		if err := output.Close(); err != nil {
			return nil, &overlay.Error{Code: protocol.CodeIoError, Op: "export", Path: req.OutputPath, Err: err}
		}
		return struct{}{}, nil

	case protocol.KindWatchAdd:
		var req protocol.WatchAddRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding watch add request: %w", err)
		}
		watchID := c.daemon.bus.Add(c.session.ID, req.MountID, req.Prefix, c.pushEvent)
		c.session.addWatch(watchID)
		return protocol.WatchAddResponse{WatchID: watchID}, nil

	case protocol.KindWatchRemove:
		var req protocol.WatchRemoveRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding watch remove request: %w", err)
		}
		if !c.session.removeWatch(req.WatchID) || !c.daemon.bus.Remove(req.WatchID) {
			return nil, &overlay.Error{Code: protocol.CodeNotFound, Op: "watch-remove", Path: fmt.Sprintf("%d", req.WatchID)}
		}
		return struct{}{}, nil

	case protocol.KindMountStats:
		var req protocol.MountStatsRequest
		if err := codec.Unmarshal(message.Body, &req); err != nil {
			return nil, fmt.Errorf("decoding mount stats request: %w", err)
		}
		stats, err := engine.Stats(ctx, req.MountID)
		if err != nil {
			return nil, err
		}
		return protocol.MountStatsResponse{
			MountID:     stats.MountID,
			OpenHandles: stats.OpenHandles,
			Whiteouts:   stats.Whiteouts,
			Snapshots:   stats.Snapshots,
			CopyUps:     stats.CopyUps,
			Layers:      stats.Layers,
		}, nil

	default:
		return nil, &protocol.UnsupportedMessageError{Kind: message.Kind}
	}
}

// pushEvent is the watch bus sink: a daemon-to-client push with
// correlation id zero.
func (c *connection) pushEvent(event protocol.WatchEvent) {
	body, err := codec.Marshal(event)
	if err != nil {
		c.logger.Warn("encoding watch event failed", "error", err)
		return
	}
	c.write(protocol.Message{
		Version:       protocol.Version,
		Kind:          protocol.KindWatchEvent,
		CorrelationID: 0,
		Body:          body,
	})
}

// encodeResponse builds the complete frame for a success response. A
// failure here means no bytes have touched the socket, so the caller
// can still answer the correlation id with an error frame.
func encodeResponse(kind protocol.Kind, correlationID uint64, body any) ([]byte, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding response body: %w", err)
	}
	return protocol.EncodeMessage(protocol.Message{
		Version:       protocol.Version,
		Kind:          kind,
		CorrelationID: correlationID,
		Body:          encoded,
	})
}

func (c *connection) writeResponse(kind protocol.Kind, correlationID uint64, body any) error {
	frame, err := encodeResponse(kind, correlationID, body)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *connection) writeError(correlationID uint64, code protocol.ErrorCode, detail string) {
	body, err := codec.Marshal(protocol.ErrorResponse{Code: code, Message: detail})
	if err != nil {
		c.logger.Warn("encoding error response failed", "error", err)
		return
	}
	if writeErr := c.write(protocol.Message{
		Version:       protocol.Version,
		Kind:          protocol.KindError,
		CorrelationID: correlationID,
		Body:          body,
	}); writeErr != nil {
		c.logger.Debug("writing error response failed", "error", writeErr)
	}
}

func (c *connection) write(message protocol.Message) error {
	frame, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *connection) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// teardown releases everything the session owns: open handles are
// closed and watch registrations removed. Runs exactly once per
// registered session, on the connection goroutine.
func (c *connection) teardown() {
	if c.session == nil {
		return
	}
	for _, handle := range c.session.drainHandles() {
		if err := c.daemon.engine.CloseHandle(handle); err != nil {
			c.logger.Debug("closing abandoned handle failed",
				"handle", handle.ID,
				"error", err,
			)
		}
	}
	c.daemon.bus.DropSession(c.session.ID)
	c.daemon.registry.Drop(c.session.ID)
}

func unknownHandle(id uint64) error {
	return &overlay.Error{Code: protocol.CodeInvalidArgument, Op: "handle", Path: fmt.Sprintf("%d", id)}
}

func wireAttr(attr overlay.Attr) protocol.Attr {
	return protocol.Attr{
		Size:      attr.Size,
		Mode:      uint32(attr.Mode),
		EntryType: attr.EntryType,
		MtimeNano: attr.Mtime.UnixNano(),
	}
}
