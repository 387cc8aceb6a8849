// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// ErrorCode classifies a failed request. Codes are part of the wire
// contract: clients map them onto platform errno values, so existing
// values must never be renumbered.
type ErrorCode uint32

const (
	// CodeNotFound: the path does not resolve in any visible layer.
	CodeNotFound ErrorCode = 1

	// CodePermissionDenied: the operation violates the requested access
	// mode or ownership checks.
	CodePermissionDenied ErrorCode = 2

	// CodeAlreadyExists: a create-class operation targets an existing,
	// non-whited-out path.
	CodeAlreadyExists ErrorCode = 3

	// CodeIoError: an underlying storage operation failed.
	CodeIoError ErrorCode = 4

	// CodeSnapshotInUse: deletion of a snapshot with live forks or
	// descendant snapshots.
	CodeSnapshotInUse ErrorCode = 5

	// CodeHandshakeRejected: incompatible protocol version or a
	// handshake that fails peer credential checks. Terminates the
	// connection.
	CodeHandshakeRejected ErrorCode = 6

	// CodeFramingError: malformed or oversized frame. Terminates the
	// connection.
	CodeFramingError ErrorCode = 7

	// CodeUnsupportedMessage: unknown message kind. The single request
	// fails; the connection continues.
	CodeUnsupportedMessage ErrorCode = 8

	// CodeNotADirectory: a directory operation targets a non-directory.
	CodeNotADirectory ErrorCode = 9

	// CodeNotEmpty: rmdir of a directory with visible entries.
	CodeNotEmpty ErrorCode = 10

	// CodeInvalidArgument: a structurally valid message carries
	// arguments the daemon cannot act on (bad handle, bad flags, empty
	// path).
	CodeInvalidArgument ErrorCode = 11
)

var errorCodeNames = map[ErrorCode]string{
	CodeNotFound:           "not-found",
	CodePermissionDenied:   "permission-denied",
	CodeAlreadyExists:      "already-exists",
	CodeIoError:            "io-error",
	CodeSnapshotInUse:      "snapshot-in-use",
	CodeHandshakeRejected:  "handshake-rejected",
	CodeFramingError:       "framing-error",
	CodeUnsupportedMessage: "unsupported-message",
	CodeNotADirectory:      "not-a-directory",
	CodeNotEmpty:           "not-empty",
	CodeInvalidArgument:    "invalid-argument",
}

// String returns the stable text name of the code.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error-code-%d", uint32(c))
}
