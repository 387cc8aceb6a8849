// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire format spoken between the AgentFS
// daemon and interposed clients over the daemon's Unix socket.
//
// Every message travels in a length-prefixed frame:
//
//	[4 bytes payload length, big-endian uint32]
//	[1 byte protocol version]
//	[1 byte message kind]
//	[8 bytes correlation id, big-endian uint64]
//	[CBOR body]
//
// The correlation id ties a response to its request; a connection may
// pipeline requests and receive responses out of order. Correlation id
// zero is reserved for unsolicited daemon-to-client pushes (watch
// events).
//
// The package is organized as:
//
//   - framing.go: frame encode/decode, the resumable Decoder
//   - messages.go: CBOR body types for every message kind
//   - errors.go: the error code taxonomy shared by both sides
package protocol
