// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon wires the overlay engine, metastore, watch bus, and
// session registry behind a Unix domain socket and speaks the framed
// CBOR protocol to clients.
//
// Each accepted connection runs its own goroutine. The first frame must
// be a handshake, which is cross-checked against the socket's peer
// credentials; every subsequent request is dispatched on its own
// goroutine so a slow copy-up never stalls the connection's other
// requests. Responses share the connection under a write mutex.
package daemon
