// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the Go client for the agentfs daemon: a typed
// wrapper over the framed CBOR protocol. One Client owns one
// connection; requests from multiple goroutines are multiplexed by
// correlation id.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/agentfs-foundation/agentfs/lib/codec"
	"github.com/agentfs-foundation/agentfs/protocol"
)

// Error is a daemon-reported failure.
type Error struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code.String()
}

// Client is a connection to the daemon. Safe for concurrent use.
type Client struct {
	conn      net.Conn
	sessionID string

	corr atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message
	readErr error

	events chan protocol.WatchEvent
}

// Dial connects to the daemon socket and performs the handshake. The
// returned client is ready for requests; watch events arrive on
// Events().
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dialing %s: %w", socketPath, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan protocol.Message),
		events:  make(chan protocol.WatchEvent, 64),
	}

	// Handshake runs before the read loop starts, so the response is
	// read inline.
	body, err := codec.Marshal(protocol.HandshakeRequest{
		ProtocolVersion: uint32(protocol.Version),
		ClientPID:       uint32(os.Getpid()),
		ClientUID:       uint32(os.Getuid()),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: encoding handshake: %w", err)
	}
	correlationID := c.corr.Add(1)
	if err := protocol.WriteMessage(conn, protocol.Message{
		Version:       protocol.Version,
		Kind:          protocol.KindHandshake,
		CorrelationID: correlationID,
		Body:          body,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: sending handshake: %w", err)
	}
	response, err := protocol.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: reading handshake response: %w", err)
	}
	if response.Kind == protocol.KindError {
		conn.Close()
		return nil, decodeError(response.Body)
	}
	var handshake protocol.HandshakeResponse
	if err := codec.Unmarshal(response.Body, &handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: decoding handshake response: %w", err)
	}
	c.sessionID = handshake.SessionID

	go c.readLoop()
	return c, nil
}

// SessionID returns the id the daemon assigned at handshake.
func (c *Client) SessionID() string { return c.sessionID }

// Events delivers watch event pushes. The channel closes when the
// connection ends. A full event buffer drops the oldest pushes rather
// than stalling response dispatch.
func (c *Client) Events() <-chan protocol.WatchEvent { return c.events }

// Close tears down the connection. In-flight requests fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		message, err := protocol.ReadMessage(c.conn)
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("client: connection closed")
			}
			c.failAll(err)
			close(c.events)
			return
		}
		if message.Kind == protocol.KindWatchEvent && message.CorrelationID == 0 {
			var event protocol.WatchEvent
			if decodeErr := codec.Unmarshal(message.Body, &event); decodeErr == nil {
				select {
				case c.events <- event:
				default:
					select {
					case <-c.events:
					default:
					}
					c.events <- event
				}
			}
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[message.CorrelationID]
		if ok {
			delete(c.pending, message.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- message
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.readErr = err
	pending := c.pending
	c.pending = make(map[uint64]chan protocol.Message)
	c.mu.Unlock()
	for _, waiter := range pending {
		close(waiter)
	}
}

// roundTrip sends one request and decodes its response into result
// (nil for empty-body responses).
func (c *Client) roundTrip(ctx context.Context, kind protocol.Kind, request, result any) error {
	body, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("client: encoding request: %w", err)
	}

	correlationID := c.corr.Add(1)
	waiter := make(chan protocol.Message, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return err
	}
	c.pending[correlationID] = waiter
	c.mu.Unlock()

	c.writeMu.Lock()
	writeErr := protocol.WriteMessage(c.conn, protocol.Message{
		Version:       protocol.Version,
		Kind:          kind,
		CorrelationID: correlationID,
		Body:          body,
	})
	c.writeMu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return fmt.Errorf("client: sending request: %w", writeErr)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return ctx.Err()
	case response, ok := <-waiter:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return err
		}
		if response.Kind == protocol.KindError {
			return decodeError(response.Body)
		}
		if result == nil {
			return nil
		}
		if err := codec.Unmarshal(response.Body, result); err != nil {
			return fmt.Errorf("client: decoding response: %w", err)
		}
		return nil
	}
}

func decodeError(body []byte) error {
	var response protocol.ErrorResponse
	if err := codec.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("client: malformed error response: %w", err)
	}
	return &Error{Code: response.Code, Message: response.Message}
}
