// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agentfs-foundation/agentfs/lib/clock"
	"github.com/agentfs-foundation/agentfs/overlay"
)

// Session is one authenticated connection's state: the handles and
// watches it owns, released together when the connection ends.
type Session struct {
	ID      string
	PID     uint32
	UID     uint32
	Created time.Time

	conn net.Conn

	mu         sync.Mutex
	lastActive time.Time
	handles    map[uint64]*overlay.Handle
	watches    map[uint64]struct{}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) addHandle(handle *overlay.Handle) {
	s.mu.Lock()
	s.handles[handle.ID] = handle
	s.mu.Unlock()
}

// handle looks up a handle owned by this session. Handles are not
// shared between sessions; an id from another connection is NotFound.
func (s *Session) handle(id uint64) (*overlay.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[id]
	return handle, ok
}

func (s *Session) removeHandle(id uint64) (*overlay.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	return handle, ok
}

func (s *Session) addWatch(id uint64) {
	s.mu.Lock()
	s.watches[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeWatch(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watches[id]
	if ok {
		delete(s.watches, id)
	}
	return ok
}

// drainHandles empties and returns the handle set. Used at teardown.
func (s *Session) drainHandles() []*overlay.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*overlay.Handle, 0, len(s.handles))
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[uint64]*overlay.Handle)
	return handles
}

// SessionRegistry tracks live sessions and reaps idle ones.
type SessionRegistry struct {
	logger      *slog.Logger
	clk         clock.Clock
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry. idleTimeout zero
// disables reaping.
func NewSessionRegistry(logger *slog.Logger, clk clock.Clock, idleTimeout time.Duration) *SessionRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SessionRegistry{
		logger:      logger,
		clk:         clk,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
	}
}

// Register creates a session for an authenticated connection.
func (r *SessionRegistry) Register(conn net.Conn, pid, uid uint32) *Session {
	now := r.clk.Now()
	session := &Session{
		ID:         newSessionID(),
		PID:        pid,
		UID:        uid,
		Created:    now,
		conn:       conn,
		lastActive: now,
		handles:    make(map[uint64]*overlay.Handle),
		watches:    make(map[uint64]struct{}),
	}
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", session.ID,
		"pid", pid,
		"uid", uid,
	)
	return session
}

// Drop removes a session. Idempotent; returns false if already gone.
func (r *SessionRegistry) Drop(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("session dropped", "session_id", id)
	}
	return ok
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// reapIdle closes the connection of every session idle past the
// timeout. The connection goroutine's read loop unblocks and runs the
// normal teardown path.
func (r *SessionRegistry) reapIdle() {
	if r.idleTimeout <= 0 {
		return
	}
	cutoff := r.clk.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var idle []*Session
	for _, session := range r.sessions {
		session.mu.Lock()
		if session.lastActive.Before(cutoff) {
			idle = append(idle, session)
		}
		session.mu.Unlock()
	}
	r.mu.Unlock()

	for _, session := range idle {
		r.logger.Info("session idle, disconnecting",
			"session_id", session.ID,
			"idle_timeout", r.idleTimeout,
		)
		session.conn.Close()
	}
}

// closeAll disconnects every live session. Used at shutdown so
// connection goroutines unblock from their read loops.
func (r *SessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()
	for _, session := range sessions {
		session.conn.Close()
	}
}

// RunReaper checks for idle sessions once a minute until ctx ends.
func (r *SessionRegistry) RunReaper(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	ticker := r.clk.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func newSessionID() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("daemon: reading random session id bytes: " + err.Error())
	}
	return "sess-" + hex.EncodeToString(raw[:])
}
