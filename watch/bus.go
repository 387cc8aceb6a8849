// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"log/slog"
	gopath "path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfs-foundation/agentfs/overlay"
	"github.com/agentfs-foundation/agentfs/protocol"
)

// Sink delivers one event to a client. The dispatcher supplies one per
// session; it must tolerate being called after the session is gone.
type Sink func(event protocol.WatchEvent)

// Bus is the fanout point between the overlay engine and client watch
// registrations. It implements overlay.Notifier.
type Bus struct {
	logger *slog.Logger
	seq    atomic.Uint64

	mu      sync.RWMutex
	watches map[uint64]*registration
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger:  logger,
		watches: make(map[uint64]*registration),
	}
}

// registration is one client watch. pending holds at most one event per
// path; a newer event for a queued path replaces it in place, keeping
// its position in order, so delivery preserves first-seen ordering and
// the latest state per path.
type registration struct {
	id        uint64
	sessionID string
	mountID   string
	prefix    string
	sink      Sink

	mu      sync.Mutex
	pending map[string]protocol.WatchEvent
	order   []string
	wake    chan struct{}
	done    chan struct{}
}

// Add registers a watch on a path prefix within a mount and starts its
// delivery goroutine. The returned id appears in every event and is the
// handle for Remove.
func (b *Bus) Add(sessionID, mountID, prefix string, sink Sink) uint64 {
	reg := &registration{
		id:        b.seq.Add(1),
		sessionID: sessionID,
		mountID:   mountID,
		prefix:    gopath.Clean("/" + strings.TrimPrefix(prefix, "/")),
		sink:      sink,
		pending:   make(map[string]protocol.WatchEvent),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.watches[reg.id] = reg
	b.mu.Unlock()

	go reg.deliver()

	b.logger.Debug("watch added",
		"watch_id", reg.id,
		"session_id", sessionID,
		"mount_id", mountID,
		"prefix", reg.prefix,
	)
	return reg.id
}

// Remove tears down one registration. Returns false for unknown ids.
func (b *Bus) Remove(watchID uint64) bool {
	b.mu.Lock()
	reg, ok := b.watches[watchID]
	if ok {
		delete(b.watches, watchID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	close(reg.done)
	b.logger.Debug("watch removed", "watch_id", watchID)
	return true
}

// DropSession removes every registration owned by a session. Called on
// disconnect.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	var dropped []*registration
	for id, reg := range b.watches {
		if reg.sessionID == sessionID {
			dropped = append(dropped, reg)
			delete(b.watches, id)
		}
	}
	b.mu.Unlock()
	for _, reg := range dropped {
		close(reg.done)
	}
	if len(dropped) > 0 {
		b.logger.Debug("session watches dropped",
			"session_id", sessionID,
			"count", len(dropped),
		)
	}
}

// Close tears down every registration.
func (b *Bus) Close() {
	b.mu.Lock()
	watches := b.watches
	b.watches = make(map[uint64]*registration)
	b.mu.Unlock()
	for _, reg := range watches {
		close(reg.done)
	}
}

// Notify implements overlay.Notifier. It runs on the engine's operation
// goroutine, so it only enqueues; delivery happens on each
// registration's own goroutine.
func (b *Bus) Notify(mountID, path string, kind overlay.ChangeKind, when time.Time) {
	b.mu.RLock()
	var matched []*registration
	for _, reg := range b.watches {
		if reg.mountID == mountID && reg.covers(path) {
			matched = append(matched, reg)
		}
	}
	b.mu.RUnlock()

	for _, reg := range matched {
		reg.enqueue(protocol.WatchEvent{
			WatchID:  reg.id,
			MountID:  mountID,
			Path:     path,
			Change:   string(kind),
			TimeNano: when.UnixNano(),
		})
	}
}

func (r *registration) covers(path string) bool {
	if r.prefix == "/" {
		return true
	}
	return path == r.prefix || strings.HasPrefix(path, r.prefix+"/")
}

func (r *registration) enqueue(event protocol.WatchEvent) {
	r.mu.Lock()
	if _, queued := r.pending[event.Path]; !queued {
		r.order = append(r.order, event.Path)
	}
	r.pending[event.Path] = event
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// deliver drains the queue until the registration is torn down. One
// final drain after done closes, so events enqueued before removal
// still reach the client.
func (r *registration) deliver() {
	for {
		select {
		case <-r.wake:
			r.drain()
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *registration) drain() {
	for {
		r.mu.Lock()
		if len(r.order) == 0 {
			r.mu.Unlock()
			return
		}
		path := r.order[0]
		r.order = r.order[1:]
		event := r.pending[path]
		delete(r.pending, path)
		r.mu.Unlock()

		r.sink(event)
	}
}
