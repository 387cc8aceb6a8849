// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"testing"
	"time"

	"github.com/agentfs-foundation/agentfs/lib/testutil"
	"github.com/agentfs-foundation/agentfs/overlay"
	"github.com/agentfs-foundation/agentfs/protocol"
)

const eventTimeout = 2 * time.Second

// channelSink returns a Sink that forwards onto a buffered channel.
func channelSink(buffer int) (Sink, chan protocol.WatchEvent) {
	events := make(chan protocol.WatchEvent, buffer)
	return func(event protocol.WatchEvent) { events <- event }, events
}

func TestNotifyReachesMatchingWatch(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	sink, events := channelSink(4)

	watchID := bus.Add("sess-1", "m-1", "/", sink)
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Notify("m-1", "/a.txt", overlay.ChangeWrite, when)

	event := testutil.RequireReceive(t, events, eventTimeout, "event for /a.txt")
	if event.WatchID != watchID || event.Path != "/a.txt" || event.Change != "write" {
		t.Fatalf("event: %+v", event)
	}
	if event.TimeNano != when.UnixNano() {
		t.Fatalf("event timestamp: %d", event.TimeNano)
	}
}

func TestPrefixMatching(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	sink, events := channelSink(8)

	bus.Add("sess-1", "m-1", "/docs", sink)

	// Covered: the prefix itself and descendants.
	bus.Notify("m-1", "/docs", overlay.ChangeRemove, time.Now())
	bus.Notify("m-1", "/docs/guide.md", overlay.ChangeWrite, time.Now())
	// Not covered: sibling with a shared name prefix, other mount.
	bus.Notify("m-1", "/docs-old/a.txt", overlay.ChangeWrite, time.Now())
	bus.Notify("m-2", "/docs/guide.md", overlay.ChangeWrite, time.Now())

	first := testutil.RequireReceive(t, events, eventTimeout, "first event")
	second := testutil.RequireReceive(t, events, eventTimeout, "second event")
	if first.Path != "/docs" || second.Path != "/docs/guide.md" {
		t.Fatalf("delivered paths: %s, %s", first.Path, second.Path)
	}
	select {
	case event := <-events:
		t.Fatalf("uncovered event delivered: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoalescingKeepsLatestEventPerPath(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	// A blocking sink lets events pile up behind the first delivery, so
	// the coalescing path is actually exercised.
	release := make(chan struct{})
	events := make(chan protocol.WatchEvent, 8)
	sink := func(event protocol.WatchEvent) {
		<-release
		events <- event
	}
	bus.Add("sess-1", "m-1", "/", sink)

	bus.Notify("m-1", "/a.txt", overlay.ChangeCreate, time.Now())
	bus.Notify("m-1", "/a.txt", overlay.ChangeWrite, time.Now())
	bus.Notify("m-1", "/a.txt", overlay.ChangeRemove, time.Now())
	bus.Notify("m-1", "/b.txt", overlay.ChangeCreate, time.Now())
	close(release)

	// /a.txt may arrive as two events (one in flight when the rest were
	// coalesced), but the final state observed must be the remove, and
	// /b.txt must survive coalescing of its neighbor.
	var lastA, lastB string
	for lastA != "remove" || lastB != "create" {
		event := testutil.RequireReceive(t, events, eventTimeout, "coalesced events")
		switch event.Path {
		case "/a.txt":
			lastA = event.Change
		case "/b.txt":
			lastB = event.Change
		}
	}
}

func TestRemove(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	sink, events := channelSink(4)

	watchID := bus.Add("sess-1", "m-1", "/", sink)
	if !bus.Remove(watchID) {
		t.Fatalf("remove of live watch returned false")
	}
	if bus.Remove(watchID) {
		t.Fatalf("second remove returned true")
	}
	if bus.Remove(99999) {
		t.Fatalf("remove of unknown id returned true")
	}

	bus.Notify("m-1", "/a.txt", overlay.ChangeWrite, time.Now())
	select {
	case event := <-events:
		t.Fatalf("event delivered after removal: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropSessionRemovesOnlyThatSession(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	droppedSink, droppedEvents := channelSink(4)
	keptSink, keptEvents := channelSink(4)

	bus.Add("sess-1", "m-1", "/", droppedSink)
	bus.Add("sess-1", "m-1", "/docs", droppedSink)
	keptID := bus.Add("sess-2", "m-1", "/", keptSink)

	bus.DropSession("sess-1")
	bus.Notify("m-1", "/a.txt", overlay.ChangeWrite, time.Now())

	event := testutil.RequireReceive(t, keptEvents, eventTimeout, "surviving session event")
	if event.WatchID != keptID {
		t.Fatalf("event routed to wrong watch: %+v", event)
	}
	select {
	case event := <-droppedEvents:
		t.Fatalf("event delivered to dropped session: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPendingEventsDrainOnRemove(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	release := make(chan struct{})
	events := make(chan protocol.WatchEvent, 8)
	sink := func(event protocol.WatchEvent) {
		<-release
		events <- event
	}
	watchID := bus.Add("sess-1", "m-1", "/", sink)

	bus.Notify("m-1", "/a.txt", overlay.ChangeWrite, time.Now())
	bus.Notify("m-1", "/b.txt", overlay.ChangeWrite, time.Now())
	bus.Remove(watchID)
	close(release)

	seen := map[string]bool{}
	for len(seen) < 2 {
		event := testutil.RequireReceive(t, events, eventTimeout, "drained events")
		seen[event.Path] = true
	}
	if !seen["/a.txt"] || !seen["/b.txt"] {
		t.Fatalf("drained paths: %v", seen)
	}
}
