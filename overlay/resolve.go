// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"fmt"
	"os"
	gopath "path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentfs-foundation/agentfs/protocol"
)

// cleanPath normalizes a client-supplied logical path to an absolute,
// slash-separated form with no dot segments. Paths escaping the root
// ("/../x") collapse to "/x"; there is no way to address anything
// outside the layer roots.
func cleanPath(raw string) string {
	return gopath.Clean("/" + strings.TrimPrefix(raw, "/"))
}

// physicalPath maps a logical path onto a layer's directory.
func physicalPath(layer *Layer, logical string) string {
	return filepath.Join(layer.Dir, filepath.FromSlash(strings.TrimPrefix(logical, "/")))
}

// isWhitedOut reports whether path or any of its ancestors carries a
// tombstone. An ancestor whiteout hides the whole subtree, matching
// directory deletion semantics.
func (m *Mount) isWhitedOut(path string) bool {
	m.whMu.Lock()
	defer m.whMu.Unlock()
	for current := path; ; current = gopath.Dir(current) {
		if _, ok := m.whiteouts[current]; ok {
			return true
		}
		if current == "/" {
			return false
		}
	}
}

// ancestorWhitedOut reports whether any strict ancestor of path
// carries a tombstone. Creating an entry beneath a deleted directory
// must fail instead of silently resurrecting the directory in the
// upper layer while the tombstone keeps the whole subtree invisible.
func (m *Mount) ancestorWhitedOut(path string) bool {
	return m.isWhitedOut(gopath.Dir(path))
}

// hasWhiteout reports whether exactly this path carries a tombstone.
func (m *Mount) hasWhiteout(path string) bool {
	m.whMu.Lock()
	defer m.whMu.Unlock()
	_, ok := m.whiteouts[path]
	return ok
}

// addWhiteout records a tombstone, write-through to the metastore.
// Fails without mutating the in-memory set if persistence fails, so
// the cache never runs ahead of the store.
func (e *Engine) addWhiteout(ctx context.Context, m *Mount, path string) error {
	if err := e.store.AddWhiteout(ctx, m.ID, path, e.clk.Now()); err != nil {
		return fmt.Errorf("overlay: persisting whiteout %s: %w", path, err)
	}
	m.whMu.Lock()
	m.whiteouts[path] = struct{}{}
	m.whMu.Unlock()
	return nil
}

// clearWhiteout removes a tombstone if present. Recreating a path is
// what clears its deletion marker.
func (e *Engine) clearWhiteout(ctx context.Context, m *Mount, path string) error {
	m.whMu.Lock()
	_, present := m.whiteouts[path]
	m.whMu.Unlock()
	if !present {
		return nil
	}
	if err := e.store.RemoveWhiteout(ctx, m.ID, path); err != nil {
		return fmt.Errorf("overlay: removing whiteout %s: %w", path, err)
	}
	m.whMu.Lock()
	delete(m.whiteouts, path)
	m.whMu.Unlock()
	return nil
}

// resolved is the outcome of walking the layer chain for a path.
type resolved struct {
	layer    *Layer
	physical string
	info     os.FileInfo
}

// resolve walks the chain top to bottom. The whiteout set is checked
// first: a tombstone makes the path invisible regardless of layer
// content. Returns ok=false when no visible layer holds the path.
//
// Callers must hold m.chainMu (read or write).
func (m *Mount) resolve(logical string) (resolved, bool) {
	if m.isWhitedOut(logical) {
		return resolved{}, false
	}
	for _, layer := range m.layers {
		physical := physicalPath(layer, logical)
		info, err := os.Lstat(physical)
		if err != nil {
			continue
		}
		return resolved{layer: layer, physical: physical, info: info}, true
	}
	return resolved{}, false
}

// resolveBelow is resolve restricted to the read-only layers. Used to
// decide whether a deletion needs a tombstone to keep hiding a lower
// entry.
func (m *Mount) resolveBelow(logical string) bool {
	for _, layer := range m.layers[1:] {
		if _, err := os.Lstat(physicalPath(layer, logical)); err == nil {
			return true
		}
	}
	return false
}

// upper returns the writable top layer. Callers must hold chainMu.
func (m *Mount) upper() *Layer {
	return m.layers[0]
}

// upperPath is the physical path of logical in the writable layer.
func (m *Mount) upperPath(logical string) string {
	return physicalPath(m.upper(), logical)
}

// mergeDir produces the merged, deduplicated listing of a logical
// directory across a layer chain: upper entries win on name collision
// and whited-out names are excluded entirely. isWhitedOut decides
// visibility so the same merge serves live mounts and snapshot exports.
func mergeDir(layers []*Layer, logical string, isWhitedOut func(string) bool) ([]DirEntry, error) {
	seen := make(map[string]DirEntry)
	order := make([]string, 0, 16)
	found := false

	for _, layer := range layers {
		physical := physicalPath(layer, logical)
		entries, err := os.ReadDir(physical)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		found = true
		for _, entry := range entries {
			name := entry.Name()
			if _, ok := seen[name]; ok {
				continue
			}
			if isWhitedOut(gopath.Join(logical, name)) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			seen[name] = DirEntry{Name: name, Attr: attrFromInfo(info)}
			order = append(order, name)
		}
	}

	if !found {
		return nil, os.ErrNotExist
	}
	sort.Strings(order)
	merged := make([]DirEntry, 0, len(order))
	for _, name := range order {
		merged = append(merged, seen[name])
	}
	return merged, nil
}

// attrFromInfo converts os metadata into the engine's Attr.
func attrFromInfo(info os.FileInfo) Attr {
	entryType := EntryTypeOf(info)
	return Attr{
		Size:      info.Size(),
		Mode:      info.Mode(),
		EntryType: entryType,
		Mtime:     info.ModTime(),
	}
}

// EntryTypeOf maps os metadata onto the protocol entry type values.
func EntryTypeOf(info os.FileInfo) uint8 {
	switch {
	case info.IsDir():
		return protocol.EntryTypeDir
	case info.Mode()&os.ModeSymlink != 0:
		return protocol.EntryTypeSymlink
	default:
		return protocol.EntryTypeFile
	}
}
