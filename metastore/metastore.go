// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package metastore persists the daemon's overlay metadata: the mount
// registry, layer chains, whiteout sets, the snapshot tree, and copy-up
// records. The backing store is a single SQLite database in the
// daemon's state directory; restarting the daemon against the same
// state directory restores every mount exactly as it was.
//
// Whiteouts are authoritative here, not as marker files in the layer
// directories: the in-memory whiteout set held by the overlay engine is
// a cache loaded at mount open and written through on every change.
package metastore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schema is applied once at Open. Owners in layers and whiteouts are
// mount ids or snapshot ids; the two namespaces never collide because
// ids carry distinct prefixes.
const schema = `
CREATE TABLE IF NOT EXISTS mounts (
	id      TEXT PRIMARY KEY,
	fork_of TEXT NOT NULL DEFAULT '',
	created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS layers (
	owner    TEXT NOT NULL,
	position INTEGER NOT NULL,
	id       TEXT NOT NULL,
	dir      TEXT NOT NULL,
	writable INTEGER NOT NULL,
	PRIMARY KEY (owner, position)
);
CREATE TABLE IF NOT EXISTS whiteouts (
	owner   TEXT NOT NULL,
	path    TEXT NOT NULL,
	created INTEGER NOT NULL,
	PRIMARY KEY (owner, path)
);
CREATE TABLE IF NOT EXISTS snapshots (
	id      TEXT PRIMARY KEY,
	parent  TEXT,
	origin  TEXT NOT NULL,
	name    TEXT,
	created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS copyups (
	mount   TEXT NOT NULL,
	path    TEXT NOT NULL,
	hash    TEXT NOT NULL,
	bytes   INTEGER NOT NULL,
	created INTEGER NOT NULL
);
`

// Store is a fixed-size pool of SQLite connections over the metadata
// database. Safe for concurrent use; individual connections are not,
// so every method takes its own connection.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates or opens the metadata database at path and applies the
// schema. Use ":memory:" in tests (pool size is forced to 1 for
// in-memory databases since each connection would otherwise be
// independent).
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("metastore: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	if path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: opening %s: %w", path, err)
	}

	store := &Store{pool: pool, logger: logger, path: path}
	if err := store.applySchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("metastore opened", "path", path, "pool_size", poolSize)
	return store, nil
}

// Close closes all connections. Blocks until borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("metastore: closing %s: %w", s.path, err)
	}
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	// WAL: concurrent readers, single writer, no reader blocking.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("metastore: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) applySchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("metastore: take: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("metastore: applying schema: %w", err)
	}
	return nil
}

// execute runs one statement with args on a pooled connection.
func (s *Store) execute(ctx context.Context, query string, args []any, resultFunc func(stmt *sqlite.Stmt) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("metastore: take: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: resultFunc,
	}); err != nil {
		return fmt.Errorf("metastore: %w", err)
	}
	return nil
}

// MountRecord is one row of the mount registry. ForkOf is the
// snapshot the mount was forked from, empty for directly created
// mounts.
type MountRecord struct {
	ID      string
	ForkOf  string
	Created time.Time
}

// AddMount registers a mount id.
func (s *Store) AddMount(ctx context.Context, id, forkOf string, created time.Time) error {
	return s.execute(ctx,
		`INSERT INTO mounts (id, fork_of, created) VALUES (?, ?, ?)`,
		[]any{id, forkOf, created.UnixNano()}, nil)
}

// RemoveMount deletes a mount and its layers and whiteouts.
func (s *Store) RemoveMount(ctx context.Context, id string) error {
	if err := s.execute(ctx, `DELETE FROM mounts WHERE id = ?`, []any{id}, nil); err != nil {
		return err
	}
	if err := s.execute(ctx, `DELETE FROM layers WHERE owner = ?`, []any{id}, nil); err != nil {
		return err
	}
	return s.execute(ctx, `DELETE FROM whiteouts WHERE owner = ?`, []any{id}, nil)
}

// ListMounts returns all registered mounts.
func (s *Store) ListMounts(ctx context.Context) ([]MountRecord, error) {
	var mounts []MountRecord
	err := s.execute(ctx, `SELECT id, fork_of, created FROM mounts ORDER BY created`, nil,
		func(stmt *sqlite.Stmt) error {
			mounts = append(mounts, MountRecord{
				ID:      stmt.ColumnText(0),
				ForkOf:  stmt.ColumnText(1),
				Created: time.Unix(0, stmt.ColumnInt64(2)),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return mounts, nil
}

// LayerRecord is one layer in an owner's chain. Position 0 is the top
// (writable) layer.
type LayerRecord struct {
	Owner    string
	Position int
	ID       string
	Dir      string
	Writable bool
}

// ReplaceLayers atomically rewrites the owner's layer chain.
func (s *Store) ReplaceLayers(ctx context.Context, owner string, layers []LayerRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("metastore: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("metastore: begin: %w", err)
	}
	defer endTx(&err)

	if err = sqlitex.Execute(conn, `DELETE FROM layers WHERE owner = ?`, &sqlitex.ExecOptions{
		Args: []any{owner},
	}); err != nil {
		return fmt.Errorf("metastore: %w", err)
	}
	for position, layer := range layers {
		writable := 0
		if layer.Writable {
			writable = 1
		}
		if err = sqlitex.Execute(conn,
			`INSERT INTO layers (owner, position, id, dir, writable) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{owner, position, layer.ID, layer.Dir, writable}},
		); err != nil {
			return fmt.Errorf("metastore: %w", err)
		}
	}
	return nil
}

// LoadLayers returns the owner's layer chain, top first.
func (s *Store) LoadLayers(ctx context.Context, owner string) ([]LayerRecord, error) {
	var layers []LayerRecord
	err := s.execute(ctx,
		`SELECT position, id, dir, writable FROM layers WHERE owner = ? ORDER BY position`,
		[]any{owner},
		func(stmt *sqlite.Stmt) error {
			layers = append(layers, LayerRecord{
				Owner:    owner,
				Position: stmt.ColumnInt(0),
				ID:       stmt.ColumnText(1),
				Dir:      stmt.ColumnText(2),
				Writable: stmt.ColumnInt(3) != 0,
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return layers, nil
}

// AddWhiteout records a tombstone for path under owner. Idempotent.
func (s *Store) AddWhiteout(ctx context.Context, owner, path string, created time.Time) error {
	return s.execute(ctx,
		`INSERT OR REPLACE INTO whiteouts (owner, path, created) VALUES (?, ?, ?)`,
		[]any{owner, path, created.UnixNano()}, nil)
}

// RemoveWhiteout deletes the tombstone for path under owner.
func (s *Store) RemoveWhiteout(ctx context.Context, owner, path string) error {
	return s.execute(ctx,
		`DELETE FROM whiteouts WHERE owner = ? AND path = ?`,
		[]any{owner, path}, nil)
}

// LoadWhiteouts returns all whited-out paths for owner.
func (s *Store) LoadWhiteouts(ctx context.Context, owner string) ([]string, error) {
	var paths []string
	err := s.execute(ctx,
		`SELECT path FROM whiteouts WHERE owner = ?`, []any{owner},
		func(stmt *sqlite.Stmt) error {
			paths = append(paths, stmt.ColumnText(0))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// CopyWhiteouts duplicates from's whiteout set under to. Used when a
// snapshot freezes a mount's state and when a fork inherits a
// snapshot's state.
func (s *Store) CopyWhiteouts(ctx context.Context, from, to string) error {
	return s.execute(ctx,
		`INSERT OR REPLACE INTO whiteouts (owner, path, created)
		 SELECT ?, path, created FROM whiteouts WHERE owner = ?`,
		[]any{to, from}, nil)
}

// ReplaceWhiteouts discards owner's whiteout set and copies from's in
// its place. Used by rollback.
func (s *Store) ReplaceWhiteouts(ctx context.Context, owner, from string) error {
	if err := s.execute(ctx, `DELETE FROM whiteouts WHERE owner = ?`, []any{owner}, nil); err != nil {
		return err
	}
	return s.CopyWhiteouts(ctx, from, owner)
}

// SnapshotRecord is one node of the snapshot tree. Origin is the mount
// the snapshot was taken from.
type SnapshotRecord struct {
	ID      string
	Parent  string
	Origin  string
	Name    string
	Created time.Time
}

// AddSnapshot records a new snapshot.
func (s *Store) AddSnapshot(ctx context.Context, record SnapshotRecord) error {
	return s.execute(ctx,
		`INSERT INTO snapshots (id, parent, origin, name, created) VALUES (?, ?, ?, ?, ?)`,
		[]any{record.ID, record.Parent, record.Origin, record.Name, record.Created.UnixNano()}, nil)
}

// DeleteSnapshot removes a snapshot and its layers and whiteouts.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if err := s.execute(ctx, `DELETE FROM snapshots WHERE id = ?`, []any{id}, nil); err != nil {
		return err
	}
	if err := s.execute(ctx, `DELETE FROM layers WHERE owner = ?`, []any{id}, nil); err != nil {
		return err
	}
	return s.execute(ctx, `DELETE FROM whiteouts WHERE owner = ?`, []any{id}, nil)
}

// ListSnapshots returns every snapshot, oldest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	var snapshots []SnapshotRecord
	err := s.execute(ctx,
		`SELECT id, COALESCE(parent, ''), origin, COALESCE(name, ''), created FROM snapshots ORDER BY created`,
		nil,
		func(stmt *sqlite.Stmt) error {
			snapshots = append(snapshots, SnapshotRecord{
				ID:      stmt.ColumnText(0),
				Parent:  stmt.ColumnText(1),
				Origin:  stmt.ColumnText(2),
				Name:    stmt.ColumnText(3),
				Created: time.Unix(0, stmt.ColumnInt64(4)),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// RecordCopyUp logs one completed copy-up with its content hash.
func (s *Store) RecordCopyUp(ctx context.Context, mount, path, hash string, size int64, created time.Time) error {
	return s.execute(ctx,
		`INSERT INTO copyups (mount, path, hash, bytes, created) VALUES (?, ?, ?, ?, ?)`,
		[]any{mount, path, hash, size, created.UnixNano()}, nil)
}

// CountCopyUps returns how many copy-ups have been recorded for mount.
func (s *Store) CountCopyUps(ctx context.Context, mount string) (int64, error) {
	var count int64
	err := s.execute(ctx,
		`SELECT COUNT(*) FROM copyups WHERE mount = ?`, []any{mount},
		func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		})
	if err != nil {
		return 0, err
	}
	return count, nil
}
