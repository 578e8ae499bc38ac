// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/homeserver/lib/sqlitepool"
)

// ErrBadDatabase reports that stored bytes violate an invariant the
// writer is supposed to maintain (truncated keys, unknown
// compression tags, undersized records). It is never repaired in
// place; callers treat it as fatal for the operation and surface it.
var ErrBadDatabase = errors.New("db: bad database")

// schema is applied to every connection. WITHOUT ROWID stores rows
// in primary-key order, which is exactly the bytewise ordering the
// maps rely on.
const schema = `
CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID;
`

// Config holds the parameters for opening a database.
type Config struct {
	// Path is the filesystem path of the SQLite database file.
	Path string

	// PoolSize is the connection pool size. Zero means the pool's
	// default.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Database is the ordered key-value store backing the homeserver.
// Safe for concurrent use.
type Database struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at cfg.Path.
func Open(cfg Config) (*Database, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	return &Database{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.pool.Close()
}

// Map returns the named keyspace slice with the given value codec.
// Calling Map twice with the same name yields interchangeable
// handles; Map carries no per-handle state.
func (d *Database) Map(name string, codec Compression) *Map {
	prefix := make([]byte, 0, len(name)+1)
	prefix = append(prefix, name...)
	prefix = append(prefix, 0)
	return &Map{
		db:     d,
		name:   name,
		prefix: prefix,
		codec:  codec,
	}
}

// Map is a named, bytewise-ordered key-value map. All methods are
// safe for concurrent use.
type Map struct {
	db     *Database
	name   string
	prefix []byte
	codec  Compression
}

// Name returns the map's name.
func (m *Map) Name() string { return m.name }

// storedKey prepends the map prefix to key.
func (m *Map) storedKey(key []byte) []byte {
	full := make([]byte, 0, len(m.prefix)+len(key))
	full = append(full, m.prefix...)
	return append(full, key...)
}

// Get returns the value stored under key. found is false when the
// key is absent.
func (m *Map) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer m.db.pool.Put(conn)

	var stored []byte
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{m.storedKey(key)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored = columnBytes(stmt, 0)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("db: %s get: %w", m.name, err)
	}
	if !found {
		return nil, false, nil
	}

	value, err = decodeValue(stored)
	if err != nil {
		return nil, false, fmt.Errorf("db: %s get: %w", m.name, err)
	}
	return value, true, nil
}

// Put stores value under key, replacing any existing value.
func (m *Map) Put(ctx context.Context, key, value []byte) error {
	stored, err := encodeValue(value, m.codec)
	if err != nil {
		return fmt.Errorf("db: %s put: %w", m.name, err)
	}

	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		&sqlitex.ExecOptions{Args: []any{m.storedKey(key), stored}},
	)
	if err != nil {
		return fmt.Errorf("db: %s put: %w", m.name, err)
	}
	return nil
}

// PutIfAbsent stores value under key unless the key already exists.
// Returns the value now stored and whether this call inserted it.
// Keys written through PutIfAbsent are expected to be immutable
// (short-ID maps), so the read-back after a lost race is stable.
func (m *Map) PutIfAbsent(ctx context.Context, key, value []byte) (stored []byte, inserted bool, err error) {
	encoded, err := encodeValue(value, m.codec)
	if err != nil {
		return nil, false, fmt.Errorf("db: %s put-if-absent: %w", m.name, err)
	}

	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer m.db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{m.storedKey(key), encoded}},
	)
	if err != nil {
		return nil, false, fmt.Errorf("db: %s put-if-absent: %w", m.name, err)
	}
	if conn.Changes() == 1 {
		return value, true, nil
	}

	var raw []byte
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{m.storedKey(key)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw = columnBytes(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("db: %s put-if-absent: %w", m.name, err)
	}
	if raw == nil {
		return nil, false, fmt.Errorf("%w: %s put-if-absent found no row after conflict", ErrBadDatabase, m.name)
	}
	existing, err := decodeValue(raw)
	if err != nil {
		return nil, false, fmt.Errorf("db: %s put-if-absent: %w", m.name, err)
	}
	return existing, false, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map) Delete(ctx context.Context, key []byte) error {
	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.db.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{m.storedKey(key)},
	})
	if err != nil {
		return fmt.Errorf("db: %s delete: %w", m.name, err)
	}
	return nil
}

// DeletePrefix removes every key that starts with prefix.
func (m *Map) DeletePrefix(ctx context.Context, prefix []byte) error {
	lower := m.storedKey(prefix)
	upper := prefixEnd(lower)

	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.db.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM kv WHERE k >= ? AND k < ?", &sqlitex.ExecOptions{
		Args: []any{lower, upper},
	})
	if err != nil {
		return fmt.Errorf("db: %s delete prefix: %w", m.name, err)
	}
	return nil
}

// Increment atomically adds one to the counter stored under key and
// returns the new value. An absent counter starts at zero, so the
// first call returns 1. Counters are stored as SQLite integers; a
// key used with Increment must never be used with Put.
func (m *Map) Increment(ctx context.Context, key []byte) (uint64, error) {
	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer m.db.pool.Put(conn)

	var value int64
	var seen bool
	err = sqlitex.Execute(conn,
		"INSERT INTO kv (k, v) VALUES (?, 1) ON CONFLICT(k) DO UPDATE SET v = v + 1 RETURNING v",
		&sqlitex.ExecOptions{
			Args: []any{m.storedKey(key)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnInt64(0)
				seen = true
				return nil
			},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("db: %s increment: %w", m.name, err)
	}
	if !seen {
		return 0, fmt.Errorf("%w: %s increment returned no row", ErrBadDatabase, m.name)
	}
	return uint64(value), nil
}

// Counter returns the counter stored under key, or zero when absent.
func (m *Map) Counter(ctx context.Context, key []byte) (uint64, error) {
	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer m.db.pool.Put(conn)

	var value int64
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{m.storedKey(key)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("db: %s counter: %w", m.name, err)
	}
	return uint64(value), nil
}

// ResetCounter sets the counter under key back to zero by deleting
// it.
func (m *Map) ResetCounter(ctx context.Context, key []byte) error {
	return m.Delete(ctx, key)
}

// ScanOptions control a range scan over a map.
type ScanOptions struct {
	// Prefix restricts the scan to keys starting with these bytes.
	// Empty means the whole map.
	Prefix []byte

	// From is the exclusive starting key. Ascending scans visit
	// keys strictly greater; descending scans keys strictly
	// smaller. Nil starts at the boundary of Prefix.
	From []byte

	// Descending reverses the visit order.
	Descending bool
}

// errStopScan aborts the SQLite result loop when the callback asks
// to stop; it never escapes Scan.
var errStopScan = errors.New("db: stop scan")

// Scan visits keys in bytewise order, calling fn with the key (map
// prefix stripped) and decompressed value. fn returns false to stop
// early.
func (m *Map) Scan(ctx context.Context, opts ScanOptions, fn func(key, value []byte) (bool, error)) error {
	scanPrefix := m.storedKey(opts.Prefix)
	upperBound := prefixEnd(scanPrefix)

	var query string
	var args []any
	if opts.Descending {
		upper := upperBound
		if opts.From != nil {
			upper = m.storedKey(opts.From)
		}
		query = "SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k DESC"
		args = []any{scanPrefix, upper}
	} else {
		if opts.From != nil {
			query = "SELECT k, v FROM kv WHERE k > ? AND k < ? ORDER BY k ASC"
			args = []any{m.storedKey(opts.From), upperBound}
		} else {
			query = "SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k ASC"
			args = []any{scanPrefix, upperBound}
		}
	}

	conn, err := m.db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.db.pool.Put(conn)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			fullKey := columnBytes(stmt, 0)
			if len(fullKey) < len(m.prefix) {
				return fmt.Errorf("%w: %s scan: key shorter than map prefix", ErrBadDatabase, m.name)
			}
			value, err := decodeValue(columnBytes(stmt, 1))
			if err != nil {
				return err
			}
			keep, err := fn(fullKey[len(m.prefix):], value)
			if err != nil {
				return err
			}
			if !keep {
				return errStopScan
			}
			return nil
		},
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return fmt.Errorf("db: %s scan: %w", m.name, err)
	}
	return nil
}

// columnBytes copies the blob in the given result column. SQLite
// reuses its buffers between rows, so the copy is mandatory.
func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

// prefixEnd returns the smallest key greater than every key starting
// with prefix. Map prefixes always contain a zero byte, so a bounded
// result always exists here; the nil case is kept for safety.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
