// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the homeserver's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, FULL synchronous (the event store is the source of
// truth — an acknowledged append must survive power loss, not just a
// process crash), memory-mapped I/O for read performance, and a busy
// timeout to absorb write contention.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for
// the duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: concurrent readers and a single writer. Sync
//     long-polls read the timeline while the append pipeline writes.
//   - synchronous=FULL: an fsync per commit. Timeline appends are
//     acknowledged to clients and federated out; replaying them after
//     power loss is not possible, so the commit must be durable.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock
//     instead of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the key-value layer manages referential
//     integrity explicitly; there are no SQL-level relations.
//   - cache_size=-16384: 16 MB page cache per connection. Timeline
//     reads are key-ordered scans that reuse hot pages heavily.
//   - mmap_size=268435456: 256 MB memory-mapped reads.
//   - temp_store=MEMORY: temporary indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     "/var/homeserver/homeserver.db",
//	    PoolSize: 8,
//	    Logger:   logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. The ordered-map
// abstraction the room services use lives in the db package; there is
// no query builder and no attempt to hide SQLite's connection model.
package sqlitepool
