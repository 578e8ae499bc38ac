// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutexmap

import "sync"

// Map is a set of mutexes addressed by key. The zero value is not
// usable; construct with New.
//
// Map is safe for concurrent use. Locking a key blocks until any
// other holder of the same key releases; different keys never block
// each other.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	lock sync.Mutex
	// refs counts the current holder plus all waiters. Guarded by the
	// owning Map's mu, not by lock.
	refs int
}

// Guard represents a held lock on one key. Release it with Unlock.
type Guard[K comparable] struct {
	owner    *Map[K]
	key      K
	entry    *entry
	released bool
}

// New creates an empty keyed mutex map.
func New[K comparable]() *Map[K] {
	return &Map[K]{entries: make(map[K]*entry)}
}

// Lock acquires the mutex for key, blocking while another goroutine
// holds it. The returned Guard must be released with Unlock; callers
// typically defer it:
//
//	guard := gate.Lock(roomID)
//	defer guard.Unlock()
func (m *Map[K]) Lock(key K) *Guard[K] {
	m.mu.Lock()
	e := m.entries[key]
	if e == nil {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.lock.Lock()
	return &Guard[K]{owner: m, key: key, entry: e}
}

// Len returns the number of keys currently locked or contended.
// Used for operational introspection (admin stats).
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Unlock releases the guard. The entry is removed from the map when
// no other goroutine holds or waits on the key. Unlocking twice
// panics.
func (g *Guard[K]) Unlock() {
	if g.released {
		panic("mutexmap: Unlock of released Guard")
	}
	g.released = true

	g.entry.lock.Unlock()

	m := g.owner
	m.mu.Lock()
	g.entry.refs--
	if g.entry.refs == 0 {
		delete(m.entries, g.key)
	}
	m.mu.Unlock()
}

// Key returns the key this guard holds. Services that require proof
// of exclusive access take a *Guard parameter and verify the key
// matches the room they are mutating.
func (g *Guard[K]) Key() K { return g.key }
