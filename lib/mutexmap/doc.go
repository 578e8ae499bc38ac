// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mutexmap provides a keyed mutex: one exclusive lock per key,
// with unrelated keys proceeding independently.
//
// The timeline holds three independent instances keyed by room ID: the
// state gate (serializing authorize → state transition → append →
// state pointer update), the insert gate (serializing position
// allocation and the PDU write), and the federation gate (preventing
// duplicate concurrent backfill of one room). Keeping them as separate
// Map values rather than one map with composite keys makes the lock
// domains visible in the type of each service.
//
// Lock entries are reference counted and removed on last release, so
// the map does not grow with the number of keys ever seen — only with
// the number of keys currently locked or contended. There is no global
// lock held while waiting: the map-level mutex covers only entry
// lookup and refcount updates.
//
// Guards must be released exactly once. A second Unlock panics, the
// same contract as sync.Mutex.
package mutexmap
