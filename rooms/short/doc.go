// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package short compresses the identifiers that appear in nearly
// every storage key. Room IDs, event IDs, state hashes, and
// (type, state key) pairs are each mapped to a uint64 allocated from
// the global counter; the 8-byte big-endian form of that number is
// what timeline and state keys are built from.
//
// Allocations are permanent: a short ID, once handed out, always
// refers to the same identifier. GetOrCreate operations are safe
// under concurrent allocation — the short ID is claimed with an
// insert-if-absent, and the loser of a race adopts the winner's
// value (the counter gap is harmless, only monotonicity matters).
//
// A state-set fingerprint ([Fingerprint]) is the keyed BLAKE3 hash
// of a sorted set of short event IDs. Two snapshots with the same
// active state events fingerprint identically, which is what lets
// state snapshots deduplicate to a single short state hash.
package short
