// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package state tracks what each room currently looks like: the
// forward extremities (the events nothing points at yet), the
// current state snapshot pointer, and the per-event snapshots that
// record what the room state was when each event was appended.
//
// Snapshots are sets of (short state key, short event ID) pairs
// stored once per distinct fingerprint; AppendToState produces the
// successor snapshot of the current one by replacing a single pair.
// All snapshot and extremity writes require the caller to hold the
// room's state gate and pass the [Guard] as proof; the service
// checks the guard's key against the room being mutated.
//
// The service reads event content (create events for the room
// version, power-level events, membership) through an injected
// [PDUFetcher] rather than owning event storage; the timeline
// service binds itself as the fetcher at wiring time.
package state
