// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline owns the event store and the append pipeline:
// every event that enters a room — composed locally, received over
// federation, or fetched as history — passes through here exactly
// once.
//
// Events live under position keys (short room ID plus a [pdu.Count])
// so a room's timeline is one ordered key range. Live events take
// ascending positions; backfilled history takes descending ones that
// sort before every live event. The event-ID index resolves IDs to
// positions, with a side store for outliers (events known but not
// yet placed in any timeline).
//
// Appending is a transaction in three phases under the room's gates:
// graph bookkeeping (referenced marks, forward extremities), the
// insert itself under the insert gate, and side-effect fan-out
// (push, counters, search, relations, application services,
// federation). Side effects run after the insert; a crash between
// the two loses fan-out, never the event.
package timeline
