// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statecache maintains the membership cache: a denormalized
// view of who is in each room, kept in step with the state snapshots
// by the timeline's membership side effect.
//
// The cache answers the hot questions the append path asks for every
// event — which local users need push evaluation, which servers need
// the event federated, whether an application service observes the
// room — without walking state snapshots. It is a cache in the sense
// that it is derived data: the state events remain the truth, and
// the cache is rewritten whenever a membership event lands.
package statecache
