// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package alias maintains the local room alias table: the mapping
// from human-readable aliases like "#admins:bureau.local" to opaque
// room IDs.
//
// The table is consulted on three paths: resolving an alias to a
// room, enumerating a room's aliases (whose servers are backfill
// candidates), and finding the administrative control room by its
// well-known alias.
package alias
