// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for the homeserver: user IDs, room IDs, room aliases, event IDs, and
// server names.
//
// Unlike a client, a homeserver both parses identifiers arriving over
// federation and the client API and mints new ones: room IDs at room
// creation, event IDs from reference hashes at signing time. Both
// directions go through this package so that the rest of the codebase
// never handles identifier strings directly.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable — accessor methods
// (Localpart, Server) return pre-computed substrings at zero parsing
// cost on the hot append path.
//
// The canonical serialization form is the full Matrix identifier:
//   - UserID: @localpart:server
//   - RoomID: !opaque:server
//   - RoomAlias: #localpart:server
//   - EventID: $referencehash (room version 4+; no server suffix)
//
// JSON marshaling uses the canonical form via encoding.TextMarshaler,
// which also makes these types serialize as text strings under the
// deterministic CBOR configuration in lib/codec.
package ref
