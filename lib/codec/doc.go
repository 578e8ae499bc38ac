// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the homeserver's standard CBOR configuration.
//
// The storage boundary uses two serialization formats:
//
//   - Canonical JSON for everything with protocol-defined identity:
//     PDU bodies, signatures, the federation wire format
//     (lib/canonicaljson).
//   - CBOR for internal records the protocol never sees: membership
//     cache entries, invite-state snapshots, thread participant lists,
//     and outbound queue entries.
//
// This package provides the shared CBOR encoding and decoding modes so
// every internal record encodes identically. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Types implementing
// encoding.TextMarshaler (the lib/ref identifier types) serialize as
// CBOR text strings, so a stored membership record reads back with its
// identifiers validated by the same parsers that guard the API
// boundary.
//
// Struct tag rule: internal record types carry `cbor` tags only.
// Types that also cross the JSON boundary carry `json` tags, which
// fxamacker/cbor reads as a fallback — never both on one field.
package codec
