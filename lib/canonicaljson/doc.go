// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonicaljson produces the Matrix canonical JSON form:
// object keys sorted lexicographically by code point, no insignificant
// whitespace, integers only (within the ±2^53−1 safe range, floats
// rejected), UTF-8 output with minimal escaping.
//
// Event identity depends on this encoding. The reference hash that
// becomes an event ID is computed over canonical bytes, and signatures
// are made and verified over canonical bytes, so the same logical
// event must always produce identical bytes here — the same property
// lib/codec provides for the CBOR side of the storage boundary.
//
// [Marshal] encodes any Go value (structs, maps, values implementing
// encoding.TextMarshaler) into canonical form. [FromJSON] parses JSON
// text into a map[string]any whose numbers are json.Number, the
// mutable object form the append pipeline edits (dropping event_id,
// inserting origin) before re-canonicalizing.
package canonicaljson
