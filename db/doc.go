// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package db provides ordered key-value storage on SQLite.
//
// All homeserver state lives in a single SQLite table of
// (key BLOB PRIMARY KEY, value BLOB) pairs. A [Map] is a named slice
// of that keyspace: its name plus a zero byte is prepended to every
// key, so keys within one map sort bytewise exactly as the caller
// wrote them. Timeline and short-ID ordering depend on this — see
// [Map.Scan].
//
// Values carry a one-byte compression tag ([CompressionNone],
// [CompressionLZ4], [CompressionZstd]). Each map declares its
// preferred codec at construction; reads dispatch on the stored tag,
// so the preference can change without migration. Incompressible
// values fall back to the none tag automatically.
//
// Counters ([Map.Increment]) are stored as SQLite integers and
// updated in a single upsert statement, which makes allocation atomic
// under SQLite's writer serialization without an explicit
// transaction.
package db
