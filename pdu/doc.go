// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdu defines the persisted data unit: the signed, immutable
// event that rooms are made of.
//
// A [PDU] is created through a [Builder] (type, content, optional
// state key), completed by the timeline service (prev events, depth,
// auth events), and then frozen by [HashAndSign]: after the content
// hash and signature are in place, the event ID is the reference
// hash of the signed canonical JSON and every field is fixed. The
// one permitted mutation is [PDU.Redact], which strips content down
// to the room-version keep-list while preserving the event ID and
// its position.
//
// [Count] is the timeline position type. Positions are never raw
// integers: live events take Normal positions in allocation order,
// while backfilled history takes Backfilled positions that sort
// before every Normal position (and among themselves in reverse
// allocation order, since backfill walks history backwards). The key
// encoding preserves this ordering bytewise so range scans over the
// store see events in timeline order.
package pdu
