// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package search maintains the per-room message body index and
// answers body-text queries.
//
// The index is a set of KV postings: one key per (token, position)
// pair, written when a message lands in the timeline and removed
// when it is redacted. A query intersects the posting lists of its
// tokens to get candidate positions, fetches the candidate bodies,
// and ranks them with Okapi BM25 ([lib/bm25]). Tokenization is
// shared with the ranker; the two must never diverge or indexed
// messages become unfindable.
package search
