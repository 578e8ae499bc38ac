// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bm25 provides relevance ranking for message search using
// the Okapi BM25 algorithm.
//
// The room search service keeps its posting lists in the key-value
// store (rooms/search); candidate events matching every query token
// are fetched there, then ranked here. [Tokenize] is shared between
// the two stages — the posting-list writer and the ranker must agree
// on token boundaries or indexed messages become unfindable.
//
// The index is built per query over the candidate set (tens to a few
// hundred message bodies) and discarded; at that scale construction
// cost is negligible and keeping no resident index means redaction
// never has to invalidate ranking state.
package bm25
