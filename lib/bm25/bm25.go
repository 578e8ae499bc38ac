// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bm25

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// BM25 parameters (Okapi variant, standard values).
const (
	paramK1      = 1.2
	paramB       = 0.75
	paramEpsilon = 0.25
)

// tokenPattern splits text into alphanumeric runs.
var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Document is one candidate message body. ID is the caller's handle
// (the event's position token) and is not scored.
type Document struct {
	ID   string
	Body string
}

// Result is a single search hit with its relevance score.
type Result struct {
	// ID is the document ID as provided at construction.
	ID string

	// Score is the relevance score. Higher is more relevant. BM25
	// scores are corpus-relative and unbounded.
	Score float64
}

// Index is a BM25 (Okapi) index over candidate documents. Built at
// construction, immutable thereafter, safe for concurrent reads.
type Index struct {
	documents []Document

	// termFrequencies[i][term] is the term frequency in document i.
	termFrequencies []map[string]int

	// lengths[i] is the token count of document i.
	lengths []int

	// averageLength is the mean of lengths.
	averageLength float64

	// idf[term] is the precomputed inverse document frequency for
	// each term in the corpus.
	idf map[string]float64
}

// New builds a BM25 index from the candidate documents. Construction
// is O(total tokens); for a backfill-sized candidate set this is
// well under a millisecond.
func New(documents []Document) *Index {
	index := &Index{
		documents:       documents,
		termFrequencies: make([]map[string]int, len(documents)),
		lengths:         make([]int, len(documents)),
		idf:             make(map[string]float64),
	}

	// How many documents contain each term (for IDF).
	documentFrequency := make(map[string]int)

	var totalLength int
	for i, document := range documents {
		tokens := Tokenize(document.Body)
		index.lengths[i] = len(tokens)
		totalLength += len(tokens)

		frequency := make(map[string]int, len(tokens))
		for _, token := range tokens {
			if frequency[token] == 0 {
				documentFrequency[token]++
			}
			frequency[token]++
		}
		index.termFrequencies[i] = frequency
	}

	if len(documents) > 0 {
		index.averageLength = float64(totalLength) / float64(len(documents))
	}

	// Terms appearing in every candidate get a small positive score
	// (epsilon) rather than zero so they still break ties.
	documentCount := float64(len(documents))
	for term, frequency := range documentFrequency {
		idf := math.Log(1 + (documentCount-float64(frequency)+0.5)/(float64(frequency)+0.5))
		if idf < 0 {
			idf = paramEpsilon
		}
		index.idf[term] = idf
	}

	return index
}

// Search returns up to limit documents ranked by BM25 relevance to
// the query. Returns an empty slice if the query produces no tokens
// or matches no documents.
func (index *Index) Search(query string, limit int) []Result {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	type scored struct {
		index int
		score float64
	}
	var hits []scored

	for i := range index.documents {
		score := index.score(i, queryTokens)
		if score > 0 {
			hits = append(hits, scored{index: i, score: score})
		}
	}

	sort.Slice(hits, func(a, b int) bool {
		return hits[a].score > hits[b].score
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	results := make([]Result, len(hits))
	for i, hit := range hits {
		results[i] = Result{
			ID:    index.documents[hit.index].ID,
			Score: hit.score,
		}
	}
	return results
}

// score computes the BM25 score for one document against the query
// tokens.
func (index *Index) score(documentIndex int, queryTokens []string) float64 {
	termFrequency := index.termFrequencies[documentIndex]
	documentLength := float64(index.lengths[documentIndex])

	var score float64
	for _, token := range queryTokens {
		idf, exists := index.idf[token]
		if !exists {
			continue
		}

		frequency := float64(termFrequency[token])
		if frequency == 0 {
			continue
		}

		// BM25 term score: IDF * (tf * (k1 + 1)) / (tf + k1 * (1 - b + b * dl/avgdl))
		numerator := frequency * (paramK1 + 1)
		denominator := frequency + paramK1*(1-paramB+paramB*documentLength/index.averageLength)
		score += idf * numerator / denominator
	}

	return score
}

// Tokenize splits text into lowercase alphanumeric tokens, discarding
// tokens shorter than 2 characters ("a", "I", and similar noise).
// Both the posting-list writer and the ranker use this function; they
// must never diverge.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	matches := tokenPattern.FindAllString(lower, -1)

	tokens := matches[:0]
	for _, match := range matches {
		if len(match) >= 2 {
			tokens = append(tokens, match)
		}
	}
	return tokens
}
