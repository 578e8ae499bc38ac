// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bm25

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, World! x 42nd-street")
	want := []string{"hello", "world", "42nd", "street"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestTokenizeEmpty(t *testing.T) {
	if got := Tokenize("!!! ??? . a I"); len(got) != 0 {
		t.Errorf("Tokenize noise = %v, want empty", got)
	}
}

func TestSearchRanksExactBodyHigher(t *testing.T) {
	index := New([]Document{
		{ID: "1", Body: "deployment failed on the gpu box"},
		{ID: "2", Body: "lunch menu for tuesday"},
		{ID: "3", Body: "the deployment pipeline deployment retry"},
	})

	results := index.Search("deployment", 10)
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}
	if results[0].ID != "3" {
		t.Errorf("top result = %s, want 3 (highest term frequency)", results[0].ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v", results)
	}
}

func TestSearchLimit(t *testing.T) {
	index := New([]Document{
		{ID: "1", Body: "alpha beta"},
		{ID: "2", Body: "alpha gamma"},
		{ID: "3", Body: "alpha delta"},
	})
	if got := index.Search("alpha", 2); len(got) != 2 {
		t.Errorf("Search limit 2 returned %d results", len(got))
	}
}

func TestSearchNoTokens(t *testing.T) {
	index := New([]Document{{ID: "1", Body: "anything"}})
	if got := index.Search("???", 10); got != nil {
		t.Errorf("Search with no tokens = %v, want nil", got)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	index := New(nil)
	if got := index.Search("query", 10); len(got) != 0 {
		t.Errorf("Search on empty index = %v", got)
	}
}
