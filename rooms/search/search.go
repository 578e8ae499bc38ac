// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/bm25"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

// PDUSource resolves a timeline position to its event. Returns
// (nil, nil) when the position holds nothing. The timeline service
// is bound here after construction; see [Service.BindPDUSource].
type PDUSource interface {
	PDUAt(ctx context.Context, room ref.RoomID, position pdu.Count) (*pdu.PDU, error)
}

// Service is the message body index. Safe for concurrent use.
type Service struct {
	short    *short.Service
	postings *db.Map // short room id ++ token ++ 0x00 ++ position → empty
	source   PDUSource
}

// NewService wires the index map. BindPDUSource must be called
// before Search.
func NewService(database *db.Database, shortService *short.Service) *Service {
	return &Service{
		short:    shortService,
		postings: database.Map("tokenids", db.CompressionNone),
	}
}

// BindPDUSource injects the position-to-event resolver. Separate
// from construction because the timeline service is built after the
// index it writes into.
func (s *Service) BindPDUSource(source PDUSource) { s.source = source }

// postingKey is shortroomid ++ token ++ 0x00 ++ position. Tokens are
// lower-case alphanumeric runs, so the zero byte cannot appear in
// one and the key parses unambiguously.
func postingKey(shortRoomID uint64, token string, position pdu.Count) []byte {
	key := short.EncodeUint64(shortRoomID)
	key = append(key, token...)
	key = append(key, 0x00)
	return append(key, position.Encode()...)
}

// IndexPDU adds the message body at the given position to the index.
func (s *Service) IndexPDU(ctx context.Context, room ref.RoomID, position pdu.Count, body string) error {
	tokens := bm25.Tokenize(body)
	if len(tokens) == 0 {
		return nil
	}
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true
		if err := s.postings.Put(ctx, postingKey(shortRoomID, token, position), nil); err != nil {
			return err
		}
	}
	return nil
}

// DeindexPDU removes the body's postings, given the same body text
// that was indexed. Called when a message is redacted.
func (s *Service) DeindexPDU(ctx context.Context, room ref.RoomID, position pdu.Count, body string) error {
	tokens := bm25.Tokenize(body)
	if len(tokens) == 0 {
		return nil
	}
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return err
	}
	seen := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true
		if err := s.postings.Delete(ctx, postingKey(shortRoomID, token, position)); err != nil {
			return err
		}
	}
	return nil
}

// Result is one ranked search hit.
type Result struct {
	Position pdu.Count
	EventID  ref.EventID
	Score    float64
}

// candidates returns the positions indexed under every one of the
// query tokens. The first token's posting list is scanned; the rest
// are point lookups against it.
func (s *Service) candidates(ctx context.Context, shortRoomID uint64, tokens []string) ([]pdu.Count, error) {
	prefix := append(short.EncodeUint64(shortRoomID), tokens[0]...)
	prefix = append(prefix, 0x00)

	var positions []pdu.Count
	err := s.postings.Scan(ctx, db.ScanOptions{Prefix: prefix}, func(key, value []byte) (bool, error) {
		position, err := pdu.DecodeCount(key[len(prefix):])
		if err != nil {
			return false, fmt.Errorf("%w: search posting key: %v", db.ErrBadDatabase, err)
		}
		positions = append(positions, position)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	matched := positions[:0]
	for _, position := range positions {
		all := true
		for _, token := range tokens[1:] {
			_, found, err := s.postings.Get(ctx, postingKey(shortRoomID, token, position))
			if err != nil {
				return nil, err
			}
			if !found {
				all = false
				break
			}
		}
		if all {
			matched = append(matched, position)
		}
	}
	return matched, nil
}

// Search returns the room's messages containing every query token,
// best match first.
func (s *Service) Search(ctx context.Context, room ref.RoomID, query string, limit int) ([]Result, error) {
	tokens := bm25.Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return nil, err
	}
	positions, err := s.candidates(ctx, shortRoomID, tokens)
	if err != nil || len(positions) == 0 {
		return nil, err
	}

	documents := make([]bm25.Document, 0, len(positions))
	byID := make(map[string]Result, len(positions))
	for _, position := range positions {
		event, err := s.source.PDUAt(ctx, room, position)
		if err != nil {
			return nil, err
		}
		if event == nil {
			// The posting outlived its event; stale but harmless.
			continue
		}
		body, ok := event.Body()
		if !ok {
			continue
		}
		id := position.String()
		documents = append(documents, bm25.Document{ID: id, Body: body})
		byID[id] = Result{Position: position, EventID: event.EventID}
	}

	ranked := bm25.New(documents).Search(query, limit)
	results := make([]Result, 0, len(ranked))
	for _, hit := range ranked {
		result := byID[hit.ID]
		result.Score = hit.Score
		results = append(results, result)
	}
	return results, nil
}
