// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

// fakeSource serves test events by position.
type fakeSource struct {
	pdus map[string]*pdu.PDU
}

func (f *fakeSource) PDUAt(ctx context.Context, room ref.RoomID, position pdu.Count) (*pdu.PDU, error) {
	return f.pdus[position.String()], nil
}

func newTestService(t *testing.T) (*Service, *fakeSource) {
	t.Helper()
	database, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	source := &fakeSource{pdus: make(map[string]*pdu.PDU)}
	service := NewService(database, short.NewService(database))
	service.BindPDUSource(source)
	return service, source
}

func index(t *testing.T, service *Service, source *fakeSource, room ref.RoomID, position pdu.Count, body string) {
	t.Helper()
	content, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	if err != nil {
		t.Fatal(err)
	}
	source.pdus[position.String()] = &pdu.PDU{
		EventID: ref.MustParseEventID(fmt.Sprintf("$event_%s", position)),
		RoomID:  room,
		Type:    "m.room.message",
		Content: content,
	}
	if err := service.IndexPDU(context.Background(), room, position, body); err != nil {
		t.Fatalf("IndexPDU(%s): %v", position, err)
	}
}

func TestSearchRanksMatches(t *testing.T) {
	service, source := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")

	index(t, service, source, room, pdu.Normal(1), "deploy failed on the staging cluster")
	index(t, service, source, room, pdu.Normal(2), "deploy deploy deploy, always be deploying")
	index(t, service, source, room, pdu.Normal(3), "lunch plans for friday")

	results, err := service.Search(ctx, room, "deploy", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search = %v, want 2 hits", results)
	}
	for _, result := range results {
		if result.Position == (pdu.Normal(3)) {
			t.Errorf("unrelated message matched: %v", results)
		}
		if result.Score <= 0 {
			t.Errorf("hit %s has score %v", result.EventID, result.Score)
		}
	}
}

func TestSearchRequiresAllTokens(t *testing.T) {
	service, source := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")

	index(t, service, source, room, pdu.Normal(1), "the staging deploy broke")
	index(t, service, source, room, pdu.Normal(2), "the production deploy went fine")

	results, err := service.Search(ctx, room, "staging deploy", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Position != pdu.Normal(1) {
		t.Errorf("Search = %v, want only the staging message", results)
	}
}

func TestSearchScopedToRoom(t *testing.T) {
	service, source := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")
	other := ref.MustParseRoomID("!other:example.org")

	index(t, service, source, room, pdu.Normal(1), "secret plans")

	results, err := service.Search(ctx, other, "secret", 10)
	if err != nil || results != nil {
		t.Errorf("Search(other room) = %v, %v", results, err)
	}
}

func TestDeindexRemovesMessage(t *testing.T) {
	service, source := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")
	body := "message to be redacted"

	index(t, service, source, room, pdu.Normal(1), body)
	if err := service.DeindexPDU(ctx, room, pdu.Normal(1), body); err != nil {
		t.Fatalf("DeindexPDU: %v", err)
	}
	results, err := service.Search(ctx, room, "redacted", 10)
	if err != nil || len(results) != 0 {
		t.Errorf("Search after deindex = %v, %v", results, err)
	}
}

func TestSearchBackfilledPositions(t *testing.T) {
	service, source := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")

	index(t, service, source, room, pdu.Backfilled(4), "ancient history lesson")
	results, err := service.Search(ctx, room, "history", 10)
	if err != nil || len(results) != 1 || results[0].Position != pdu.Backfilled(4) {
		t.Fatalf("Search(backfilled) = %v, %v", results, err)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	service, _ := newTestService(t)
	results, err := service.Search(context.Background(), ref.MustParseRoomID("!abc:example.org"), "  ", 10)
	if err != nil || results != nil {
		t.Errorf("Search(empty query) = %v, %v", results, err)
	}
}
