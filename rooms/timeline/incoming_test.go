// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/homeserver/lib/canonicaljson"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/signing"
)

var remote = ref.MustParseServerName("remote.example.net")

func remoteKey(t *testing.T) *signing.Key {
	t.Helper()
	key, err := signing.GenerateKey(remote, "r1")
	if err != nil {
		t.Fatalf("signing.GenerateKey: %v", err)
	}
	return key
}

// keysFor is the key directory a cooperative origin would publish.
func keysFor(key *signing.Key) map[string]ed25519.PublicKey {
	if key == nil {
		return nil
	}
	return map[string]ed25519.PublicKey{key.Label(): key.PublicKey()}
}

// signedRemoteEvent builds a version 11 wire event signed by the
// remote server.
func signedRemoteEvent(t *testing.T, key *signing.Key, body string) json.RawMessage {
	t.Helper()
	object := map[string]any{
		"room_id":          room.String(),
		"sender":           "@carol:" + key.ServerName().String(),
		"type":             "m.room.message",
		"content":          map[string]any{"msgtype": "m.text", "body": body},
		"origin":           key.ServerName().String(),
		"origin_server_ts": int64(1690000000000),
		"prev_events":      []any{},
		"auth_events":      []any{},
		"depth":            int64(1),
	}
	if _, err := pdu.HashAndSign(object, key, "11"); err != nil {
		t.Fatalf("HashAndSign: %v", err)
	}
	raw, err := pdu.WireJSON(object, "11")
	if err != nil {
		t.Fatalf("WireJSON: %v", err)
	}
	return raw
}

func countEvents(t *testing.T, f *fixture) int {
	t.Helper()
	count := 0
	err := f.service.AllPDUs(context.Background(), room, func(TimelineEntry) (bool, error) {
		count++
		return true, nil
	})
	if err != nil {
		t.Fatalf("AllPDUs: %v", err)
	}
	return count
}

func TestBackfillPDUStoresHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRoom(t, room)
	stored := countEvents(t, f)

	key := remoteKey(t)
	f.client.keys = keysFor(key)

	eventID, err := f.service.BackfillPDU(ctx, remote, signedRemoteEvent(t, key, "before our time"))
	if err != nil {
		t.Fatalf("BackfillPDU: %v", err)
	}

	// History sorts before everything the room already had.
	first, err := f.service.FirstPDUInRoom(ctx, room)
	if err != nil {
		t.Fatalf("FirstPDUInRoom: %v", err)
	}
	if first == nil || first.PDU.EventID != eventID {
		t.Fatalf("first = %+v, want the backfilled event", first)
	}
	if body, ok := first.PDU.Body(); !ok || body != "before our time" {
		t.Errorf("body = %q, %v", body, ok)
	}
	if countEvents(t, f) != stored+1 {
		t.Errorf("event count = %d, want %d", countEvents(t, f), stored+1)
	}

	// Replaying the same event changes nothing.
	again, err := f.service.BackfillPDU(ctx, remote, signedRemoteEvent(t, key, "before our time"))
	if err != nil {
		t.Fatalf("BackfillPDU (replay): %v", err)
	}
	if again != eventID || countEvents(t, f) != stored+1 {
		t.Errorf("replay stored a duplicate: %s, %d events", again, countEvents(t, f))
	}
}

func TestBackfillPDURejectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRoom(t, room)

	key := remoteKey(t)
	f.client.keys = keysFor(key)

	raw := signedRemoteEvent(t, key, "genuine")
	object, err := canonicaljson.FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	object["sender"] = "@mallory:" + remote.String()
	tampered, err := canonicaljson.Marshal(object)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if _, err := f.service.BackfillPDU(ctx, remote, tampered); err == nil {
		t.Error("BackfillPDU accepted a tampered event")
	}
}

func TestBackfillPDURejectsUnknownKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRoom(t, room)

	key := remoteKey(t)
	// The origin does not resolve the key it claims to have signed
	// with.
	f.client.keys = keysFor(nil)

	if _, err := f.service.BackfillPDU(ctx, remote, signedRemoteEvent(t, key, "unverifiable")); err == nil {
		t.Error("BackfillPDU accepted an event with no resolvable key")
	}
}

func TestBackfillIfRequired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRoom(t, room)

	key := remoteKey(t)
	f.client.keys = keysFor(key)
	f.client.raws = []json.RawMessage{signedRemoteEvent(t, key, "fetched history")}

	first, err := f.service.FirstPDUInRoom(ctx, room)
	if err != nil {
		t.Fatalf("FirstPDUInRoom: %v", err)
	}

	// Paginating to the oldest stored event triggers a fetch from the
	// trusted server.
	if err := f.service.BackfillIfRequired(ctx, room, first.Position); err != nil {
		t.Fatalf("BackfillIfRequired: %v", err)
	}
	if f.client.backfills != 1 {
		t.Fatalf("backfill requests = %d, want 1", f.client.backfills)
	}
	fetched, err := f.service.FirstPDUInRoom(ctx, room)
	if err != nil {
		t.Fatalf("FirstPDUInRoom: %v", err)
	}
	if body, ok := fetched.PDU.Body(); !ok || body != "fetched history" {
		t.Errorf("first event body = %q, %v", body, ok)
	}

	// With the fetched history stored, the same pagination point no
	// longer asks anyone.
	if err := f.service.BackfillIfRequired(ctx, room, first.Position); err != nil {
		t.Fatalf("BackfillIfRequired (again): %v", err)
	}
	if f.client.backfills != 1 {
		t.Errorf("backfill requests = %d, want still 1", f.client.backfills)
	}
}

func TestBackfillRequestFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRoom(t, room)
	f.client.err = context.DeadlineExceeded

	first, err := f.service.FirstPDUInRoom(ctx, room)
	if err != nil {
		t.Fatalf("FirstPDUInRoom: %v", err)
	}
	if err := f.service.BackfillIfRequired(ctx, room, first.Position); err != nil {
		t.Errorf("BackfillIfRequired surfaced a fetch failure: %v", err)
	}
}

func TestAppendIncomingSoftFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRoom(t, room)
	stored := countEvents(t, f)

	leaves, err := f.state.ForwardExtremities(ctx, room)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}

	suspect := &pdu.PDU{
		EventID:    ref.MustParseEventID("$suspect"),
		RoomID:     room,
		Sender:     ref.MustParseUserID("@carol:remote.example.net"),
		Type:       ref.RoomMessage,
		Content:    json.RawMessage(`{"msgtype":"m.text","body":"dubious"}`),
		PrevEvents: leaves,
		Depth:      10,
	}

	guard := f.service.LockRoom(room)
	position, err := f.service.AppendIncoming(ctx, suspect, []byte(`{}`), []ref.EventID{suspect.EventID}, nil, true, guard)
	guard.Unlock()
	if err != nil {
		t.Fatalf("AppendIncoming: %v", err)
	}

	// The event joined the graph but not the timeline.
	if position != (pdu.Count{}) {
		t.Errorf("soft-failed event got position %s", position)
	}
	if countEvents(t, f) != stored {
		t.Errorf("soft-failed event was stored")
	}
	newLeaves, err := f.state.ForwardExtremities(ctx, room)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	if len(newLeaves) != 1 || newLeaves[0] != suspect.EventID {
		t.Errorf("extremities = %v, want [$suspect]", newLeaves)
	}
	referenced, err := f.relations.IsReferenced(ctx, room, leaves[0])
	if err != nil || !referenced {
		t.Errorf("parent not marked referenced: %v, %v", referenced, err)
	}
}
