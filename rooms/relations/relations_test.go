// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewService(database, short.NewService(database))
}

func TestReferencedMarks(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")
	first := ref.MustParseEventID("$first")
	second := ref.MustParseEventID("$second")
	unseen := ref.MustParseEventID("$unseen")

	if referenced, err := service.IsReferenced(ctx, room, first); err != nil || referenced {
		t.Fatalf("IsReferenced before mark = %v, %v", referenced, err)
	}
	if err := service.MarkReferenced(ctx, room, []ref.EventID{first, second}); err != nil {
		t.Fatalf("MarkReferenced: %v", err)
	}
	for _, event := range []ref.EventID{first, second} {
		referenced, err := service.IsReferenced(ctx, room, event)
		if err != nil || !referenced {
			t.Errorf("IsReferenced(%s) = %v, %v", event, referenced, err)
		}
	}
	if referenced, err := service.IsReferenced(ctx, room, unseen); err != nil || referenced {
		t.Errorf("IsReferenced(unseen) = %v, %v", referenced, err)
	}

	// Marks are scoped to the room.
	other := ref.MustParseRoomID("!other:example.org")
	if referenced, err := service.IsReferenced(ctx, other, first); err != nil || referenced {
		t.Errorf("IsReferenced in other room = %v, %v", referenced, err)
	}
}

func TestRelationEdges(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")
	target := pdu.Normal(5)

	// Children arrive out of timeline order: a backfilled annotation
	// is older than both live ones.
	children := []struct {
		position pdu.Count
		event    ref.EventID
	}{
		{pdu.Normal(9), ref.MustParseEventID("$reply2")},
		{pdu.Backfilled(3), ref.MustParseEventID("$old_reply")},
		{pdu.Normal(7), ref.MustParseEventID("$reply1")},
	}
	for _, child := range children {
		if err := service.AddRelation(ctx, room, target, child.position, child.event); err != nil {
			t.Fatalf("AddRelation(%s): %v", child.event, err)
		}
	}
	// A relation on a different target stays out of the result.
	if err := service.AddRelation(ctx, room, pdu.Normal(6), pdu.Normal(8), ref.MustParseEventID("$elsewhere")); err != nil {
		t.Fatal(err)
	}

	got, err := service.RelationsFor(ctx, room, target)
	if err != nil {
		t.Fatalf("RelationsFor: %v", err)
	}
	want := []string{"$old_reply", "$reply1", "$reply2"}
	if len(got) != len(want) {
		t.Fatalf("RelationsFor = %v, want %d children", got, len(want))
	}
	for i, child := range got {
		if child.EventID.String() != want[i] {
			t.Errorf("RelationsFor[%d] = %s, want %s", i, child.EventID, want[i])
		}
	}

	if got, err := service.RelationsFor(ctx, room, pdu.Normal(999)); err != nil || got != nil {
		t.Errorf("RelationsFor(no children) = %v, %v", got, err)
	}
}

func TestRelationsForBackfilledTarget(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")
	target := pdu.Backfilled(2)

	if err := service.AddRelation(ctx, room, target, pdu.Normal(4), ref.MustParseEventID("$reply")); err != nil {
		t.Fatal(err)
	}
	got, err := service.RelationsFor(ctx, room, target)
	if err != nil || len(got) != 1 || got[0].EventID.String() != "$reply" {
		t.Fatalf("RelationsFor(backfilled target) = %v, %v", got, err)
	}
}

func TestThreadParticipants(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	root := ref.MustParseEventID("$thread_root")
	alice := ref.MustParseUserID("@alice:example.org")
	bob := ref.MustParseUserID("@bob:example.org")

	if participants, err := service.ThreadParticipants(ctx, root); err != nil || participants != nil {
		t.Fatalf("ThreadParticipants before any post = %v, %v", participants, err)
	}

	for _, user := range []ref.UserID{alice, bob, alice} {
		if err := service.AddThreadParticipant(ctx, root, user); err != nil {
			t.Fatalf("AddThreadParticipant(%s): %v", user, err)
		}
	}

	participants, err := service.ThreadParticipants(ctx, root)
	if err != nil {
		t.Fatalf("ThreadParticipants: %v", err)
	}
	if len(participants) != 2 || participants[0] != alice || participants[1] != bob {
		t.Errorf("ThreadParticipants = %v, want [alice bob]", participants)
	}
}
