// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package user

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

func TestNotificationCounts(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")
	alice := ref.MustParseUserID("@alice:example.org")
	bob := ref.MustParseUserID("@bob:example.org")

	if count, err := service.NotificationCount(ctx, room, alice); err != nil || count != 0 {
		t.Fatalf("NotificationCount before any = %d, %v", count, err)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := service.IncrementNotificationCount(ctx, room, alice)
		if err != nil || got != want {
			t.Fatalf("IncrementNotificationCount = %d, %v, want %d", got, err, want)
		}
	}
	if _, err := service.IncrementHighlightCount(ctx, room, alice); err != nil {
		t.Fatal(err)
	}

	// Counts are per user.
	if count, err := service.NotificationCount(ctx, room, bob); err != nil || count != 0 {
		t.Errorf("NotificationCount(bob) = %d, %v", count, err)
	}

	if err := service.ResetCounts(ctx, room, alice); err != nil {
		t.Fatalf("ResetCounts: %v", err)
	}
	if count, err := service.NotificationCount(ctx, room, alice); err != nil || count != 0 {
		t.Errorf("NotificationCount after reset = %d, %v", count, err)
	}
	if count, err := service.HighlightCount(ctx, room, alice); err != nil || count != 0 {
		t.Errorf("HighlightCount after reset = %d, %v", count, err)
	}

	// Counting resumes from zero.
	if got, err := service.IncrementNotificationCount(ctx, room, alice); err != nil || got != 1 {
		t.Errorf("IncrementNotificationCount after reset = %d, %v", got, err)
	}
}

func TestResetCountsUnknownRoom(t *testing.T) {
	service := newTestService(t)
	room := ref.MustParseRoomID("!unknown:example.org")
	alice := ref.MustParseUserID("@alice:example.org")
	if err := service.ResetCounts(context.Background(), room, alice); err != nil {
		t.Errorf("ResetCounts(unknown room) = %v", err)
	}
}

func TestPrivateReadMarker(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	room := ref.MustParseRoomID("!abc:example.org")
	alice := ref.MustParseUserID("@alice:example.org")

	if _, found, err := service.PrivateReadMarker(ctx, room, alice); err != nil || found {
		t.Fatalf("PrivateReadMarker before set = found %v, err %v", found, err)
	}

	if err := service.SetPrivateReadMarker(ctx, room, alice, pdu.Normal(5)); err != nil {
		t.Fatalf("SetPrivateReadMarker: %v", err)
	}
	marker, found, err := service.PrivateReadMarker(ctx, room, alice)
	if err != nil || !found || marker != pdu.Normal(5) {
		t.Fatalf("PrivateReadMarker = %v, %v, %v", marker, found, err)
	}

	// Markers only move forward.
	if err := service.SetPrivateReadMarker(ctx, room, alice, pdu.Normal(3)); err != nil {
		t.Fatal(err)
	}
	if marker, _, _ := service.PrivateReadMarker(ctx, room, alice); marker != pdu.Normal(5) {
		t.Errorf("marker moved backwards to %v", marker)
	}
	// A backfilled position is always older than a live one.
	if err := service.SetPrivateReadMarker(ctx, room, alice, pdu.Backfilled(1)); err != nil {
		t.Fatal(err)
	}
	if marker, _, _ := service.PrivateReadMarker(ctx, room, alice); marker != pdu.Normal(5) {
		t.Errorf("marker moved backwards to backfilled %v", marker)
	}

	if err := service.SetPrivateReadMarker(ctx, room, alice, pdu.Normal(9)); err != nil {
		t.Fatal(err)
	}
	if marker, _, _ := service.PrivateReadMarker(ctx, room, alice); marker != pdu.Normal(9) {
		t.Errorf("marker did not advance: %v", marker)
	}
}
