// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statecache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/homeserver/appservice"
	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	server, err := ref.ParseServerName("example.org")
	if err != nil {
		t.Fatal(err)
	}
	return NewService(database, short.NewService(database), server)
}

func user(t *testing.T, raw string) ref.UserID {
	t.Helper()
	parsed, err := ref.ParseUserID(raw)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}

func room(t *testing.T, raw string) ref.RoomID {
	t.Helper()
	parsed, err := ref.ParseRoomID(raw)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}

func TestMembershipRoundTrip(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	testRoom := room(t, "!abc:example.org")
	alice := user(t, "@alice:example.org")

	if _, found, err := service.Membership(ctx, testRoom, alice); err != nil || found {
		t.Fatalf("Membership before update = found %v, err %v", found, err)
	}

	if err := service.UpdateMembership(ctx, testRoom, alice, "join"); err != nil {
		t.Fatalf("UpdateMembership: %v", err)
	}
	membership, found, err := service.Membership(ctx, testRoom, alice)
	if err != nil || !found || membership != "join" {
		t.Fatalf("Membership = %q, %v, %v", membership, found, err)
	}
	joined, err := service.IsJoined(ctx, testRoom, alice)
	if err != nil || !joined {
		t.Fatalf("IsJoined = %v, %v", joined, err)
	}

	// Leave is recorded, not erased.
	if err := service.UpdateMembership(ctx, testRoom, alice, "leave"); err != nil {
		t.Fatal(err)
	}
	membership, found, err = service.Membership(ctx, testRoom, alice)
	if err != nil || !found || membership != "leave" {
		t.Fatalf("Membership after leave = %q, %v, %v", membership, found, err)
	}
}

func TestJoinedMembersAndServers(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	testRoom := room(t, "!abc:example.org")

	memberships := map[string]string{
		"@alice:example.org": "join",
		"@bob:example.org":   "leave",
		"@carol:remote.test": "join",
		"@dave:remote.test":  "ban",
		"@erin:another.test": "join",
		"@frank:example.org": "join",
		"@grace:example.org": "invite",
	}
	for raw, membership := range memberships {
		if err := service.UpdateMembership(ctx, testRoom, user(t, raw), membership); err != nil {
			t.Fatalf("UpdateMembership(%s): %v", raw, err)
		}
	}

	joined, err := service.JoinedMembers(ctx, testRoom)
	if err != nil {
		t.Fatalf("JoinedMembers: %v", err)
	}
	if len(joined) != 4 {
		t.Errorf("JoinedMembers = %v, want 4 users", joined)
	}

	local, err := service.ActiveLocalUsers(ctx, testRoom)
	if err != nil {
		t.Fatalf("ActiveLocalUsers: %v", err)
	}
	if len(local) != 2 {
		t.Errorf("ActiveLocalUsers = %v, want alice and frank", local)
	}
	for _, u := range local {
		if u.Server().String() != "example.org" {
			t.Errorf("ActiveLocalUsers includes remote user %s", u)
		}
	}

	servers, err := service.RoomServers(ctx, testRoom)
	if err != nil {
		t.Fatalf("RoomServers: %v", err)
	}
	if len(servers) != 3 {
		t.Errorf("RoomServers = %v, want example.org, remote.test, another.test", servers)
	}
}

func TestMembershipIsPerRoom(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	alice := user(t, "@alice:example.org")
	roomA := room(t, "!a:example.org")
	roomB := room(t, "!b:example.org")

	if err := service.UpdateMembership(ctx, roomA, alice, "join"); err != nil {
		t.Fatal(err)
	}
	if _, found, err := service.Membership(ctx, roomB, alice); err != nil || found {
		t.Errorf("membership in roomA leaked into roomB: found %v, err %v", found, err)
	}
	joined, err := service.JoinedMembers(ctx, roomB)
	if err != nil || len(joined) != 0 {
		t.Errorf("JoinedMembers(roomB) = %v, %v", joined, err)
	}
}

func TestInviteState(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	testRoom := room(t, "!abc:example.org")
	bob := user(t, "@bob:example.org")
	stripped := []byte(`[{"type":"m.room.create","state_key":"","content":{}}]`)

	if err := service.UpdateMembership(ctx, testRoom, bob, "invite"); err != nil {
		t.Fatal(err)
	}
	if err := service.StoreInviteState(ctx, testRoom, bob, stripped); err != nil {
		t.Fatalf("StoreInviteState: %v", err)
	}
	got, found, err := service.InviteState(ctx, testRoom, bob)
	if err != nil || !found || string(got) != string(stripped) {
		t.Fatalf("InviteState = %q, %v, %v", got, found, err)
	}

	// Joining clears the stored invite state.
	if err := service.UpdateMembership(ctx, testRoom, bob, "join"); err != nil {
		t.Fatal(err)
	}
	if _, found, err := service.InviteState(ctx, testRoom, bob); err != nil || found {
		t.Errorf("InviteState after join = found %v, err %v", found, err)
	}
}

const bridgeRegistration = `{
	"id": "irc",
	"sender_localpart": "ircbot",
	"namespaces": {
		"users": [{"exclusive": true, "regex": "@irc_.*:example\\.org"}]
	}
}`

func TestAppserviceInRoom(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	bridge, err := appservice.Parse([]byte(bridgeRegistration))
	if err != nil {
		t.Fatal(err)
	}

	emptyRoom := room(t, "!empty:example.org")
	if inRoom, err := service.AppserviceInRoom(ctx, emptyRoom, bridge); err != nil || inRoom {
		t.Errorf("AppserviceInRoom(empty) = %v, %v", inRoom, err)
	}

	// A joined user in the bridge's user namespace puts it in the room.
	namespaceRoom := room(t, "!ns:example.org")
	if err := service.UpdateMembership(ctx, namespaceRoom, user(t, "@irc_alice:example.org"), "join"); err != nil {
		t.Fatal(err)
	}
	if inRoom, err := service.AppserviceInRoom(ctx, namespaceRoom, bridge); err != nil || !inRoom {
		t.Errorf("AppserviceInRoom(namespace user joined) = %v, %v", inRoom, err)
	}

	// So does the bridge's own sender user, even outside the namespace.
	senderRoom := room(t, "!sender:example.org")
	if err := service.UpdateMembership(ctx, senderRoom, user(t, "@ircbot:example.org"), "join"); err != nil {
		t.Fatal(err)
	}
	if inRoom, err := service.AppserviceInRoom(ctx, senderRoom, bridge); err != nil || !inRoom {
		t.Errorf("AppserviceInRoom(sender joined) = %v, %v", inRoom, err)
	}

	// An invited namespace user is not enough.
	invitedRoom := room(t, "!invited:example.org")
	if err := service.UpdateMembership(ctx, invitedRoom, user(t, "@irc_bob:example.org"), "invite"); err != nil {
		t.Fatal(err)
	}
	if inRoom, err := service.AppserviceInRoom(ctx, invitedRoom, bridge); err != nil || inRoom {
		t.Errorf("AppserviceInRoom(namespace user invited) = %v, %v", inRoom, err)
	}
}
