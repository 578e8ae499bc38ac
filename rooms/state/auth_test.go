// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
)

// authSet is a map-backed auth event lookup for Checker tests.
type authSet map[[2]string]*pdu.PDU

func (a authSet) lookup(eventType ref.EventType, stateKey string) *pdu.PDU {
	return a[[2]string{eventType.String(), stateKey}]
}

func (a authSet) add(eventType ref.EventType, stateKey string, sender ref.UserID, content string) {
	a[[2]string{eventType.String(), stateKey}] = &pdu.PDU{
		EventID:  ref.MustParseEventID("$" + eventType.String() + stateKey),
		RoomID:   room,
		Sender:   sender,
		Type:     eventType,
		StateKey: &stateKey,
		Content:  json.RawMessage(content),
	}
}

func stateEvent(eventType ref.EventType, stateKey string, sender ref.UserID, content string, prev ...ref.EventID) *pdu.PDU {
	return &pdu.PDU{
		EventID:    ref.MustParseEventID("$candidate"),
		RoomID:     room,
		Sender:     sender,
		Type:       eventType,
		StateKey:   &stateKey,
		Content:    json.RawMessage(content),
		PrevEvents: prev,
	}
}

func baseAuth() authSet {
	auth := authSet{}
	auth.add(ref.RoomCreate, "", alice, `{"room_version":"11"}`)
	auth.add(ref.RoomMember, alice.String(), alice, `{"membership":"join"}`)
	return auth
}

func TestAuthCreateEvent(t *testing.T) {
	checker := Checker{}

	create := stateEvent(ref.RoomCreate, "", alice, `{"room_version":"11"}`)
	ok, err := checker.AuthCheck("11", create, authSet{}.lookup)
	if err != nil || !ok {
		t.Errorf("create auth = %v, %v", ok, err)
	}

	// A create event with parents is never authorized.
	withParents := stateEvent(ref.RoomCreate, "", alice, `{}`, ref.MustParseEventID("$parent"))
	ok, err = checker.AuthCheck("11", withParents, authSet{}.lookup)
	if err != nil || ok {
		t.Errorf("create with prev_events authorized")
	}

	// Sender must be from the room's own server.
	foreign := stateEvent(ref.RoomCreate, "", ref.MustParseUserID("@eve:other.org"), `{}`)
	ok, err = checker.AuthCheck("11", foreign, authSet{}.lookup)
	if err != nil || ok {
		t.Errorf("foreign create authorized")
	}
}

func TestAuthRequiresCreateEvent(t *testing.T) {
	message := &pdu.PDU{
		EventID: ref.MustParseEventID("$msg"),
		RoomID:  room,
		Sender:  alice,
		Type:    ref.RoomMessage,
		Content: json.RawMessage(`{"body":"hi"}`),
	}
	ok, err := Checker{}.AuthCheck("11", message, authSet{}.lookup)
	if err != nil || ok {
		t.Errorf("event without create event authorized")
	}
}

func TestAuthMessageNeedsJoinedSender(t *testing.T) {
	checker := Checker{}
	auth := baseAuth()

	joined := &pdu.PDU{
		EventID: ref.MustParseEventID("$msg"),
		RoomID:  room, Sender: alice,
		Type:    ref.RoomMessage,
		Content: json.RawMessage(`{"body":"hi"}`),
	}
	if ok, _ := checker.AuthCheck("11", joined, auth.lookup); !ok {
		t.Error("joined sender's message rejected")
	}

	stranger := &pdu.PDU{
		EventID: ref.MustParseEventID("$msg2"),
		RoomID:  room, Sender: bob,
		Type:    ref.RoomMessage,
		Content: json.RawMessage(`{"body":"hi"}`),
	}
	if ok, _ := checker.AuthCheck("11", stranger, auth.lookup); ok {
		t.Error("non-member's message authorized")
	}
}

func TestAuthStateNeedsPower(t *testing.T) {
	checker := Checker{}
	auth := baseAuth()
	auth.add(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`)
	auth.add(ref.RoomPowerLevels, "", alice, `{"users":{"@alice:example.org":100},"state_default":50}`)

	nameByMod := stateEvent(ref.RoomName, "", alice, `{"name":"x"}`)
	if ok, _ := checker.AuthCheck("11", nameByMod, auth.lookup); !ok {
		t.Error("moderator state change rejected")
	}

	nameByUser := stateEvent(ref.RoomName, "", bob, `{"name":"x"}`)
	if ok, _ := checker.AuthCheck("11", nameByUser, auth.lookup); ok {
		t.Error("unprivileged state change authorized")
	}
}

func TestAuthMembershipTransitions(t *testing.T) {
	checker := Checker{}

	cases := []struct {
		name    string
		setup   func(authSet)
		event   *pdu.PDU
		allowed bool
	}{
		{
			name:    "creator first join",
			setup:   func(a authSet) { delete(a, [2]string{"m.room.member", alice.String()}) },
			event:   stateEvent(ref.RoomMember, alice.String(), alice, `{"membership":"join"}`),
			allowed: true,
		},
		{
			name:    "uninvited join of invite-only room",
			setup:   func(a authSet) {},
			event:   stateEvent(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`),
			allowed: false,
		},
		{
			name: "join after invite",
			setup: func(a authSet) {
				a.add(ref.RoomMember, bob.String(), alice, `{"membership":"invite"}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`),
			allowed: true,
		},
		{
			name: "join of public room",
			setup: func(a authSet) {
				a.add(ref.RoomJoinRules, "", alice, `{"join_rule":"public"}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`),
			allowed: true,
		},
		{
			name: "banned user cannot rejoin public room",
			setup: func(a authSet) {
				a.add(ref.RoomJoinRules, "", alice, `{"join_rule":"public"}`)
				a.add(ref.RoomMember, bob.String(), alice, `{"membership":"ban"}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`),
			allowed: false,
		},
		{
			name:    "join on behalf of someone else",
			setup:   func(a authSet) {},
			event:   stateEvent(ref.RoomMember, bob.String(), alice, `{"membership":"join"}`),
			allowed: false,
		},
		{
			name:    "invite by joined member",
			setup:   func(a authSet) {},
			event:   stateEvent(ref.RoomMember, bob.String(), alice, `{"membership":"invite"}`),
			allowed: true,
		},
		{
			name: "invite by non-member",
			setup: func(a authSet) {
				a.add(ref.RoomMember, charlie.String(), charlie, `{"membership":"leave"}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), charlie, `{"membership":"invite"}`),
			allowed: false,
		},
		{
			name: "self leave",
			setup: func(a authSet) {
				a.add(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), bob, `{"membership":"leave"}`),
			allowed: true,
		},
		{
			name: "kick requires power over target",
			setup: func(a authSet) {
				a.add(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`)
				a.add(ref.RoomPowerLevels, "", alice, `{"users":{"@alice:example.org":100},"kick":50}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), alice, `{"membership":"leave"}`),
			allowed: true,
		},
		{
			name: "kick without power",
			setup: func(a authSet) {
				a.add(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`)
				a.add(ref.RoomMember, charlie.String(), charlie, `{"membership":"join"}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), charlie, `{"membership":"leave"}`),
			allowed: false,
		},
		{
			name: "ban by moderator",
			setup: func(a authSet) {
				a.add(ref.RoomMember, bob.String(), bob, `{"membership":"join"}`)
				a.add(ref.RoomPowerLevels, "", alice, `{"users":{"@alice:example.org":100},"ban":50}`)
			},
			event:   stateEvent(ref.RoomMember, bob.String(), alice, `{"membership":"ban"}`),
			allowed: true,
		},
		{
			name:    "unknown membership value",
			setup:   func(a authSet) {},
			event:   stateEvent(ref.RoomMember, bob.String(), alice, `{"membership":"wander"}`),
			allowed: false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			auth := baseAuth()
			c.setup(auth)
			ok, err := checker.AuthCheck("11", c.event, auth.lookup)
			if err != nil {
				t.Fatalf("AuthCheck: %v", err)
			}
			if ok != c.allowed {
				t.Errorf("AuthCheck = %v, want %v", ok, c.allowed)
			}
		})
	}
}
