// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
)

// AuthChecker decides whether an event is authorized against its
// auth events. authEvents resolves (type, state key) to the selected
// auth event, or nil. Implementations must fail closed: any doubt is
// a rejection.
type AuthChecker interface {
	AuthCheck(roomVersion string, event *pdu.PDU, authEvents func(eventType ref.EventType, stateKey string) *pdu.PDU) (bool, error)
}

// AuthEventSelection returns the current state events a new event of
// the given shape must be authorized against: the create event,
// power levels, the sender's membership, and for membership events
// the target's membership and the join rules. Missing state events
// are simply absent from the result (the room may not have them
// yet).
func (s *Service) AuthEventSelection(ctx context.Context, room ref.RoomID, eventType ref.EventType, sender ref.UserID, stateKey string) ([]*pdu.PDU, error) {
	if eventType == ref.RoomCreate {
		// The create event has no auth events.
		return nil, nil
	}

	type selector struct {
		eventType ref.EventType
		stateKey  string
	}
	wanted := []selector{
		{ref.RoomCreate, ""},
		{ref.RoomPowerLevels, ""},
		{ref.RoomMember, sender.String()},
	}
	if eventType == ref.RoomMember {
		wanted = append(wanted,
			selector{ref.RoomMember, stateKey},
			selector{ref.RoomJoinRules, ""},
		)
	}

	var selected []*pdu.PDU
	seen := map[ref.EventID]bool{}
	for _, want := range wanted {
		event, err := s.CurrentStateEvent(ctx, room, want.eventType, want.stateKey)
		if err != nil {
			return nil, err
		}
		if event == nil || seen[event.EventID] {
			continue
		}
		seen[event.EventID] = true
		selected = append(selected, event)
	}
	return selected, nil
}

// UserCanRedact reports whether sender may redact the target event:
// either the sender authored it, or the sender's power level meets
// the room's redact level. An unknown target is not redactable by
// authorship, only by power.
func (s *Service) UserCanRedact(ctx context.Context, redacts ref.EventID, sender ref.UserID, room ref.RoomID) (bool, error) {
	levels, err := s.PowerLevelsForRoom(ctx, room)
	if err != nil {
		return false, err
	}
	if levels.UserLevel(sender) >= levels.Redact {
		return true, nil
	}
	target, err := s.fetcher.PDUByEventID(ctx, redacts)
	if err != nil {
		return false, err
	}
	return target != nil && target.Sender == sender, nil
}

// StrippedState is the reduced form of a state event shared with
// invited users before they join.
type StrippedState struct {
	Type     ref.EventType   `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   ref.UserID      `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

// inviteStateTypes are the state events an invited user gets to see.
var inviteStateTypes = []ref.EventType{
	ref.RoomCreate,
	ref.RoomJoinRules,
	ref.RoomCanonicalAlias,
	ref.RoomName,
	ref.RoomEncryption,
}

// CalculateInviteState returns the stripped state for an invite
// event: the room's identifying state plus the invite itself.
func (s *Service) CalculateInviteState(ctx context.Context, invite *pdu.PDU) ([]StrippedState, error) {
	var stripped []StrippedState
	for _, eventType := range inviteStateTypes {
		event, err := s.CurrentStateEvent(ctx, invite.RoomID, eventType, "")
		if err != nil {
			return nil, err
		}
		if event == nil {
			continue
		}
		stripped = append(stripped, StrippedState{
			Type:     event.Type,
			StateKey: event.StateKeyValue(),
			Sender:   event.Sender,
			Content:  event.Content,
		})
	}
	stripped = append(stripped, StrippedState{
		Type:     invite.Type,
		StateKey: invite.StateKeyValue(),
		Sender:   invite.Sender,
		Content:  invite.Content,
	})
	return stripped, nil
}

// Checker is the built-in AuthChecker: the room-version auth rules
// reduced to what this server enforces. Fails closed on anything it
// does not recognize.
type Checker struct{}

// AuthCheck implements [AuthChecker].
func (Checker) AuthCheck(roomVersion string, event *pdu.PDU, authEvents func(ref.EventType, string) *pdu.PDU) (bool, error) {
	if event.Type == ref.RoomCreate {
		// A create event starts the graph: no parents, sender from
		// the room's own server.
		if len(event.PrevEvents) != 0 {
			return false, nil
		}
		return event.Sender.Server() == event.RoomID.Server(), nil
	}

	create := authEvents(ref.RoomCreate, "")
	if create == nil {
		return false, nil
	}

	if event.Type == ref.RoomMember {
		return checkMembership(event, authEvents)
	}

	// Everything else requires current joined membership plus the
	// power level for the event type.
	sender := authEvents(ref.RoomMember, event.Sender.String())
	if sender == nil || sender.Membership() != "join" {
		return false, nil
	}
	levels, err := authPowerLevels(create, authEvents)
	if err != nil {
		return false, err
	}
	return levels.UserCanSend(event.Sender, event.Type, event.IsState()), nil
}

// checkMembership applies the membership transition rules.
func checkMembership(event *pdu.PDU, authEvents func(ref.EventType, string) *pdu.PDU) (bool, error) {
	create := authEvents(ref.RoomCreate, "")
	levels, err := authPowerLevels(create, authEvents)
	if err != nil {
		return false, err
	}

	target, err := ref.ParseUserID(event.StateKeyValue())
	if err != nil {
		return false, nil
	}

	targetCurrent := ""
	if targetEvent := authEvents(ref.RoomMember, target.String()); targetEvent != nil {
		targetCurrent = targetEvent.Membership()
	}
	senderCurrent := ""
	if senderEvent := authEvents(ref.RoomMember, event.Sender.String()); senderEvent != nil {
		senderCurrent = senderEvent.Membership()
	}

	switch event.Membership() {
	case "join":
		// Only self-joins; allowed for the room creator's first
		// join, invited users, and public rooms.
		if event.Sender != target {
			return false, nil
		}
		if targetCurrent == "ban" {
			return false, nil
		}
		if targetCurrent == "join" || targetCurrent == "invite" {
			return true, nil
		}
		if create != nil && create.Sender == target {
			return true, nil
		}
		return joinRule(authEvents) == "public", nil

	case "invite":
		if senderCurrent != "join" {
			return false, nil
		}
		if targetCurrent == "join" || targetCurrent == "ban" {
			return false, nil
		}
		return levels.UserLevel(event.Sender) >= levels.Invite, nil

	case "leave":
		if event.Sender == target {
			// Leaving, or rejecting an invite.
			return targetCurrent != "ban", nil
		}
		// A kick, or unbanning.
		if senderCurrent != "join" {
			return false, nil
		}
		required := levels.Kick
		if targetCurrent == "ban" {
			required = levels.Ban
		}
		return levels.UserLevel(event.Sender) >= required &&
			levels.UserLevel(event.Sender) > levels.UserLevel(target), nil

	case "ban":
		if senderCurrent != "join" {
			return false, nil
		}
		return levels.UserLevel(event.Sender) >= levels.Ban &&
			levels.UserLevel(event.Sender) > levels.UserLevel(target), nil

	default:
		return false, nil
	}
}

// authPowerLevels resolves power levels from the auth selection,
// falling back to the creator-at-100 default.
func authPowerLevels(create *pdu.PDU, authEvents func(ref.EventType, string) *pdu.PDU) (*PowerLevels, error) {
	if event := authEvents(ref.RoomPowerLevels, ""); event != nil {
		return ParsePowerLevels(event.Content)
	}
	var creator ref.UserID
	if create != nil {
		creator = create.Sender
	}
	return DefaultPowerLevels(creator), nil
}

func joinRule(authEvents func(ref.EventType, string) *pdu.PDU) string {
	event := authEvents(ref.RoomJoinRules, "")
	if event == nil {
		return "invite"
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(event.Content, &content); err != nil || content.JoinRule == "" {
		return "invite"
	}
	return content.JoinRule
}

var _ AuthChecker = Checker{}
