// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/canonicaljson"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/push"
	"github.com/bureau-foundation/homeserver/rooms/state"
)

// CreateAndSign composes, authorizes, and signs a new local event.
// The event is frozen (hashed, signed, ID assigned) but not yet
// appended; the returned stored JSON is what AppendPDU persists.
// guard must be the held state gate for the room.
func (s *Service) CreateAndSign(ctx context.Context, builder *pdu.Builder, sender ref.UserID, room ref.RoomID, guard *state.Guard) (*pdu.PDU, []byte, string, error) {
	if err := checkGuard(guard, room); err != nil {
		return nil, nil, "", err
	}
	if err := builder.Validate(); err != nil {
		return nil, nil, "", err
	}

	extremities, err := s.deps.State.ForwardExtremities(ctx, room)
	if err != nil {
		return nil, nil, "", err
	}
	if len(extremities) > maxPrevEvents {
		extremities = extremities[:maxPrevEvents]
	}

	var roomVersion string
	if builder.Type == ref.RoomCreate {
		if len(extremities) > 0 {
			return nil, nil, "", fmt.Errorf("%w: room %s already has events", state.ErrForbidden, room)
		}
		roomVersion = state.RoomVersionFromCreateContent(builder.Content)
	} else {
		roomVersion, err = s.deps.State.GetRoomVersion(ctx, room)
		if err != nil {
			return nil, nil, "", err
		}
	}

	stateKey := ""
	if builder.StateKey != nil {
		stateKey = *builder.StateKey
	}
	authEvents, err := s.deps.State.AuthEventSelection(ctx, room, builder.Type, sender, stateKey)
	if err != nil {
		return nil, nil, "", err
	}

	depth := uint64(1)
	for _, parent := range extremities {
		parentPDU, err := s.PDUByEventID(ctx, parent)
		if err != nil {
			return nil, nil, "", err
		}
		if parentPDU != nil && parentPDU.Depth+1 > depth {
			depth = parentPDU.Depth + 1
		}
	}

	unsigned := make(map[string]any, len(builder.Unsigned)+3)
	for key, value := range builder.Unsigned {
		unsigned[key] = value
	}
	if builder.StateKey != nil {
		replaced, err := s.deps.State.CurrentStateEvent(ctx, room, builder.Type, *builder.StateKey)
		if err != nil {
			return nil, nil, "", err
		}
		if replaced != nil {
			unsigned["prev_content"] = json.RawMessage(replaced.Content)
			unsigned["prev_sender"] = replaced.Sender.String()
			unsigned["replaces_state"] = replaced.EventID.String()
		}
	}

	timestamp := builder.OriginServerTS
	if timestamp == 0 {
		timestamp = s.clock.Now().UnixMilli()
	}

	content := builder.Content
	if builder.Redacts != nil && pdu.RedactsInContent(roomVersion) {
		if content, err = injectRedacts(content, *builder.Redacts); err != nil {
			return nil, nil, "", err
		}
	}

	p := &pdu.PDU{
		RoomID:         room,
		Sender:         sender,
		OriginServerTS: timestamp,
		Type:           builder.Type,
		Content:        content,
		StateKey:       builder.StateKey,
		PrevEvents:     extremities,
		Depth:          depth,
	}
	if builder.Redacts != nil && !pdu.RedactsInContent(roomVersion) {
		p.Redacts = builder.Redacts
	}
	for _, authEvent := range authEvents {
		p.AuthEvents = append(p.AuthEvents, authEvent.EventID)
	}
	if len(unsigned) > 0 {
		raw, err := json.Marshal(unsigned)
		if err != nil {
			return nil, nil, "", fmt.Errorf("timeline: encoding unsigned: %w", err)
		}
		p.Unsigned = raw
	}

	authLookup := authLookupFor(authEvents)
	allowed, err := s.deps.Auth.AuthCheck(roomVersion, p, authLookup)
	if err != nil {
		return nil, nil, "", err
	}
	if !allowed {
		return nil, nil, "", fmt.Errorf("%w: %s by %s not authorized", state.ErrForbidden, p.Type, sender)
	}

	object, err := p.CanonicalObject()
	if err != nil {
		return nil, nil, "", err
	}
	object["origin"] = s.deps.Server.String()

	eventID, err := pdu.HashAndSign(object, s.deps.SigningKey, roomVersion)
	if err != nil {
		return nil, nil, "", err
	}

	storedJSON, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, nil, "", err
	}
	signed, err := pdu.FromStoredJSON(storedJSON)
	if err != nil {
		return nil, nil, "", err
	}
	if _, err := s.deps.Short.GetOrCreateShortEventID(ctx, eventID); err != nil {
		return nil, nil, "", err
	}
	return signed, storedJSON, roomVersion, nil
}

// injectRedacts places the redaction target inside content, the
// room version 11 shape.
func injectRedacts(content json.RawMessage, target ref.EventID) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("timeline: redaction content: %w", err)
	}
	fields["redacts"] = target.String()
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("timeline: redaction content: %w", err)
	}
	return raw, nil
}

// authLookupFor adapts a selected auth-event list to the lookup
// shape the auth checker wants.
func authLookupFor(authEvents []*pdu.PDU) func(ref.EventType, string) *pdu.PDU {
	return func(eventType ref.EventType, stateKey string) *pdu.PDU {
		for _, event := range authEvents {
			if event.Type == eventType && event.StateKeyValue() == stateKey {
				return event
			}
		}
		return nil
	}
}

// AppendPDU makes a signed event durable and visible: graph
// bookkeeping, the positioned insert, then side-effect fan-out.
// leaves become the room's new forward extremities. Returns the
// allocated position. guard must be the held state gate.
func (s *Service) AppendPDU(ctx context.Context, p *pdu.PDU, storedJSON []byte, leaves []ref.EventID, guard *state.Guard) (pdu.Count, error) {
	if err := checkGuard(guard, p.RoomID); err != nil {
		return pdu.Count{}, err
	}

	if err := s.deps.Relations.MarkReferenced(ctx, p.RoomID, p.PrevEvents); err != nil {
		return pdu.Count{}, err
	}
	if err := s.deps.State.SetForwardExtremities(ctx, p.RoomID, leaves, guard); err != nil {
		return pdu.Count{}, err
	}

	shortRoomID, err := s.deps.Short.GetOrCreateShortRoomID(ctx, p.RoomID)
	if err != nil {
		return pdu.Count{}, err
	}

	position, err := s.insert(ctx, shortRoomID, p, storedJSON)
	if err != nil {
		return pdu.Count{}, err
	}

	if err := s.fanOut(ctx, shortRoomID, position, p); err != nil {
		return pdu.Count{}, err
	}
	return position, nil
}

// insert allocates the position and persists the event under the
// room's insert gate.
func (s *Service) insert(ctx context.Context, shortRoomID uint64, p *pdu.PDU, storedJSON []byte) (pdu.Count, error) {
	insertGuard := s.insertGate.Lock(p.RoomID)
	defer insertGuard.Unlock()

	counter, err := s.global.Increment(ctx, []byte(pduCounterKey))
	if err != nil {
		return pdu.Count{}, err
	}
	position := pdu.Normal(uint64(counter))

	if p.Sender.Server() == s.deps.Server {
		if err := s.deps.Users.SetPrivateReadMarker(ctx, p.RoomID, p.Sender, position); err != nil {
			return pdu.Count{}, err
		}
		if err := s.deps.Users.ResetCounts(ctx, p.RoomID, p.Sender); err != nil {
			return pdu.Count{}, err
		}
	}

	key := pduID(shortRoomID, position)
	if err := s.pdus.Put(ctx, key, storedJSON); err != nil {
		return pdu.Count{}, err
	}
	if err := s.eventIDs.Put(ctx, p.EventID.Bytes(), key); err != nil {
		return pdu.Count{}, err
	}
	// The event has a place now; the outlier copy is obsolete.
	if err := s.outliers.Delete(ctx, p.EventID.Bytes()); err != nil {
		return pdu.Count{}, err
	}
	return position, nil
}

// fanOut runs the post-insert side effects: push, counters, the
// per-type effects, relations, and appservice delivery.
func (s *Service) fanOut(ctx context.Context, shortRoomID uint64, position pdu.Count, p *pdu.PDU) error {
	if err := s.notifyMembers(ctx, shortRoomID, position, p); err != nil {
		return err
	}
	if err := s.typeSideEffects(ctx, position, p); err != nil {
		return err
	}
	if err := s.recordRelations(ctx, position, p); err != nil {
		return err
	}
	return s.appserviceFanOut(ctx, shortRoomID, position, p)
}

// notifyMembers evaluates push rules for every local member (plus a
// local membership target not yet cached as a member) and dispatches
// to their push keys.
func (s *Service) notifyMembers(ctx context.Context, shortRoomID uint64, position pdu.Count, p *pdu.PDU) error {
	powerLevels, err := s.deps.State.PowerLevelsForRoom(ctx, p.RoomID)
	if err != nil {
		return err
	}
	members, err := s.deps.Cache.ActiveLocalUsers(ctx, p.RoomID)
	if err != nil {
		return err
	}
	if target, ok := s.membershipTarget(p); ok && target.Server() == s.deps.Server {
		known := false
		for _, member := range members {
			if member == target {
				known = true
				break
			}
		}
		if !known {
			members = append(members, target)
		}
	}

	ruleset := push.DefaultRuleset()
	for _, member := range members {
		if member == p.Sender {
			continue
		}
		actions, err := s.deps.Evaluator.Actions(ctx, member, ruleset, powerLevels, p, p.RoomID)
		if err != nil {
			return err
		}
		if !actions.Notify {
			continue
		}
		if _, err := s.deps.Users.IncrementNotificationCount(ctx, p.RoomID, member); err != nil {
			return err
		}
		if actions.Highlight {
			if _, err := s.deps.Users.IncrementHighlightCount(ctx, p.RoomID, member); err != nil {
				return err
			}
		}
		pushkeys, err := s.deps.Pushers.Pushkeys(ctx, member)
		if err != nil {
			return err
		}
		for _, pushkey := range pushkeys {
			if err := s.deps.Sender.SendPDUPush(ctx, pduID(shortRoomID, position), member, pushkey); err != nil {
				return err
			}
		}
	}
	return nil
}

// membershipTarget returns the user a member event is about.
func (s *Service) membershipTarget(p *pdu.PDU) (ref.UserID, bool) {
	if p.Type != ref.RoomMember || !p.IsState() {
		return ref.UserID{}, false
	}
	target, err := ref.ParseUserID(p.StateKeyValue())
	if err != nil {
		return ref.UserID{}, false
	}
	return target, true
}

// typeSideEffects dispatches on the event type.
func (s *Service) typeSideEffects(ctx context.Context, position pdu.Count, p *pdu.PDU) error {
	switch p.Type {
	case ref.RoomRedaction:
		roomVersion, err := s.deps.State.GetRoomVersion(ctx, p.RoomID)
		if err != nil {
			return err
		}
		target, ok := p.RedactsTarget(roomVersion)
		if !ok {
			return nil
		}
		allowed, err := s.deps.State.UserCanRedact(ctx, target, p.Sender, p.RoomID)
		if err != nil {
			return err
		}
		if !allowed {
			s.logger.Warn("unauthorized redaction ignored",
				"room", p.RoomID.String(),
				"sender", p.Sender.String(),
				"target", target.String(),
			)
			return nil
		}
		return s.RedactPDU(ctx, target, p, roomVersion)

	case ref.SpaceChild:
		s.spaces.invalidate(p.RoomID)
		return nil

	case ref.RoomMember:
		target, ok := s.membershipTarget(p)
		if !ok {
			return nil
		}
		membership := p.Membership()
		if err := s.deps.Cache.UpdateMembership(ctx, p.RoomID, target, membership); err != nil {
			return err
		}
		if membership != "invite" {
			return nil
		}
		stripped, err := s.deps.State.CalculateInviteState(ctx, p)
		if err != nil {
			return err
		}
		inviteStateJSON, err := json.Marshal(stripped)
		if err != nil {
			return fmt.Errorf("timeline: encoding invite state: %w", err)
		}
		return s.deps.Cache.StoreInviteState(ctx, p.RoomID, target, inviteStateJSON)

	case ref.RoomMessage:
		body, ok := p.Body()
		if !ok {
			return nil
		}
		if err := s.deps.Search.IndexPDU(ctx, p.RoomID, position, body); err != nil {
			return err
		}
		return s.dispatchAdminCommand(ctx, p, body)
	}
	return nil
}

// dispatchAdminCommand hands control-room messages to the command
// handler. The service user's own replies are not commands. The
// handler runs on its own goroutine: it replies through the timeline
// and must not inherit the room gates held by this append.
func (s *Service) dispatchAdminCommand(ctx context.Context, p *pdu.PDU, body string) error {
	if s.deps.AdminHandler == nil || p.Sender == s.serviceUser {
		return nil
	}
	isAdmin, err := s.isAdminRoom(ctx, p.RoomID)
	if err != nil || !isAdmin {
		return err
	}

	eventID := p.EventID
	s.adminWG.Add(1)
	go func() {
		defer s.adminWG.Done()
		if err := s.deps.AdminHandler.HandleCommand(context.WithoutCancel(ctx), body, eventID); err != nil {
			s.logger.Error("admin command failed",
				"event", eventID.String(),
				"error", err,
			)
		}
	}()
	return nil
}

// isAdminRoom reports whether the room is the administrative control
// room (the one behind the "#admins:<server>" alias).
func (s *Service) isAdminRoom(ctx context.Context, room ref.RoomID) (bool, error) {
	if s.deps.AdminRoomAlias.IsZero() {
		return false, nil
	}
	adminRoom, found, err := s.deps.Aliases.Resolve(ctx, s.deps.AdminRoomAlias)
	if err != nil || !found {
		return false, err
	}
	return adminRoom == room, nil
}

// recordRelations stores the event's m.relates_to edge and thread
// participation. Unknown targets are skipped, not errors: the target
// may simply not have reached us.
func (s *Service) recordRelations(ctx context.Context, position pdu.Count, p *pdu.PDU) error {
	relatesTo := p.RelatesTo()
	if relatesTo == nil || relatesTo.EventID == "" {
		return nil
	}
	target, err := ref.ParseEventID(relatesTo.EventID)
	if err != nil {
		return nil
	}
	targetPosition, found, err := s.PositionOfEvent(ctx, target)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := s.deps.Relations.AddRelation(ctx, p.RoomID, targetPosition, position, p.EventID); err != nil {
		return err
	}
	if relatesTo.RelType == pdu.RelTypeThread {
		return s.deps.Relations.AddThreadParticipant(ctx, target, p.Sender)
	}
	return nil
}

// appserviceFanOut delivers the event to every interested
// application service, once each: membership overlap with the room,
// the event targeting the service's own user, or a namespace match.
func (s *Service) appserviceFanOut(ctx context.Context, shortRoomID uint64, position pdu.Count, p *pdu.PDU) error {
	services := s.deps.Appservices.All()
	if len(services) == 0 {
		return nil
	}

	target, isMember := s.membershipTarget(p)
	var aliases []ref.RoomAlias
	var err error
	if aliases, err = s.deps.Aliases.LocalAliasesForRoom(ctx, p.RoomID); err != nil {
		return err
	}

	for _, service := range services {
		inRoom, err := s.deps.Cache.AppserviceInRoom(ctx, p.RoomID, service)
		if err != nil {
			return err
		}

		deliver := inRoom
		if !deliver && isMember {
			serviceSender, err := ref.NewUserID(service.SenderLocalpart, s.deps.Server)
			if err == nil && target == serviceSender {
				deliver = true
			}
		}
		if !deliver {
			deliver = service.Users.Match(p.Sender.String()) ||
				(isMember && service.Users.Match(target.String())) ||
				service.Rooms.Match(p.RoomID.String())
		}
		if !deliver {
			for _, a := range aliases {
				if service.Aliases.Match(a.String()) {
					deliver = true
					break
				}
			}
		}
		if deliver {
			if err := s.deps.Sender.SendPDUAppservice(ctx, service.ID, pduID(shortRoomID, position)); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildAndAppend is the full local append: compose, guard, sign,
// persist state, insert, and dispatch to federation. Returns the new
// event's ID. guard must be the held state gate.
func (s *Service) BuildAndAppend(ctx context.Context, builder *pdu.Builder, sender ref.UserID, room ref.RoomID, guard *state.Guard) (ref.EventID, error) {
	if err := checkGuard(guard, room); err != nil {
		return ref.EventID{}, err
	}
	if err := s.applyAdminGuards(ctx, builder, room); err != nil {
		return ref.EventID{}, err
	}

	p, storedJSON, roomVersion, err := s.CreateAndSign(ctx, builder, sender, room, guard)
	if err != nil {
		return ref.EventID{}, err
	}

	if p.Type == ref.RoomRedaction {
		if target, ok := p.RedactsTarget(roomVersion); ok {
			allowed, err := s.deps.State.UserCanRedact(ctx, target, sender, room)
			if err != nil {
				return ref.EventID{}, err
			}
			if !allowed {
				return ref.EventID{}, fmt.Errorf("%w: %s may not redact %s", state.ErrForbidden, sender, target)
			}
		}
	}

	// State becomes durable before the event is visible in the
	// timeline, so no reader ever sees an event the state does not
	// yet account for.
	shortEventID, err := s.deps.Short.GetOrCreateShortEventID(ctx, p.EventID)
	if err != nil {
		return ref.EventID{}, err
	}
	if p.IsState() {
		if pre, hasPre, err := s.deps.State.CurrentShortStateHash(ctx, room); err != nil {
			return ref.EventID{}, err
		} else if hasPre {
			if err := s.deps.State.SetEventState(ctx, shortEventID, pre); err != nil {
				return ref.EventID{}, err
			}
		}
		newHash, err := s.deps.State.AppendToState(ctx, p)
		if err != nil {
			return ref.EventID{}, err
		}
		if err := s.deps.State.SetRoomState(ctx, room, newHash, guard); err != nil {
			return ref.EventID{}, err
		}
	} else {
		current, err := s.deps.State.AppendToState(ctx, p)
		if err != nil {
			return ref.EventID{}, err
		}
		if err := s.deps.State.SetEventState(ctx, shortEventID, current); err != nil {
			return ref.EventID{}, err
		}
	}

	position, err := s.AppendPDU(ctx, p, storedJSON, []ref.EventID{p.EventID}, guard)
	if err != nil {
		return ref.EventID{}, err
	}

	if err := s.dispatchFederation(ctx, p, position); err != nil {
		return ref.EventID{}, err
	}
	return p.EventID, nil
}

// dispatchFederation queues the event for every remote server in the
// room, plus a remote membership target not yet counted as present.
func (s *Service) dispatchFederation(ctx context.Context, p *pdu.PDU, position pdu.Count) error {
	roomServers, err := s.deps.Cache.RoomServers(ctx, p.RoomID)
	if err != nil {
		return err
	}
	seen := map[ref.ServerName]bool{s.deps.Server: true}
	var servers []ref.ServerName
	for _, server := range roomServers {
		if !seen[server] {
			seen[server] = true
			servers = append(servers, server)
		}
	}
	if target, ok := s.membershipTarget(p); ok && !seen[target.Server()] {
		servers = append(servers, target.Server())
	}
	if len(servers) == 0 {
		return nil
	}

	shortRoomID, err := s.deps.Short.GetOrCreateShortRoomID(ctx, p.RoomID)
	if err != nil {
		return err
	}
	return s.deps.Sender.SendPDUServers(ctx, servers, pduID(shortRoomID, position))
}

// applyAdminGuards enforces the control room's standing rules before
// anything is composed.
func (s *Service) applyAdminGuards(ctx context.Context, builder *pdu.Builder, room ref.RoomID) error {
	isAdmin, err := s.isAdminRoom(ctx, room)
	if err != nil || !isAdmin {
		return err
	}

	if builder.Type == ref.RoomEncryption {
		return fmt.Errorf("%w: the control room cannot be encrypted", state.ErrForbidden)
	}
	if builder.Type != ref.RoomMember || builder.StateKey == nil {
		return nil
	}

	target, err := ref.ParseUserID(*builder.StateKey)
	if err != nil {
		return fmt.Errorf("%w: malformed member state key", state.ErrForbidden)
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(builder.Content, &content); err != nil {
		return fmt.Errorf("timeline: member content: %w", err)
	}
	if content.Membership != "leave" && content.Membership != "ban" {
		return nil
	}

	if target == s.serviceUser {
		return fmt.Errorf("%w: the service user cannot leave the control room", state.ErrForbidden)
	}
	if target.Server() != s.deps.Server {
		return nil
	}

	admins, err := s.deps.Cache.ActiveLocalUsers(ctx, room)
	if err != nil {
		return err
	}
	remaining := 0
	for _, member := range admins {
		if member != target && member != s.serviceUser {
			remaining++
		}
	}
	if remaining < 2 {
		return fmt.Errorf("%w: the control room must keep at least two admins", state.ErrForbidden)
	}
	return nil
}

// RedactPDU rewrites the target event in place as its redacted form.
// The event keeps its ID and position. An unknown target is a no-op.
func (s *Service) RedactPDU(ctx context.Context, target ref.EventID, because *pdu.PDU, roomVersion string) error {
	key, found, err := s.eventIDs.Get(ctx, target.Bytes())
	if err != nil || !found {
		return err
	}
	stored, found, err := s.pdus.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: event %s points at empty position", db.ErrBadDatabase, target)
	}
	p, err := parseStored(stored)
	if err != nil {
		return err
	}

	oldBody, hadBody := p.Body()
	if err := p.Redact(roomVersion, because); err != nil {
		return err
	}
	object, err := p.CanonicalObject()
	if err != nil {
		return err
	}
	redactedJSON, err := canonicaljson.Marshal(object)
	if err != nil {
		return err
	}
	if err := s.pdus.Put(ctx, key, redactedJSON); err != nil {
		return err
	}

	if hadBody {
		_, position, err := splitPDUID(key)
		if err != nil {
			return fmt.Errorf("%w: %v", db.ErrBadDatabase, err)
		}
		return s.deps.Search.DeindexPDU(ctx, p.RoomID, position, oldBody)
	}
	return nil
}
