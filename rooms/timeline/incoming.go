// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/homeserver/lib/canonicaljson"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/state"
)

// AppendIncoming appends an event received over federation. stateIDs,
// when present, record the event's resolved state as a list of state
// event IDs. A soft-failed event joins the graph (referenced marks,
// forward extremities) but takes no timeline position and triggers no
// side effects. guard must be the held state gate.
func (s *Service) AppendIncoming(ctx context.Context, p *pdu.PDU, storedJSON []byte, leaves []ref.EventID, stateIDs []ref.EventID, softFail bool, guard *state.Guard) (pdu.Count, error) {
	if err := checkGuard(guard, p.RoomID); err != nil {
		return pdu.Count{}, err
	}

	if len(stateIDs) > 0 {
		if err := s.deps.State.SetEventStateFromIDs(ctx, p.EventID, stateIDs); err != nil {
			return pdu.Count{}, err
		}
	}

	if softFail {
		if err := s.deps.Relations.MarkReferenced(ctx, p.RoomID, p.PrevEvents); err != nil {
			return pdu.Count{}, err
		}
		if err := s.deps.State.SetForwardExtremities(ctx, p.RoomID, leaves, guard); err != nil {
			return pdu.Count{}, err
		}
		s.logger.Warn("soft-failed event kept out of the timeline",
			"room", p.RoomID.String(),
			"event", p.EventID.String(),
		)
		return pdu.Count{}, nil
	}

	return s.AppendPDU(ctx, p, storedJSON, leaves, guard)
}

// BackfillIfRequired fetches older history when a reader paginates
// past the oldest stored event. earliest is the oldest position the
// reader already has; nothing happens while older events are still
// stored locally. Concurrent calls for one room collapse into a
// single fetch. Exhausting every candidate server is not an error.
func (s *Service) BackfillIfRequired(ctx context.Context, room ref.RoomID, earliest pdu.Count) error {
	first, err := s.FirstPDUInRoom(ctx, room)
	if err != nil {
		return err
	}
	if first == nil || first.Position.Compare(earliest) < 0 {
		return nil
	}

	_, err, _ = s.backfill.Do(room.String(), func() (any, error) {
		return nil, s.backfillRoom(ctx, room, first.PDU.EventID)
	})
	return err
}

func (s *Service) backfillRoom(ctx context.Context, room ref.RoomID, oldestKnown ref.EventID) error {
	candidates, err := s.backfillCandidates(ctx, room)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.logger.Info("no backfill candidates", "room", room.String())
		return nil
	}

	for _, server := range candidates {
		raws, err := s.deps.Client.Backfill(ctx, server, room, []ref.EventID{oldestKnown}, s.deps.BackfillLimit)
		if err != nil {
			s.logger.Warn("backfill request failed",
				"room", room.String(),
				"server", server.String(),
				"error", err,
			)
			continue
		}
		for _, raw := range raws {
			if _, err := s.BackfillPDU(ctx, server, raw); err != nil {
				s.logger.Warn("backfilled event rejected",
					"room", room.String(),
					"server", server.String(),
					"error", err,
				)
			}
		}
		return nil
	}

	s.logger.Warn("backfill exhausted all candidates", "room", room.String())
	return nil
}

// backfillCandidates orders the servers worth asking for history:
// servers of the room's moderators first, then the configured trusted
// servers. Moderator servers are only candidates while they are
// still in the room; the local server never is.
func (s *Service) backfillCandidates(ctx context.Context, room ref.RoomID) ([]ref.ServerName, error) {
	inRoom := map[ref.ServerName]bool{}
	roomServers, err := s.deps.Cache.RoomServers(ctx, room)
	if err != nil {
		return nil, err
	}
	for _, server := range roomServers {
		inRoom[server] = true
	}

	powerLevels, err := s.deps.State.PowerLevelsForRoom(ctx, room)
	if err != nil {
		return nil, err
	}

	seen := map[ref.ServerName]bool{s.deps.Server: true}
	var candidates []ref.ServerName
	for id, level := range powerLevels.Users {
		if level <= powerLevels.UsersDefault {
			continue
		}
		moderator, err := ref.ParseUserID(id)
		if err != nil {
			continue
		}
		server := moderator.Server()
		if inRoom[server] && !seen[server] {
			seen[server] = true
			candidates = append(candidates, server)
		}
	}
	if canonical, err := s.deps.State.CurrentStateEvent(ctx, room, ref.RoomCanonicalAlias, ""); err != nil {
		return nil, err
	} else if canonical != nil {
		var content struct {
			Alias string `json:"alias"`
		}
		if json.Unmarshal(canonical.Content, &content) == nil && content.Alias != "" {
			if a, err := ref.ParseRoomAlias(content.Alias); err == nil {
				server := a.Server()
				if inRoom[server] && !seen[server] {
					seen[server] = true
					candidates = append(candidates, server)
				}
			}
		}
	}
	for _, server := range s.deps.TrustedServers {
		if !seen[server] {
			seen[server] = true
			candidates = append(candidates, server)
		}
	}
	return candidates, nil
}

// BackfillPDU verifies and stores one fetched history event at a
// descending position, so it sorts before everything already stored.
// Already-known events are skipped. Returns the event's ID.
func (s *Service) BackfillPDU(ctx context.Context, origin ref.ServerName, raw json.RawMessage) (ref.EventID, error) {
	var envelope struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ref.EventID{}, fmt.Errorf("timeline: backfilled event: %w", err)
	}
	room, err := ref.ParseRoomID(envelope.RoomID)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("timeline: backfilled event: %w", err)
	}
	roomVersion, err := s.deps.State.GetRoomVersion(ctx, room)
	if err != nil {
		return ref.EventID{}, err
	}

	guard := s.federationGate.Lock(room)
	defer guard.Unlock()

	p, object, err := pdu.FromIncomingJSON(raw, roomVersion)
	if err != nil {
		return ref.EventID{}, err
	}
	if known, err := s.HasEvent(ctx, p.EventID); err != nil || known {
		return p.EventID, err
	}

	if err := s.verifyOriginSignature(ctx, p, object, roomVersion); err != nil {
		return ref.EventID{}, err
	}

	object["event_id"] = p.EventID.String()
	storedJSON, err := canonicaljson.Marshal(object)
	if err != nil {
		return ref.EventID{}, err
	}

	if s.handler != nil {
		if err := s.handler.HandleIncoming(ctx, origin, p, storedJSON); err != nil {
			return ref.EventID{}, err
		}
	}

	shortRoomID, err := s.deps.Short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return ref.EventID{}, err
	}
	if _, err := s.deps.Short.GetOrCreateShortEventID(ctx, p.EventID); err != nil {
		return ref.EventID{}, err
	}

	insertGuard := s.insertGate.Lock(room)
	counter, err := s.global.Increment(ctx, []byte(backfillCounterKey))
	if err != nil {
		insertGuard.Unlock()
		return ref.EventID{}, err
	}
	position := pdu.Backfilled(counter)
	key := pduID(shortRoomID, position)
	if err := s.pdus.Put(ctx, key, storedJSON); err != nil {
		insertGuard.Unlock()
		return ref.EventID{}, err
	}
	if err := s.eventIDs.Put(ctx, p.EventID.Bytes(), key); err != nil {
		insertGuard.Unlock()
		return ref.EventID{}, err
	}
	if err := s.outliers.Delete(ctx, p.EventID.Bytes()); err != nil {
		insertGuard.Unlock()
		return ref.EventID{}, err
	}
	insertGuard.Unlock()

	if err := s.deps.Relations.MarkReferenced(ctx, room, p.PrevEvents); err != nil {
		return ref.EventID{}, err
	}
	if body, ok := p.Body(); ok {
		if err := s.deps.Search.IndexPDU(ctx, room, position, body); err != nil {
			return ref.EventID{}, err
		}
	}
	return p.EventID, nil
}

// verifyOriginSignature checks the sending server's signature on an
// incoming event. Any key the origin advertises for itself will do.
func (s *Service) verifyOriginSignature(ctx context.Context, p *pdu.PDU, object map[string]any, roomVersion string) error {
	senderServer := p.Sender.Server()

	signatures, _ := object["signatures"].(map[string]any)
	byServer, _ := signatures[senderServer.String()].(map[string]any)
	if len(byServer) == 0 {
		return fmt.Errorf("event %s carries no signature from %s", p.EventID, senderServer)
	}
	keyLabels := make([]string, 0, len(byServer))
	for label := range byServer {
		keyLabels = append(keyLabels, label)
	}

	keys, err := s.deps.Client.FetchSigningKeys(ctx, senderServer, keyLabels)
	if err != nil {
		return fmt.Errorf("fetching signing keys of %s: %w", senderServer, err)
	}
	for _, label := range keyLabels {
		publicKey, found := keys[label]
		if !found {
			continue
		}
		return pdu.VerifySignature(object, roomVersion, senderServer, label, publicKey)
	}
	return fmt.Errorf("%s resolved none of its advertised keys", senderServer)
}
