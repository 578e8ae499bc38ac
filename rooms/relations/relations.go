// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relations

import (
	"context"
	"fmt"
	"slices"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/codec"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

// Service tracks referenced events, relation edges, and thread
// participation. Safe for concurrent use.
type Service struct {
	short *short.Service

	referenced *db.Map // short room id ++ short event id → empty
	relations  *db.Map // short room id ++ target position ++ child position → child event ID
	threads    *db.Map // short event id of thread root → participant list
}

// NewService wires the relation maps.
func NewService(database *db.Database, shortService *short.Service) *Service {
	return &Service{
		short:      shortService,
		referenced: database.Map("referencedevents", db.CompressionNone),
		relations:  database.Map("tofrom_relation", db.CompressionNone),
		threads:    database.Map("threadid_userids", db.CompressionLZ4),
	}
}

// MarkReferenced records that each event appears in another event's
// prev_events.
func (s *Service) MarkReferenced(ctx context.Context, room ref.RoomID, events []ref.EventID) error {
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	for _, event := range events {
		shortEventID, err := s.short.GetOrCreateShortEventID(ctx, event)
		if err != nil {
			return err
		}
		key := append(short.EncodeUint64(shortRoomID), short.EncodeUint64(shortEventID)...)
		if err := s.referenced.Put(ctx, key, nil); err != nil {
			return err
		}
	}
	return nil
}

// IsReferenced reports whether the event is in some other event's
// prev_events.
func (s *Service) IsReferenced(ctx context.Context, room ref.RoomID, event ref.EventID) (bool, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return false, err
	}
	shortEventID, found, err := s.short.GetShortEventID(ctx, event)
	if err != nil || !found {
		return false, err
	}
	key := append(short.EncodeUint64(shortRoomID), short.EncodeUint64(shortEventID)...)
	_, found, err = s.referenced.Get(ctx, key)
	return found, err
}

// Relation is one edge from an annotating child back to its target.
type Relation struct {
	Position pdu.Count
	EventID  ref.EventID
}

func (s *Service) relationKey(shortRoomID uint64, target pdu.Count) []byte {
	return append(short.EncodeUint64(shortRoomID), target.Encode()...)
}

// AddRelation records that the child event at childPosition relates
// to the target event at targetPosition.
func (s *Service) AddRelation(ctx context.Context, room ref.RoomID, target, child pdu.Count, childEvent ref.EventID) error {
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	key := append(s.relationKey(shortRoomID, target), child.Encode()...)
	return s.relations.Put(ctx, key, []byte(childEvent.String()))
}

// RelationsFor returns every recorded child of the target, in
// timeline order (oldest first).
func (s *Service) RelationsFor(ctx context.Context, room ref.RoomID, target pdu.Count) ([]Relation, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return nil, err
	}
	prefix := s.relationKey(shortRoomID, target)
	var children []Relation
	err = s.relations.Scan(ctx, db.ScanOptions{Prefix: prefix}, func(key, value []byte) (bool, error) {
		position, err := pdu.DecodeCount(key[len(prefix):])
		if err != nil {
			return false, fmt.Errorf("%w: relation key: %v", db.ErrBadDatabase, err)
		}
		event, err := ref.ParseEventID(string(value))
		if err != nil {
			return false, fmt.Errorf("%w: relation child: %v", db.ErrBadDatabase, err)
		}
		children = append(children, Relation{Position: position, EventID: event})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	// Backfilled children sort before normal ones bytewise but are
	// older; Compare puts them in true timeline order.
	slices.SortFunc(children, func(a, b Relation) int { return a.Position.Compare(b.Position) })
	return children, nil
}

// AddThreadParticipant records that the user posted into the thread
// rooted at root. Idempotent.
func (s *Service) AddThreadParticipant(ctx context.Context, root ref.EventID, user ref.UserID) error {
	shortRootID, err := s.short.GetOrCreateShortEventID(ctx, root)
	if err != nil {
		return err
	}
	key := short.EncodeUint64(shortRootID)

	var participants []string
	value, found, err := s.threads.Get(ctx, key)
	if err != nil {
		return err
	}
	if found {
		if err := codec.Unmarshal(value, &participants); err != nil {
			return fmt.Errorf("%w: thread participants for %s: %v", db.ErrBadDatabase, root, err)
		}
	}
	if slices.Contains(participants, user.String()) {
		return nil
	}
	participants = append(participants, user.String())
	encoded, err := codec.Marshal(participants)
	if err != nil {
		return fmt.Errorf("relations: encoding thread participants: %w", err)
	}
	return s.threads.Put(ctx, key, encoded)
}

// ThreadParticipants returns the users who have posted into the
// thread, in first-post order.
func (s *Service) ThreadParticipants(ctx context.Context, root ref.EventID) ([]ref.UserID, error) {
	shortRootID, found, err := s.short.GetShortEventID(ctx, root)
	if err != nil || !found {
		return nil, err
	}
	value, found, err := s.threads.Get(ctx, short.EncodeUint64(shortRootID))
	if err != nil || !found {
		return nil, err
	}
	var raw []string
	if err := codec.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("%w: thread participants for %s: %v", db.ErrBadDatabase, root, err)
	}
	participants := make([]ref.UserID, 0, len(raw))
	for _, entry := range raw {
		user, err := ref.ParseUserID(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: thread participant: %v", db.ErrBadDatabase, err)
		}
		participants = append(participants, user)
	}
	return participants, nil
}
