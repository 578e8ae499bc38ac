// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

// Service holds the per-user room counters. Safe for concurrent use.
type Service struct {
	short *short.Service

	notifications *db.Map // short room id ++ user id → counter
	highlights    *db.Map // short room id ++ user id → counter
	privateRead   *db.Map // short room id ++ user id → position
}

// NewService wires the counter maps.
func NewService(database *db.Database, shortService *short.Service) *Service {
	return &Service{
		short:         shortService,
		notifications: database.Map("roomuserid_notificationcount", db.CompressionNone),
		highlights:    database.Map("roomuserid_highlightcount", db.CompressionNone),
		privateRead:   database.Map("roomuserid_privateread", db.CompressionNone),
	}
}

func (s *Service) key(shortRoomID uint64, user ref.UserID) []byte {
	key := short.EncodeUint64(shortRoomID)
	return append(key, user.String()...)
}

// IncrementNotificationCount bumps the user's unread notification
// count in the room and returns the new value.
func (s *Service) IncrementNotificationCount(ctx context.Context, room ref.RoomID, user ref.UserID) (int64, error) {
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return 0, err
	}
	count, err := s.notifications.Increment(ctx, s.key(shortRoomID, user))
	return int64(count), err
}

// IncrementHighlightCount bumps the user's unread highlight count in
// the room and returns the new value.
func (s *Service) IncrementHighlightCount(ctx context.Context, room ref.RoomID, user ref.UserID) (int64, error) {
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return 0, err
	}
	count, err := s.highlights.Increment(ctx, s.key(shortRoomID, user))
	return int64(count), err
}

// NotificationCount returns the user's unread notification count in
// the room.
func (s *Service) NotificationCount(ctx context.Context, room ref.RoomID, user ref.UserID) (int64, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return 0, err
	}
	count, err := s.notifications.Counter(ctx, s.key(shortRoomID, user))
	return int64(count), err
}

// HighlightCount returns the user's unread highlight count in the
// room.
func (s *Service) HighlightCount(ctx context.Context, room ref.RoomID, user ref.UserID) (int64, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return 0, err
	}
	count, err := s.highlights.Counter(ctx, s.key(shortRoomID, user))
	return int64(count), err
}

// ResetCounts zeroes both counters, done when the user sends into
// the room or reads it.
func (s *Service) ResetCounts(ctx context.Context, room ref.RoomID, user ref.UserID) error {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return err
	}
	if err := s.notifications.ResetCounter(ctx, s.key(shortRoomID, user)); err != nil {
		return err
	}
	return s.highlights.ResetCounter(ctx, s.key(shortRoomID, user))
}

// SetPrivateReadMarker advances the user's private read marker to
// the position. Moving it backwards is a no-op.
func (s *Service) SetPrivateReadMarker(ctx context.Context, room ref.RoomID, user ref.UserID, position pdu.Count) error {
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	current, found, err := s.readMarker(ctx, shortRoomID, user)
	if err != nil {
		return err
	}
	if found && position.Compare(current) <= 0 {
		return nil
	}
	return s.privateRead.Put(ctx, s.key(shortRoomID, user), position.Encode())
}

// PrivateReadMarker returns the user's private read marker in the
// room. found is false when none has been set.
func (s *Service) PrivateReadMarker(ctx context.Context, room ref.RoomID, user ref.UserID) (pdu.Count, bool, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return pdu.Count{}, false, err
	}
	return s.readMarker(ctx, shortRoomID, user)
}

func (s *Service) readMarker(ctx context.Context, shortRoomID uint64, user ref.UserID) (pdu.Count, bool, error) {
	value, found, err := s.privateRead.Get(ctx, s.key(shortRoomID, user))
	if err != nil || !found {
		return pdu.Count{}, false, err
	}
	position, err := pdu.DecodeCount(value)
	if err != nil {
		return pdu.Count{}, false, fmt.Errorf("%w: read marker for %s: %v", db.ErrBadDatabase, user, err)
	}
	return position, true, nil
}
