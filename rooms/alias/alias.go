// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package alias

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

// ErrAliasTaken is returned when setting an alias that already points
// at a different room.
var ErrAliasTaken = errors.New("alias: alias already points at another room")

// Service is the local alias table. Safe for concurrent use.
type Service struct {
	short *short.Service

	aliasRoom   *db.Map // alias string → room ID string
	roomAliases *db.Map // short room id ++ alias string → empty
}

// NewService wires the alias table maps.
func NewService(database *db.Database, shortService *short.Service) *Service {
	return &Service{
		short:       shortService,
		aliasRoom:   database.Map("alias_roomid", db.CompressionNone),
		roomAliases: database.Map("aliasid_alias", db.CompressionNone),
	}
}

func (s *Service) roomAliasKey(shortRoomID uint64, a ref.RoomAlias) []byte {
	key := short.EncodeUint64(shortRoomID)
	return append(key, a.String()...)
}

// SetAlias points the alias at the room. Setting an alias that
// already points at the same room is a no-op; pointing it elsewhere
// requires removing it first.
func (s *Service) SetAlias(ctx context.Context, a ref.RoomAlias, room ref.RoomID) error {
	existing, found, err := s.aliasRoom.Get(ctx, []byte(a.String()))
	if err != nil {
		return err
	}
	if found {
		if string(existing) == room.String() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAliasTaken, a)
	}

	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	if err := s.aliasRoom.Put(ctx, []byte(a.String()), []byte(room.String())); err != nil {
		return err
	}
	return s.roomAliases.Put(ctx, s.roomAliasKey(shortRoomID, a), nil)
}

// RemoveAlias deletes the alias. Removing an unknown alias is a
// no-op.
func (s *Service) RemoveAlias(ctx context.Context, a ref.RoomAlias) error {
	value, found, err := s.aliasRoom.Get(ctx, []byte(a.String()))
	if err != nil || !found {
		return err
	}
	room, err := ref.ParseRoomID(string(value))
	if err != nil {
		return fmt.Errorf("%w: alias target: %v", db.ErrBadDatabase, err)
	}
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	if found {
		if err := s.roomAliases.Delete(ctx, s.roomAliasKey(shortRoomID, a)); err != nil {
			return err
		}
	}
	return s.aliasRoom.Delete(ctx, []byte(a.String()))
}

// Resolve returns the room the alias points at. found is false for
// an unknown alias.
func (s *Service) Resolve(ctx context.Context, a ref.RoomAlias) (ref.RoomID, bool, error) {
	value, found, err := s.aliasRoom.Get(ctx, []byte(a.String()))
	if err != nil || !found {
		return ref.RoomID{}, false, err
	}
	room, err := ref.ParseRoomID(string(value))
	if err != nil {
		return ref.RoomID{}, false, fmt.Errorf("%w: alias target for %s: %v", db.ErrBadDatabase, a, err)
	}
	return room, true, nil
}

// LocalAliasesForRoom returns every alias pointing at the room.
func (s *Service) LocalAliasesForRoom(ctx context.Context, room ref.RoomID) ([]ref.RoomAlias, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return nil, err
	}
	var aliases []ref.RoomAlias
	err = s.roomAliases.Scan(ctx, db.ScanOptions{Prefix: short.EncodeUint64(shortRoomID)}, func(key, value []byte) (bool, error) {
		a, err := ref.ParseRoomAlias(string(key[8:]))
		if err != nil {
			return false, fmt.Errorf("%w: alias key: %v", db.ErrBadDatabase, err)
		}
		aliases = append(aliases, a)
		return true, nil
	})
	return aliases, err
}
