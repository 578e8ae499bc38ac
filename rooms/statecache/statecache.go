// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statecache

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/homeserver/appservice"
	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/codec"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

// Service is the membership cache. Safe for concurrent use.
type Service struct {
	server ref.ServerName
	short  *short.Service

	members     *db.Map // short room id ++ user id → memberRecord
	inviteState *db.Map // short room id ++ user id → invite state JSON
}

// memberRecord is the cached membership of one user in one room.
type memberRecord struct {
	Membership string `cbor:"m"`
}

// NewService wires the membership cache maps.
func NewService(database *db.Database, shortService *short.Service, server ref.ServerName) *Service {
	return &Service{
		server:      server,
		short:       shortService,
		members:     database.Map("roomuserid_membership", db.CompressionLZ4),
		inviteState: database.Map("roomuserid_invitestate", db.CompressionLZ4),
	}
}

func (s *Service) memberKey(shortRoomID uint64, user ref.UserID) []byte {
	key := short.EncodeUint64(shortRoomID)
	return append(key, user.String()...)
}

// UpdateMembership records the user's membership in the room. Leave
// and ban are kept, not deleted — bans must stay visible, and a
// leave record distinguishes "left" from "never here". An invite's
// stripped room state is stored alongside; any other transition
// clears it.
func (s *Service) UpdateMembership(ctx context.Context, room ref.RoomID, user ref.UserID, membership string) error {
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	record, err := codec.Marshal(memberRecord{Membership: membership})
	if err != nil {
		return fmt.Errorf("statecache: encoding membership: %w", err)
	}
	if err := s.members.Put(ctx, s.memberKey(shortRoomID, user), record); err != nil {
		return err
	}
	if membership != "invite" {
		return s.inviteState.Delete(ctx, s.memberKey(shortRoomID, user))
	}
	return nil
}

// StoreInviteState keeps the stripped state that accompanied a
// user's invite, for surfacing when the invited server or client
// asks about the room.
func (s *Service) StoreInviteState(ctx context.Context, room ref.RoomID, user ref.UserID, inviteStateJSON []byte) error {
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	return s.inviteState.Put(ctx, s.memberKey(shortRoomID, user), inviteStateJSON)
}

// InviteState returns the stripped state stored with the user's
// invite.
func (s *Service) InviteState(ctx context.Context, room ref.RoomID, user ref.UserID) ([]byte, bool, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return nil, false, err
	}
	return s.inviteState.Get(ctx, s.memberKey(shortRoomID, user))
}

// Membership returns the user's cached membership in the room.
// found is false when the user has never had one.
func (s *Service) Membership(ctx context.Context, room ref.RoomID, user ref.UserID) (string, bool, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return "", false, err
	}
	value, found, err := s.members.Get(ctx, s.memberKey(shortRoomID, user))
	if err != nil || !found {
		return "", false, err
	}
	var record memberRecord
	if err := codec.Unmarshal(value, &record); err != nil {
		return "", false, fmt.Errorf("%w: membership record for %s in %s: %v", db.ErrBadDatabase, user, room, err)
	}
	return record.Membership, true, nil
}

// IsJoined reports whether the user is currently joined.
func (s *Service) IsJoined(ctx context.Context, room ref.RoomID, user ref.UserID) (bool, error) {
	membership, found, err := s.Membership(ctx, room, user)
	return found && membership == "join", err
}

// forEachMember visits every cached membership in the room.
func (s *Service) forEachMember(ctx context.Context, room ref.RoomID, fn func(user ref.UserID, membership string) error) error {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return err
	}
	return s.members.Scan(ctx, db.ScanOptions{Prefix: short.EncodeUint64(shortRoomID)}, func(key, value []byte) (bool, error) {
		user, err := ref.ParseUserID(string(key[8:]))
		if err != nil {
			return false, fmt.Errorf("%w: membership key: %v", db.ErrBadDatabase, err)
		}
		var record memberRecord
		if err := codec.Unmarshal(value, &record); err != nil {
			return false, fmt.Errorf("%w: membership record for %s: %v", db.ErrBadDatabase, user, err)
		}
		return true, fn(user, record.Membership)
	})
}

// JoinedMembers returns every joined user in the room.
func (s *Service) JoinedMembers(ctx context.Context, room ref.RoomID) ([]ref.UserID, error) {
	var joined []ref.UserID
	err := s.forEachMember(ctx, room, func(user ref.UserID, membership string) error {
		if membership == "join" {
			joined = append(joined, user)
		}
		return nil
	})
	return joined, err
}

// ActiveLocalUsers returns the joined users that belong to this
// server: the audience for push evaluation and notification counts.
func (s *Service) ActiveLocalUsers(ctx context.Context, room ref.RoomID) ([]ref.UserID, error) {
	var local []ref.UserID
	err := s.forEachMember(ctx, room, func(user ref.UserID, membership string) error {
		if membership == "join" && user.Server() == s.server {
			local = append(local, user)
		}
		return nil
	})
	return local, err
}

// RoomServers returns the distinct servers with at least one joined
// user in the room, the local server included.
func (s *Service) RoomServers(ctx context.Context, room ref.RoomID) ([]ref.ServerName, error) {
	seen := map[ref.ServerName]bool{}
	var servers []ref.ServerName
	err := s.forEachMember(ctx, room, func(user ref.UserID, membership string) error {
		if membership != "join" {
			return nil
		}
		server := user.Server()
		if !seen[server] {
			seen[server] = true
			servers = append(servers, server)
		}
		return nil
	})
	return servers, err
}

// AppserviceInRoom reports whether the application service observes
// the room: its sender user is joined, or any joined user matches
// its user namespaces.
func (s *Service) AppserviceInRoom(ctx context.Context, room ref.RoomID, service *appservice.Appservice) (bool, error) {
	senderUser, err := ref.NewUserID(service.SenderLocalpart, s.server)
	if err != nil {
		return false, fmt.Errorf("statecache: appservice %s sender: %w", service.ID, err)
	}

	inRoom := false
	err = s.forEachMember(ctx, room, func(user ref.UserID, membership string) error {
		if membership != "join" {
			return nil
		}
		if user == senderUser || service.Users.Match(user.String()) {
			inRoom = true
		}
		return nil
	})
	return inRoom, err
}
