// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/codec"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// Pusher is one registered push endpoint of a user.
type Pusher struct {
	// Pushkey identifies the endpoint, unique per user.
	Pushkey string `cbor:"k"`

	// Kind is "http" or "email".
	Kind string `cbor:"t"`

	// AppID names the client application that registered the pusher.
	AppID string `cbor:"a"`
}

// Store is the db-backed [PusherStore].
type Store struct {
	pushers *db.Map // user id ++ 0x00 ++ pushkey → Pusher
}

// NewStore wires the pusher map.
func NewStore(database *db.Database) *Store {
	return &Store{pushers: database.Map("senderkey_pusher", db.CompressionLZ4)}
}

// The zero byte separates user ID from pushkey; neither contains it.
func pusherKey(user ref.UserID, pushkey string) []byte {
	key := append([]byte(user.String()), 0x00)
	return append(key, pushkey...)
}

// SetPusher registers or replaces a pusher.
func (s *Store) SetPusher(ctx context.Context, user ref.UserID, pusher Pusher) error {
	if pusher.Pushkey == "" {
		return fmt.Errorf("push: pusher for %s has no pushkey", user)
	}
	value, err := codec.Marshal(pusher)
	if err != nil {
		return fmt.Errorf("push: encoding pusher: %w", err)
	}
	return s.pushers.Put(ctx, pusherKey(user, pusher.Pushkey), value)
}

// DeletePusher removes a pusher. Unknown pushkeys are a no-op.
func (s *Store) DeletePusher(ctx context.Context, user ref.UserID, pushkey string) error {
	return s.pushers.Delete(ctx, pusherKey(user, pushkey))
}

// Pushkeys implements [PusherStore].
func (s *Store) Pushkeys(ctx context.Context, user ref.UserID) ([]string, error) {
	prefix := append([]byte(user.String()), 0x00)
	var keys []string
	err := s.pushers.Scan(ctx, db.ScanOptions{Prefix: prefix}, func(key, value []byte) (bool, error) {
		var pusher Pusher
		if err := codec.Unmarshal(value, &pusher); err != nil {
			return false, fmt.Errorf("%w: pusher for %s: %v", db.ErrBadDatabase, user, err)
		}
		keys = append(keys, pusher.Pushkey)
		return true, nil
	})
	return keys, err
}
