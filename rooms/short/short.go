// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package short

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// Service allocates and resolves short IDs. Safe for concurrent use.
type Service struct {
	counter *db.Map // global counter ("next_short_id")

	roomIDShort    *db.Map // room ID → short room ID
	eventIDShort   *db.Map // event ID → short event ID
	shortEventID   *db.Map // short event ID → event ID
	stateHashShort *db.Map // fingerprint → short state hash
	eventStateHash *db.Map // short event ID → short state hash
	stateKeyShort  *db.Map // type \0 state key → short state key
	shortStateKey  *db.Map // short state key → type \0 state key
}

var counterKey = []byte("next_short_id")

// NewService wires the short-ID maps.
func NewService(database *db.Database) *Service {
	return &Service{
		counter:        database.Map("global", db.CompressionNone),
		roomIDShort:    database.Map("roomid_shortroomid", db.CompressionNone),
		eventIDShort:   database.Map("eventid_shorteventid", db.CompressionNone),
		shortEventID:   database.Map("shorteventid_eventid", db.CompressionNone),
		stateHashShort: database.Map("statehash_shortstatehash", db.CompressionNone),
		eventStateHash: database.Map("shorteventid_shortstatehash", db.CompressionNone),
		stateKeyShort:  database.Map("statekey_shortstatekey", db.CompressionNone),
		shortStateKey:  database.Map("shortstatekey_statekey", db.CompressionNone),
	}
}

// EncodeUint64 returns the 8-byte big-endian form used in keys.
func EncodeUint64(n uint64) []byte {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, n)
	return encoded
}

// DecodeUint64 reverses EncodeUint64.
func DecodeUint64(encoded []byte) (uint64, error) {
	if len(encoded) != 8 {
		return 0, fmt.Errorf("%w: short id has %d bytes, want 8", db.ErrBadDatabase, len(encoded))
	}
	return binary.BigEndian.Uint64(encoded), nil
}

// allocate claims the next value of the global counter.
func (s *Service) allocate(ctx context.Context) (uint64, error) {
	return s.counter.Increment(ctx, counterKey)
}

// getOrCreate resolves key in forward, allocating a fresh short ID
// on first sight. When reverse is non-nil the winning ID is also
// recorded there. Losing an allocation race adopts the winner's ID.
func (s *Service) getOrCreate(ctx context.Context, forward, reverse *db.Map, key []byte) (uint64, bool, error) {
	if existing, found, err := forward.Get(ctx, key); err != nil {
		return 0, false, err
	} else if found {
		id, err := DecodeUint64(existing)
		return id, false, err
	}

	allocated, err := s.allocate(ctx)
	if err != nil {
		return 0, false, err
	}
	stored, inserted, err := forward.PutIfAbsent(ctx, key, EncodeUint64(allocated))
	if err != nil {
		return 0, false, err
	}
	id, err := DecodeUint64(stored)
	if err != nil {
		return 0, false, err
	}
	if inserted && reverse != nil {
		if err := reverse.Put(ctx, EncodeUint64(id), key); err != nil {
			return 0, false, err
		}
	}
	return id, inserted, nil
}

// GetOrCreateShortRoomID returns the room's short ID, allocating it
// on first sight.
func (s *Service) GetOrCreateShortRoomID(ctx context.Context, roomID ref.RoomID) (uint64, error) {
	id, _, err := s.getOrCreate(ctx, s.roomIDShort, nil, roomID.Bytes())
	return id, err
}

// GetShortRoomID returns the room's short ID if one exists.
func (s *Service) GetShortRoomID(ctx context.Context, roomID ref.RoomID) (uint64, bool, error) {
	value, found, err := s.roomIDShort.Get(ctx, roomID.Bytes())
	if err != nil || !found {
		return 0, false, err
	}
	id, err := DecodeUint64(value)
	return id, err == nil, err
}

// GetOrCreateShortEventID returns the event's short ID, allocating
// it on first sight. Idempotent under concurrent callers.
func (s *Service) GetOrCreateShortEventID(ctx context.Context, eventID ref.EventID) (uint64, error) {
	id, _, err := s.getOrCreate(ctx, s.eventIDShort, s.shortEventID, eventID.Bytes())
	return id, err
}

// GetShortEventID returns the event's short ID if one exists.
func (s *Service) GetShortEventID(ctx context.Context, eventID ref.EventID) (uint64, bool, error) {
	value, found, err := s.eventIDShort.Get(ctx, eventID.Bytes())
	if err != nil || !found {
		return 0, false, err
	}
	id, err := DecodeUint64(value)
	return id, err == nil, err
}

// EventIDFromShort resolves a short event ID back to the event ID.
// A dangling short ID is a stored-byte invariant violation.
func (s *Service) EventIDFromShort(ctx context.Context, shortID uint64) (ref.EventID, error) {
	value, found, err := s.shortEventID.Get(ctx, EncodeUint64(shortID))
	if err != nil {
		return ref.EventID{}, err
	}
	if !found {
		return ref.EventID{}, fmt.Errorf("%w: short event id %d has no event id", db.ErrBadDatabase, shortID)
	}
	eventID, err := ref.ParseEventID(string(value))
	if err != nil {
		return ref.EventID{}, fmt.Errorf("%w: short event id %d: %v", db.ErrBadDatabase, shortID, err)
	}
	return eventID, nil
}

// GetOrCreateShortStateHash returns the short state hash for a
// state-set fingerprint. created reports whether this call allocated
// it, in which case the caller must persist the snapshot content
// before publishing the hash.
func (s *Service) GetOrCreateShortStateHash(ctx context.Context, fingerprint StateFingerprint) (shortStateHash uint64, created bool, err error) {
	return s.getOrCreate(ctx, s.stateHashShort, nil, fingerprint[:])
}

// ShortStateHashForEvent returns the state snapshot at the given
// event, recorded by SetShortStateHashForEvent when the event was
// appended.
func (s *Service) ShortStateHashForEvent(ctx context.Context, shortEventID uint64) (uint64, bool, error) {
	value, found, err := s.eventStateHash.Get(ctx, EncodeUint64(shortEventID))
	if err != nil || !found {
		return 0, false, err
	}
	id, err := DecodeUint64(value)
	return id, err == nil, err
}

// SetShortStateHashForEvent records the state snapshot at an event.
func (s *Service) SetShortStateHashForEvent(ctx context.Context, shortEventID, shortStateHash uint64) error {
	return s.eventStateHash.Put(ctx, EncodeUint64(shortEventID), EncodeUint64(shortStateHash))
}

// GetOrCreateShortStateKey returns the short ID of a
// (event type, state key) pair, allocating it on first sight.
func (s *Service) GetOrCreateShortStateKey(ctx context.Context, eventType ref.EventType, stateKey string) (uint64, error) {
	id, _, err := s.getOrCreate(ctx, s.stateKeyShort, s.shortStateKey, stateKeyBytes(eventType, stateKey))
	return id, err
}

// GetShortStateKey returns the short ID of a (event type, state key)
// pair if one exists.
func (s *Service) GetShortStateKey(ctx context.Context, eventType ref.EventType, stateKey string) (uint64, bool, error) {
	value, found, err := s.stateKeyShort.Get(ctx, stateKeyBytes(eventType, stateKey))
	if err != nil || !found {
		return 0, false, err
	}
	id, err := DecodeUint64(value)
	return id, err == nil, err
}

// StateKeyFromShort resolves a short state key back to its
// (event type, state key) pair.
func (s *Service) StateKeyFromShort(ctx context.Context, shortStateKey uint64) (ref.EventType, string, error) {
	value, found, err := s.shortStateKey.Get(ctx, EncodeUint64(shortStateKey))
	if err != nil {
		return "", "", err
	}
	if !found {
		return "", "", fmt.Errorf("%w: short state key %d has no pair", db.ErrBadDatabase, shortStateKey)
	}
	eventType, stateKey, err := splitStateKeyBytes(value)
	if err != nil {
		return "", "", fmt.Errorf("%w: short state key %d: %v", db.ErrBadDatabase, shortStateKey, err)
	}
	return eventType, stateKey, nil
}

// stateKeyBytes encodes a (type, state key) pair as type \0 key.
// Event types never contain NUL, so the split is unambiguous.
func stateKeyBytes(eventType ref.EventType, stateKey string) []byte {
	encoded := make([]byte, 0, len(eventType)+1+len(stateKey))
	encoded = append(encoded, eventType.String()...)
	encoded = append(encoded, 0)
	return append(encoded, stateKey...)
}

func splitStateKeyBytes(encoded []byte) (ref.EventType, string, error) {
	for i, b := range encoded {
		if b == 0 {
			return ref.EventType(encoded[:i]), string(encoded[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("no separator in state key pair")
}
