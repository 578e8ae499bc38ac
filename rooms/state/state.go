// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/codec"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/short"
)

// PDUFetcher resolves event IDs to stored events. Returns (nil, nil)
// for unknown events. Implemented by the timeline service and bound
// at wiring time.
type PDUFetcher interface {
	PDUByEventID(ctx context.Context, eventID ref.EventID) (*pdu.PDU, error)
}

// Service tracks room state snapshots and forward extremities. Safe
// for concurrent use once BindPDUSource has been called.
type Service struct {
	short     *short.Service
	leaves    *db.Map // short room id ++ short event id → event id
	roomState *db.Map // short room id → short state hash
	stateSets *db.Map // short state hash → CBOR []statePair
	fetcher   PDUFetcher
}

// statePair is one entry of a state snapshot.
type statePair struct {
	Key     uint64 `cbor:"k"` // short state key
	EventID uint64 `cbor:"e"` // short event id
}

// NewService wires the state maps. BindPDUSource must be called
// before any method that reads event content.
func NewService(database *db.Database, shortService *short.Service) *Service {
	return &Service{
		short:     shortService,
		leaves:    database.Map("roomid_pduleaves", db.CompressionNone),
		roomState: database.Map("roomid_shortstatehash", db.CompressionNone),
		stateSets: database.Map("shortstatehash_stateset", db.CompressionLZ4),
	}
}

// BindPDUSource injects the event store. The timeline service and
// this one reference each other; the timeline is constructed second
// and binds itself here.
func (s *Service) BindPDUSource(fetcher PDUFetcher) {
	s.fetcher = fetcher
}

// ForwardExtremities returns the room's current forward extremities:
// the events no later event references yet. Empty for unknown rooms.
func (s *Service) ForwardExtremities(ctx context.Context, room ref.RoomID) ([]ref.EventID, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return nil, err
	}

	var extremities []ref.EventID
	err = s.leaves.Scan(ctx, db.ScanOptions{Prefix: short.EncodeUint64(shortRoomID)}, func(key, value []byte) (bool, error) {
		eventID, err := ref.ParseEventID(string(value))
		if err != nil {
			return false, fmt.Errorf("%w: extremity: %v", db.ErrBadDatabase, err)
		}
		extremities = append(extremities, eventID)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return extremities, nil
}

// SetForwardExtremities replaces the room's forward extremities.
// guard must be the held state gate for the room.
func (s *Service) SetForwardExtremities(ctx context.Context, room ref.RoomID, leaves []ref.EventID, guard *Guard) error {
	if err := checkGuard(guard, room); err != nil {
		return err
	}
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	if err := s.leaves.DeletePrefix(ctx, short.EncodeUint64(shortRoomID)); err != nil {
		return err
	}
	for _, leaf := range leaves {
		shortEventID, err := s.short.GetOrCreateShortEventID(ctx, leaf)
		if err != nil {
			return err
		}
		key := append(short.EncodeUint64(shortRoomID), short.EncodeUint64(shortEventID)...)
		if err := s.leaves.Put(ctx, key, leaf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// CurrentShortStateHash returns the room's current state snapshot
// pointer.
func (s *Service) CurrentShortStateHash(ctx context.Context, room ref.RoomID) (uint64, bool, error) {
	shortRoomID, found, err := s.short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return 0, false, err
	}
	value, found, err := s.roomState.Get(ctx, short.EncodeUint64(shortRoomID))
	if err != nil || !found {
		return 0, false, err
	}
	hash, err := short.DecodeUint64(value)
	return hash, err == nil, err
}

// SetRoomState moves the room's current state pointer to the given
// snapshot. guard must be the held state gate for the room.
func (s *Service) SetRoomState(ctx context.Context, room ref.RoomID, shortStateHash uint64, guard *Guard) error {
	if err := checkGuard(guard, room); err != nil {
		return err
	}
	shortRoomID, err := s.short.GetOrCreateShortRoomID(ctx, room)
	if err != nil {
		return err
	}
	return s.roomState.Put(ctx, short.EncodeUint64(shortRoomID), short.EncodeUint64(shortStateHash))
}

// SetEventState records the state snapshot at a single event.
func (s *Service) SetEventState(ctx context.Context, shortEventID, shortStateHash uint64) error {
	return s.short.SetShortStateHashForEvent(ctx, shortEventID, shortStateHash)
}

// stateSet loads a snapshot's pairs.
func (s *Service) stateSet(ctx context.Context, shortStateHash uint64) ([]statePair, error) {
	value, found, err := s.stateSets.Get(ctx, short.EncodeUint64(shortStateHash))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: state snapshot %d has no set", db.ErrBadDatabase, shortStateHash)
	}
	var pairs []statePair
	if err := codec.Unmarshal(value, &pairs); err != nil {
		return nil, fmt.Errorf("%w: state snapshot %d: %v", db.ErrBadDatabase, shortStateHash, err)
	}
	return pairs, nil
}

// saveSet persists a snapshot's pairs under its hash. Fingerprints
// make the mapping content-addressed, so double writes are
// identical.
func (s *Service) saveSet(ctx context.Context, shortStateHash uint64, pairs []statePair) error {
	encoded, err := codec.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("state: encoding snapshot: %w", err)
	}
	return s.stateSets.Put(ctx, short.EncodeUint64(shortStateHash), encoded)
}

// snapshotForPairs fingerprints the pairs and allocates (or finds)
// their short state hash, persisting the set on first allocation.
func (s *Service) snapshotForPairs(ctx context.Context, pairs []statePair) (uint64, error) {
	shortEventIDs := make([]uint64, len(pairs))
	for i, pair := range pairs {
		shortEventIDs[i] = pair.EventID
	}
	hash, created, err := s.short.GetOrCreateShortStateHash(ctx, short.Fingerprint(shortEventIDs))
	if err != nil {
		return 0, err
	}
	if created {
		if err := s.saveSet(ctx, hash, pairs); err != nil {
			return 0, err
		}
	}
	return hash, nil
}

// AppendToState produces the state snapshot that holds after p. For
// a state event this is the successor of the current snapshot with
// the (type, state key) pair replaced; for timeline events it is the
// current snapshot unchanged. Returns the snapshot's short state
// hash; the caller moves the room pointer with SetRoomState under
// the state gate.
func (s *Service) AppendToState(ctx context.Context, p *pdu.PDU) (uint64, error) {
	current, hasState, err := s.CurrentShortStateHash(ctx, p.RoomID)
	if err != nil {
		return 0, err
	}

	if !p.IsState() {
		if !hasState {
			return 0, fmt.Errorf("state: timeline event %s in room %s with no state", p.EventID, p.RoomID)
		}
		return current, nil
	}

	var pairs []statePair
	if hasState {
		pairs, err = s.stateSet(ctx, current)
		if err != nil {
			return 0, err
		}
	}

	shortStateKey, err := s.short.GetOrCreateShortStateKey(ctx, p.Type, p.StateKeyValue())
	if err != nil {
		return 0, err
	}
	shortEventID, err := s.short.GetOrCreateShortEventID(ctx, p.EventID)
	if err != nil {
		return 0, err
	}

	next := make([]statePair, 0, len(pairs)+1)
	for _, pair := range pairs {
		if pair.Key != shortStateKey {
			next = append(next, pair)
		}
	}
	next = append(next, statePair{Key: shortStateKey, EventID: shortEventID})

	return s.snapshotForPairs(ctx, next)
}

// SetEventStateFromIDs records the state at an incoming event from
// the sender's resolved view: the full list of state event IDs in
// force at that event.
func (s *Service) SetEventStateFromIDs(ctx context.Context, eventID ref.EventID, stateIDs []ref.EventID) error {
	pairs := make([]statePair, 0, len(stateIDs))
	for _, stateID := range stateIDs {
		stateEvent, err := s.fetcher.PDUByEventID(ctx, stateID)
		if err != nil {
			return err
		}
		if stateEvent == nil || !stateEvent.IsState() {
			return fmt.Errorf("state: resolved state references %s, which is not a known state event", stateID)
		}
		shortStateKey, err := s.short.GetOrCreateShortStateKey(ctx, stateEvent.Type, stateEvent.StateKeyValue())
		if err != nil {
			return err
		}
		shortEventID, err := s.short.GetOrCreateShortEventID(ctx, stateID)
		if err != nil {
			return err
		}
		pairs = append(pairs, statePair{Key: shortStateKey, EventID: shortEventID})
	}

	hash, err := s.snapshotForPairs(ctx, pairs)
	if err != nil {
		return err
	}
	shortEventID, err := s.short.GetOrCreateShortEventID(ctx, eventID)
	if err != nil {
		return err
	}
	return s.SetEventState(ctx, shortEventID, hash)
}

// StateEventAt returns the state event for (type, state key) in the
// given snapshot, or nil when the snapshot has none.
func (s *Service) StateEventAt(ctx context.Context, shortStateHash uint64, eventType ref.EventType, stateKey string) (*pdu.PDU, error) {
	shortStateKey, found, err := s.short.GetShortStateKey(ctx, eventType, stateKey)
	if err != nil || !found {
		return nil, err
	}
	pairs, err := s.stateSet(ctx, shortStateHash)
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		if pair.Key != shortStateKey {
			continue
		}
		eventID, err := s.short.EventIDFromShort(ctx, pair.EventID)
		if err != nil {
			return nil, err
		}
		return s.fetcher.PDUByEventID(ctx, eventID)
	}
	return nil, nil
}

// CurrentStateEvent returns the room's current state event for
// (type, state key), or nil.
func (s *Service) CurrentStateEvent(ctx context.Context, room ref.RoomID, eventType ref.EventType, stateKey string) (*pdu.PDU, error) {
	current, hasState, err := s.CurrentShortStateHash(ctx, room)
	if err != nil || !hasState {
		return nil, err
	}
	return s.StateEventAt(ctx, current, eventType, stateKey)
}

// CurrentStateEvents returns every event in the room's current
// state.
func (s *Service) CurrentStateEvents(ctx context.Context, room ref.RoomID) ([]*pdu.PDU, error) {
	current, hasState, err := s.CurrentShortStateHash(ctx, room)
	if err != nil || !hasState {
		return nil, err
	}
	pairs, err := s.stateSet(ctx, current)
	if err != nil {
		return nil, err
	}
	events := make([]*pdu.PDU, 0, len(pairs))
	for _, pair := range pairs {
		eventID, err := s.short.EventIDFromShort(ctx, pair.EventID)
		if err != nil {
			return nil, err
		}
		event, err := s.fetcher.PDUByEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, fmt.Errorf("%w: state references unknown event %s", db.ErrBadDatabase, eventID)
		}
		events = append(events, event)
	}
	return events, nil
}

// GetRoomVersion returns the room's version from its create event.
// The create event itself is handled by the caller before any state
// exists (its version comes from its own content).
func (s *Service) GetRoomVersion(ctx context.Context, room ref.RoomID) (string, error) {
	create, err := s.CurrentStateEvent(ctx, room, ref.RoomCreate, "")
	if err != nil {
		return "", err
	}
	if create == nil {
		return "", fmt.Errorf("state: room %s has no m.room.create event", room)
	}
	return RoomVersionFromCreateContent(create.Content), nil
}

// RoomVersionFromCreateContent extracts room_version from create
// event content. Absent means version 1.
func RoomVersionFromCreateContent(content []byte) string {
	var parsed struct {
		RoomVersion string `json:"room_version"`
	}
	if err := json.Unmarshal(content, &parsed); err != nil || parsed.RoomVersion == "" {
		return "1"
	}
	return parsed.RoomVersion
}

// PowerLevelsForRoom returns the room's current power levels, or the
// default shape (creator at 100) when the room has no power-levels
// event yet.
func (s *Service) PowerLevelsForRoom(ctx context.Context, room ref.RoomID) (*PowerLevels, error) {
	event, err := s.CurrentStateEvent(ctx, room, ref.RoomPowerLevels, "")
	if err != nil {
		return nil, err
	}
	if event != nil {
		return ParsePowerLevels(event.Content)
	}

	create, err := s.CurrentStateEvent(ctx, room, ref.RoomCreate, "")
	if err != nil {
		return nil, err
	}
	var creator ref.UserID
	if create != nil {
		creator = create.Sender
	}
	return DefaultPowerLevels(creator), nil
}
