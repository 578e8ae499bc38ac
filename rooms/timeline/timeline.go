// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/homeserver/admin"
	"github.com/bureau-foundation/homeserver/appservice"
	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/federation"
	"github.com/bureau-foundation/homeserver/lib/clock"
	"github.com/bureau-foundation/homeserver/lib/mutexmap"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/push"
	"github.com/bureau-foundation/homeserver/rooms/alias"
	"github.com/bureau-foundation/homeserver/rooms/relations"
	"github.com/bureau-foundation/homeserver/rooms/search"
	"github.com/bureau-foundation/homeserver/rooms/short"
	"github.com/bureau-foundation/homeserver/rooms/state"
	"github.com/bureau-foundation/homeserver/rooms/statecache"
	"github.com/bureau-foundation/homeserver/rooms/user"
	"github.com/bureau-foundation/homeserver/signing"
)

// maxPrevEvents caps how many forward extremities a new event
// references as parents.
const maxPrevEvents = 20

// Counter keys in the global map, alongside the short-ID counter.
const (
	pduCounterKey      = "next_pdu_count"
	backfillCounterKey = "next_backfill_count"
)

// EventHandler performs full incoming-event handling for backfilled
// events: auth-chain verification and state resolution beyond what
// the timeline itself does. Bound after construction; see
// [Service.BindEventHandler].
type EventHandler interface {
	HandleIncoming(ctx context.Context, origin ref.ServerName, event *pdu.PDU, storedJSON []byte) error
}

// Deps are the collaborators of the timeline service. All fields are
// required unless noted.
type Deps struct {
	Database  *db.Database
	Short     *short.Service
	State     *state.Service
	Cache     *statecache.Service
	Aliases   *alias.Service
	Relations *relations.Service
	Search    *search.Service
	Users     *user.Service

	Appservices *appservice.Registry
	Sender      federation.Sender
	Client      federation.Client
	Evaluator   push.Evaluator
	Pushers     push.PusherStore
	Auth        state.AuthChecker

	// AdminHandler receives control-room commands. Optional; nil
	// disables command dispatch.
	AdminHandler admin.CommandHandler

	SigningKey *signing.Key
	Server     ref.ServerName

	// AdminRoomAlias is the control room's alias
	// ("#admins:<server>").
	AdminRoomAlias ref.RoomAlias

	// TrustedServers are backfill candidates of last resort.
	TrustedServers []ref.ServerName

	// BackfillLimit caps events requested per backfill. Zero means
	// 100.
	BackfillLimit int

	// Clock stamps origin_server_ts. Nil means the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Service is the event store and append pipeline. Safe for
// concurrent use.
type Service struct {
	deps        Deps
	serviceUser ref.UserID
	logger      *slog.Logger
	clock       clock.Clock

	pdus     *db.Map // short room id ++ position → stored event JSON
	eventIDs *db.Map // event id → pduid bytes
	outliers *db.Map // event id → stored event JSON
	global   *db.Map // position counters, shared with the short-ID counter

	stateGate      *mutexmap.Map[ref.RoomID]
	insertGate     *mutexmap.Map[ref.RoomID]
	federationGate *mutexmap.Map[ref.RoomID]

	handler  EventHandler
	backfill singleflight.Group
	adminWG  sync.WaitGroup

	spaces *spaceCache
}

// NewService wires the timeline. It binds itself into the state and
// search services as their event source.
func NewService(deps Deps) (*Service, error) {
	serviceUser, err := admin.ServiceUser(deps.Server)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if deps.BackfillLimit <= 0 {
		deps.BackfillLimit = 100
	}

	s := &Service{
		deps:           deps,
		serviceUser:    serviceUser,
		logger:         logger,
		clock:          clk,
		pdus:           deps.Database.Map("pduid_pdu", db.CompressionZstd),
		eventIDs:       deps.Database.Map("eventid_pduid", db.CompressionNone),
		outliers:       deps.Database.Map("eventid_outlierpdu", db.CompressionZstd),
		global:         deps.Database.Map("global", db.CompressionNone),
		stateGate:      mutexmap.New[ref.RoomID](),
		insertGate:     mutexmap.New[ref.RoomID](),
		federationGate: mutexmap.New[ref.RoomID](),
		spaces:         newSpaceCache(),
	}
	deps.State.BindPDUSource(s)
	deps.Search.BindPDUSource(s)
	return s, nil
}

// BindEventHandler injects the incoming-event handler used by
// backfill. Separate from construction: full handlers need the
// timeline themselves.
func (s *Service) BindEventHandler(handler EventHandler) { s.handler = handler }

// LockRoom takes the room's state gate. Every state-changing append
// happens under this guard; the returned token is passed down as
// proof.
func (s *Service) LockRoom(room ref.RoomID) *state.Guard {
	return s.stateGate.Lock(room)
}

// MutexLen reports the held-gate counts (state, insert, federation),
// surfaced by the admin stats command.
func (s *Service) MutexLen() (stateGates, insertGates, federationGates int) {
	return s.stateGate.Len(), s.insertGate.Len(), s.federationGate.Len()
}

// WaitAdminCommands blocks until every in-flight control-room command
// handler has returned. Called on shutdown so replies are not cut off
// mid-append.
func (s *Service) WaitAdminCommands() { s.adminWG.Wait() }

func checkGuard(guard *state.Guard, room ref.RoomID) error {
	if guard == nil {
		return fmt.Errorf("%w: nil room guard", state.ErrForbidden)
	}
	if guard.Key() != room {
		return fmt.Errorf("%w: guard held for %s, not %s", state.ErrForbidden, guard.Key(), room)
	}
	return nil
}

// pduID is the storage key of a positioned event.
func pduID(shortRoomID uint64, position pdu.Count) []byte {
	return append(short.EncodeUint64(shortRoomID), position.Encode()...)
}

func splitPDUID(key []byte) (uint64, pdu.Count, error) {
	if len(key) < 16 {
		return 0, pdu.Count{}, fmt.Errorf("pduid too short")
	}
	shortRoomID, err := short.DecodeUint64(key[:8])
	if err != nil {
		return 0, pdu.Count{}, err
	}
	position, err := pdu.DecodeCount(key[8:])
	if err != nil {
		return 0, pdu.Count{}, err
	}
	return shortRoomID, position, nil
}

// PDUByEventID implements [state.PDUFetcher]: resolves an event ID
// to its stored event, consulting the outlier store for events not
// yet placed in a timeline. (nil, nil) when unknown.
func (s *Service) PDUByEventID(ctx context.Context, eventID ref.EventID) (*pdu.PDU, error) {
	key, found, err := s.eventIDs.Get(ctx, eventID.Bytes())
	if err != nil {
		return nil, err
	}
	if found {
		stored, found, err := s.pdus.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: event %s points at empty position", db.ErrBadDatabase, eventID)
		}
		return parseStored(stored)
	}

	stored, found, err := s.outliers.Get(ctx, eventID.Bytes())
	if err != nil || !found {
		return nil, err
	}
	return parseStored(stored)
}

func parseStored(stored []byte) (*pdu.PDU, error) {
	p, err := pdu.FromStoredJSON(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrBadDatabase, err)
	}
	return p, nil
}

// PDUAt implements [search.PDUSource]: the event at a timeline
// position, or nil.
func (s *Service) PDUAt(ctx context.Context, room ref.RoomID, position pdu.Count) (*pdu.PDU, error) {
	shortRoomID, found, err := s.deps.Short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return nil, err
	}
	stored, found, err := s.pdus.Get(ctx, pduID(shortRoomID, position))
	if err != nil || !found {
		return nil, err
	}
	return parseStored(stored)
}

// PDUJSONByID implements [federation.PDULoader]: the stored JSON at
// a pduid key, resolved at delivery time.
func (s *Service) PDUJSONByID(ctx context.Context, key []byte) ([]byte, bool, error) {
	return s.pdus.Get(ctx, key)
}

// PositionOfEvent returns the timeline position of an event, or
// found=false for unknown and outlier events.
func (s *Service) PositionOfEvent(ctx context.Context, eventID ref.EventID) (pdu.Count, bool, error) {
	key, found, err := s.eventIDs.Get(ctx, eventID.Bytes())
	if err != nil || !found {
		return pdu.Count{}, false, err
	}
	_, position, err := splitPDUID(key)
	if err != nil {
		return pdu.Count{}, false, fmt.Errorf("%w: %v", db.ErrBadDatabase, err)
	}
	return position, true, nil
}

// HasEvent reports whether the event is known, positioned or
// outlier.
func (s *Service) HasEvent(ctx context.Context, eventID ref.EventID) (bool, error) {
	_, found, err := s.eventIDs.Get(ctx, eventID.Bytes())
	if err != nil || found {
		return found, err
	}
	_, found, err = s.outliers.Get(ctx, eventID.Bytes())
	return found, err
}

// StoreOutlier keeps an event that is not (yet) part of any
// timeline: fetched auth events, not-yet-placed federation events.
func (s *Service) StoreOutlier(ctx context.Context, event *pdu.PDU, storedJSON []byte) error {
	if _, err := s.deps.Short.GetOrCreateShortEventID(ctx, event.EventID); err != nil {
		return err
	}
	return s.outliers.Put(ctx, event.EventID.Bytes(), storedJSON)
}

// TimelineEntry is one positioned event.
type TimelineEntry struct {
	Position pdu.Count
	PDU      *pdu.PDU
}

// scanRoom walks the room's positioned events. Keys within a room
// sort by position (backfilled history first, then live events).
func (s *Service) scanRoom(ctx context.Context, room ref.RoomID, options db.ScanOptions, fn func(TimelineEntry) (bool, error)) error {
	shortRoomID, found, err := s.deps.Short.GetShortRoomID(ctx, room)
	if err != nil || !found {
		return err
	}
	options.Prefix = short.EncodeUint64(shortRoomID)
	if options.From != nil {
		// From is a full map key; position tokens come in relative.
		options.From = append(short.EncodeUint64(shortRoomID), options.From...)
	}
	return s.pdus.Scan(ctx, options, func(key, value []byte) (bool, error) {
		_, position, err := splitPDUID(key)
		if err != nil {
			return false, fmt.Errorf("%w: %v", db.ErrBadDatabase, err)
		}
		p, err := parseStored(value)
		if err != nil {
			return false, err
		}
		return fn(TimelineEntry{Position: position, PDU: p})
	})
}

// FirstPDUInRoom returns the oldest stored event of the room, or nil
// for an empty room.
func (s *Service) FirstPDUInRoom(ctx context.Context, room ref.RoomID) (*TimelineEntry, error) {
	var first *TimelineEntry
	err := s.scanRoom(ctx, room, db.ScanOptions{}, func(entry TimelineEntry) (bool, error) {
		first = &entry
		return false, nil
	})
	return first, err
}

// LatestPDUInRoom returns the newest stored event of the room, or
// nil for an empty room.
func (s *Service) LatestPDUInRoom(ctx context.Context, room ref.RoomID) (*TimelineEntry, error) {
	var latest *TimelineEntry
	err := s.scanRoom(ctx, room, db.ScanOptions{Descending: true}, func(entry TimelineEntry) (bool, error) {
		latest = &entry
		return false, nil
	})
	return latest, err
}

// LastTimelineCount returns the position of the room's newest event.
// found is false for an empty room.
func (s *Service) LastTimelineCount(ctx context.Context, room ref.RoomID) (pdu.Count, bool, error) {
	latest, err := s.LatestPDUInRoom(ctx, room)
	if err != nil || latest == nil {
		return pdu.Count{}, false, err
	}
	return latest.Position, true, nil
}

// PDUsAfter walks the room's events newer than from, oldest first.
// fn returns false to stop.
func (s *Service) PDUsAfter(ctx context.Context, room ref.RoomID, from pdu.Count, fn func(TimelineEntry) (bool, error)) error {
	return s.scanRoom(ctx, room, db.ScanOptions{From: from.Encode()}, fn)
}

// PDUsUntil walks the room's events older than until, newest first.
// fn returns false to stop.
func (s *Service) PDUsUntil(ctx context.Context, room ref.RoomID, until pdu.Count, fn func(TimelineEntry) (bool, error)) error {
	return s.scanRoom(ctx, room, db.ScanOptions{From: until.Encode(), Descending: true}, fn)
}

// AllPDUs walks every event of the room, oldest first.
func (s *Service) AllPDUs(ctx context.Context, room ref.RoomID, fn func(TimelineEntry) (bool, error)) error {
	return s.scanRoom(ctx, room, db.ScanOptions{}, fn)
}
