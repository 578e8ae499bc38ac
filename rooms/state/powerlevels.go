// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/homeserver/lib/ref"
)

// PowerLevels is the parsed content of m.room.power_levels, with the
// protocol defaults filled in for absent fields.
type PowerLevels struct {
	Ban           int64            `json:"ban"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	Invite        int64            `json:"invite"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	Users         map[string]int64 `json:"users"`
}

// DefaultPowerLevels is the shape a room has before any
// m.room.power_levels event: the creator is at 100, moderation
// actions at 50, everyone else at 0.
func DefaultPowerLevels(creator ref.UserID) *PowerLevels {
	levels := defaultLevels()
	if !creator.IsZero() {
		levels.Users[creator.String()] = 100
	}
	return levels
}

func defaultLevels() *PowerLevels {
	return &PowerLevels{
		Ban:           50,
		Kick:          50,
		Redact:        50,
		Invite:        0,
		EventsDefault: 0,
		StateDefault:  50,
		UsersDefault:  0,
		Events:        map[string]int64{},
		Users:         map[string]int64{},
	}
}

// ParsePowerLevels parses power-levels event content. Absent fields
// take the protocol defaults; present fields override them.
func ParsePowerLevels(content []byte) (*PowerLevels, error) {
	levels := defaultLevels()
	if err := json.Unmarshal(content, levels); err != nil {
		return nil, fmt.Errorf("state: parsing power levels: %w", err)
	}
	if levels.Events == nil {
		levels.Events = map[string]int64{}
	}
	if levels.Users == nil {
		levels.Users = map[string]int64{}
	}
	return levels, nil
}

// UserLevel returns the user's power level.
func (pl *PowerLevels) UserLevel(user ref.UserID) int64 {
	if level, ok := pl.Users[user.String()]; ok {
		return level
	}
	return pl.UsersDefault
}

// RequiredLevel returns the level needed to send an event of the
// given type.
func (pl *PowerLevels) RequiredLevel(eventType ref.EventType, isState bool) int64 {
	if level, ok := pl.Events[eventType.String()]; ok {
		return level
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

// UserCanSend reports whether the user's level meets the event
// type's requirement.
func (pl *PowerLevels) UserCanSend(user ref.UserID, eventType ref.EventType, isState bool) bool {
	return pl.UserLevel(user) >= pl.RequiredLevel(eventType, isState)
}
