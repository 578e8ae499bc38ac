// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state or timeline event type.
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety — preventing accidental use of
// a state key where an event type is expected (or vice versa).
type EventType string

// String returns the event type string (e.g., "m.room.message").
func (t EventType) String() string { return string(t) }

// Standard Matrix event types the append and incoming pipelines
// dispatch on. Anything else flows through as opaque JSON.
const (
	RoomCreate            EventType = "m.room.create"
	RoomMember            EventType = "m.room.member"
	RoomMessage           EventType = "m.room.message"
	RoomPowerLevels       EventType = "m.room.power_levels"
	RoomRedaction         EventType = "m.room.redaction"
	RoomEncryption        EventType = "m.room.encryption"
	RoomJoinRules         EventType = "m.room.join_rules"
	RoomHistoryVisibility EventType = "m.room.history_visibility"
	RoomName              EventType = "m.room.name"
	RoomTopic             EventType = "m.room.topic"
	RoomCanonicalAlias    EventType = "m.room.canonical_alias"
	SpaceChild            EventType = "m.space.child"
)
