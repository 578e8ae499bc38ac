// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RoomID is a validated Matrix room ID (e.g., "!abc123:bureau.local").
//
// Room IDs are opaque. This server mints them at room creation
// (GenerateRoomID) and parses them from federation traffic and client
// requests at the boundary. The server portion names the server that
// created the room; it carries no routing meaning after creation.
//
// RoomID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomID struct {
	id     string
	server string
}

// GenerateRoomID mints a fresh room ID on the local server: 18 random
// bytes, unpadded URL-safe base64, '!' sigil.
func GenerateRoomID(server ServerName) (RoomID, error) {
	if server.IsZero() {
		return RoomID{}, fmt.Errorf("generate room ID: server name is zero-value")
	}
	var raw [18]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return RoomID{}, fmt.Errorf("generate room ID: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(raw[:])
	return RoomID{id: "!" + opaque + ":" + server.name, server: server.name}, nil
}

// ParseRoomID validates and wraps a raw Matrix room ID string.
// Returns an error if the string is empty, doesn't start with '!',
// or is missing the ':server' suffix.
func ParseRoomID(raw string) (RoomID, error) {
	_, server, err := parsePrefixedID(raw, '!', "room ID")
	if err != nil {
		return RoomID{}, err
	}
	return RoomID{id: raw, server: server}, nil
}

// MustParseRoomID is like ParseRoomID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseRoomID(raw string) RoomID {
	r, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomID(%q): %v", raw, err))
	}
	return r
}

// String returns the full room ID string (e.g., "!abc123:bureau.local").
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value (uninitialized).
func (r RoomID) IsZero() bool { return r.id == "" }

// Server returns the server that created the room.
func (r RoomID) Server() ServerName { return newServerName(r.server) }

// Bytes returns the room ID as a byte slice for storage key
// construction.
func (r RoomID) Bytes() []byte { return []byte(r.id) }

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) {
	if r.id == "" {
		return []byte{}, nil
	}
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// room ID format. An empty input produces the zero value.
func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
