// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomAlias is a validated Matrix room alias (e.g., "#admins:bureau.local").
//
// Aliases are human-readable names resolving to opaque RoomIDs via the
// local alias table (rooms/alias). The administrative control room is
// found by alias, and alias servers are backfill candidates, so the
// server portion is split once at construction.
//
// RoomAlias is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomAlias struct {
	alias     string
	localpart string
	server    string
}

// NewRoomAlias constructs an alias from a known-valid localpart and
// the local server name. Used when the server publishes its own
// aliases (e.g., the admin room at "#admins:<server>").
func NewRoomAlias(localpart string, server ServerName) (RoomAlias, error) {
	if server.IsZero() {
		return RoomAlias{}, fmt.Errorf("new room alias: server name is zero-value")
	}
	if err := validateLocalpart(localpart); err != nil {
		return RoomAlias{}, fmt.Errorf("new room alias: %w", err)
	}
	return RoomAlias{
		alias:     "#" + localpart + ":" + server.name,
		localpart: localpart,
		server:    server.name,
	}, nil
}

// ParseRoomAlias validates and wraps a raw Matrix room alias string.
// Returns an error if the string is empty, doesn't start with '#',
// or is missing the ':server' suffix.
func ParseRoomAlias(raw string) (RoomAlias, error) {
	localpart, server, err := parsePrefixedID(raw, '#', "room alias")
	if err != nil {
		return RoomAlias{}, err
	}
	return RoomAlias{alias: raw, localpart: localpart, server: server}, nil
}

// MustParseRoomAlias is like ParseRoomAlias but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseRoomAlias(raw string) RoomAlias {
	a, err := ParseRoomAlias(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomAlias(%q): %v", raw, err))
	}
	return a
}

// String returns the full room alias string (e.g., "#admins:bureau.local").
func (a RoomAlias) String() string { return a.alias }

// IsZero reports whether the RoomAlias is the zero value (uninitialized).
func (a RoomAlias) IsZero() bool { return a.alias == "" }

// Localpart returns the alias localpart without the '#' prefix or
// ':server' suffix.
func (a RoomAlias) Localpart() string { return a.localpart }

// Server returns the server portion of the alias as a typed ServerName.
func (a RoomAlias) Server() ServerName { return newServerName(a.server) }

// MarshalText implements encoding.TextMarshaler.
func (a RoomAlias) MarshalText() ([]byte, error) {
	if a.alias == "" {
		return []byte{}, nil
	}
	return []byte(a.alias), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// room alias format. An empty input produces the zero value.
func (a *RoomAlias) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = RoomAlias{}
		return nil
	}
	parsed, err := ParseRoomAlias(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
