// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// UserID is a validated Matrix user ID (e.g., "@alice:bureau.local").
//
// The localpart/server split is computed once at construction and
// cached, because the append pipeline consults the server portion on
// every event (sender-origin checks, federation destination sets,
// admin-room same-origin counting).
//
// Locally minted user IDs (NewUserID) enforce the strict Matrix
// localpart grammar; IDs parsed from federation traffic or state keys
// (ParseUserID) accept the permissive historical character set so that
// rooms shared with lenient servers keep working.
//
// UserID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type UserID struct {
	id        string
	localpart string
	server    string
}

// NewUserID mints a user ID for a local account. The localpart must
// satisfy the strict Matrix grammar (a-z, 0-9, . _ = - /).
func NewUserID(localpart string, server ServerName) (UserID, error) {
	if server.IsZero() {
		return UserID{}, fmt.Errorf("new user ID: server name is zero-value")
	}
	if err := validateStrictLocalpart(localpart); err != nil {
		return UserID{}, fmt.Errorf("new user ID: %w", err)
	}
	return UserID{
		id:        "@" + localpart + ":" + server.name,
		localpart: localpart,
		server:    server.name,
	}, nil
}

// ParseUserID validates and wraps a raw Matrix user ID string.
// Returns an error if the string is empty, doesn't start with '@',
// has an empty localpart, or is missing the ':server' suffix.
func ParseUserID(raw string) (UserID, error) {
	localpart, server, err := parsePrefixedID(raw, '@', "user ID")
	if err != nil {
		return UserID{}, err
	}
	if err := validateLocalpart(localpart); err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", raw, err)
	}
	return UserID{id: raw, localpart: localpart, server: server}, nil
}

// MustParseUserID is like ParseUserID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

// String returns the full user ID string (e.g., "@alice:bureau.local").
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value (uninitialized).
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the localpart portion of the user ID (without the
// '@' prefix or ':server' suffix).
func (u UserID) Localpart() string { return u.localpart }

// Server returns the server portion of the user ID as a typed
// ServerName.
func (u UserID) Server() ServerName { return newServerName(u.server) }

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	if u.id == "" {
		return []byte{}, nil
	}
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// user ID format. An empty input produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
