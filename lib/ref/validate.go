// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxIDLength is the Matrix spec limit for a complete identifier,
// including the sigil and server name.
const maxIDLength = 255

// validateServer checks that a Matrix server name is minimally valid:
// non-empty, no control characters or whitespace, no Matrix sigils.
// Port suffixes ("example.com:8448") are allowed; the colon is part of
// the server name, which is why identifier parsing splits on the first
// colon after the sigil, not the last.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	if len(server) > maxIDLength {
		return fmt.Errorf("server name is %d characters, maximum is %d", len(server), maxIDLength)
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' || c == '!' || c == '$' {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// validateLocalpart checks a user localpart against the Matrix
// historical character set: printable ASCII excluding ':'. The strict
// grammar (a-z, 0-9, and . _ = - /) is enforced only for locally
// created users; identifiers arriving over federation are accepted
// with the permissive rule so that rooms shared with lenient servers
// keep working.
func validateLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("localpart is empty")
	}
	for i := 0; i < len(localpart); i++ {
		c := localpart[i]
		if c <= ' ' || c > '~' || c == ':' {
			return fmt.Errorf("localpart %q: invalid character at position %d", localpart, i)
		}
	}
	return nil
}

// strictLocalpartChars is the grammar for locally minted user
// localparts (per the Matrix spec: a-z, 0-9, and the symbols . _ = - /).
var strictLocalpartChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		strictLocalpartChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		strictLocalpartChars[c] = true
	}
	strictLocalpartChars['.'] = true
	strictLocalpartChars['_'] = true
	strictLocalpartChars['='] = true
	strictLocalpartChars['-'] = true
	strictLocalpartChars['/'] = true
}

// validateStrictLocalpart enforces the strict localpart grammar used
// when this server mints a new user ID.
func validateStrictLocalpart(localpart string) error {
	if err := validateLocalpart(localpart); err != nil {
		return err
	}
	for i := 0; i < len(localpart); i++ {
		if !strictLocalpartChars[localpart[i]] {
			return fmt.Errorf("localpart %q: character %q at position %d not in a-z, 0-9, . _ = - /", localpart, localpart[i], i)
		}
	}
	return nil
}

// parsePrefixedID extracts localpart and server from a Matrix
// identifier with the given sigil prefix (@ for user IDs, ! for room
// IDs, # for room aliases). The split is on the FIRST colon after the
// sigil; everything after it, including any port colon, is the server.
func parsePrefixedID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with %c", kind, identifier, sigil)
	}
	if len(identifier) > maxIDLength {
		return "", "", fmt.Errorf("invalid %s: %d characters, maximum is %d", kind, len(identifier), maxIDLength)
	}
	colonIndex := strings.IndexByte(identifier[1:], ':')
	if colonIndex < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing :server", kind, identifier)
	}
	colonIndex++ // adjust for [1:] offset
	if colonIndex < 2 {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	localpart = identifier[1:colonIndex]
	server = identifier[colonIndex+1:]
	if err := validateServer(server); err != nil {
		return "", "", fmt.Errorf("invalid %s %q: %w", kind, identifier, err)
	}
	return localpart, server, nil
}
