// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/jsonc"
)

// Registration is the on-disk shape of an application service
// registration file.
type Registration struct {
	// ID uniquely names the service.
	ID string `json:"id"`

	// URL is where the homeserver pushes events. Empty disables
	// push (the service still claims its namespaces).
	URL string `json:"url"`

	// ASToken authenticates the service to the homeserver; HSToken
	// authenticates the homeserver to the service.
	ASToken string `json:"as_token"`
	HSToken string `json:"hs_token"`

	// SenderLocalpart is the localpart of the service's own user.
	SenderLocalpart string `json:"sender_localpart"`

	// Namespaces are the user/alias/room patterns the service
	// claims.
	Namespaces Namespaces `json:"namespaces"`
}

// Namespaces groups the three claim kinds.
type Namespaces struct {
	Users   []Namespace `json:"users"`
	Aliases []Namespace `json:"aliases"`
	Rooms   []Namespace `json:"rooms"`
}

// Namespace is a single claimed pattern.
type Namespace struct {
	// Exclusive claims reserve the pattern for this service alone.
	Exclusive bool `json:"exclusive"`

	// Regex is the claimed pattern, matched against the full
	// identifier.
	Regex string `json:"regex"`
}

// NamespaceRegex is a compiled set of namespace patterns.
type NamespaceRegex struct {
	patterns []*regexp.Regexp
}

// Match reports whether any claimed pattern matches the identifier.
func (n NamespaceRegex) Match(identifier string) bool {
	for _, pattern := range n.patterns {
		if pattern.MatchString(identifier) {
			return true
		}
	}
	return false
}

func compileNamespaces(namespaces []Namespace) (NamespaceRegex, error) {
	compiled := NamespaceRegex{}
	for _, namespace := range namespaces {
		pattern, err := regexp.Compile(namespace.Regex)
		if err != nil {
			return NamespaceRegex{}, fmt.Errorf("appservice: namespace %q: %w", namespace.Regex, err)
		}
		compiled.patterns = append(compiled.patterns, pattern)
	}
	return compiled, nil
}

// Appservice is a registration with its namespaces compiled.
type Appservice struct {
	Registration

	// Users, Aliases, and Rooms are the compiled namespace
	// matchers.
	Users   NamespaceRegex
	Aliases NamespaceRegex
	Rooms   NamespaceRegex
}

// Parse parses a .jsonc registration file's contents and compiles
// its namespaces.
func Parse(data []byte) (*Appservice, error) {
	var registration Registration
	if err := json.Unmarshal(jsonc.ToJSON(data), &registration); err != nil {
		return nil, fmt.Errorf("appservice: parsing registration: %w", err)
	}
	if registration.ID == "" {
		return nil, fmt.Errorf("appservice: registration has no id")
	}
	if registration.SenderLocalpart == "" {
		return nil, fmt.Errorf("appservice: registration %s has no sender_localpart", registration.ID)
	}

	service := &Appservice{Registration: registration}
	var err error
	if service.Users, err = compileNamespaces(registration.Namespaces.Users); err != nil {
		return nil, err
	}
	if service.Aliases, err = compileNamespaces(registration.Namespaces.Aliases); err != nil {
		return nil, err
	}
	if service.Rooms, err = compileNamespaces(registration.Namespaces.Rooms); err != nil {
		return nil, err
	}
	return service, nil
}
