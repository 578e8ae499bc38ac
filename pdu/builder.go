// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/homeserver/lib/ref"
)

// Builder holds the caller-supplied fields of a new event. The
// timeline service fills in everything else (prev events, depth,
// auth events, hashes, signatures, event ID).
type Builder struct {
	// Type is the event type. Required.
	Type ref.EventType

	// Content is the event content as JSON. Required (use {} for
	// contentless events).
	Content json.RawMessage

	// Unsigned seeds the unsigned overlay. The timeline adds
	// prev_content, prev_sender, and replaces_state here when the
	// event replaces existing state.
	Unsigned map[string]any

	// StateKey marks the event as a state event. Nil for timeline
	// events; pointer-to-empty for singleton state like
	// m.room.create.
	StateKey *string

	// Redacts names the target of an m.room.redaction event for
	// room versions before 11 (version 11 carries it in content).
	Redacts *ref.EventID

	// OriginServerTS overrides the event timestamp (milliseconds).
	// Zero means "now".
	OriginServerTS int64
}

// StateKey returns a pointer-to-string for Builder.StateKey.
func StateKey(s string) *string { return &s }

// Validate checks the builder's own fields. Room-level checks (auth,
// admin guards) happen at append time.
func (b *Builder) Validate() error {
	if b.Type == "" {
		return fmt.Errorf("pdu: builder has no event type")
	}
	if len(b.Content) == 0 {
		return fmt.Errorf("pdu: builder has no content")
	}
	if !json.Valid(b.Content) {
		return fmt.Errorf("pdu: builder content is not valid JSON")
	}
	return nil
}
