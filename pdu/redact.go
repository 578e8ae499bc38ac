// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/homeserver/lib/canonicaljson"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// versionNumber maps a room version string to its numeric rule set.
// Unrecognized versions get the newest rules.
func versionNumber(roomVersion string) int {
	n, err := strconv.Atoi(roomVersion)
	if err != nil || n < 1 {
		return 11
	}
	return n
}

// RedactsInContent reports whether the room version carries the
// redaction target in content.redacts rather than at the top level.
func RedactsInContent(roomVersion string) bool {
	return versionNumber(roomVersion) >= 11
}

// redactObject returns the redacted form of a canonical event
// object: only the top-level and content keys the room version
// protects survive. The input is not modified.
func redactObject(object map[string]any, roomVersion string) (map[string]any, error) {
	version := versionNumber(roomVersion)

	keep := map[string]bool{
		"event_id":         true,
		"type":             true,
		"room_id":          true,
		"sender":           true,
		"state_key":        true,
		"content":          true,
		"hashes":           true,
		"signatures":       true,
		"depth":            true,
		"prev_events":      true,
		"auth_events":      true,
		"origin_server_ts": true,
	}
	if version < 11 {
		keep["origin"] = true
		keep["membership"] = true
		keep["prev_state"] = true
		keep["redacts"] = true
	}

	redacted := make(map[string]any, len(object))
	for key, value := range object {
		if keep[key] {
			redacted[key] = value
		}
	}

	eventType, _ := object["type"].(string)
	content, _ := object["content"].(map[string]any)
	redacted["content"] = redactContent(eventType, content, version)
	return redacted, nil
}

// redactContent filters event content down to the keys the room
// version protects for the event type.
func redactContent(eventType string, content map[string]any, version int) map[string]any {
	if content == nil {
		return map[string]any{}
	}

	var keep []string
	switch ref.EventType(eventType) {
	case ref.RoomMember:
		keep = []string{"membership"}
		if version >= 9 {
			keep = append(keep, "join_authorised_via_users_server")
		}
	case ref.RoomCreate:
		if version >= 11 {
			// All create content survives.
			kept := make(map[string]any, len(content))
			for key, value := range content {
				kept[key] = value
			}
			return kept
		}
		keep = []string{"creator"}
	case ref.RoomJoinRules:
		keep = []string{"join_rule"}
		if version >= 8 {
			keep = append(keep, "allow")
		}
	case ref.RoomPowerLevels:
		keep = []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if version >= 11 {
			keep = append(keep, "invite")
		}
	case ref.RoomHistoryVisibility:
		keep = []string{"history_visibility"}
	case ref.RoomRedaction:
		if version >= 11 {
			keep = []string{"redacts"}
		}
	}

	kept := make(map[string]any, len(keep))
	for _, key := range keep {
		if value, ok := content[key]; ok {
			kept[key] = value
		}
	}
	return kept
}

// Redact replaces the event's content with its redacted form and
// records the redaction under unsigned.redacted_because. The event
// ID, position, and signature-protected fields are untouched, so
// redaction is idempotent and never re-signed.
func (p *PDU) Redact(roomVersion string, because *PDU) error {
	content := make(map[string]any)
	if len(p.Content) > 0 {
		if err := json.Unmarshal(p.Content, &content); err != nil {
			return fmt.Errorf("pdu: redact: decoding content: %w", err)
		}
	}

	redacted := redactContent(p.Type.String(), content, versionNumber(roomVersion))
	encoded, err := canonicaljson.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("pdu: redact: %w", err)
	}
	p.Content = encoded

	unsigned := map[string]any{}
	if because != nil {
		becauseJSON, err := json.Marshal(because)
		if err != nil {
			return fmt.Errorf("pdu: redact: encoding redaction event: %w", err)
		}
		unsigned["redacted_because"] = json.RawMessage(becauseJSON)
	}
	encodedUnsigned, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("pdu: redact: %w", err)
	}
	p.Unsigned = encodedUnsigned
	return nil
}
