// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/homeserver/lib/canonicaljson"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/signing"
)

// maxPrevEvents caps how many forward extremities a new event may
// reference as parents.
const maxPrevEvents = 20

// PDU is a persisted data unit. Once signed it is immutable except
// for redaction.
type PDU struct {
	EventID        ref.EventID     `json:"event_id"`
	RoomID         ref.RoomID      `json:"room_id"`
	Sender         ref.UserID      `json:"sender"`
	Origin         string          `json:"origin,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           ref.EventType   `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevEvents     []ref.EventID   `json:"prev_events"`
	Depth          uint64          `json:"depth"`
	AuthEvents     []ref.EventID   `json:"auth_events"`
	Redacts        *ref.EventID    `json:"redacts,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	Hashes         Hashes          `json:"hashes"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
}

// Hashes carries the event content hash.
type Hashes struct {
	SHA256 string `json:"sha256"`
}

// IsState reports whether the event is a state event.
func (p *PDU) IsState() bool { return p.StateKey != nil }

// StateKeyValue returns the state key, or "" for non-state events.
func (p *PDU) StateKeyValue() string {
	if p.StateKey == nil {
		return ""
	}
	return *p.StateKey
}

// CanonicalObject converts the PDU to a canonical JSON object.
func (p *PDU) CanonicalObject() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pdu: encoding event: %w", err)
	}
	return canonicaljson.FromJSON(raw)
}

// FromStoredJSON parses a PDU from its stored JSON form, which
// always carries event_id.
func FromStoredJSON(raw []byte) (*PDU, error) {
	var p PDU
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("pdu: decoding stored event: %w", err)
	}
	if p.EventID.IsZero() {
		return nil, fmt.Errorf("pdu: stored event has no event_id")
	}
	return &p, nil
}

// FromIncomingJSON parses an event received over federation. Room
// versions 1 and 2 carry their event_id on the wire; from version 3
// on the ID is recomputed as the reference hash of the received
// bytes. Returns the PDU and its canonical object with event_id
// present (the stored form).
func FromIncomingJSON(raw []byte, roomVersion string) (*PDU, map[string]any, error) {
	object, err := canonicaljson.FromJSON(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("pdu: incoming event: %w", err)
	}

	var eventID ref.EventID
	if versionNumber(roomVersion) < 3 {
		id, _ := object["event_id"].(string)
		eventID, err = ref.ParseEventID(id)
		if err != nil {
			return nil, nil, fmt.Errorf("pdu: incoming version %s event: %w", roomVersion, err)
		}
	} else {
		delete(object, "event_id")

		redacted, err := redactObject(object, roomVersion)
		if err != nil {
			return nil, nil, err
		}
		hash, err := signing.ReferenceHash(redacted, roomVersion)
		if err != nil {
			return nil, nil, fmt.Errorf("pdu: incoming event: %w", err)
		}
		eventID, err = ref.FromReferenceHash(hash)
		if err != nil {
			return nil, nil, fmt.Errorf("pdu: incoming event: %w", err)
		}
	}
	object["event_id"] = eventID.String()

	canonical, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, nil, err
	}
	p, err := FromStoredJSON(canonical)
	if err != nil {
		return nil, nil, err
	}
	return p, object, nil
}

// HashAndSign freezes the event: inserts the content hash, signs the
// redacted form, computes the event ID from the reference hash, and
// sets event_id in the object. object is the canonical form of an
// otherwise complete event; for room versions 3 and later the caller
// must not include event_id (it is recomputed here regardless).
func HashAndSign(object map[string]any, key *signing.Key, roomVersion string) (ref.EventID, error) {
	delete(object, "event_id")

	contentHash, err := signing.ContentHash(object)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("pdu: content hash: %w", err)
	}
	object["hashes"] = map[string]any{"sha256": contentHash}

	redacted, err := redactObject(object, roomVersion)
	if err != nil {
		return ref.EventID{}, err
	}
	signature, err := key.SignJSON(redacted)
	if err != nil {
		return ref.EventID{}, err
	}
	object["signatures"] = map[string]any{
		key.ServerName().String(): map[string]any{
			key.Label(): signature,
		},
	}
	redacted["signatures"] = object["signatures"]

	hash, err := signing.ReferenceHash(redacted, roomVersion)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("pdu: reference hash: %w", err)
	}
	eventID, err := ref.FromReferenceHash(hash)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("pdu: reference hash: %w", err)
	}
	object["event_id"] = eventID.String()
	return eventID, nil
}

// WireJSON returns the federation form of the stored object: for
// room versions 3 and later the event_id field is stripped. The
// input is not modified.
func WireJSON(object map[string]any, roomVersion string) ([]byte, error) {
	switch roomVersion {
	case "1", "2":
		return canonicaljson.Marshal(object)
	}
	wire := make(map[string]any, len(object))
	for key, value := range object {
		if key == "event_id" {
			continue
		}
		wire[key] = value
	}
	return canonicaljson.Marshal(wire)
}

// VerifySignature checks the server's signature on an event object.
// Signatures cover the redacted form of the event, so the object is
// redacted here before verification; event_id never participates.
func VerifySignature(object map[string]any, roomVersion string, server ref.ServerName, keyLabel string, publicKey ed25519.PublicKey) error {
	verifiable := make(map[string]any, len(object))
	for key, value := range object {
		if key == "event_id" {
			continue
		}
		verifiable[key] = value
	}
	redacted, err := redactObject(verifiable, roomVersion)
	if err != nil {
		return err
	}
	redacted["signatures"] = object["signatures"]
	return signing.VerifyJSON(redacted, server, keyLabel, publicKey)
}

// membershipContent is the subset of m.room.member content the
// server acts on.
type membershipContent struct {
	Membership string `json:"membership"`
}

// Membership returns content.membership for member events, or "".
func (p *PDU) Membership() string {
	var content membershipContent
	if err := json.Unmarshal(p.Content, &content); err != nil {
		return ""
	}
	return content.Membership
}

// messageContent is the subset of m.room.message content the server
// acts on.
type messageContent struct {
	Body string `json:"body"`
}

// Body returns content.body for message events. ok is false when the
// content has no string body.
func (p *PDU) Body() (body string, ok bool) {
	var content messageContent
	if err := json.Unmarshal(p.Content, &content); err != nil {
		return "", false
	}
	return content.Body, content.Body != ""
}

// RelatesTo is the m.relates_to aggregation header.
type RelatesTo struct {
	EventID   string `json:"event_id"`
	RelType   string `json:"rel_type"`
	InReplyTo *struct {
		EventID string `json:"event_id"`
	} `json:"m.in_reply_to"`
}

// RelTypeThread marks thread relations.
const RelTypeThread = "m.thread"

// RelatesTo returns the event's m.relates_to header, or nil.
func (p *PDU) RelatesTo() *RelatesTo {
	var content struct {
		RelatesTo *RelatesTo `json:"m.relates_to"`
	}
	if err := json.Unmarshal(p.Content, &content); err != nil {
		return nil
	}
	return content.RelatesTo
}

// RedactsTarget returns the event the redaction targets, accounting
// for the room-version content shape: top-level redacts before room
// version 11, content.redacts from version 11 on.
func (p *PDU) RedactsTarget(roomVersion string) (ref.EventID, bool) {
	if p.Type != ref.RoomRedaction {
		return ref.EventID{}, false
	}
	if RedactsInContent(roomVersion) {
		var content struct {
			Redacts string `json:"redacts"`
		}
		if err := json.Unmarshal(p.Content, &content); err != nil || content.Redacts == "" {
			return ref.EventID{}, false
		}
		target, err := ref.ParseEventID(content.Redacts)
		if err != nil {
			return ref.EventID{}, false
		}
		return target, true
	}
	if p.Redacts == nil {
		return ref.EventID{}, false
	}
	return *p.Redacts, true
}
