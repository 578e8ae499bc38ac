// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/signing"
)

var testServer = ref.MustParseServerName("example.org")

func testKey(t *testing.T) *signing.Key {
	t.Helper()
	key, err := signing.GenerateKey(testServer, "v1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func testObject() map[string]any {
	return map[string]any{
		"type":             "m.room.message",
		"room_id":          "!room:example.org",
		"sender":           "@alice:example.org",
		"origin":           "example.org",
		"origin_server_ts": int64(1700000000000),
		"content":          map[string]any{"body": "hello", "msgtype": "m.text"},
		"prev_events":      []any{"$parent"},
		"auth_events":      []any{"$create"},
		"depth":            int64(5),
	}
}

func TestHashAndSignProducesStableEventID(t *testing.T) {
	key := testKey(t)

	object := testObject()
	eventID, err := HashAndSign(object, key, "11")
	if err != nil {
		t.Fatalf("HashAndSign: %v", err)
	}
	if !strings.HasPrefix(eventID.String(), "$") {
		t.Fatalf("event id %q has no $ sigil", eventID)
	}
	if object["event_id"] != eventID.String() {
		t.Errorf("object event_id = %v, want %s", object["event_id"], eventID)
	}
	if _, ok := object["hashes"].(map[string]any); !ok {
		t.Error("HashAndSign did not set hashes")
	}

	// The wire form round-trips to the same identity.
	wire, err := WireJSON(object, "11")
	if err != nil {
		t.Fatalf("WireJSON: %v", err)
	}
	if strings.Contains(string(wire), "event_id") {
		t.Error("wire JSON for v11 contains event_id")
	}

	parsed, stored, err := FromIncomingJSON(wire, "11")
	if err != nil {
		t.Fatalf("FromIncomingJSON: %v", err)
	}
	if parsed.EventID != eventID {
		t.Errorf("recomputed event id %s, want %s", parsed.EventID, eventID)
	}
	if stored["event_id"] != eventID.String() {
		t.Errorf("stored object event_id = %v, want %s", stored["event_id"], eventID)
	}
}

func TestFromIncomingJSONHonorsExplicitEventID(t *testing.T) {
	object := testObject()
	object["event_id"] = "$legacy:example.org"
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}

	for _, roomVersion := range []string{"1", "2"} {
		parsed, stored, err := FromIncomingJSON(raw, roomVersion)
		if err != nil {
			t.Fatalf("FromIncomingJSON v%s: %v", roomVersion, err)
		}
		if parsed.EventID.String() != "$legacy:example.org" {
			t.Errorf("v%s event id = %s, want $legacy:example.org", roomVersion, parsed.EventID)
		}
		if stored["event_id"] != "$legacy:example.org" {
			t.Errorf("v%s stored event_id = %v", roomVersion, stored["event_id"])
		}
	}

	// Old-format events without an event_id are rejected rather than
	// assigned a hash-derived identity they never had.
	withoutID, err := json.Marshal(testObject())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := FromIncomingJSON(withoutID, "1"); err == nil {
		t.Error("FromIncomingJSON accepted a v1 event without event_id")
	}
}

func TestHashAndSignContentChangesEventID(t *testing.T) {
	key := testKey(t)

	first := testObject()
	firstID, err := HashAndSign(first, key, "11")
	if err != nil {
		t.Fatalf("HashAndSign: %v", err)
	}

	second := testObject()
	second["content"] = map[string]any{"body": "different", "msgtype": "m.text"}
	secondID, err := HashAndSign(second, key, "11")
	if err != nil {
		t.Fatalf("HashAndSign: %v", err)
	}

	if firstID == secondID {
		t.Error("different content produced the same event id")
	}
}

func TestFromStoredJSONRequiresEventID(t *testing.T) {
	raw, err := json.Marshal(testObject())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromStoredJSON(raw); err == nil {
		t.Error("FromStoredJSON accepted an event without event_id")
	}
}

func TestRedactStripsContentKeepsIdentity(t *testing.T) {
	p := &PDU{
		EventID: ref.MustParseEventID("$target"),
		RoomID:  ref.MustParseRoomID("!room:example.org"),
		Sender:  ref.MustParseUserID("@alice:example.org"),
		Type:    ref.RoomMessage,
		Content: json.RawMessage(`{"body":"secret","msgtype":"m.text"}`),
	}
	because := &PDU{
		EventID: ref.MustParseEventID("$redaction"),
		Type:    ref.RoomRedaction,
		Content: json.RawMessage(`{}`),
	}

	if err := p.Redact("11", because); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if p.EventID.String() != "$target" {
		t.Errorf("redaction changed event id to %s", p.EventID)
	}
	if string(p.Content) != "{}" {
		t.Errorf("message content after redaction = %s, want {}", p.Content)
	}
	if !strings.Contains(string(p.Unsigned), "redacted_because") {
		t.Errorf("unsigned after redaction = %s", p.Unsigned)
	}

	// Redaction is idempotent.
	before := string(p.Content)
	if err := p.Redact("11", because); err != nil {
		t.Fatalf("second Redact: %v", err)
	}
	if string(p.Content) != before {
		t.Error("second redaction changed content")
	}
}

func TestRedactMemberKeepsMembership(t *testing.T) {
	p := &PDU{
		EventID:  ref.MustParseEventID("$member"),
		Type:     ref.RoomMember,
		StateKey: StateKey("@bob:example.org"),
		Content:  json.RawMessage(`{"membership":"join","displayname":"Bob"}`),
	}
	if err := p.Redact("11", nil); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if p.Membership() != "join" {
		t.Errorf("membership after redaction = %q, want join", p.Membership())
	}
	if strings.Contains(string(p.Content), "displayname") {
		t.Errorf("displayname survived redaction: %s", p.Content)
	}
}

func TestRedactObjectPowerLevels(t *testing.T) {
	object := map[string]any{
		"type":    "m.room.power_levels",
		"content": map[string]any{"users_default": int64(0), "notifications": map[string]any{"room": int64(50)}},
	}
	redacted, err := redactObject(object, "11")
	if err != nil {
		t.Fatalf("redactObject: %v", err)
	}
	content := redacted["content"].(map[string]any)
	if _, ok := content["users_default"]; !ok {
		t.Error("users_default stripped from power levels")
	}
	if _, ok := content["notifications"]; ok {
		t.Error("notifications survived power-levels redaction")
	}
}

func TestRedactsTargetByRoomVersion(t *testing.T) {
	target := ref.MustParseEventID("$target")

	topLevel := &PDU{
		Type:    ref.RoomRedaction,
		Redacts: &target,
		Content: json.RawMessage(`{}`),
	}
	if got, ok := topLevel.RedactsTarget("10"); !ok || got != target {
		t.Errorf("v10 RedactsTarget = %v, %v", got, ok)
	}

	inContent := &PDU{
		Type:    ref.RoomRedaction,
		Content: json.RawMessage(`{"redacts":"$target"}`),
	}
	if got, ok := inContent.RedactsTarget("11"); !ok || got != target {
		t.Errorf("v11 RedactsTarget = %v, %v", got, ok)
	}

	if _, ok := topLevel.RedactsTarget("11"); ok {
		t.Error("v11 redaction read the top-level redacts field")
	}

	// Versions after 11 keep the content shape, as do unrecognized
	// version strings, which get the newest rules throughout.
	for _, roomVersion := range []string{"12", "org.example.custom"} {
		if got, ok := inContent.RedactsTarget(roomVersion); !ok || got != target {
			t.Errorf("version %s RedactsTarget = %v, %v", roomVersion, got, ok)
		}
	}

	message := &PDU{Type: ref.RoomMessage, Content: json.RawMessage(`{}`)}
	if _, ok := message.RedactsTarget("11"); ok {
		t.Error("non-redaction event reported a redacts target")
	}
}

func TestContentHelpers(t *testing.T) {
	message := &PDU{Type: ref.RoomMessage, Content: json.RawMessage(`{"body":"hi","m.relates_to":{"event_id":"$parent","rel_type":"m.thread"}}`)}

	body, ok := message.Body()
	if !ok || body != "hi" {
		t.Errorf("Body = %q, %v", body, ok)
	}

	relates := message.RelatesTo()
	if relates == nil || relates.EventID != "$parent" || relates.RelType != RelTypeThread {
		t.Errorf("RelatesTo = %+v", relates)
	}

	empty := &PDU{Type: ref.RoomMessage, Content: json.RawMessage(`{}`)}
	if _, ok := empty.Body(); ok {
		t.Error("empty content reported a body")
	}
	if empty.RelatesTo() != nil {
		t.Error("empty content reported a relation")
	}
}

func TestBuilderValidate(t *testing.T) {
	valid := &Builder{Type: ref.RoomMessage, Content: json.RawMessage(`{"body":"x"}`)}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate valid builder: %v", err)
	}

	cases := map[string]*Builder{
		"no type":     {Content: json.RawMessage(`{}`)},
		"no content":  {Type: ref.RoomMessage},
		"bad content": {Type: ref.RoomMessage, Content: json.RawMessage(`{`)},
	}
	for name, builder := range cases {
		if err := builder.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid builder", name)
		}
	}
}
