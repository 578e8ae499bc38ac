// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"os"
	"path/filepath"
	"testing"
)

const bridgeRegistration = `{
	// IRC bridge for the example network.
	"id": "irc",
	"url": "http://localhost:9007",
	"as_token": "as-secret",
	"hs_token": "hs-secret",
	"sender_localpart": "ircbot",
	"namespaces": {
		"users": [
			{"exclusive": true, "regex": "@irc_.*:example\\.org"}
		],
		"aliases": [
			{"exclusive": true, "regex": "#irc_.*:example\\.org"}
		],
		"rooms": []
	}
}`

func TestParse(t *testing.T) {
	service, err := Parse([]byte(bridgeRegistration))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if service.ID != "irc" || service.SenderLocalpart != "ircbot" {
		t.Errorf("parsed registration = %+v", service.Registration)
	}
	if !service.Users.Match("@irc_alice:example.org") {
		t.Error("users namespace does not match a bridged user")
	}
	if service.Users.Match("@alice:example.org") {
		t.Error("users namespace matches an unbridged user")
	}
	if !service.Aliases.Match("#irc_go:example.org") {
		t.Error("aliases namespace does not match a bridged alias")
	}
	if service.Rooms.Match("!any:example.org") {
		t.Error("empty rooms namespace matched")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no id":           `{"sender_localpart": "x"}`,
		"no localpart":    `{"id": "x"}`,
		"bad regex":       `{"id": "x", "sender_localpart": "x", "namespaces": {"users": [{"regex": "("}]}}`,
		"not json at all": `hello`,
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: Parse accepted invalid registration", name)
		}
	}
}

func TestRegistryLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "irc.jsonc"), []byte(bridgeRegistration), 0o600); err != nil {
		t.Fatal(err)
	}
	// Non-registration files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o600); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry()
	if err := registry.LoadDirectory(dir, nil); err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if len(registry.All()) != 1 {
		t.Fatalf("registry has %d services, want 1", len(registry.All()))
	}
	if registry.Get("irc") == nil {
		t.Error("Get(irc) = nil")
	}
	if registry.Get("missing") != nil {
		t.Error("Get(missing) != nil")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	service, err := Parse([]byte(bridgeRegistration))
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(service); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(service); err == nil {
		t.Error("Register accepted a duplicate id")
	}
}

func TestRegistryEmptyDirectoryName(t *testing.T) {
	registry := NewRegistry()
	if err := registry.LoadDirectory("", nil); err != nil {
		t.Errorf("LoadDirectory(\"\") = %v, want nil", err)
	}
}
