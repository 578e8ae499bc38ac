// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "homeserver.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
server_name: example.org
database:
  path: /var/lib/homeserver/events.db
signing:
  key_path: /var/lib/homeserver/signing.key
  passphrase: hunter2
federation:
  trusted_servers:
    - matrix.org
`

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ServerName != "example.org" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
	if cfg.Admin.RoomAliasLocalpart != "admins" {
		t.Errorf("default admin alias = %q, want admins", cfg.Admin.RoomAliasLocalpart)
	}
	if cfg.Federation.BackfillLimit != 100 {
		t.Errorf("default backfill limit = %d, want 100", cfg.Federation.BackfillLimit)
	}
	if len(cfg.Federation.TrustedServers) != 1 || cfg.Federation.TrustedServers[0] != "matrix.org" {
		t.Errorf("TrustedServers = %v", cfg.Federation.TrustedServers)
	}
}

func TestLoadFileUnknownField(t *testing.T) {
	_, err := LoadFile(writeConfig(t, validConfig+"\ntypoed_field: true\n"))
	if err == nil {
		t.Fatal("LoadFile accepted an unknown field")
	}
}

func TestValidateMissingFields(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no server name", func(c *Config) { c.ServerName = "" }, "server_name"},
		{"bad server name", func(c *Config) { c.ServerName = "not a host" }, "server_name"},
		{"no database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"no key path", func(c *Config) { c.Signing.KeyPath = "" }, "signing.key_path"},
		{"no passphrase", func(c *Config) { c.Signing.Passphrase = "" }, "passphrase"},
		{"both passphrases", func(c *Config) { c.Signing.PassphraseFile = "/f" }, "mutually exclusive"},
		{"bad trusted server", func(c *Config) { c.Federation.TrustedServers = []string{"b ad"} }, "trusted_servers"},
		{"zero backfill limit", func(c *Config) { c.Federation.BackfillLimit = 0 }, "backfill_limit"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			cfg.ServerName = "example.org"
			cfg.Database.Path = "/db"
			cfg.Signing.KeyPath = "/key"
			cfg.Signing.Passphrase = "pw"
			c.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error %q does not mention %q", err, c.wantErr)
			}
		})
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	t.Setenv("HOMESERVER_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without HOMESERVER_CONFIG did not fail")
	}
}

func TestSigningPassphraseFromFile(t *testing.T) {
	passphraseFile := filepath.Join(t.TempDir(), "passphrase")
	if err := os.WriteFile(passphraseFile, []byte("  hunter2\n"), 0o600); err != nil {
		t.Fatalf("writing passphrase: %v", err)
	}

	cfg := Default()
	cfg.Signing.PassphraseFile = passphraseFile
	got, err := cfg.SigningPassphrase()
	if err != nil {
		t.Fatalf("SigningPassphrase: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("SigningPassphrase = %q, want %q", got, "hunter2")
	}
}
