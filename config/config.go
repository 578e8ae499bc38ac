// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the homeserver.
//
// Configuration is loaded from a single YAML file specified by:
//   - HOMESERVER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment
// variables do not override file values. This ensures deterministic,
// auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/homeserver/lib/ref"
)

// Config is the homeserver configuration.
type Config struct {
	// ServerName is the DNS name this server signs events as
	// (the part after the colon in local user IDs). Required.
	// Changing it after first start invalidates every stored
	// signature, so don't.
	ServerName string `yaml:"server_name"`

	// Database configures event storage.
	Database DatabaseConfig `yaml:"database"`

	// Signing configures the event signing key.
	Signing SigningConfig `yaml:"signing"`

	// Federation configures outbound federation and backfill.
	Federation FederationConfig `yaml:"federation"`

	// Admin configures the server control room.
	Admin AdminConfig `yaml:"admin"`

	// Appservice configures application service registrations.
	Appservice AppserviceConfig `yaml:"appservice"`
}

// DatabaseConfig configures event storage.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist. Required.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero selects a default
	// based on CPU count.
	PoolSize int `yaml:"pool_size"`
}

// SigningConfig configures the ed25519 event signing key.
type SigningConfig struct {
	// KeyPath is the age-sealed signing key file. Created on first
	// start if absent. Required.
	KeyPath string `yaml:"key_path"`

	// KeyID is the version label of the signing key ("ed25519:<id>"
	// in signatures). Default: "auto".
	KeyID string `yaml:"key_id"`

	// Passphrase unseals the key file. Exactly one of Passphrase
	// and PassphraseFile must be set.
	Passphrase string `yaml:"passphrase"`

	// PassphraseFile is a file whose trimmed contents are the
	// passphrase. Preferred over an inline Passphrase when the
	// config file is world-readable.
	PassphraseFile string `yaml:"passphrase_file"`
}

// FederationConfig configures outbound federation and backfill.
type FederationConfig struct {
	// TrustedServers are consulted for backfill in addition to the
	// servers derived from room membership.
	TrustedServers []string `yaml:"trusted_servers"`

	// BackfillLimit is the number of events requested per backfill
	// call. Default: 100.
	BackfillLimit int `yaml:"backfill_limit"`

	// PushGatewayURL is the push gateway notified for registered
	// pushers. Empty disables push delivery.
	PushGatewayURL string `yaml:"push_gateway_url"`
}

// AdminConfig configures the server control room.
type AdminConfig struct {
	// RoomAliasLocalpart names the control room alias
	// ("#<localpart>:<server_name>"). Default: "admins".
	RoomAliasLocalpart string `yaml:"room_alias_localpart"`
}

// AppserviceConfig configures application service registrations.
type AppserviceConfig struct {
	// RegistrationDir holds one .jsonc registration per service.
	// Empty disables application services.
	RegistrationDir string `yaml:"registration_dir"`
}

// Default returns the default configuration. Defaults exist to give
// optional fields sensible values; the config file itself is
// required.
func Default() *Config {
	return &Config{
		Signing: SigningConfig{
			KeyID: "auto",
		},
		Federation: FederationConfig{
			BackfillLimit: 100,
		},
		Admin: AdminConfig{
			RoomAliasLocalpart: "admins",
		},
	}
}

// Load loads configuration from the HOMESERVER_CONFIG environment
// variable. Fails if the variable is not set; there is no fallback
// path.
func Load() (*Config, error) {
	path := os.Getenv("HOMESERVER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("HOMESERVER_CONFIG environment variable not set; " +
			"set it to the path of your homeserver.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path and
// validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server_name is required")
	}
	if _, err := ref.ParseServerName(c.ServerName); err != nil {
		return fmt.Errorf("server_name: %w", err)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Signing.KeyPath == "" {
		return fmt.Errorf("signing.key_path is required")
	}
	if c.Signing.Passphrase == "" && c.Signing.PassphraseFile == "" {
		return fmt.Errorf("one of signing.passphrase or signing.passphrase_file is required")
	}
	if c.Signing.Passphrase != "" && c.Signing.PassphraseFile != "" {
		return fmt.Errorf("signing.passphrase and signing.passphrase_file are mutually exclusive")
	}
	for _, server := range c.Federation.TrustedServers {
		if _, err := ref.ParseServerName(server); err != nil {
			return fmt.Errorf("federation.trusted_servers: %q: %w", server, err)
		}
	}
	if c.Federation.BackfillLimit <= 0 {
		return fmt.Errorf("federation.backfill_limit must be positive")
	}
	if c.Admin.RoomAliasLocalpart == "" {
		return fmt.Errorf("admin.room_alias_localpart must not be empty")
	}
	return nil
}

// SigningPassphrase resolves the signing key passphrase, reading
// PassphraseFile when configured.
func (c *Config) SigningPassphrase() (string, error) {
	if c.Signing.Passphrase != "" {
		return c.Signing.Passphrase, nil
	}
	data, err := os.ReadFile(c.Signing.PassphraseFile)
	if err != nil {
		return "", fmt.Errorf("config: reading signing passphrase: %w", err)
	}
	passphrase := strings.TrimSpace(string(data))
	if passphrase == "" {
		return "", fmt.Errorf("config: signing passphrase file %s is empty", c.Signing.PassphraseFile)
	}
	return passphrase, nil
}
