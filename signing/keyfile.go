// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"filippo.io/age"

	"github.com/bureau-foundation/homeserver/lib/codec"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// keyFile is the sealed payload stored on disk: the ed25519 seed and
// the key version label it was generated under.
type keyFile struct {
	KeyID string `cbor:"key_id"`
	Seed  []byte `cbor:"seed"`
}

// LoadOrGenerateKey loads the sealed signing key at path, creating
// and sealing a fresh one on first start. The file is an age
// encryption of the key seed under a passphrase (scrypt recipient).
//
// configuredKeyID names the key version for a newly generated key;
// the value "auto" generates a random version label. For an existing
// file the stored label always wins — rotating the key version
// requires a new key, not a config edit.
func LoadOrGenerateKey(path, passphrase string, serverName ref.ServerName, configuredKeyID string, logger *slog.Logger) (*Key, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sealed, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := unsealKey(sealed, passphrase, serverName)
		if err != nil {
			return nil, fmt.Errorf("signing: unsealing %s: %w", path, err)
		}
		logger.Info("signing key loaded", "path", path, "key_id", key.KeyID())
		return key, nil

	case os.IsNotExist(err):
		keyID := configuredKeyID
		if keyID == "" || keyID == "auto" {
			keyID = randomKeyID()
		}
		key, err := GenerateKey(serverName, keyID)
		if err != nil {
			return nil, err
		}
		if err := sealKeyToFile(key, path, passphrase); err != nil {
			return nil, fmt.Errorf("signing: sealing %s: %w", path, err)
		}
		logger.Info("signing key generated", "path", path, "key_id", keyID)
		return key, nil

	default:
		return nil, fmt.Errorf("signing: reading %s: %w", path, err)
	}
}

func unsealKey(sealed []byte, passphrase string, serverName ref.ServerName) (*Key, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var stored keyFile
	if err := codec.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("decoding key payload: %w", err)
	}
	if len(stored.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed has %d bytes, want %d", len(stored.Seed), ed25519.SeedSize)
	}
	return NewKey(serverName, stored.KeyID, ed25519.NewKeyFromSeed(stored.Seed))
}

func sealKeyToFile(key *Key, path, passphrase string) error {
	payload, err := codec.Marshal(keyFile{
		KeyID: key.keyID,
		Seed:  key.private.Seed(),
	})
	if err != nil {
		return fmt.Errorf("encoding key payload: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return err
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("writing key payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	if err := os.WriteFile(path, sealed.Bytes(), 0o600); err != nil {
		return err
	}
	return nil
}

// randomKeyID generates a short random key version label.
func randomKeyID() string {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("signing: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(raw[:])
}
