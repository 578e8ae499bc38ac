// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bureau-foundation/homeserver/lib/canonicaljson"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// maxCanonicalSize is the federation limit on the canonical JSON form
// of a single event. Events over this size cannot be signed or
// accepted.
const maxCanonicalSize = 65536

var (
	// ErrPDUTooLarge reports that an event's canonical JSON exceeds
	// the 64 KiB federation limit.
	ErrPDUTooLarge = errors.New("signing: event exceeds maximum size")

	// ErrSigningFailed reports that an event could not be signed.
	ErrSigningFailed = errors.New("signing: signing failed")

	// ErrVerificationFailed reports a bad or missing signature on an
	// incoming event.
	ErrVerificationFailed = errors.New("signing: signature verification failed")
)

// Key is a server signing key: the ed25519 private key plus the
// identifiers that name its signatures ("ed25519:<id>" under the
// server name). Immutable and safe for concurrent use.
type Key struct {
	serverName ref.ServerName
	keyID      string
	private    ed25519.PrivateKey
}

// NewKey wraps an existing ed25519 private key.
func NewKey(serverName ref.ServerName, keyID string, private ed25519.PrivateKey) (*Key, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: private key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	if keyID == "" {
		return nil, fmt.Errorf("signing: key id must not be empty")
	}
	return &Key{serverName: serverName, keyID: keyID, private: private}, nil
}

// GenerateKey creates a fresh ed25519 signing key.
func GenerateKey(serverName ref.ServerName, keyID string) (*Key, error) {
	_, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("signing: generating key: %w", err)
	}
	return NewKey(serverName, keyID, private)
}

// ServerName returns the server the key signs for.
func (k *Key) ServerName() ref.ServerName { return k.serverName }

// KeyID returns the key's version label. Signatures appear under
// "ed25519:<KeyID>".
func (k *Key) KeyID() string { return k.keyID }

// Label returns the full signature label, "ed25519:<KeyID>".
func (k *Key) Label() string { return "ed25519:" + k.keyID }

// PublicKey returns the public half for key publication.
func (k *Key) PublicKey() ed25519.PublicKey {
	return k.private.Public().(ed25519.PublicKey)
}

// SignJSON signs the object and returns the unpadded-base64
// signature. The signature covers the canonical JSON of the object
// minus its signatures and unsigned fields; for events the caller
// must pass the redacted form. Returns ErrPDUTooLarge when the
// canonical form exceeds the federation size limit.
func (k *Key) SignJSON(object map[string]any) (string, error) {
	canonical, err := canonicalWithout(object, "signatures", "unsigned")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if len(canonical) > maxCanonicalSize {
		return "", fmt.Errorf("%w: canonical form is %d bytes", ErrPDUTooLarge, len(canonical))
	}
	signature := ed25519.Sign(k.private, canonical)
	return base64.RawStdEncoding.EncodeToString(signature), nil
}

// VerifyJSON checks the signature that server placed on object under
// keyLabel, using the server's published public key. The object must
// be the same (redacted) form that was signed.
func VerifyJSON(object map[string]any, server ref.ServerName, keyLabel string, publicKey ed25519.PublicKey) error {
	signatures, ok := object["signatures"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: no signatures object", ErrVerificationFailed)
	}
	serverSignatures, ok := signatures[server.String()].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: no signatures from %s", ErrVerificationFailed, server)
	}
	encoded, ok := serverSignatures[keyLabel].(string)
	if !ok {
		return fmt.Errorf("%w: no %s signature from %s", ErrVerificationFailed, keyLabel, server)
	}
	signature, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64", ErrVerificationFailed)
	}

	canonical, err := canonicalWithout(object, "signatures", "unsigned")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if len(canonical) > maxCanonicalSize {
		return fmt.Errorf("%w: canonical form is %d bytes", ErrPDUTooLarge, len(canonical))
	}
	if !ed25519.Verify(publicKey, canonical, signature) {
		return fmt.Errorf("%w: %s signature from %s does not verify", ErrVerificationFailed, keyLabel, server)
	}
	return nil
}

// ContentHash computes the event content hash: unpadded base64 of
// SHA-256 over the canonical JSON minus signatures, unsigned, and
// hashes.
func ContentHash(object map[string]any) (string, error) {
	canonical, err := canonicalWithout(object, "signatures", "unsigned", "hashes")
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(canonical)
	return base64.RawStdEncoding.EncodeToString(digest[:]), nil
}

// ReferenceHash computes the hash the event ID is derived from:
// SHA-256 over the canonical JSON of the redacted event minus
// signatures and unsigned. Room version 3 encodes it with the
// standard base64 alphabet; versions 4 and later use the URL-safe
// alphabet (both unpadded).
func ReferenceHash(redacted map[string]any, roomVersion string) (string, error) {
	canonical, err := canonicalWithout(redacted, "signatures", "unsigned")
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(canonical)
	if roomVersion == "3" {
		return base64.RawStdEncoding.EncodeToString(digest[:]), nil
	}
	return base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// canonicalWithout canonicalizes object with the named top-level
// fields removed. The input map is not modified.
func canonicalWithout(object map[string]any, exclude ...string) ([]byte, error) {
	stripped := make(map[string]any, len(object))
	for key, value := range object {
		stripped[key] = value
	}
	for _, key := range exclude {
		delete(stripped, key)
	}
	return canonicaljson.Marshal(stripped)
}
