// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing implements event hashing and ed25519 signing.
//
// Three hash/signature operations exist, all over canonical JSON
// (lib/canonicaljson):
//
//   - Content hash: SHA-256 of the event minus signatures, unsigned,
//     and hashes. Stored under hashes.sha256 and covered by the
//     signature, so content tampering invalidates the signature even
//     though the signature itself is computed over the redacted form.
//   - Signature: ed25519 over the redacted event minus signatures and
//     unsigned. Computed with [Key.SignJSON]; the caller supplies the
//     redacted object because the redaction rules are room-version
//     specific and live with the event model.
//   - Reference hash: SHA-256 of the redacted event minus signatures
//     and unsigned. The event ID is "$" plus its unpadded base64
//     (URL-safe alphabet for room versions 4 and later).
//
// The signing key at rest is an age file sealed with a passphrase
// (scrypt recipient); [LoadOrGenerateKey] creates it on first start.
// Canonical JSON larger than 64 KiB is rejected with [ErrPDUTooLarge]
// before any signature is produced.
package signing
