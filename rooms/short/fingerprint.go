// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package short

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"
)

// StateFingerprint is a 32-byte keyed BLAKE3 digest identifying an
// exact set of active state events.
type StateFingerprint [32]byte

// stateDomainKey is the BLAKE3 key for state-set fingerprints. A
// fixed constant — changing it orphans every stored state snapshot.
// The bytes are the ASCII domain name, zero-padded to 32 bytes, so
// the key is inspectable in hex dumps.
var stateDomainKey = [32]byte{
	'h', 'o', 'm', 'e', 's', 'e', 'r', 'v', 'e', 'r', '.',
	's', 't', 'a', 't', 'e', '.', 's', 'e', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint computes the fingerprint of a set of short event IDs.
// The input is not modified; order does not matter.
func Fingerprint(shortEventIDs []uint64) StateFingerprint {
	sorted := make([]uint64, len(shortEventIDs))
	copy(sorted, shortEventIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	hasher, err := blake3.NewKeyed(stateDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length.
		panic("short: blake3 keyed hasher: " + err.Error())
	}
	var encoded [8]byte
	for _, id := range sorted {
		binary.BigEndian.PutUint64(encoded[:], id)
		hasher.Write(encoded[:])
	}

	var fingerprint StateFingerprint
	hasher.Digest().Read(fingerprint[:])
	return fingerprint
}
