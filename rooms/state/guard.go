// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/homeserver/lib/mutexmap"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// ErrForbidden reports that an event failed authorization or hit a
// protected-room guard. It is surfaced to the caller and never
// retried.
var ErrForbidden = errors.New("forbidden")

// Guard is a held room gate: proof that the caller serialized with
// everyone else mutating the same room. Obtained from a
// mutexmap.Map[ref.RoomID] (the state gate, insert gate, and
// federation gate are three independent instances).
type Guard = mutexmap.Guard[ref.RoomID]

// checkGuard verifies that guard is held for room. A mismatch is a
// caller bug, reported rather than silently accepted because a wrong
// guard voids every serialization invariant downstream.
func checkGuard(guard *Guard, room ref.RoomID) error {
	if guard == nil {
		return fmt.Errorf("state: nil guard for room %s", room)
	}
	if guard.Key() != room {
		return fmt.Errorf("state: guard held for %s, room %s mutated", guard.Key(), room)
	}
	return nil
}
