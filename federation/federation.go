// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	"github.com/bureau-foundation/homeserver/lib/ref"
)

// Sender dispatches a freshly appended event to interested parties.
// The pduID is the storage key of the event (room and position), not
// the event ID: the queue resolves it to the current stored JSON at
// delivery time so redactions applied before delivery are honored.
type Sender interface {
	// SendPDUServers queues the event for each remote server.
	SendPDUServers(ctx context.Context, servers []ref.ServerName, pduID []byte) error

	// SendPDUAppservice queues the event for a registered
	// application service.
	SendPDUAppservice(ctx context.Context, id string, pduID []byte) error

	// SendPDUPush queues the event for one push key of a user.
	SendPDUPush(ctx context.Context, pduID []byte, user ref.UserID, pushkey string) error
}

// Client fetches from remote homeservers.
type Client interface {
	// Backfill requests up to limit events older than the known
	// ones from the server.
	Backfill(ctx context.Context, server ref.ServerName, room ref.RoomID, knownIDs []ref.EventID, limit int) ([]json.RawMessage, error)

	// FetchSigningKeys resolves the named keys ("ed25519:<id>") of
	// the server.
	FetchSigningKeys(ctx context.Context, server ref.ServerName, keyLabels []string) (map[string]ed25519.PublicKey, error)
}
