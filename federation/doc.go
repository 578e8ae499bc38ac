// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation carries events to the outside world: remote
// homeservers, application services, and push gateways.
//
// The append pipeline talks to the [Sender] contract; the [Queue] is
// its in-process implementation, with one FIFO lane per destination
// so a slow bridge never delays a fast server. Queue entries are
// persisted before delivery is attempted and removed after it
// succeeds, so a restart re-sends rather than drops.
//
// Inbound needs — fetching history and signing keys from a remote
// server — go through the [Client] contract. The wire transport
// behind both contracts is injected; this package owns ordering,
// durability, and retry, not HTTP.
package federation
