// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Production code accepts a Clock instead of calling time.Now or
// time.After directly. [Real] provides standard library behavior;
// [Fake] provides a deterministic clock for tests, so event
// origin_server_ts values and retry backoff are reproducible.
//
// The interface is deliberately small — Now and After are the only
// time operations this codebase performs. Timeline tests pin the fake
// clock and assert exact origin_server_ts values in signed events,
// which is what makes signing tests byte-for-byte reproducible.
package clock
