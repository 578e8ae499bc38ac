// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package user stores per-user, per-room counters: unread
// notification and highlight counts incremented by push evaluation,
// and the private read marker advanced when the user's own event is
// appended or their client reports reading.
package user
