// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package admin implements the administrative control room: the
// room at "#admins:<server>" where server operators talk to the
// server itself.
//
// Messages in the control room that start with "!admin" are parsed
// as commands and answered by the server's service user. Replies are
// written in markdown and rendered to HTML with goldmark before
// being posted back. The append pipeline dispatches through the
// [CommandHandler] contract, so the timeline never depends on
// command internals; the reply path is injected the other way
// through [Replier].
package admin
