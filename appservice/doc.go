// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package appservice manages application service registrations:
// bridges and bots that observe rooms through namespace claims
// rather than membership.
//
// Registrations are .jsonc files (JSON with comments, so operators
// can annotate their bridge configs) loaded once at startup into a
// read-mostly [Registry]. Namespace regexes are compiled at load
// time; a registration that fails to compile is rejected rather than
// silently matching nothing.
package appservice
