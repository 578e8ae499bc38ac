// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package push decides what a freshly appended event means for each
// local user: nothing, a notification, or a highlighted notification,
// and whether registered push keys should fire.
//
// The append pipeline consults an [Evaluator] for every local member
// of the room (the sender excepted) and a [PusherStore] for the push
// keys of users whose evaluation said notify. The built-in
// [RulesetEvaluator] implements the server-default ruleset; rule
// customization per user is intentionally out of scope here and
// arrives through the [Evaluator] contract instead.
package push
