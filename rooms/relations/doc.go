// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relations tracks three pieces of event bookkeeping that
// the append pipeline maintains as side effects:
//
//   - referenced-event marks: which events appear in some other
//     event's prev_events, used to prune forward extremities and to
//     park soft-failed events outside the timeline;
//   - relation edges: child events annotating a target through
//     m.relates_to, keyed by the target's timeline position so a
//     target's annotations are one prefix scan;
//   - thread participation: the set of users who have posted into a
//     thread, keyed by the thread root.
package relations
