// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"context"
	"strings"

	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/state"
)

// Actions is the outcome of evaluating one event for one user.
type Actions struct {
	// Notify means the event counts as unread and push keys fire.
	Notify bool

	// Highlight marks the notification as a mention.
	Highlight bool

	// Sound names the client sound to play, usually "default".
	// Empty means silent.
	Sound string
}

// Evaluator decides the push actions of an event for a user.
type Evaluator interface {
	Actions(ctx context.Context, user ref.UserID, ruleset Ruleset, powerLevels *state.PowerLevels, event *pdu.PDU, room ref.RoomID) (Actions, error)
}

// PusherStore returns the registered push keys of a user.
type PusherStore interface {
	Pushkeys(ctx context.Context, user ref.UserID) ([]string, error)
}

// Rule is one entry of a ruleset: the first rule whose Match returns
// true decides the actions.
type Rule struct {
	ID      string
	Match   func(user ref.UserID, powerLevels *state.PowerLevels, event *pdu.PDU) bool
	Actions Actions
}

// Ruleset is an ordered list of rules.
type Ruleset []Rule

// DefaultRuleset returns the server-default rules, highest priority
// first.
func DefaultRuleset() Ruleset {
	return Ruleset{
		{
			ID: ".m.rule.invite_for_me",
			Match: func(user ref.UserID, _ *state.PowerLevels, event *pdu.PDU) bool {
				return event.Type == ref.RoomMember &&
					event.StateKeyValue() == user.String() &&
					event.Membership() == "invite"
			},
			Actions: Actions{Notify: true, Sound: "default"},
		},
		{
			ID: ".m.rule.tombstone",
			Match: func(_ ref.UserID, _ *state.PowerLevels, event *pdu.PDU) bool {
				return event.Type == "m.room.tombstone" && event.IsState() && event.StateKeyValue() == ""
			},
			Actions: Actions{Notify: true, Highlight: true},
		},
		{
			ID: ".m.rule.roomnotif",
			Match: func(_ ref.UserID, powerLevels *state.PowerLevels, event *pdu.PDU) bool {
				body, ok := event.Body()
				if !ok || !strings.Contains(body, "@room") {
					return false
				}
				return powerLevels.UserLevel(event.Sender) >= powerLevels.StateDefault
			},
			Actions: Actions{Notify: true, Highlight: true},
		},
		{
			ID: ".m.rule.contains_user_name",
			Match: func(user ref.UserID, _ *state.PowerLevels, event *pdu.PDU) bool {
				body, ok := event.Body()
				return ok && containsWord(body, user.Localpart())
			},
			Actions: Actions{Notify: true, Highlight: true, Sound: "default"},
		},
		{
			ID: ".m.rule.message",
			Match: func(_ ref.UserID, _ *state.PowerLevels, event *pdu.PDU) bool {
				return event.Type == ref.RoomMessage
			},
			Actions: Actions{Notify: true},
		},
	}
}

// containsWord reports whether text contains word with no adjoining
// letters or digits, case-insensitively. "bob" must not match
// "bobsled".
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	text = strings.ToLower(text)
	word = strings.ToLower(word)
	for from := 0; ; {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		if !wordByte(text, start-1) && !wordByte(text, end) {
			return true
		}
		from = start + 1
	}
}

func wordByte(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return false
	}
	c := text[i]
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 'A' && c <= 'Z'
}

// RulesetEvaluator is the built-in Evaluator: first matching rule
// wins, no match means no actions.
type RulesetEvaluator struct{}

// Actions implements [Evaluator].
func (RulesetEvaluator) Actions(ctx context.Context, user ref.UserID, ruleset Ruleset, powerLevels *state.PowerLevels, event *pdu.PDU, room ref.RoomID) (Actions, error) {
	for _, rule := range ruleset {
		if rule.Match(user, powerLevels, event) {
			return rule.Actions, nil
		}
	}
	return Actions{}, nil
}
