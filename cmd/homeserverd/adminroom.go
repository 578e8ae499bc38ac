// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/pdu"
	"github.com/bureau-foundation/homeserver/rooms/alias"
	"github.com/bureau-foundation/homeserver/rooms/timeline"
)

// timelineLoader defers the send queue's event lookups to the timeline
// service, which is constructed after the queue.
type timelineLoader struct {
	timeline *timeline.Service
}

func (l *timelineLoader) PDUJSONByID(ctx context.Context, pduID []byte) ([]byte, bool, error) {
	return l.timeline.PDUJSONByID(ctx, pduID)
}

// adminReplier posts command replies into the control room as the
// service user.
type adminReplier struct {
	timeline *timeline.Service
	aliases  *alias.Service
	alias    ref.RoomAlias
	user     ref.UserID
}

func (r *adminReplier) Reply(ctx context.Context, markdown, html string) error {
	room, found, err := r.aliases.Resolve(ctx, r.alias)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("control room alias %s is not set", r.alias)
	}
	content, err := json.Marshal(map[string]any{
		"msgtype":        "m.notice",
		"body":           markdown,
		"format":         "org.matrix.custom.html",
		"formatted_body": html,
	})
	if err != nil {
		return err
	}
	guard := r.timeline.LockRoom(room)
	defer guard.Unlock()
	_, err = r.timeline.BuildAndAppend(ctx, &pdu.Builder{
		Type:    ref.RoomMessage,
		Content: content,
	}, r.user, room, guard)
	return err
}

// ensureAdminRoom creates the control room and its alias on first
// start. The service user creates and joins the room; operators are
// invited out of band.
func ensureAdminRoom(ctx context.Context, tl *timeline.Service, aliases *alias.Service, adminAlias ref.RoomAlias, serviceUser ref.UserID, server ref.ServerName, logger *slog.Logger) error {
	if _, found, err := aliases.Resolve(ctx, adminAlias); err != nil || found {
		return err
	}

	room, err := ref.ParseRoomID("!" + uuid.NewString() + ":" + server.String())
	if err != nil {
		return err
	}

	guard := tl.LockRoom(room)
	defer guard.Unlock()

	create, err := json.Marshal(map[string]any{
		"room_version": "11",
		"creator":      serviceUser.String(),
	})
	if err != nil {
		return err
	}
	steps := []*pdu.Builder{
		{Type: ref.RoomCreate, Content: create, StateKey: pdu.StateKey("")},
		{
			Type:     ref.RoomMember,
			Content:  json.RawMessage(`{"membership":"join"}`),
			StateKey: pdu.StateKey(serviceUser.String()),
		},
		{
			Type:     ref.RoomName,
			Content:  json.RawMessage(`{"name":"Server Admin"}`),
			StateKey: pdu.StateKey(""),
		},
	}
	for _, builder := range steps {
		if _, err := tl.BuildAndAppend(ctx, builder, serviceUser, room, guard); err != nil {
			return fmt.Errorf("bootstrapping control room: %w", err)
		}
	}
	if err := aliases.SetAlias(ctx, adminAlias, room); err != nil {
		return err
	}
	logger.Info("control room created",
		"room", room.String(),
		"alias", adminAlias.String(),
	)
	return nil
}
