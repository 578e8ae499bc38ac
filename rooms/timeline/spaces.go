// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bureau-foundation/homeserver/lib/ref"
)

// spaceCache memoizes the child rooms of a space. Entries are
// dropped whenever an m.space.child event lands in the space, so a
// hit is always current state.
type spaceCache struct {
	mu       sync.RWMutex
	children map[ref.RoomID][]ref.RoomID
}

func newSpaceCache() *spaceCache {
	return &spaceCache{children: make(map[ref.RoomID][]ref.RoomID)}
}

func (c *spaceCache) get(room ref.RoomID) ([]ref.RoomID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	children, found := c.children[room]
	return children, found
}

func (c *spaceCache) set(room ref.RoomID, children []ref.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children[room] = children
}

func (c *spaceCache) invalidate(room ref.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.children, room)
}

// SpaceChildren returns the child rooms the space currently links: a
// child per m.space.child state event whose content still names at
// least one via server (clearing via is how a child is unlinked).
func (s *Service) SpaceChildren(ctx context.Context, room ref.RoomID) ([]ref.RoomID, error) {
	if children, found := s.spaces.get(room); found {
		return children, nil
	}

	events, err := s.deps.State.CurrentStateEvents(ctx, room)
	if err != nil {
		return nil, err
	}
	children := []ref.RoomID{}
	for _, event := range events {
		if event.Type != ref.SpaceChild {
			continue
		}
		var content struct {
			Via []string `json:"via"`
		}
		if err := json.Unmarshal(event.Content, &content); err != nil || len(content.Via) == 0 {
			continue
		}
		child, err := ref.ParseRoomID(event.StateKeyValue())
		if err != nil {
			continue
		}
		children = append(children, child)
	}
	s.spaces.set(room, children)
	return children, nil
}
