// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry holds the loaded application services. Reads vastly
// outnumber writes (every appended event consults the registry), so
// it hands out a stable snapshot slice.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Appservice
	snapshot []*Appservice
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Appservice)}
}

// LoadDirectory loads every .jsonc registration in dir. An empty dir
// name loads nothing. A malformed registration fails the whole load;
// a half-registered bridge is worse than a down server.
func (r *Registry) LoadDirectory(dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("appservice: reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonc") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("appservice: reading %s: %w", path, err)
		}
		service, err := Parse(data)
		if err != nil {
			return fmt.Errorf("appservice: %s: %w", path, err)
		}
		if err := r.Register(service); err != nil {
			return fmt.Errorf("appservice: %s: %w", path, err)
		}
		logger.Info("appservice registered",
			"id", service.ID,
			"sender_localpart", service.SenderLocalpart,
		)
	}
	return nil
}

// Register adds a service. Duplicate IDs are rejected.
func (r *Registry) Register(service *Appservice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[service.ID]; exists {
		return fmt.Errorf("appservice: duplicate registration id %q", service.ID)
	}
	r.services[service.ID] = service
	r.rebuildSnapshot()
	return nil
}

// rebuildSnapshot regenerates the read snapshot. Caller holds mu.
func (r *Registry) rebuildSnapshot() {
	snapshot := make([]*Appservice, 0, len(r.services))
	for _, service := range r.services {
		snapshot = append(snapshot, service)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	r.snapshot = snapshot
}

// All returns the registered services in ID order. The returned
// slice is shared; callers must not modify it.
func (r *Registry) All() []*Appservice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Get returns the service with the given ID, or nil.
func (r *Registry) Get(id string) *Appservice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[id]
}
