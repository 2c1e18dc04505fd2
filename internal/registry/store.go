// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Store errors
var (
	// ErrNotFound indicates the requested service row does not exist.
	ErrNotFound = errors.New("service not found in registry")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("registry store is closed")
)

// RegisteredService is one row in the service directory.
type RegisteredService struct {
	Name          string            `json:"serviceName"`
	Environment   string            `json:"environment"`
	Endpoint      string            `json:"endpoint"`
	Capabilities  []string          `json:"capabilities"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the service advertises the capability.
func (s *RegisteredService) HasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Store is the typed storage backend for the registry. Absence of a
// persistent backend is an explicit configuration choice (NoopStore), not
// a silently swallowed failure.
type Store interface {
	// Put upserts a row keyed by (name, environment).
	Put(ctx context.Context, svc *RegisteredService) error

	// Get returns the row for (name, environment), or ErrNotFound.
	Get(ctx context.Context, name, environment string) (*RegisteredService, error)

	// List returns all rows, unfiltered.
	List(ctx context.Context) ([]*RegisteredService, error)

	// Delete removes the row for (name, environment). Deleting a missing
	// row is not an error.
	Delete(ctx context.Context, name, environment string) error

	// Close releases backend resources.
	Close() error
}

// storeKey builds the composite key for (name, environment).
func storeKey(name, environment string) string {
	return name + "@" + environment
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string]*RegisteredService
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*RegisteredService)}
}

// Put upserts a row.
func (m *MemoryStore) Put(ctx context.Context, svc *RegisteredService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	cp := *svc
	m.rows[storeKey(svc.Name, svc.Environment)] = &cp
	return nil
}

// Get returns a row or ErrNotFound.
func (m *MemoryStore) Get(ctx context.Context, name, environment string) (*RegisteredService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	svc, ok := m.rows[storeKey(name, environment)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *svc
	return &cp, nil
}

// List returns all rows sorted by key for deterministic output.
func (m *MemoryStore) List(ctx context.Context) ([]*RegisteredService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*RegisteredService, 0, len(m.rows))
	for _, svc := range m.rows {
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return storeKey(out[i].Name, out[i].Environment) < storeKey(out[j].Name, out[j].Environment)
	})
	return out, nil
}

// Delete removes a row.
func (m *MemoryStore) Delete(ctx context.Context, name, environment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.rows, storeKey(name, environment))
	return nil
}

// Close closes the store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.rows = nil
	return nil
}

// NoopStore is the explicit "no persistence" backend. Registration calls
// succeed but record nothing, and discovery always misses. Selecting it is
// a visible configuration choice (registry.backend=none).
type NoopStore struct{}

// NewNoopStore creates a no-op store.
func NewNoopStore() *NoopStore { return &NoopStore{} }

// Put records nothing.
func (NoopStore) Put(ctx context.Context, svc *RegisteredService) error { return nil }

// Get always returns ErrNotFound.
func (NoopStore) Get(ctx context.Context, name, environment string) (*RegisteredService, error) {
	return nil, ErrNotFound
}

// List always returns an empty slice.
func (NoopStore) List(ctx context.Context) ([]*RegisteredService, error) {
	return []*RegisteredService{}, nil
}

// Delete records nothing.
func (NoopStore) Delete(ctx context.Context, name, environment string) error { return nil }

// Close is a no-op.
func (NoopStore) Close() error { return nil }
