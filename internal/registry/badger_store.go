// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/averled/maestro/internal/logging"
)

// badgerKeyPrefix namespaces registry rows inside a shared Badger database.
var badgerKeyPrefix = []byte("registry:")

// BadgerStore is a BadgerDB-backed Store. Rows survive process restarts,
// which is what lets peers discover services across coordinator crashes.
type BadgerStore struct {
	db     *badger.DB
	owned  bool
	mu     sync.RWMutex
	closed bool
}

// OpenBadgerStore opens (or creates) a Badger database at path and returns
// a store that owns the database handle.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is noisy; we log operations ourselves
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry store at %s: %w", path, err)
	}
	return &BadgerStore{db: db, owned: true}, nil
}

// NewBadgerStore wraps an existing Badger database shared with other
// components. Close() will not close a shared handle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func badgerKey(name, environment string) []byte {
	return append(append([]byte{}, badgerKeyPrefix...), []byte(storeKey(name, environment))...)
}

// Put upserts a row.
func (b *BadgerStore) Put(ctx context.Context, svc *RegisteredService) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStoreClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("failed to marshal registry row: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(svc.Name, svc.Environment), data)
	})
}

// Get returns a row or ErrNotFound.
func (b *BadgerStore) Get(ctx context.Context, name, environment string) (*RegisteredService, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	b.mu.RUnlock()

	var svc RegisteredService
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(name, environment))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &svc)
		})
	})
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// List returns all registry rows.
func (b *BadgerStore) List(ctx context.Context) ([]*RegisteredService, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	b.mu.RUnlock()

	var out []*RegisteredService
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var svc RegisteredService
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &svc)
			}); err != nil {
				// A corrupt row shouldn't hide the rest of the directory.
				logging.Warn().Err(err).
					Str("key", string(it.Item().Key())).
					Msg("Skipping unreadable registry row")
				continue
			}
			cp := svc
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*RegisteredService{}
	}
	return out, nil
}

// Delete removes a row. Missing rows are not an error.
func (b *BadgerStore) Delete(ctx context.Context, name, environment string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStoreClosed
	}
	b.mu.RUnlock()

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(name, environment))
	})
}

// Close closes the underlying database if this store owns it.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.owned {
		return b.db.Close()
	}
	return nil
}

// DB exposes the underlying handle so other components (the spend ledger)
// can share one database file.
func (b *BadgerStore) DB() *badger.DB {
	return b.db
}
