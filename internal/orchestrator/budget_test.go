// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package orchestrator

import (
	"errors"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLedgerAllowsUnderCeiling(t *testing.T) {
	ledger := NewLedger(nil, 5.0)
	ledger.Add(4.99)

	if err := ledger.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil under ceiling", err)
	}

	ledger.Add(0.01) // exactly at ceiling
	if err := ledger.Allow(); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Allow() error = %v, want ErrBudgetExceeded at ceiling", err)
	}
}

func TestLedgerZeroCeilingDisablesGate(t *testing.T) {
	ledger := NewLedger(nil, 0)
	ledger.Add(1000)

	if err := ledger.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil with gate disabled", err)
	}
}

func TestLedgerIgnoresNonPositiveCost(t *testing.T) {
	ledger := NewLedger(nil, 5.0)
	ledger.Add(0)
	ledger.Add(-1)

	if got := ledger.Spent(); got != 0 {
		t.Errorf("Spent() = %v, want 0", got)
	}
}

func TestLedgerDayRollover(t *testing.T) {
	ledger := NewLedger(nil, 5.0)
	ledger.Add(10) // over ceiling

	if err := ledger.Allow(); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("Allow() error = %v, want ErrBudgetExceeded", err)
	}

	// Advance the clock past midnight UTC; yesterday's spend is forgiven.
	ledger.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	if err := ledger.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil after rollover", err)
	}
	if got := ledger.Spent(); got != 0 {
		t.Errorf("Spent() = %v, want 0 after rollover", got)
	}
}

func TestLedgerPersistsAcrossRestart(t *testing.T) {
	db := openTestDB(t)

	first := NewLedger(db, 10.0)
	first.Add(3.5)
	first.Add(1.5)

	// A fresh ledger over the same DB sees the day's running total.
	second := NewLedger(db, 10.0)
	if got := second.Spent(); got != 5.0 {
		t.Errorf("Spent() = %v, want 5.0 from persisted ledger", got)
	}

	second.Add(6.0)
	if err := second.Allow(); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Allow() error = %v, want ErrBudgetExceeded", err)
	}
}
